package observe

import (
	"context"
	"sync/atomic"
	"time"
)

// blockWindow is the number of recent block durations kept for Flush.
const blockWindow = 128

// BlockMeter accumulates engine block counts and wall times with atomics so
// the audio goroutine never calls into the metrics SDK. [BlockMeter.Flush]
// exports what accumulated since the previous flush.
//
// Observe must be called from a single goroutine and Flush from another
// single goroutine.
type BlockMeter struct {
	metrics *Metrics

	blocks    atomic.Uint64
	durations [blockWindow]atomic.Int64

	// Owned by the flushing goroutine.
	flushed uint64
}

// NewBlockMeter returns a meter exporting to m.
func NewBlockMeter(m *Metrics) *BlockMeter {
	return &BlockMeter{metrics: m}
}

// Observe records one block that took d.
func (bm *BlockMeter) Observe(d time.Duration) {
	n := bm.blocks.Load()
	bm.durations[n%blockWindow].Store(int64(d))
	bm.blocks.Store(n + 1)
}

// Blocks returns the number of blocks observed so far.
func (bm *BlockMeter) Blocks() uint64 { return bm.blocks.Load() }

// Flush adds the blocks observed since the last flush to the block counter
// and records their durations. When more than the window of blocks
// accumulated, only the newest durations are recorded.
func (bm *BlockMeter) Flush(ctx context.Context) {
	n := bm.blocks.Load()
	if n == bm.flushed {
		return
	}
	bm.metrics.Blocks.Add(ctx, int64(n-bm.flushed))
	from := bm.flushed
	if n-from > blockWindow {
		from = n - blockWindow
	}
	for i := from; i < n; i++ {
		d := time.Duration(bm.durations[i%blockWindow].Load())
		bm.metrics.BlockDuration.Record(ctx, d.Seconds())
	}
	bm.flushed = n
}
