package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iamcalledrob/circular"
)

const (
	defaultBufferBlocks = 64
	readChunkBytes      = 8192
)

// Processor consumes one mono input block and fills every output channel.
// A nil input asks for the processor's idle output.
type Processor interface {
	Process(input []float32, outputs [][]float32)
}

// HostConfig configures a [Host].
type HostConfig struct {
	// Input is the format of the PCM read from the source.
	Input Format
	// SampleRate is the processing and output rate.
	SampleRate int
	// BlockSize is the number of samples per processed block.
	BlockSize int
	// OutputChannels is the channel count of the written PCM.
	OutputChannels int
	// Realtime paces blocks at the output sample rate. A block whose input
	// has not arrived in time is processed as silence.
	Realtime bool
	// BufferBlocks sizes the input ring buffer in blocks.
	BufferBlocks int
}

// Host drives a [Processor] from a PCM byte stream.
//
// A reader goroutine converts the source to mono at SampleRate and writes it
// into a ring buffer. The processing loop takes exactly one block at a time
// from the ring, runs the processor and writes interleaved s16le output.
type Host struct {
	cfg  HostConfig
	proc Processor
	log  *slog.Logger

	mu       sync.Mutex
	ring     *circular.Buffer
	finished bool
	readErr  error
	// produced is closed and replaced whenever the reader adds data or
	// finishes; consumed whenever the processing loop drains data.
	produced chan struct{}
	consumed chan struct{}

	have int

	blocks    atomic.Uint64
	underruns atomic.Uint64
}

// NewHost validates cfg and returns a host for proc.
func NewHost(cfg HostConfig, proc Processor, log *slog.Logger) (*Host, error) {
	var errs []error
	if !cfg.Input.Valid() {
		errs = append(errs, fmt.Errorf("input format %q is invalid", cfg.Input.String()))
	}
	if cfg.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", cfg.SampleRate))
	}
	if cfg.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("block size %d must be positive", cfg.BlockSize))
	}
	if cfg.OutputChannels <= 0 {
		errs = append(errs, fmt.Errorf("output channels %d must be positive", cfg.OutputChannels))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("audio: host: %w", errors.Join(errs...))
	}
	if cfg.BufferBlocks <= 0 {
		cfg.BufferBlocks = defaultBufferBlocks
	}
	if log == nil {
		log = slog.Default()
	}

	// The ring must hold at least one converted read chunk or the reader
	// could never make progress.
	upsample := (cfg.SampleRate + cfg.Input.SampleRate - 1) / cfg.Input.SampleRate
	maxChunk := (readChunkBytes/cfg.Input.FrameBytes() + 1) * BytesPerSample * upsample
	size := max(cfg.BufferBlocks*cfg.BlockSize*BytesPerSample, 2*maxChunk)

	return &Host{
		cfg:      cfg,
		proc:     proc,
		log:      log,
		ring:     circular.NewBuffer(size),
		produced: make(chan struct{}),
		consumed: make(chan struct{}),
	}, nil
}

// Blocks returns the number of blocks processed.
func (h *Host) Blocks() uint64 { return h.blocks.Load() }

// Underruns returns the number of realtime blocks processed as silence
// because input was late.
func (h *Host) Underruns() uint64 { return h.underruns.Load() }

// Run streams r through the processor into w until r is exhausted or ctx is
// done. A final partial block is zero-padded. End of input is not an error.
//
// The reader goroutine may stay blocked in r.Read after Run returns on
// cancellation; closing r releases it.
func (h *Host) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go h.readLoop(ctx, r)

	bs := h.cfg.BlockSize
	pcmIn := make([]byte, bs*BytesPerSample)
	input := make([]float32, bs)
	outputs := make([][]float32, h.cfg.OutputChannels)
	for i := range outputs {
		outputs[i] = make([]float32, bs)
	}
	pcmOut := make([]byte, bs*h.cfg.OutputChannels*BytesPerSample)

	var tick <-chan time.Time
	if h.cfg.Realtime {
		period := time.Duration(float64(bs) / float64(h.cfg.SampleRate) * float64(time.Second))
		t := time.NewTicker(period)
		defer t.Stop()
		tick = t.C
	}

	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		}

		full, done, err := h.fill(ctx, pcmIn, tick == nil)
		if err != nil {
			return err
		}
		switch {
		case full:
			DecodePCM16(input, pcmIn)
			h.proc.Process(input, outputs)
		case done && h.have > 0:
			clear(pcmIn[h.have:])
			DecodePCM16(input, pcmIn)
			h.have = 0
			h.proc.Process(input, outputs)
		case done:
			return nil
		default:
			h.underruns.Add(1)
			h.proc.Process(nil, outputs)
		}
		h.blocks.Add(1)

		n := EncodePCM16(pcmOut, outputs)
		if _, err := w.Write(pcmOut[:n]); err != nil {
			return fmt.Errorf("audio: write output: %w", err)
		}
	}
}

// fill tops up buf from the ring. With wait set it blocks until buf is full
// or the input has finished. It reports whether buf is full and whether the
// input has finished with nothing left in the ring.
func (h *Host) fill(ctx context.Context, buf []byte, wait bool) (full, done bool, err error) {
	for {
		h.mu.Lock()
		n, rerr := h.ring.Read(buf[h.have:])
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			h.mu.Unlock()
			return false, false, fmt.Errorf("audio: ring read: %w", rerr)
		}
		h.have += n
		if n > 0 {
			close(h.consumed)
			h.consumed = make(chan struct{})
		}
		finished, readErr, produced := h.finished, h.readErr, h.produced
		h.mu.Unlock()

		if h.have == len(buf) {
			h.have = 0
			return true, false, nil
		}
		if finished && n == 0 {
			if readErr != nil {
				return false, true, readErr
			}
			return false, true, nil
		}
		if !wait {
			return false, false, nil
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return false, false, ctx.Err()
		case <-produced:
		}
	}
}

func (h *Host) readLoop(ctx context.Context, r io.Reader) {
	conv := &Converter{From: h.cfg.Input, SampleRate: h.cfg.SampleRate}
	frame := h.cfg.Input.FrameBytes()
	buf := make([]byte, readChunkBytes+frame)
	carry := 0

	for {
		n, err := r.Read(buf[carry:readChunkBytes])
		carry += n
		aligned := carry - carry%frame
		if aligned > 0 {
			if perr := h.push(ctx, conv.ToMono(buf[:aligned])); perr != nil {
				h.finish(nil)
				return
			}
			carry = copy(buf, buf[aligned:carry])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			} else {
				h.log.Warn("audio: input read failed", "err", err)
				err = fmt.Errorf("audio: read input: %w", err)
			}
			h.finish(err)
			return
		}
	}
}

// push writes p into the ring, waiting for the processing loop to drain
// space when the ring is full.
func (h *Host) push(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		h.mu.Lock()
		_, err := h.ring.Write(p)
		if err == nil {
			close(h.produced)
			h.produced = make(chan struct{})
			h.mu.Unlock()
			return nil
		}
		consumed := h.consumed
		h.mu.Unlock()
		if !errors.Is(err, circular.ErrNoSpace) {
			return fmt.Errorf("audio: ring write: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-consumed:
		}
	}
	return nil
}

func (h *Host) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = true
	h.readErr = err
	close(h.produced)
	h.produced = make(chan struct{})
}
