package nativecore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/nearfield/pkg/dsp"
)

const (
	minCapacity    = 256
	warmCapacity   = 512
	bytesPerSample = 4
	metricsBytes   = 4 * bytesPerSample
)

// Loader produces a ready-to-initialize core. It runs on the bridge's init
// goroutine and may block on I/O.
type Loader func(ctx context.Context) (Exports, error)

// State describes the bridge lifecycle.
type State int

const (
	// StatePending means initialization has not finished.
	StatePending State = iota
	// StateReady means the core is serving calls.
	StateReady
	// StateDisabled means initialization or a call failed; the bridge stays
	// disabled for the rest of its life.
	StateDisabled
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// buffer is one allocation inside the core's memory, mirrored 1:1 against
// ve_alloc_f32 / ve_free_f32.
type buffer struct {
	ptr  uint32
	size uint32
}

// Bridge owns a compiled core and its input/output buffers.
//
// [Bridge.Start] initializes the core on its own goroutine. The audio
// goroutine only checks an atomic ready flag and never waits for init. After
// init, Analyze, Render and Reset must be called from a single goroutine.
type Bridge struct {
	sampleRate float64
	log        *slog.Logger

	state    atomic.Int32
	started  atomic.Bool
	initDone chan struct{}
	initErr  error

	closeOnce sync.Once

	// Owned by the init goroutine until ready, then by the audio goroutine.
	core       Exports
	metricsPtr uint32
	capacity   uint32
	in, out    buffer
	failure    error
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// NewBridge returns a pending bridge for sampleRate. It does nothing until
// [Bridge.Start] is called.
func NewBridge(sampleRate float64, opts ...Option) *Bridge {
	b := &Bridge{
		sampleRate: sampleRate,
		log:        slog.Default(),
		initDone:   make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start launches initialization on a new goroutine. It returns immediately.
// Calling Start more than once has no effect.
func (b *Bridge) Start(ctx context.Context, load Loader) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(b.initDone)
		if err := b.init(ctx, load); err != nil {
			b.initErr = err
			b.disable(err)
			b.log.Warn("native core unavailable, using software path", "err", err)
		}
	}()
}

func (b *Bridge) init(ctx context.Context, load Loader) error {
	core, err := load(ctx)
	if err != nil {
		return fmt.Errorf("nativecore: load: %w", err)
	}
	b.core = core
	if err := core.Init(float32(b.sampleRate)); err != nil {
		return err
	}
	if b.metricsPtr, err = core.MetricsPtr(); err != nil {
		return err
	}
	if err := b.ensureCapacity(warmCapacity); err != nil {
		return err
	}
	b.log.Info("native core ready", "capacity", b.capacity, "metrics_ptr", b.metricsPtr)
	if !b.state.CompareAndSwap(int32(StatePending), int32(StateReady)) {
		return ErrUnavailable
	}
	return nil
}

// Wait blocks until initialization finishes or ctx is done and returns the
// init error, if any.
func (b *Bridge) Wait(ctx context.Context) error {
	if !b.started.Load() {
		return ErrUnavailable
	}
	select {
	case <-b.initDone:
		return b.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the current lifecycle state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Ready reports whether calls are currently served by the core.
func (b *Bridge) Ready() bool {
	return b.State() == StateReady
}

// Err returns the failure that disabled the bridge, or nil. It must be called
// from the goroutine that drives the bridge.
func (b *Bridge) Err() error {
	if b.State() != StateDisabled {
		return nil
	}
	return b.failure
}

func (b *Bridge) disable(err error) {
	b.failure = err
	b.state.Store(int32(StateDisabled))
}

// fail disables the bridge and returns err wrapped with op.
func (b *Bridge) fail(op string, err error) error {
	err = fmt.Errorf("nativecore: %s: %w", op, err)
	if b.State() != StateDisabled {
		b.disable(err)
		b.log.Warn("native core disabled", "op", op, "err", err)
	}
	return err
}

// ensureCapacity grows both buffers to the next power of two >= n (minimum
// 256). The old allocations are freed before the new ones are made.
func (b *Bridge) ensureCapacity(n uint32) error {
	if n <= b.capacity {
		return nil
	}
	next := max(minCapacity, nextPow2(n))

	if b.in.ptr != 0 && b.capacity > 0 {
		if err := b.core.Free(b.in.ptr, b.in.size); err != nil {
			return err
		}
		b.in = buffer{}
	}
	if b.out.ptr != 0 && b.capacity > 0 {
		if err := b.core.Free(b.out.ptr, b.out.size); err != nil {
			return err
		}
		b.out = buffer{}
	}

	var err error
	if b.in, err = b.allocate(next); err != nil {
		return err
	}
	if b.out, err = b.allocate(next); err != nil {
		return err
	}
	b.capacity = next
	return nil
}

func (b *Bridge) allocate(n uint32) (buffer, error) {
	ptr, err := b.core.Alloc(n)
	if err != nil {
		return buffer{}, err
	}
	if ptr == 0 {
		return buffer{}, errors.New("nativecore: allocation returned null")
	}
	return buffer{ptr: ptr, size: n}, nil
}

// Capacity returns the current buffer capacity in samples.
func (b *Bridge) Capacity() uint32 {
	return b.capacity
}

// Analyze copies input into the core, runs ve_analyze_frame and reads back
// the four frame metrics. Any failure disables the bridge.
func (b *Bridge) Analyze(input []float32) (dsp.FrameMetrics, error) {
	if !b.Ready() {
		return dsp.FrameMetrics{}, ErrUnavailable
	}
	n := uint32(len(input))
	if err := b.ensureCapacity(n); err != nil {
		return dsp.FrameMetrics{}, b.fail("ensure capacity", err)
	}

	view, ok := b.core.Memory().Read(b.in.ptr, n*bytesPerSample)
	if !ok {
		return dsp.FrameMetrics{}, b.fail("analyze", ErrOutOfRange)
	}
	for i, s := range input {
		binary.LittleEndian.PutUint32(view[i*bytesPerSample:], math.Float32bits(s))
	}
	if err := b.core.AnalyzeFrame(b.in.ptr, n); err != nil {
		return dsp.FrameMetrics{}, b.fail("analyze", err)
	}

	m, ok := b.core.Memory().Read(b.metricsPtr, metricsBytes)
	if !ok {
		return dsp.FrameMetrics{}, b.fail("analyze", ErrOutOfRange)
	}
	return dsp.FrameMetrics{
		RMS:         readMetric(m, 0),
		VoiceRatio:  readMetric(m, 1),
		RumbleRatio: readMetric(m, 2),
		ZCR:         readMetric(m, 3),
	}, nil
}

// Render runs ve_render_frame over the band signals retained from the last
// Analyze and copies len(out) samples into out. Any failure disables the
// bridge and leaves out untouched.
func (b *Bridge) Render(out []float32, p dsp.RenderParams) error {
	if !b.Ready() {
		return ErrUnavailable
	}
	n := uint32(len(out))
	if err := b.ensureCapacity(n); err != nil {
		return b.fail("ensure capacity", err)
	}
	if err := b.core.RenderFrame(b.out.ptr, n,
		float32(p.Gain), float32(p.PresenceLift), float32(p.RumbleReduction), float32(p.SaturationDrive),
	); err != nil {
		return b.fail("render", err)
	}
	view, ok := b.core.Memory().Read(b.out.ptr, n*bytesPerSample)
	if !ok {
		return b.fail("render", ErrOutOfRange)
	}
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(view[i*bytesPerSample:]))
	}
	return nil
}

// Reset clears the core's filter state. It is a no-op unless ready.
func (b *Bridge) Reset() error {
	if !b.Ready() {
		return nil
	}
	if err := b.core.Reset(); err != nil {
		return b.fail("reset", err)
	}
	return nil
}

// Close disables the bridge and releases the core. It waits for a running
// init to finish first. The audio goroutine must have stopped calling the
// bridge.
func (b *Bridge) Close(ctx context.Context) error {
	if b.started.Load() {
		select {
		case <-b.initDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	var err error
	b.closeOnce.Do(func() {
		b.state.Store(int32(StateDisabled))
		if b.core != nil {
			err = b.core.Close()
		}
	})
	return err
}

// readMetric decodes the i-th float32 metric. NaN reads as zero.
func readMetric(m []byte, i int) float64 {
	v := float64(math.Float32frombits(binary.LittleEndian.Uint32(m[i*bytesPerSample:])))
	if math.IsNaN(v) {
		return 0
	}
	return v
}

func nextPow2(n uint32) uint32 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len32(n-1)
}
