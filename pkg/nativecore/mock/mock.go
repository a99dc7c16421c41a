// Package mock provides a test double for [nativecore.Exports].
//
// Core is a pure Go voice core over a byte-slice memory. It computes the same
// single-precision analysis and render as the compiled core, records every
// allocation and free, and can be told to fail any export:
//
//	core := mock.NewCore(1 << 20)
//	core.AnalyzeErr = errors.New("trap")
//	b := nativecore.NewBridge(48000)
//	b.Start(ctx, core.Loader())
package mock

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"

	"github.com/MrWong99/nearfield/pkg/nativecore"
)

const (
	metricsOffset = 16
	heapStart     = 1024
	minSampleRate = 8000
)

// Memory is a little-endian byte-slice linear memory.
type Memory struct {
	buf []byte
}

var _ nativecore.Memory = (*Memory)(nil)

// Read returns a view of byteCount bytes at offset.
func (m *Memory) Read(offset, byteCount uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[offset:end], true
}

// AllocCall records one ve_alloc_f32 call.
type AllocCall struct {
	N   uint32
	Ptr uint32
}

// FreeCall records one ve_free_f32 call.
type FreeCall struct {
	Ptr uint32
	N   uint32
}

// Core is a mock implementation of [nativecore.Exports].
type Core struct {
	mu  sync.Mutex
	mem Memory

	// Per-export injected failures. A non-nil error is returned instead of
	// running the export.
	InitErr    error
	ResetErr   error
	AllocErr   error
	FreeErr    error
	AnalyzeErr error
	RenderErr  error

	// Call records.
	InitCalls    []float32
	ResetCalls   int
	AllocCalls   []AllocCall
	FreeCalls    []FreeCall
	AnalyzeCalls int
	RenderCalls  int
	Closed       bool
	// Sequence lists export names in call order.
	Sequence []string

	next uint32

	sampleRate    float32
	hpAlpha       float32
	speechAlpha   float32
	rumbleAlpha   float32
	hpPrevIn      float32
	hpPrevOut     float32
	lpSpeech      float32
	lpRumble      float32
	hpScratch     []float32
	speechScratch []float32
	rumbleScratch []float32
}

var _ nativecore.Exports = (*Core)(nil)

// NewCore returns a core with memSize bytes of linear memory.
func NewCore(memSize int) *Core {
	c := &Core{mem: Memory{buf: make([]byte, memSize)}, next: heapStart}
	c.configure(48000)
	return c
}

// Loader returns a [nativecore.Loader] that yields c.
func (c *Core) Loader() nativecore.Loader {
	return func(context.Context) (nativecore.Exports, error) { return c, nil }
}

// FailingLoader returns a loader that always fails with err.
func FailingLoader(err error) nativecore.Loader {
	return func(context.Context) (nativecore.Exports, error) { return nil, err }
}

// Fail sets every injected error to err. Thread-safe.
func (c *Core) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InitErr, c.ResetErr, c.AllocErr, c.FreeErr, c.AnalyzeErr, c.RenderErr = err, err, err, err, err, err
}

// SetAnalyzeErr sets the analyze failure. Thread-safe.
func (c *Core) SetAnalyzeErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AnalyzeErr = err
}

// SetRenderErr sets the render failure. Thread-safe.
func (c *Core) SetRenderErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RenderErr = err
}

// Snapshot returns copies of the allocation records and call sequence.
// Thread-safe.
func (c *Core) Snapshot() (allocs []AllocCall, frees []FreeCall, seq []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AllocCall(nil), c.AllocCalls...),
		append([]FreeCall(nil), c.FreeCalls...),
		append([]string(nil), c.Sequence...)
}

// Calls returns the analyze and render call counts. Thread-safe.
func (c *Core) Calls() (analyze, render int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.AnalyzeCalls, c.RenderCalls
}

func (c *Core) configure(sampleRate float32) {
	sr := float32(math.Max(float64(sampleRate), minSampleRate))
	c.sampleRate = sr
	dt := 1 / sr
	rc := func(hz float32) float32 { return 1 / (2 * math.Pi * hz) }
	hp, sp, rb := rc(100), rc(3600), rc(170)
	c.hpAlpha = hp / (hp + dt)
	c.speechAlpha = dt / (sp + dt)
	c.rumbleAlpha = dt / (rb + dt)
	c.hpPrevIn, c.hpPrevOut, c.lpSpeech, c.lpRumble = 0, 0, 0, 0
	c.hpScratch, c.speechScratch, c.rumbleScratch = nil, nil, nil
}

func (c *Core) Init(sampleRate float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sequence = append(c.Sequence, nativecore.ExportInit)
	c.InitCalls = append(c.InitCalls, sampleRate)
	if c.InitErr != nil {
		return c.InitErr
	}
	c.configure(sampleRate)
	return nil
}

func (c *Core) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sequence = append(c.Sequence, nativecore.ExportReset)
	c.ResetCalls++
	if c.ResetErr != nil {
		return c.ResetErr
	}
	c.configure(c.sampleRate)
	c.writeMetrics(0, 0, 0, 0)
	return nil
}

func (c *Core) MetricsPtr() (uint32, error) {
	return metricsOffset, nil
}

func (c *Core) Alloc(n uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sequence = append(c.Sequence, nativecore.ExportAlloc)
	if c.AllocErr != nil {
		return 0, c.AllocErr
	}
	size := n * 4
	if uint64(c.next)+uint64(size) > uint64(len(c.mem.buf)) {
		return 0, errors.New("mock: out of memory")
	}
	ptr := c.next
	c.next += size
	c.AllocCalls = append(c.AllocCalls, AllocCall{N: n, Ptr: ptr})
	return ptr, nil
}

func (c *Core) Free(ptr, n uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sequence = append(c.Sequence, nativecore.ExportFree)
	if c.FreeErr != nil {
		return c.FreeErr
	}
	c.FreeCalls = append(c.FreeCalls, FreeCall{Ptr: ptr, N: n})
	return nil
}

func (c *Core) AnalyzeFrame(ptr, n uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AnalyzeCalls++
	if c.AnalyzeErr != nil {
		return c.AnalyzeErr
	}
	if ptr == 0 || n == 0 {
		c.writeMetrics(0, 0, 0, 0)
		return nil
	}
	in, ok := c.mem.Read(ptr, n*4)
	if !ok {
		return errors.New("mock: analyze out of bounds")
	}
	if len(c.hpScratch) < int(n) {
		c.hpScratch = make([]float32, n)
		c.speechScratch = make([]float32, n)
		c.rumbleScratch = make([]float32, n)
	}

	var sumSquares, voice, rumble, crossings float32
	total := float32(1e-7)
	lastSign := 0
	for i := range int(n) {
		x := math.Float32frombits(binary.LittleEndian.Uint32(in[i*4:]))
		hp := c.hpAlpha * (c.hpPrevOut + x - c.hpPrevIn)
		c.hpPrevIn, c.hpPrevOut = x, hp
		c.lpSpeech += c.speechAlpha * (hp - c.lpSpeech)
		c.lpRumble += c.rumbleAlpha * (x - c.lpRumble)
		c.hpScratch[i], c.speechScratch[i], c.rumbleScratch[i] = hp, c.lpSpeech, c.lpRumble

		e := hp * hp
		sumSquares += e
		total += e
		voice += c.lpSpeech * c.lpSpeech
		rumble += c.lpRumble * c.lpRumble

		sign := 0
		if hp > 0.0025 {
			sign = 1
		} else if hp < -0.0025 {
			sign = -1
		}
		if i > 0 && sign != 0 && lastSign != 0 && sign != lastSign {
			crossings++
		}
		if sign != 0 {
			lastSign = sign
		}
	}
	frameLen := float32(n)
	c.writeMetrics(
		float32(math.Sqrt(float64(sumSquares/frameLen))),
		clamp01(voice/total),
		clamp01(rumble/total),
		clamp01(crossings/frameLen),
	)
	return nil
}

func (c *Core) RenderFrame(ptr, n uint32, gain, presenceLift, rumbleReduction, saturationDrive float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RenderCalls++
	if c.RenderErr != nil {
		return c.RenderErr
	}
	if ptr == 0 || n == 0 {
		return nil
	}
	out, ok := c.mem.Read(ptr, n*4)
	if !ok {
		return errors.New("mock: render out of bounds")
	}
	g := clamp(gain, 0, 1.2)
	pl := clamp(presenceLift, 0, 0.8)
	rr := clamp(rumbleReduction, 0, 0.9)
	drive := clamp(saturationDrive, 0.5, 2.8)
	norm := float32(math.Max(math.Tanh(float64(drive)), 1e-5))

	if len(c.hpScratch) < int(n) {
		clear(out)
		return nil
	}
	for i := range int(n) {
		y := c.hpScratch[i]
		y += c.speechScratch[i] * pl
		y -= c.rumbleScratch[i] * rr
		y *= g
		y = float32(math.Tanh(float64(y*drive))) / norm
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(y))
	}
	return nil
}

func (c *Core) Memory() nativecore.Memory { return &c.mem }

func (c *Core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

func (c *Core) writeMetrics(rms, voice, rumble, zcr float32) {
	m := c.mem.buf[metricsOffset:]
	binary.LittleEndian.PutUint32(m[0:], math.Float32bits(rms))
	binary.LittleEndian.PutUint32(m[4:], math.Float32bits(voice))
	binary.LittleEndian.PutUint32(m[8:], math.Float32bits(rumble))
	binary.LittleEndian.PutUint32(m[12:], math.Float32bits(zcr))
}

func clamp(v, lo, hi float32) float32 {
	return min(max(v, lo), hi)
}

func clamp01(v float32) float32 {
	return clamp(v, 0, 1)
}
