package nativecore_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/nearfield/pkg/dsp"
	"github.com/MrWong99/nearfield/pkg/nativecore"
	"github.com/MrWong99/nearfield/pkg/nativecore/mock"
)

const sampleRate = 48000

func sine(n int, hz, amp float64, phase int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*hz*float64(phase+i)/sampleRate))
	}
	return out
}

func startBridge(t *testing.T, core *mock.Core) *nativecore.Bridge {
	t.Helper()
	b := nativecore.NewBridge(sampleRate)
	b.Start(context.Background(), core.Loader())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func TestBridge_InitWarmsCapacity(t *testing.T) {
	t.Parallel()

	core := mock.NewCore(1 << 20)
	b := startBridge(t, core)

	if b.State() != nativecore.StateReady || !b.Ready() {
		t.Fatalf("State = %v, want ready", b.State())
	}
	if got := b.Capacity(); got != 512 {
		t.Errorf("Capacity = %d, want 512", got)
	}
	allocs, frees, seq := core.Snapshot()
	if len(allocs) != 2 || allocs[0].N != 512 || allocs[1].N != 512 {
		t.Errorf("allocs = %+v, want two 512-sample buffers", allocs)
	}
	if len(frees) != 0 {
		t.Errorf("frees = %+v, want none", frees)
	}
	if len(seq) == 0 || seq[0] != nativecore.ExportInit {
		t.Errorf("sequence = %v, want %s first", seq, nativecore.ExportInit)
	}
	if len(core.InitCalls) != 1 || core.InitCalls[0] != sampleRate {
		t.Errorf("InitCalls = %v, want [%d]", core.InitCalls, sampleRate)
	}
}

func TestBridge_CapacityGrowsToPowerOfTwo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		blocks []int
		want   uint32
	}{
		{name: "fits warm buffer", blocks: []int{128, 512}, want: 512},
		{name: "one over", blocks: []int{513}, want: 1024},
		{name: "large block", blocks: []int{3000}, want: 4096},
		{name: "never shrinks", blocks: []int{2000, 64}, want: 2048},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := startBridge(t, mock.NewCore(1<<20))
			for _, n := range tt.blocks {
				if _, err := b.Analyze(make([]float32, n)); err != nil {
					t.Fatalf("Analyze(%d): %v", n, err)
				}
			}
			if got := b.Capacity(); got != tt.want {
				t.Errorf("Capacity = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBridge_GrowFreesBeforeAllocating(t *testing.T) {
	t.Parallel()

	core := mock.NewCore(1 << 20)
	b := startBridge(t, core)
	warm, _, _ := core.Snapshot()

	if _, err := b.Analyze(make([]float32, 600)); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	allocs, frees, seq := core.Snapshot()

	wantFrees := []mock.FreeCall{{Ptr: warm[0].Ptr, N: 512}, {Ptr: warm[1].Ptr, N: 512}}
	if len(frees) != 2 || frees[0] != wantFrees[0] || frees[1] != wantFrees[1] {
		t.Errorf("frees = %+v, want input then output %+v", frees, wantFrees)
	}
	if len(allocs) != 4 || allocs[2].N != 1024 || allocs[3].N != 1024 {
		t.Errorf("allocs = %+v, want two new 1024-sample buffers", allocs)
	}
	tail := seq[len(seq)-4:]
	want := []string{nativecore.ExportFree, nativecore.ExportFree, nativecore.ExportAlloc, nativecore.ExportAlloc}
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("call order = %v, want %v", tail, want)
		}
	}
}

func TestBridge_AnalyzeMatchesSoftwarePath(t *testing.T) {
	t.Parallel()

	b := startBridge(t, mock.NewCore(1<<20))
	soft := dsp.NewFilters(sampleRate)

	for blk := range 8 {
		in := sine(128, 1000, 0.2, blk*128)
		got, err := b.Analyze(in)
		if err != nil {
			t.Fatalf("block %d: Analyze: %v", blk, err)
		}
		want := soft.Analyze(in)
		if math.Abs(got.RMS-want.RMS) > 1e-4 {
			t.Errorf("block %d: RMS = %v, want %v", blk, got.RMS, want.RMS)
		}
		if math.Abs(got.VoiceRatio-want.VoiceRatio) > 1e-3 {
			t.Errorf("block %d: VoiceRatio = %v, want %v", blk, got.VoiceRatio, want.VoiceRatio)
		}
		if math.Abs(got.RumbleRatio-want.RumbleRatio) > 1e-3 {
			t.Errorf("block %d: RumbleRatio = %v, want %v", blk, got.RumbleRatio, want.RumbleRatio)
		}
	}
}

func TestBridge_RenderMatchesSoftwarePath(t *testing.T) {
	t.Parallel()

	b := startBridge(t, mock.NewCore(1<<20))
	soft := dsp.NewFilters(sampleRate)
	p := dsp.RenderParams{Gain: 0.8, PresenceLift: 0.2, RumbleReduction: 0.3, SaturationDrive: 1.35}

	in := sine(256, 440, 0.3, 0)
	if _, err := b.Analyze(in); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	soft.Analyze(in)

	got := make([]float32, len(in))
	if err := b.Render(got, p); err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := make([]float32, len(in))
	hp, sp, rb := soft.Bands()
	dsp.Render(want, hp, sp, rb, p)

	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > 1e-3 {
			t.Fatalf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBridge_CallFailureDisablesPermanently(t *testing.T) {
	t.Parallel()

	trap := errors.New("unreachable executed")
	tests := []struct {
		name   string
		inject func(*mock.Core)
		call   func(*nativecore.Bridge) error
	}{
		{
			name:   "analyze",
			inject: func(c *mock.Core) { c.SetAnalyzeErr(trap) },
			call: func(b *nativecore.Bridge) error {
				_, err := b.Analyze(make([]float32, 128))
				return err
			},
		},
		{
			name:   "render",
			inject: func(c *mock.Core) { c.SetRenderErr(trap) },
			call: func(b *nativecore.Bridge) error {
				return b.Render(make([]float32, 128), dsp.RenderParams{Gain: 1, SaturationDrive: 1})
			},
		},
		{
			name:   "grow",
			inject: func(c *mock.Core) { c.Fail(trap) },
			call: func(b *nativecore.Bridge) error {
				_, err := b.Analyze(make([]float32, 4096))
				return err
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			core := mock.NewCore(1 << 20)
			b := startBridge(t, core)

			tt.inject(core)
			err := tt.call(b)
			if !errors.Is(err, trap) {
				t.Fatalf("err = %v, want wrapping %v", err, trap)
			}
			if b.State() != nativecore.StateDisabled {
				t.Errorf("State = %v, want disabled", b.State())
			}
			if !errors.Is(b.Err(), trap) {
				t.Errorf("Err = %v, want wrapping %v", b.Err(), trap)
			}

			core.Fail(nil)
			if _, err := b.Analyze(make([]float32, 128)); !errors.Is(err, nativecore.ErrUnavailable) {
				t.Errorf("Analyze after failure: err = %v, want ErrUnavailable", err)
			}
		})
	}
}

func TestBridge_InitFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("fetch failed")
	tests := []struct {
		name string
		load nativecore.Loader
	}{
		{name: "loader", load: mock.FailingLoader(boom)},
		{name: "ve_init", load: func() nativecore.Loader {
			c := mock.NewCore(1 << 16)
			c.InitErr = boom
			return c.Loader()
		}()},
		{name: "alloc", load: func() nativecore.Loader {
			c := mock.NewCore(1 << 16)
			c.AllocErr = boom
			return c.Loader()
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := nativecore.NewBridge(sampleRate)
			b.Start(context.Background(), tt.load)
			if err := b.Wait(context.Background()); !errors.Is(err, boom) {
				t.Fatalf("Wait = %v, want wrapping %v", err, boom)
			}
			if b.State() != nativecore.StateDisabled {
				t.Errorf("State = %v, want disabled", b.State())
			}
			if err := b.Render(make([]float32, 16), dsp.RenderParams{}); !errors.Is(err, nativecore.ErrUnavailable) {
				t.Errorf("Render = %v, want ErrUnavailable", err)
			}
		})
	}
}

func TestBridge_NotStarted(t *testing.T) {
	t.Parallel()

	b := nativecore.NewBridge(sampleRate)
	if b.State() != nativecore.StatePending {
		t.Errorf("State = %v, want pending", b.State())
	}
	if _, err := b.Analyze(make([]float32, 8)); !errors.Is(err, nativecore.ErrUnavailable) {
		t.Errorf("Analyze = %v, want ErrUnavailable", err)
	}
	if err := b.Wait(context.Background()); !errors.Is(err, nativecore.ErrUnavailable) {
		t.Errorf("Wait = %v, want ErrUnavailable", err)
	}
	if err := b.Reset(); err != nil {
		t.Errorf("Reset = %v, want nil", err)
	}
}

func TestBridge_ResetAndClose(t *testing.T) {
	t.Parallel()

	core := mock.NewCore(1 << 20)
	b := startBridge(t, core)
	if err := b.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if core.ResetCalls != 1 {
		t.Errorf("ResetCalls = %d, want 1", core.ResetCalls)
	}
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !core.Closed {
		t.Error("core not closed")
	}
	if b.Ready() {
		t.Error("Ready after Close")
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    nativecore.State
		want string
	}{
		{nativecore.StatePending, "pending"},
		{nativecore.StateReady, "ready"},
		{nativecore.StateDisabled, "disabled"},
		{nativecore.State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}
