package nativecore

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// wasmCore runs a compiled core inside a wazero runtime. All calls reuse one
// preallocated value stack so the block path does not allocate.
type wasmCore struct {
	ctx context.Context
	rt  wazero.Runtime
	mod api.Module
	mem api.Memory

	init, reset, metricsPtr, alloc, free, analyze, render api.Function

	stack [6]uint64
}

var _ Exports = (*wasmCore)(nil)

type signature struct {
	params, results []api.ValueType
}

var (
	i32 = api.ValueTypeI32
	f32 = api.ValueTypeF32
)

// signatures is the function contract of a compiled core.
var signatures = map[string]signature{
	ExportInit:       {params: []api.ValueType{f32}},
	ExportReset:      {},
	ExportMetricsPtr: {results: []api.ValueType{i32}},
	ExportAlloc:      {params: []api.ValueType{i32}, results: []api.ValueType{i32}},
	ExportFree:       {params: []api.ValueType{i32, i32}},
	ExportAnalyze:    {params: []api.ValueType{i32, i32}},
	ExportRender:     {params: []api.ValueType{i32, i32, f32, f32, f32, f32}},
}

func (s signature) matches(def api.FunctionDefinition) bool {
	return slices.Equal(def.ParamTypes(), s.params) && slices.Equal(def.ResultTypes(), s.results)
}

func (s signature) String() string {
	return fmt.Sprintf("(%s) -> (%s)", typeNames(s.params), typeNames(s.results))
}

func typeNames(types []api.ValueType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = api.ValueTypeName(t)
	}
	return strings.Join(names, ", ")
}

// Instantiate compiles and instantiates a WebAssembly core and verifies its
// exports. A module lacking memory or any of [RequiredFunctions] yields an
// error wrapping [ErrExportMissing]; a function whose parameter or result
// types differ from the contract yields [ErrExportMismatch].
//
// Calls on the returned Exports run with a context detached from ctx's
// cancellation; call Close to release the runtime.
func Instantiate(ctx context.Context, wasm []byte) (Exports, error) {
	rt := wazero.NewRuntime(ctx)
	mod, err := rt.Instantiate(ctx, wasm)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("nativecore: instantiate: %w", err)
	}

	c := &wasmCore{ctx: context.WithoutCancel(ctx), rt: rt, mod: mod}
	if c.mem = mod.ExportedMemory(ExportMemory); c.mem == nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("%w: %s", ErrExportMissing, ExportMemory)
	}

	fns := map[string]*api.Function{
		ExportInit:       &c.init,
		ExportReset:      &c.reset,
		ExportMetricsPtr: &c.metricsPtr,
		ExportAlloc:      &c.alloc,
		ExportFree:       &c.free,
		ExportAnalyze:    &c.analyze,
		ExportRender:     &c.render,
	}
	for _, name := range RequiredFunctions {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("%w: %s", ErrExportMissing, name)
		}
		if want := signatures[name]; !want.matches(fn.Definition()) {
			_ = rt.Close(ctx)
			got := signature{params: fn.Definition().ParamTypes(), results: fn.Definition().ResultTypes()}
			return nil, fmt.Errorf("%w: %s is %s, want %s", ErrExportMismatch, name, got, want)
		}
		*fns[name] = fn
	}
	return c, nil
}

// call invokes fn with the first n stack slots, where n covers both the
// parameter and result counts.
func (c *wasmCore) call(name string, fn api.Function, n int) error {
	if err := fn.CallWithStack(c.ctx, c.stack[:n]); err != nil {
		return fmt.Errorf("nativecore: %s: %w", name, err)
	}
	return nil
}

func (c *wasmCore) Init(sampleRate float32) error {
	c.stack[0] = api.EncodeF32(sampleRate)
	return c.call(ExportInit, c.init, 1)
}

func (c *wasmCore) Reset() error {
	return c.call(ExportReset, c.reset, 0)
}

func (c *wasmCore) MetricsPtr() (uint32, error) {
	if err := c.call(ExportMetricsPtr, c.metricsPtr, 1); err != nil {
		return 0, err
	}
	return api.DecodeU32(c.stack[0]), nil
}

func (c *wasmCore) Alloc(n uint32) (uint32, error) {
	c.stack[0] = api.EncodeU32(n)
	if err := c.call(ExportAlloc, c.alloc, 1); err != nil {
		return 0, err
	}
	return api.DecodeU32(c.stack[0]), nil
}

func (c *wasmCore) Free(ptr, n uint32) error {
	c.stack[0] = api.EncodeU32(ptr)
	c.stack[1] = api.EncodeU32(n)
	return c.call(ExportFree, c.free, 2)
}

func (c *wasmCore) AnalyzeFrame(ptr, n uint32) error {
	c.stack[0] = api.EncodeU32(ptr)
	c.stack[1] = api.EncodeU32(n)
	return c.call(ExportAnalyze, c.analyze, 2)
}

func (c *wasmCore) RenderFrame(ptr, n uint32, gain, presenceLift, rumbleReduction, saturationDrive float32) error {
	c.stack[0] = api.EncodeU32(ptr)
	c.stack[1] = api.EncodeU32(n)
	c.stack[2] = api.EncodeF32(gain)
	c.stack[3] = api.EncodeF32(presenceLift)
	c.stack[4] = api.EncodeF32(rumbleReduction)
	c.stack[5] = api.EncodeF32(saturationDrive)
	return c.call(ExportRender, c.render, 6)
}

func (c *wasmCore) Memory() Memory { return c.mem }

func (c *wasmCore) Close() error {
	return c.rt.Close(c.ctx)
}
