// Package nativecore bridges the engine to a compiled voice core that runs
// feature extraction and waveform rendering over a shared linear memory.
//
// The core exposes seven functions and one memory:
//
//	ve_init(sampleRate f32)
//	ve_reset()
//	ve_get_metrics_ptr() u32
//	ve_alloc_f32(n u32) u32
//	ve_free_f32(ptr u32, n u32)
//	ve_analyze_frame(ptr u32, n u32)
//	ve_render_frame(ptr u32, n u32, gain f32, presence f32, rumble f32, drive f32)
//
// [Instantiate] loads such a core from WebAssembly bytes with wazero. The
// [Bridge] owns the core's input and output buffers, initializes it off the
// audio goroutine, and disables itself permanently on the first failure so
// that the engine can fall back to its software path.
package nativecore

import "errors"

// Export names required from a compiled core.
const (
	ExportMemory     = "memory"
	ExportInit       = "ve_init"
	ExportReset      = "ve_reset"
	ExportMetricsPtr = "ve_get_metrics_ptr"
	ExportAlloc      = "ve_alloc_f32"
	ExportFree       = "ve_free_f32"
	ExportAnalyze    = "ve_analyze_frame"
	ExportRender     = "ve_render_frame"
)

// RequiredFunctions lists the function exports a core must provide.
var RequiredFunctions = []string{
	ExportInit,
	ExportReset,
	ExportMetricsPtr,
	ExportAlloc,
	ExportFree,
	ExportAnalyze,
	ExportRender,
}

var (
	// ErrUnavailable is returned by [Bridge] calls while the core is not ready
	// or after it has been disabled.
	ErrUnavailable = errors.New("nativecore: core unavailable")

	// ErrExportMissing is returned when a compiled module lacks a required
	// export.
	ErrExportMissing = errors.New("nativecore: export missing")

	// ErrExportMismatch is returned when a required function export has a
	// different signature than the contract above.
	ErrExportMismatch = errors.New("nativecore: export signature mismatch")

	// ErrOutOfRange is returned when a buffer or metrics pointer falls outside
	// the core's memory.
	ErrOutOfRange = errors.New("nativecore: memory access out of range")
)

// Memory is a view over the core's linear memory.
type Memory interface {
	// Read returns a view of byteCount bytes at offset. Writes to the view
	// are visible to the core. The view may be invalidated by any call that
	// grows memory.
	Read(offset, byteCount uint32) ([]byte, bool)
}

// Exports is the callable surface of a compiled core. Implementations are not
// safe for concurrent use.
type Exports interface {
	Init(sampleRate float32) error
	Reset() error
	MetricsPtr() (uint32, error)
	Alloc(n uint32) (uint32, error)
	Free(ptr, n uint32) error
	AnalyzeFrame(ptr, n uint32) error
	RenderFrame(ptr, n uint32, gain, presenceLift, rumbleReduction, saturationDrive float32) error
	Memory() Memory
	Close() error
}
