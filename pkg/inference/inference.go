// Package inference maps a block's [dsp.Features] onto speech likelihood and
// near-field scores.
//
// A [Runtime] is a strategy object. The engine swaps runtimes when the
// configured [Mode] changes; no state carries over between runtimes. The
// [NeuralStub] keeps the same interface as a learned model would so that a
// real model can replace it without touching callers.
//
// Runtimes are not safe for concurrent use. Each engine owns exactly one.
package inference

import (
	"strings"

	"github.com/MrWong99/nearfield/pkg/dsp"
)

// Mode selects the inference strategy and acceleration path.
type Mode string

const (
	// ModeHeuristic is the fixed linear scorer.
	ModeHeuristic Mode = "heuristic"

	// ModeNeuralStub is the deterministic stand-in for a learned model.
	ModeNeuralStub Mode = "neural_stub"

	// ModeNativeCore scores with the heuristic but runs feature extraction and
	// rendering in the compiled native core when it is available.
	ModeNativeCore Mode = "rust_wasm"
)

// ParseMode normalizes a free-form mode string. Unknown values map to
// [ModeHeuristic].
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeNeuralStub:
		return ModeNeuralStub
	case ModeNativeCore:
		return ModeNativeCore
	default:
		return ModeHeuristic
	}
}

// String returns the wire name of the mode.
func (m Mode) String() string { return string(m) }

// Params are the configuration values a runtime reads.
type Params struct {
	// NearFieldBias weights speech likelihood against level and onset evidence
	// when computing the near-field score. Range: [0.2, 0.8].
	NearFieldBias float64
}

// Result is the output of one inference step. Both scores lie in [0, 1].
type Result struct {
	SpeechLikelihood float64
	NearFieldScore   float64
}

// Runtime scores one block of features.
type Runtime interface {
	// Infer returns the speech likelihood and near-field score for f. It is
	// called once per block on the audio goroutine and must not block.
	Infer(f dsp.Features, p Params) Result
}

// New returns a fresh runtime for mode. [ModeNativeCore] scores with the
// heuristic.
func New(mode Mode) Runtime {
	if mode == ModeNeuralStub {
		return &NeuralStub{}
	}
	return Heuristic{}
}
