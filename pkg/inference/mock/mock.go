// Package mock provides a test double for [inference.Runtime].
//
// Runtime returns a fixed [inference.Result] and records every feature frame it
// was asked to score:
//
//	rt := &mock.Runtime{Result: inference.Result{SpeechLikelihood: 0.8, NearFieldScore: 0.7}}
//	res := rt.Infer(features, params)
package mock

import (
	"sync"

	"github.com/MrWong99/nearfield/pkg/dsp"
	"github.com/MrWong99/nearfield/pkg/inference"
)

// InferCall records a single invocation of Runtime.Infer.
type InferCall struct {
	Features dsp.Features
	Params   inference.Params
}

// Runtime is a mock implementation of [inference.Runtime].
type Runtime struct {
	mu sync.Mutex

	// Result is returned from every Infer call unless ResultFunc is set.
	Result inference.Result

	// ResultFunc, if non-nil, computes the result from the call.
	ResultFunc func(dsp.Features, inference.Params) inference.Result

	// InferCalls records every call to Infer in order.
	InferCalls []InferCall
}

var _ inference.Runtime = (*Runtime)(nil)

// Infer records the call and returns Result.
func (r *Runtime) Infer(f dsp.Features, p inference.Params) inference.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.InferCalls = append(r.InferCalls, InferCall{Features: f, Params: p})
	if r.ResultFunc != nil {
		return r.ResultFunc(f, p)
	}
	return r.Result
}

// Reset clears all recorded calls. Thread-safe.
func (r *Runtime) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.InferCalls = nil
}
