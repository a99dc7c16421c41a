// Package dsp implements the per-block signal analysis that feeds the
// near-field voice engine: single-pole IIR band splitting, scalar frame
// statistics, exponentially smoothed running state, and the soft-saturating
// software renderer.
//
// Nothing in this package allocates on the steady-state block path. Scratch
// buffers grow only on the first block or when the block size increases.
package dsp

import "math"

// Clamp limits v to the closed interval [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Clamp01 limits v to [0, 1].
func Clamp01(v float64) float64 {
	return Clamp(v, 0, 1)
}

// ScoreRange linearly maps v from [lo, hi] onto [0, 1], clamping at both ends.
// A degenerate range (hi <= lo) acts as a step at hi.
func ScoreRange(v, lo, hi float64) float64 {
	if hi <= lo {
		if v >= hi {
			return 1
		}
		return 0
	}
	return Clamp01((v - lo) / (hi - lo))
}
