package dsp

import "math"

// RenderParams are the per-block controls produced by the gain controller.
type RenderParams struct {
	Gain            float64
	PresenceLift    float64
	RumbleReduction float64
	SaturationDrive float64
}

// Render writes the enhanced signal into out:
//
//	y = tanh(gain·(hp + presence·speech − rumbleReduction·rumble)·drive) / tanh(drive)
//
// The normalization keeps unity gain for small signals and soft-clips peaks.
// out must be at least len(highpassed) long.
func Render(out, highpassed, speech, rumble []float32, p RenderParams) {
	norm := math.Tanh(p.SaturationDrive)
	for i := range highpassed {
		y := float64(highpassed[i])
		y += float64(speech[i]) * p.PresenceLift
		y -= float64(rumble[i]) * p.RumbleReduction
		y *= p.Gain
		out[i] = float32(math.Tanh(y*p.SaturationDrive) / norm)
	}
}
