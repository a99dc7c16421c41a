package inference

import "github.com/MrWong99/nearfield/pkg/dsp"

const (
	wStubVoice        = 0.45
	wStubOnset        = 0.22
	wStubLevel        = 0.2
	wStubRumble       = 0.17
	stubLevelLow      = 1.2
	stubLevelHigh     = 6.2
	stubActivation    = 0.8
	stubSpeechKeep    = 0.9
	stubNearFieldKeep = 0.86
)

// NeuralStub wraps [Heuristic] and nudges both scores toward a smoothed
// pseudo-model activation. It is deterministic.
type NeuralStub struct {
	fallback   Heuristic
	activation float64
}

var _ Runtime = (*NeuralStub)(nil)

// Infer implements [Runtime].
func (n *NeuralStub) Infer(f dsp.Features, p Params) Result {
	h := n.fallback.Infer(f, p)

	pseudo := dsp.Clamp01(wStubVoice*f.VoiceRatioScore +
		wStubOnset*f.OnsetScore +
		wStubLevel*dsp.ScoreRange(f.SNR, stubLevelLow, stubLevelHigh) -
		wStubRumble*f.RumblePenalty)
	n.activation = n.activation*stubActivation + pseudo*(1-stubActivation)

	return Result{
		SpeechLikelihood: dsp.Clamp01(h.SpeechLikelihood*stubSpeechKeep + n.activation*(1-stubSpeechKeep)),
		NearFieldScore:   dsp.Clamp01(h.NearFieldScore*stubNearFieldKeep + n.activation*(1-stubNearFieldKeep)),
	}
}

// Activation returns the current pseudo-model activation.
func (n *NeuralStub) Activation() float64 { return n.activation }
