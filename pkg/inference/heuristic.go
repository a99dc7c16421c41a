package inference

import "github.com/MrWong99/nearfield/pkg/dsp"

// Heuristic speech weights.
const (
	wSpeechSNR      = 0.42
	wSpeechVoice    = 0.33
	wSpeechOnset    = 0.16
	wSpeechRumble   = 0.22
	wSpeechZCR      = 0.09
	levelSNRLow     = 1.25
	levelSNRHigh    = 5.8
	wNearFieldLevel = 0.58
	wNearFieldOnset = 0.42
)

// Heuristic is the stateless linear scorer.
type Heuristic struct{}

var _ Runtime = Heuristic{}

// Infer implements [Runtime].
func (Heuristic) Infer(f dsp.Features, p Params) Result {
	speech := dsp.Clamp01(wSpeechSNR*f.SNRScore +
		wSpeechVoice*f.VoiceRatioScore +
		wSpeechOnset*f.OnsetScore -
		wSpeechRumble*f.RumblePenalty -
		wSpeechZCR*f.ZCRPenalty)

	level := dsp.ScoreRange(f.SNR, levelSNRLow, levelSNRHigh)
	nearField := dsp.Clamp01(p.NearFieldBias*speech +
		(1-p.NearFieldBias)*(wNearFieldLevel*level+wNearFieldOnset*f.OnsetScore))

	return Result{SpeechLikelihood: speech, NearFieldScore: nearField}
}
