package dsp

import "math"

// Running-state initial values.
const (
	InitialNoiseFloor    = 0.0028
	InitialVoiceRatio    = 0.34
	InitialRumbleRatio   = 0.17
	minNoiseFloor        = 0.0008
	maxNoiseFloor        = 0.08
	noiseFloorDivisorMin = 1e-5
	speechActiveSNR      = 1.35
	rmsSmoothing         = 0.78
	ratioSmoothing       = 0.82
	riseSmoothing        = 0.72
	noiseFloorFastKeep   = 0.968
	noiseFloorSlowKeep   = 0.994
	zcrCenter            = 0.1
	snrScoreLow          = 1.12
	snrScoreHigh         = 3.7
	voiceRatioScoreLow   = 0.22
	voiceRatioScoreHigh  = 0.76
	rumblePenaltyLow     = 0.2
	rumblePenaltyHigh    = 0.6
	onsetScoreLow        = 0.00035
	onsetScoreHigh       = 0.0032
	zcrPenaltyLow        = 0.11
	zcrPenaltyHigh       = 0.34
)

// Features is the per-block feature frame handed to inference and the target
// speaker lock. VoiceRatio and ZCR are the raw block values; the scores are
// derived from smoothed running state.
type Features struct {
	RMS         float64
	VoiceRatio  float64
	RumbleRatio float64
	ZCR         float64
	SNR         float64

	SNRScore        float64
	VoiceRatioScore float64
	RumblePenalty   float64
	OnsetScore      float64
	ZCRPenalty      float64
}

// Tracker holds the exponentially smoothed running state that turns raw frame
// metrics into [Features]. The zero value is not ready for use; call
// [NewTracker].
type Tracker struct {
	SmoothedRMS         float64
	SmoothedVoiceRatio  float64
	SmoothedRumbleRatio float64
	SmoothedRise        float64
	NoiseFloor          float64
}

// NewTracker returns a Tracker at its initial state.
func NewTracker() Tracker {
	return Tracker{
		SmoothedVoiceRatio:  InitialVoiceRatio,
		SmoothedRumbleRatio: InitialRumbleRatio,
		NoiseFloor:          InitialNoiseFloor,
	}
}

// Update folds m into the running state and returns the block's features.
// isSpeaking is the gate state from the previous block; while it is set and
// the SNR is high the noise floor adapts slowly so speech is not learned as
// floor.
func (t *Tracker) Update(m FrameMetrics, isSpeaking bool) Features {
	prev := t.SmoothedRMS
	t.SmoothedRMS = t.SmoothedRMS*rmsSmoothing + m.RMS*(1-rmsSmoothing)
	t.SmoothedVoiceRatio = t.SmoothedVoiceRatio*ratioSmoothing + m.VoiceRatio*(1-ratioSmoothing)
	t.SmoothedRumbleRatio = t.SmoothedRumbleRatio*ratioSmoothing + m.RumbleRatio*(1-ratioSmoothing)
	t.SmoothedRise = t.SmoothedRise*riseSmoothing + (t.SmoothedRMS-prev)*(1-riseSmoothing)

	snr := t.SmoothedRMS / math.Max(noiseFloorDivisorMin, t.NoiseFloor)
	keep := noiseFloorSlowKeep
	if !isSpeaking || snr < speechActiveSNR {
		keep = noiseFloorFastKeep
	}
	t.NoiseFloor = Clamp(t.NoiseFloor*keep+t.SmoothedRMS*(1-keep), minNoiseFloor, maxNoiseFloor)

	return Features{
		RMS:             m.RMS,
		VoiceRatio:      m.VoiceRatio,
		RumbleRatio:     m.RumbleRatio,
		ZCR:             m.ZCR,
		SNR:             snr,
		SNRScore:        ScoreRange(snr, snrScoreLow, snrScoreHigh),
		VoiceRatioScore: ScoreRange(t.SmoothedVoiceRatio, voiceRatioScoreLow, voiceRatioScoreHigh),
		RumblePenalty:   ScoreRange(t.SmoothedRumbleRatio, rumblePenaltyLow, rumblePenaltyHigh),
		OnsetScore:      ScoreRange(t.SmoothedRise, onsetScoreLow, onsetScoreHigh),
		ZCRPenalty:      ScoreRange(math.Abs(m.ZCR-zcrCenter), zcrPenaltyLow, zcrPenaltyHigh),
	}
}
