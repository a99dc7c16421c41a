package targetlock

import (
	"math"

	"github.com/MrWong99/nearfield/pkg/dsp"
)

// Snapshot is the persistable part of a [Profile] plus the lock sensitivity it
// was learned with. It is the unit exchanged with profile stores and the
// control channel.
type Snapshot struct {
	VoiceRatio  float64 `json:"targetProfileVoiceRatio" yaml:"voice_ratio"`
	ZCR         float64 `json:"targetProfileZcr" yaml:"zcr"`
	SNRScore    float64 `json:"targetProfileSnrScore" yaml:"snr_score"`
	Confidence  float64 `json:"targetProfileConfidence" yaml:"confidence"`
	Frozen      bool    `json:"targetProfileFrozen" yaml:"frozen"`
	Sensitivity float64 `json:"targetLockSensitivity" yaml:"sensitivity"`
}

// Snapshot captures the persistable profile state.
func (p *Profile) Snapshot(sensitivity float64) Snapshot {
	return Snapshot{
		VoiceRatio:  p.VoiceRatio,
		ZCR:         p.ZCR,
		SNRScore:    p.SNRScore,
		Confidence:  p.Confidence,
		Frozen:      p.Frozen,
		Sensitivity: sensitivity,
	}
}

// Vector returns the profile's feature vector (voice ratio, zcr, snr score).
func (s Snapshot) Vector() []float32 {
	return []float32{float32(s.VoiceRatio), float32(s.ZCR), float32(s.SNRScore)}
}

// Load restores s into the profile. Non-finite fields are ignored and the
// rest are clamped into [0, 1]. A frozen snapshot restores with enough stable
// blocks to stay frozen. Calibration is cleared.
//
// The returned sensitivity is the snapshot's value when finite and ok is
// false otherwise; the caller owns the sensitivity setting.
func (p *Profile) Load(s Snapshot) (sensitivity float64, ok bool) {
	if finite(s.VoiceRatio) {
		p.VoiceRatio = dsp.Clamp01(s.VoiceRatio)
	}
	if finite(s.ZCR) {
		p.ZCR = dsp.Clamp01(s.ZCR)
	}
	if finite(s.SNRScore) {
		p.SNRScore = dsp.Clamp01(s.SNRScore)
	}
	if finite(s.Confidence) {
		p.Confidence = dsp.Clamp01(s.Confidence)
	}
	p.Frozen = s.Frozen
	p.StableBlocks = 0
	if p.Frozen {
		p.StableBlocks = loadedStableBlocks
	}
	p.MismatchBlocks = 0
	p.CalibrationRemaining = 0
	p.CalibrationTotal = 0

	if !finite(s.Sensitivity) {
		return 0, false
	}
	return dsp.Clamp01(s.Sensitivity), true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
