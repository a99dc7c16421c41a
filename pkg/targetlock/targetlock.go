// Package targetlock implements the target speaker lock: a state machine that
// learns a coarse feature profile of one close-talking speaker, freezes it once
// it is stable, detects drift away from it, and re-weights the near-field
// score toward "this is the locked speaker".
//
// The lock moves through four informal phases:
//
//   - learning: confidence rises while strong near-field speech is present
//   - stable candidate: matching speech accumulates stable blocks
//   - frozen: the profile stops adapting and biases the near-field score
//   - mismatch recovery: sustained mismatching speech unfreezes the profile
//
// A calibration window relaxes the learning thresholds and raises the learning
// rate for a bounded number of blocks without changing freeze semantics.
//
// A [Profile] is owned by the audio goroutine and is not safe for concurrent
// use.
package targetlock

import (
	"math"

	"github.com/MrWong99/nearfield/pkg/dsp"
)

// Profile defaults.
const (
	DefaultVoiceRatio = 0.36
	DefaultZCR        = 0.1
	DefaultSNRScore   = 0.42
)

// Calibration window bounds in milliseconds.
const (
	DefaultCalibrationMs = 8000.0
	MinCalibrationMs     = 2000.0
	MaxCalibrationMs     = 20000.0

	// EnableCalibrationMs is the window started when the lock is switched on.
	EnableCalibrationMs = 6500.0
)

const (
	disabledConfidenceDecay = 0.012
	disabledMatchDecay      = 0.9

	calibrationLearnBoost = 0.08
	learnNearFieldBase    = 0.66
	learnNearFieldSlope   = 0.14
	learnSpeechBase       = 0.6
	learnSpeechSlope      = 0.12
	learnOnsetBase        = 0.2
	learnOnsetSlope       = 0.1

	fastLearnConfidence   = 0.45
	fastLearnAlpha        = 0.18
	fastLearnCalBoost     = 0.06
	slowLearnAlpha        = 0.08
	slowLearnCalBoost     = 0.03
	confidenceGainCal     = 0.066
	confidenceGain        = 0.045
	confidenceDecayCal    = 0.006
	confidenceDecay       = 0.01
	frozenConfidenceDecay = 0.0035
	frozenConfidenceFloor = 0.24

	minConfidence = 0.12

	voiceRatioTolerance = 0.45
	zcrTolerance        = 0.2
	snrTolerance        = 0.85
	wMatchVoiceRatio    = 0.45
	wMatchZCR           = 0.25
	wMatchSNR           = 0.3
	matchSmoothing      = 0.72

	candidateSpeech    = 0.54
	candidateNearField = 0.52
	stableMatchBase    = 0.82
	stableMatchSlope   = 0.18
	stableMatchCal     = 0.06
	maxCounterBlocks   = 120
	stableDecrement    = 2

	freezeConfidence  = 0.72
	freezeBlocksBase  = 34.0
	freezeBlocksSlope = 18.0
	freezeBlocksCal   = 8.0

	mismatchMatchBase   = 0.22
	mismatchMatchSlope  = 0.16
	mismatchBlocksBase  = 12.0
	mismatchBlocksSlope = 10.0
	unfreezeDiscount    = 0.72
	unfreezeFloor       = 0.28

	weightConfidenceLow  = 0.12
	weightConfidenceHigh = 0.76
	frozenWeightBase     = 0.36
	frozenWeightSlope    = 0.12
	candidateWeightBase  = 0.28
	candidateWeightSlope = 0.1
	candidateMatchKeep   = 0.92

	calibrationConfidenceCap = 0.32
	loadedStableBlocks       = 24
	progressStableBlocks     = 24.0
	progressConfidenceWeight = 0.8
	progressElapsedWeight    = 0.65
)

// Settings are the configuration values the lock reads every block.
type Settings struct {
	// Enabled turns the lock on. While disabled the profile decays and the
	// near-field score passes through unchanged.
	Enabled bool

	// Sensitivity in [0, 1] trades learning speed and stability thresholds
	// against false-lock risk.
	Sensitivity float64
}

// Input is the per-block evidence the lock consumes.
type Input struct {
	Features         dsp.Features
	NearFieldScore   float64
	SpeechLikelihood float64
}

// Profile is the learned target speaker profile and its hysteresis state.
type Profile struct {
	VoiceRatio float64
	ZCR        float64
	SNRScore   float64

	Confidence float64
	MatchScore float64
	Frozen     bool

	StableBlocks   int
	MismatchBlocks int

	CalibrationRemaining int
	CalibrationTotal     int
}

// New returns a profile at its defaults.
func New() Profile {
	return Profile{
		VoiceRatio: DefaultVoiceRatio,
		ZCR:        DefaultZCR,
		SNRScore:   DefaultSNRScore,
	}
}

// Reset restores every field to its default.
func (p *Profile) Reset() {
	*p = New()
}

// Calibrating reports whether a calibration window is open.
func (p *Profile) Calibrating() bool {
	return p.CalibrationRemaining > 0
}

// StartCalibration opens a calibration window of durationMs, clamped to
// [MinCalibrationMs, MaxCalibrationMs]. A non-finite duration selects
// [DefaultCalibrationMs]. blocksPerSecond converts the duration to blocks.
// Starting calibration unfreezes the profile and caps confidence so the window
// has room to learn.
func (p *Profile) StartCalibration(durationMs, blocksPerSecond float64) {
	if math.IsNaN(durationMs) || math.IsInf(durationMs, 0) {
		durationMs = DefaultCalibrationMs
	}
	durationMs = dsp.Clamp(durationMs, MinCalibrationMs, MaxCalibrationMs)
	frames := max(1, int(math.Round(blocksPerSecond*durationMs/1000)))

	p.CalibrationRemaining = frames
	p.CalibrationTotal = frames
	p.Frozen = false
	p.StableBlocks = 0
	p.MismatchBlocks = 0
	p.Confidence = math.Min(calibrationConfidenceCap, p.Confidence)
}

// Disable clears freeze, hysteresis and calibration state. It is applied the
// moment the lock is switched off; confidence and match then decay in
// [Profile.Apply].
func (p *Profile) Disable() {
	p.Frozen = false
	p.StableBlocks = 0
	p.MismatchBlocks = 0
	p.CalibrationRemaining = 0
	p.CalibrationTotal = 0
}

// Progress returns calibration progress in [0, 1]. A frozen profile is
// complete.
func (p *Profile) Progress() float64 {
	if p.Frozen {
		return 1
	}
	conf := dsp.ScoreRange(p.Confidence, weightConfidenceLow, weightConfidenceHigh)
	stable := dsp.Clamp01(float64(p.StableBlocks) / progressStableBlocks)
	evidence := conf*progressConfidenceWeight + stable*(1-progressConfidenceWeight)
	if p.CalibrationTotal <= 0 {
		return dsp.Clamp01(evidence)
	}
	elapsed := dsp.Clamp01(float64(p.CalibrationTotal-p.CalibrationRemaining) / float64(p.CalibrationTotal))
	return dsp.Clamp01(math.Max(elapsed*progressElapsedWeight, evidence))
}

// Apply advances the lock by one block and returns the adjusted near-field
// score in [0, 1].
func (p *Profile) Apply(in Input, s Settings) float64 {
	calibrating := p.CalibrationRemaining > 0
	if calibrating {
		p.CalibrationRemaining--
	}

	nf := in.NearFieldScore
	if !s.Enabled {
		p.Confidence = math.Max(0, p.Confidence-disabledConfidenceDecay)
		p.MatchScore *= disabledMatchDecay
		p.Frozen = false
		p.StableBlocks = 0
		p.MismatchBlocks = 0
		return nf
	}

	sens := dsp.Clamp01(s.Sensitivity)
	calBoost := ifCal(calibrating, calibrationLearnBoost)
	learning := nf >= learnNearFieldBase-sens*learnNearFieldSlope-calBoost &&
		in.SpeechLikelihood >= learnSpeechBase-sens*learnSpeechSlope-calBoost &&
		in.Features.OnsetScore >= learnOnsetBase-sens*learnOnsetSlope-calBoost*0.5

	switch {
	case learning && !p.Frozen:
		alpha := slowLearnAlpha + ifCal(calibrating, slowLearnCalBoost)
		if p.Confidence < fastLearnConfidence {
			alpha = fastLearnAlpha + ifCal(calibrating, fastLearnCalBoost)
		}
		p.VoiceRatio = p.VoiceRatio*(1-alpha) + in.Features.VoiceRatio*alpha
		p.ZCR = p.ZCR*(1-alpha) + in.Features.ZCR*alpha
		p.SNRScore = p.SNRScore*(1-alpha) + in.Features.SNRScore*alpha
		gain := confidenceGain
		if calibrating {
			gain = confidenceGainCal
		}
		p.Confidence = math.Min(1, p.Confidence+gain)
	case !p.Frozen:
		decay := confidenceDecay
		if calibrating {
			decay = confidenceDecayCal
		}
		p.Confidence = math.Max(0, p.Confidence-decay)
	case !learning:
		p.Confidence = math.Max(frozenConfidenceFloor, p.Confidence-frozenConfidenceDecay)
	}

	if p.Confidence < minConfidence {
		p.MatchScore = p.Confidence * 2
		p.Frozen = false
		p.StableBlocks = 0
		p.MismatchBlocks = 0
		return nf
	}

	ratioMatch := 1 - math.Abs(in.Features.VoiceRatio-p.VoiceRatio)/voiceRatioTolerance
	zcrMatch := 1 - math.Abs(in.Features.ZCR-p.ZCR)/zcrTolerance
	snrMatch := 1 - math.Abs(in.Features.SNRScore-p.SNRScore)/snrTolerance
	target := dsp.Clamp01(wMatchVoiceRatio*ratioMatch + wMatchZCR*zcrMatch + wMatchSNR*snrMatch)
	p.MatchScore = p.MatchScore*matchSmoothing + target*(1-matchSmoothing)

	candidate := in.SpeechLikelihood >= candidateSpeech && nf >= candidateNearField
	stableThreshold := stableMatchBase - sens*stableMatchSlope - ifCal(calibrating, stableMatchCal)
	if candidate && p.MatchScore >= stableThreshold {
		p.StableBlocks = min(maxCounterBlocks, p.StableBlocks+1)
	} else {
		p.StableBlocks = max(0, p.StableBlocks-stableDecrement)
	}

	freezeBlocks := int(math.Round(freezeBlocksBase - sens*freezeBlocksSlope - ifCal(calibrating, freezeBlocksCal)))
	if !p.Frozen && p.Confidence >= freezeConfidence && p.StableBlocks >= freezeBlocks {
		p.Frozen = true
		p.MismatchBlocks = 0
		p.CalibrationRemaining = 0
	}

	mismatchThreshold := mismatchMatchBase + (1-sens)*mismatchMatchSlope
	if p.Frozen && candidate && p.MatchScore < mismatchThreshold {
		p.MismatchBlocks = min(maxCounterBlocks, p.MismatchBlocks+1)
	} else {
		p.MismatchBlocks = max(0, p.MismatchBlocks-1)
	}

	mismatchBlocks := int(math.Round(mismatchBlocksBase + (1-sens)*mismatchBlocksSlope))
	if p.Frozen && p.MismatchBlocks >= mismatchBlocks {
		p.Frozen = false
		p.StableBlocks = 0
		p.MismatchBlocks = 0
		p.Confidence = math.Max(unfreezeFloor, p.Confidence*unfreezeDiscount)
	}

	cw := dsp.ScoreRange(p.Confidence, weightConfidenceLow, weightConfidenceHigh)
	base := candidateWeightBase + candidateWeightSlope*sens
	effective := dsp.Clamp01(p.MatchScore*candidateMatchKeep + cw*(1-candidateMatchKeep))
	if p.Frozen {
		base = frozenWeightBase + frozenWeightSlope*sens
		effective = p.MatchScore
	}
	w := base * cw
	return dsp.Clamp01(nf * (1 - w + effective*w))
}

func ifCal(calibrating bool, v float64) float64 {
	if calibrating {
		return v
	}
	return 0
}
