// Package gain converts the lock-adjusted near-field score into a smoothed
// suppression gain.
//
// The controller keeps speaking/hold hysteresis, an attack window that keeps
// the first syllable of an utterance open while the gate is still rising, and
// asymmetric smoothing that opens fast and closes slowly.
package gain

import (
	"math"

	"github.com/MrWong99/nearfield/pkg/dsp"
)

const (
	nearFieldSmoothing = 0.74

	openBase      = 0.5
	openSlope     = 0.08
	openLockShift = 0.02
	closeBase     = 0.2
	closeSlope    = 0.04
	holdBlocks    = 8

	onsetCandOnset      = 0.4
	onsetCandSpeech     = 0.4
	onsetCandOpenFactor = 0.68
	onsetCandSNR        = 1.1
	onsetAttackBlocks   = 12

	softCandSpeech    = 0.42
	softCandOnset     = 0.22
	softCandVoice     = 0.28
	softCandSNR       = 1.18
	softAttackBlocks  = 9
	softOpenFactor    = 0.78
	softHoldBlocks    = 6
	speakingMinAttack = 4

	curveBase  = 0.62
	curveSlope = 0.2
	curveMin   = 0.28
	curveMax   = 0.84

	lockMinConfidence     = 0.2
	lockFrozenFloor       = 0.58
	lockFrozenSlope       = 0.1
	lockCandidateFloor    = 0.68
	lockCandidateSlope    = 0.08
	lockRescueSpeech      = 0.48
	lockRescueOnset       = 0.24
	lockRescueSNR         = 1.16
	lockRescueBase        = 0.62
	lockRescueSpeechSlope = 0.24
	lockRescueOnsetSlope  = 0.08
	lockRescueMax         = 0.9

	speakingFloor     = 0.9
	onsetFloorOnset   = 0.5
	onsetFloorSpeech  = 0.44
	onsetFloor        = 0.76
	provisionalSpeech = 0.5
	provisionalVoice  = 0.3
	provisionalSNR    = 1.18
	provisionalBase   = 0.66
	provisionalSlope  = 0.2
	provisionalMax    = 0.86
	attackFloorBase   = 0.82
	attackFloorSlope  = 0.14

	attackSpeaking  = 0.44
	attackWindow    = 0.34
	attackIdle      = 0.16
	releaseSpeaking = 0.07
	releaseWindow   = 0.12
	releaseIdle     = 0.2

	saturationDriveSlope = 0.45
)

// Settings are the configuration values the controller reads every block.
type Settings struct {
	Strength           float64
	MinSuppressionGain float64
	PresenceBoost      float64
	RumbleDamp         float64
}

// Lock is the target speaker lock state visible to the controller.
type Lock struct {
	Enabled     bool
	Sensitivity float64
	Confidence  float64
	MatchScore  float64
	Frozen      bool
}

// Input is the per-block evidence for the controller. NearFieldScore is the
// lock-adjusted score.
type Input struct {
	Features         dsp.Features
	SpeechLikelihood float64
	NearFieldScore   float64
	Lock             Lock
}

// State is the gain controller's running state.
type State struct {
	SuppressionGain        float64
	SmoothedNearFieldScore float64
	IsSpeaking             bool
	SpeakingHoldBlocks     int
	SpeechAttackBlocks     int
}

// New returns a fully open controller.
func New() State {
	return State{SuppressionGain: 1}
}

// Reset returns the controller to its initial state.
func (s *State) Reset() {
	*s = New()
}

// Update advances the controller by one block and returns the render
// parameters for it. The suppression gain stays within
// [MinSuppressionGain, 1].
func (s *State) Update(in Input, cfg Settings) dsp.RenderParams {
	f := in.Features
	speech := in.SpeechLikelihood
	nf := in.NearFieldScore

	s.SmoothedNearFieldScore = s.SmoothedNearFieldScore*nearFieldSmoothing + nf*(1-nearFieldSmoothing)

	open := openBase - cfg.Strength*openSlope
	if in.Lock.Enabled {
		open -= openLockShift
	}
	closeAt := closeBase + cfg.Strength*closeSlope

	switch {
	case s.SmoothedNearFieldScore >= open:
		s.IsSpeaking = true
		s.SpeakingHoldBlocks = holdBlocks
	case s.IsSpeaking:
		if s.SpeakingHoldBlocks > 0 {
			s.SpeakingHoldBlocks--
		} else if s.SmoothedNearFieldScore < closeAt {
			s.IsSpeaking = false
		}
	}

	onsetCand := !s.IsSpeaking &&
		f.OnsetScore >= onsetCandOnset &&
		speech >= onsetCandSpeech &&
		nf >= open*onsetCandOpenFactor &&
		f.SNR >= onsetCandSNR
	softCand := !s.IsSpeaking &&
		speech >= softCandSpeech &&
		f.OnsetScore >= softCandOnset &&
		f.VoiceRatioScore >= softCandVoice &&
		f.SNR >= softCandSNR

	switch {
	case s.IsSpeaking:
		s.SpeechAttackBlocks = max(s.SpeechAttackBlocks, speakingMinAttack)
	case onsetCand:
		s.SpeechAttackBlocks = onsetAttackBlocks
	case softCand:
		s.SpeechAttackBlocks = max(s.SpeechAttackBlocks, softAttackBlocks)
		if s.SmoothedNearFieldScore >= open*softOpenFactor {
			s.IsSpeaking = true
			s.SpeakingHoldBlocks = max(s.SpeakingHoldBlocks, softHoldBlocks)
		}
	case s.SpeechAttackBlocks > 0:
		s.SpeechAttackBlocks--
	}

	exp := dsp.Clamp(curveBase-cfg.Strength*curveSlope, curveMin, curveMax)
	target := cfg.MinSuppressionGain + (1-cfg.MinSuppressionGain)*math.Pow(s.SmoothedNearFieldScore, exp)

	if in.Lock.Enabled && in.Lock.Confidence > lockMinConfidence {
		sens := dsp.Clamp01(in.Lock.Sensitivity)
		floor := lockCandidateFloor + (1-sens)*lockCandidateSlope
		if in.Lock.Frozen {
			floor = lockFrozenFloor + (1-sens)*lockFrozenSlope
		}
		target *= floor + (1-floor)*in.Lock.MatchScore

		rescue := speech >= lockRescueSpeech &&
			(f.OnsetScore >= lockRescueOnset || s.IsSpeaking || s.SpeechAttackBlocks > 0) &&
			f.SNR >= lockRescueSNR
		if rescue {
			target = math.Max(target, dsp.Clamp(
				lockRescueBase+lockRescueSpeechSlope*speech+lockRescueOnsetSlope*f.OnsetScore,
				lockRescueBase, lockRescueMax))
		}
	}

	if s.IsSpeaking {
		target = math.Max(target, speakingFloor)
	} else if f.OnsetScore > onsetFloorOnset && speech > onsetFloorSpeech {
		target = math.Max(target, onsetFloor)
	}
	if !s.IsSpeaking && speech >= provisionalSpeech && f.VoiceRatioScore >= provisionalVoice && f.SNR >= provisionalSNR {
		target = math.Max(target, dsp.Clamp(provisionalBase+provisionalSlope*speech, provisionalBase, provisionalMax))
	}
	if s.SpeechAttackBlocks > 0 {
		target = math.Max(target, attackFloorBase+attackFloorSlope*speech)
	}
	target = dsp.Clamp(target, cfg.MinSuppressionGain, 1)

	attack, release := attackIdle, releaseIdle
	switch {
	case s.IsSpeaking:
		attack, release = attackSpeaking, releaseSpeaking
	case s.SpeechAttackBlocks > 0:
		attack, release = attackWindow, releaseWindow
	}
	blend := release
	if target >= s.SuppressionGain {
		blend = attack
	}
	s.SuppressionGain = s.SuppressionGain*(1-blend) + target*blend
	s.SuppressionGain = dsp.Clamp(s.SuppressionGain, cfg.MinSuppressionGain, 1)

	return dsp.RenderParams{
		Gain:            s.SuppressionGain,
		PresenceLift:    cfg.PresenceBoost * s.SmoothedNearFieldScore,
		RumbleReduction: cfg.RumbleDamp * (1 - s.SmoothedNearFieldScore),
		SaturationDrive: 1 + cfg.Strength*saturationDriveSlope,
	}
}
