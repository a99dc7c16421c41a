package gain_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/nearfield/pkg/dsp"
	"github.com/MrWong99/nearfield/pkg/gain"
)

var defaults = gain.Settings{
	Strength:           0.78,
	MinSuppressionGain: 0.14,
	PresenceBoost:      0.23,
	RumbleDamp:         0.42,
}

func TestState_SilenceClosesGate(t *testing.T) {
	t.Parallel()

	s := gain.New()
	for range 50 {
		s.Update(gain.Input{}, defaults)
	}
	if s.IsSpeaking {
		t.Error("IsSpeaking = true after 50 silent blocks")
	}
	if math.Abs(s.SuppressionGain-defaults.MinSuppressionGain) > 0.01 {
		t.Errorf("SuppressionGain = %v, want ~%v", s.SuppressionGain, defaults.MinSuppressionGain)
	}
}

func TestState_SustainedNearFieldOpensGate(t *testing.T) {
	t.Parallel()

	s := gain.New()
	in := gain.Input{
		Features:         dsp.Features{SNR: 4, VoiceRatioScore: 0.6},
		SpeechLikelihood: 0.7,
		NearFieldScore:   0.9,
	}
	// open threshold 0.5 − 0.08·0.78 = 0.4376; smoothed score crosses it on block 3.
	for i := range 3 {
		s.Update(in, defaults)
		if i < 2 && s.IsSpeaking {
			t.Fatalf("speaking too early at block %d (smoothed %v)", i, s.SmoothedNearFieldScore)
		}
	}
	if !s.IsSpeaking || s.SpeakingHoldBlocks != 8 {
		t.Fatalf("IsSpeaking/hold = %v/%d, want true/8", s.IsSpeaking, s.SpeakingHoldBlocks)
	}
	for range 30 {
		s.Update(in, defaults)
	}
	if s.SuppressionGain < 0.9 {
		t.Errorf("SuppressionGain = %v, want >= speaking floor 0.9", s.SuppressionGain)
	}
}

func TestState_OnsetOpensAttackWindow(t *testing.T) {
	t.Parallel()

	s := gain.New()
	for range 20 {
		s.Update(gain.Input{}, defaults)
	}
	closed := s.SuppressionGain

	s.Update(gain.Input{
		Features:         dsp.Features{SNR: 2, OnsetScore: 0.8},
		SpeechLikelihood: 0.5,
		NearFieldScore:   0.4,
	}, defaults)
	if s.IsSpeaking {
		t.Fatal("one onset block should not enter speaking")
	}
	if s.SpeechAttackBlocks != 12 {
		t.Errorf("SpeechAttackBlocks = %d, want 12", s.SpeechAttackBlocks)
	}
	// attack floor 0.82 + 0.14·0.5 blended at the attack-window rate.
	want := closed*(1-0.34) + (0.82+0.14*0.5)*0.34
	if math.Abs(s.SuppressionGain-want) > 1e-9 {
		t.Errorf("SuppressionGain = %v, want %v", s.SuppressionGain, want)
	}

	for range 12 {
		s.Update(gain.Input{}, defaults)
	}
	if s.SpeechAttackBlocks != 0 {
		t.Errorf("SpeechAttackBlocks = %d, want window to drain", s.SpeechAttackBlocks)
	}
}

func TestState_HoldAndClose(t *testing.T) {
	t.Parallel()

	s := gain.New()
	loud := gain.Input{Features: dsp.Features{SNR: 4}, SpeechLikelihood: 0.7, NearFieldScore: 0.95}
	for range 10 {
		s.Update(loud, defaults)
	}
	if !s.IsSpeaking {
		t.Fatal("expected speaking")
	}

	mid := gain.Input{NearFieldScore: 0.3}
	for range 40 {
		s.Update(mid, defaults)
	}
	if !s.IsSpeaking {
		t.Error("a score above the close threshold 0.2312 should keep speaking")
	}

	for range 40 {
		s.Update(gain.Input{}, defaults)
	}
	if s.IsSpeaking {
		t.Error("silence should close the gate once the hold expires")
	}
}

func TestState_LockScalesTargetGain(t *testing.T) {
	t.Parallel()

	in := gain.Input{Features: dsp.Features{SNR: 1}, SpeechLikelihood: 0.2, NearFieldScore: 0.35}
	lockedOut := in
	lockedOut.Lock = gain.Lock{Enabled: true, Sensitivity: 0.62, Confidence: 0.8, Frozen: true, MatchScore: 0}

	plain, locked := gain.New(), gain.New()
	for range 60 {
		plain.Update(in, defaults)
		locked.Update(lockedOut, defaults)
	}
	if locked.SuppressionGain >= plain.SuppressionGain {
		t.Errorf("mismatching locked gain %v should be below unlocked gain %v", locked.SuppressionGain, plain.SuppressionGain)
	}
}

func TestState_RenderParams(t *testing.T) {
	t.Parallel()

	s := gain.New()
	p := s.Update(gain.Input{NearFieldScore: 1}, defaults)
	sm := s.SmoothedNearFieldScore
	if math.Abs(sm-0.26) > 1e-12 {
		t.Fatalf("SmoothedNearFieldScore = %v, want 0.26", sm)
	}
	if math.Abs(p.PresenceLift-0.23*sm) > 1e-12 {
		t.Errorf("PresenceLift = %v, want %v", p.PresenceLift, 0.23*sm)
	}
	if math.Abs(p.RumbleReduction-0.42*(1-sm)) > 1e-12 {
		t.Errorf("RumbleReduction = %v, want %v", p.RumbleReduction, 0.42*(1-sm))
	}
	if math.Abs(p.SaturationDrive-(1+0.45*0.78)) > 1e-12 {
		t.Errorf("SaturationDrive = %v, want %v", p.SaturationDrive, 1+0.45*0.78)
	}
	if p.Gain != s.SuppressionGain {
		t.Errorf("Gain = %v, want SuppressionGain %v", p.Gain, s.SuppressionGain)
	}
}

func TestState_GainBoundsUnderRandomInput(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(3, 5))
	s := gain.New()
	for i := range 20000 {
		cfg := gain.Settings{
			Strength:           0.2 + 0.8*rng.Float64(),
			MinSuppressionGain: 0.02 + 0.68*rng.Float64(),
			PresenceBoost:      0.6 * rng.Float64(),
			RumbleDamp:         0.7 * rng.Float64(),
		}
		in := gain.Input{
			Features: dsp.Features{
				SNR:             rng.Float64() * 8,
				OnsetScore:      rng.Float64(),
				VoiceRatioScore: rng.Float64(),
			},
			SpeechLikelihood: rng.Float64(),
			NearFieldScore:   rng.Float64(),
			Lock: gain.Lock{
				Enabled:     rng.IntN(2) == 0,
				Sensitivity: rng.Float64(),
				Confidence:  rng.Float64(),
				MatchScore:  rng.Float64(),
				Frozen:      rng.IntN(2) == 0,
			},
		}
		p := s.Update(in, cfg)
		if p.Gain < cfg.MinSuppressionGain || p.Gain > 1 || math.IsNaN(p.Gain) {
			t.Fatalf("block %d: gain %v outside [%v, 1]", i, p.Gain, cfg.MinSuppressionGain)
		}
		if s.SmoothedNearFieldScore < 0 || s.SmoothedNearFieldScore > 1 {
			t.Fatalf("block %d: smoothed score %v outside [0, 1]", i, s.SmoothedNearFieldScore)
		}
	}
}

func TestState_Reset(t *testing.T) {
	t.Parallel()

	s := gain.New()
	s.Update(gain.Input{NearFieldScore: 1, SpeechLikelihood: 1}, defaults)
	s.Reset()
	if s != gain.New() {
		t.Errorf("Reset = %+v, want %+v", s, gain.New())
	}
}
