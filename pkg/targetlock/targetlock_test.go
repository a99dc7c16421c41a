package targetlock_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/nearfield/pkg/dsp"
	"github.com/MrWong99/nearfield/pkg/targetlock"
)

// blocksPerSecond at 48 kHz with 128-sample blocks.
const blocksPerSecond = 48000.0 / 128.0

var enabled = targetlock.Settings{Enabled: true, Sensitivity: 0.62}

// speakerInput is a consistent close-talking speaker.
func speakerInput() targetlock.Input {
	return targetlock.Input{
		Features: dsp.Features{
			VoiceRatio: 0.5,
			ZCR:        0.1,
			SNRScore:   0.8,
			OnsetScore: 0.3,
		},
		NearFieldScore:   0.8,
		SpeechLikelihood: 0.8,
	}
}

func TestProfile_ResetIdempotent(t *testing.T) {
	t.Parallel()

	p := targetlock.New()
	p.StartCalibration(5000, blocksPerSecond)
	for range 30 {
		p.Apply(speakerInput(), enabled)
	}

	p.Reset()
	once := p
	p.Reset()
	if p != once {
		t.Errorf("second Reset changed state: %+v != %+v", p, once)
	}
	if once != targetlock.New() {
		t.Errorf("Reset = %+v, want defaults %+v", once, targetlock.New())
	}
}

func TestProfile_CalibrationFreezesConsistentSpeaker(t *testing.T) {
	t.Parallel()

	p := targetlock.New()
	p.StartCalibration(targetlock.EnableCalibrationMs, blocksPerSecond)
	total := p.CalibrationTotal
	if want := int(math.Round(blocksPerSecond * 6.5)); total != want {
		t.Fatalf("CalibrationTotal = %d, want %d", total, want)
	}

	frozenAt := -1
	for i := range total {
		p.Apply(speakerInput(), enabled)
		if p.Frozen && frozenAt < 0 {
			frozenAt = i
		}
	}
	if !p.Frozen {
		t.Fatalf("profile not frozen after %d calibration blocks: %+v", total, p)
	}
	if frozenAt > 40 {
		t.Errorf("froze at block %d, want within the first 40 blocks", frozenAt)
	}
	if p.Calibrating() {
		t.Error("freezing should end the calibration window")
	}
	if p.Progress() != 1 {
		t.Errorf("Progress = %v, want 1 when frozen", p.Progress())
	}
	if math.Abs(p.VoiceRatio-0.5) > 0.02 || math.Abs(p.SNRScore-0.8) > 0.03 {
		t.Errorf("learned profile = (%v, %v), want close to (0.5, 0.8)", p.VoiceRatio, p.SNRScore)
	}
}

func TestProfile_FrozenMatchingSpeakerPassesThrough(t *testing.T) {
	t.Parallel()

	p := targetlock.New()
	p.StartCalibration(targetlock.EnableCalibrationMs, blocksPerSecond)
	var out float64
	for range 200 {
		out = p.Apply(speakerInput(), enabled)
	}
	if !p.Frozen {
		t.Fatal("expected frozen profile")
	}
	if math.Abs(out-0.8) > 0.01 {
		t.Errorf("adjusted score = %v, want ~0.8 for the locked speaker", out)
	}
}

func TestProfile_MismatchUnfreezes(t *testing.T) {
	t.Parallel()

	p := targetlock.New()
	p.Load(targetlock.Snapshot{
		VoiceRatio: 0.36, ZCR: 0.1, SNRScore: 0.42, Confidence: 0.9, Frozen: true, Sensitivity: 0.62,
	})

	other := targetlock.Input{
		Features:         dsp.Features{VoiceRatio: 0.95, ZCR: 0.5, SNRScore: 0, OnsetScore: 0.3},
		NearFieldScore:   0.8,
		SpeechLikelihood: 0.8,
	}

	// round(12 + 10·(1−0.62)) = 16 mismatching blocks unfreeze the profile.
	for i := range 15 {
		out := p.Apply(other, enabled)
		if !p.Frozen {
			t.Fatalf("unfroze early at block %d", i)
		}
		if out >= other.NearFieldScore {
			t.Errorf("block %d: adjusted score %v should be attenuated below %v", i, out, other.NearFieldScore)
		}
	}
	p.Apply(other, enabled)
	if p.Frozen {
		t.Fatalf("still frozen after 16 mismatching blocks: %+v", p)
	}
	if math.Abs(p.Confidence-0.9*0.72) > 1e-9 {
		t.Errorf("Confidence = %v, want %v", p.Confidence, 0.9*0.72)
	}
	if p.StableBlocks != 0 || p.MismatchBlocks != 0 {
		t.Errorf("counters = %d/%d, want 0/0 after unfreeze", p.StableBlocks, p.MismatchBlocks)
	}
}

func TestProfile_DisabledDecaysAndPassesThrough(t *testing.T) {
	t.Parallel()

	p := targetlock.New()
	p.Load(targetlock.Snapshot{VoiceRatio: 0.5, ZCR: 0.1, SNRScore: 0.8, Confidence: 0.5, Frozen: true})
	p.MatchScore = 0.8

	in := speakerInput()
	in.NearFieldScore = 0.37
	if got := p.Apply(in, targetlock.Settings{}); got != 0.37 {
		t.Errorf("disabled Apply = %v, want passthrough 0.37", got)
	}
	if p.Frozen || p.StableBlocks != 0 {
		t.Errorf("disabled lock should clear freeze state: %+v", p)
	}
	if math.Abs(p.Confidence-0.488) > 1e-12 {
		t.Errorf("Confidence = %v, want 0.488", p.Confidence)
	}
	if math.Abs(p.MatchScore-0.72) > 1e-12 {
		t.Errorf("MatchScore = %v, want 0.72", p.MatchScore)
	}

	for range 100 {
		p.Apply(in, targetlock.Settings{})
	}
	if p.Confidence != 0 {
		t.Errorf("Confidence = %v, want decay to 0", p.Confidence)
	}
}

func TestProfile_LowConfidencePassthrough(t *testing.T) {
	t.Parallel()

	p := targetlock.New()
	in := speakerInput()
	in.SpeechLikelihood = 0.1 // no learning signal
	if got := p.Apply(in, enabled); got != in.NearFieldScore {
		t.Errorf("Apply = %v, want passthrough %v", got, in.NearFieldScore)
	}
	if p.MatchScore != 0 {
		t.Errorf("MatchScore = %v, want 2·confidence = 0", p.MatchScore)
	}
}

func TestProfile_BoundsUnderRandomInput(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(7, 11))
	p := targetlock.New()
	for i := range 20000 {
		if i%3000 == 0 {
			p.StartCalibration(rng.Float64()*30000, blocksPerSecond)
		}
		s := targetlock.Settings{Enabled: i%5000 < 4000, Sensitivity: rng.Float64()}
		in := targetlock.Input{
			Features: dsp.Features{
				VoiceRatio: rng.Float64() * 1.5,
				ZCR:        rng.Float64(),
				SNRScore:   rng.Float64(),
				OnsetScore: rng.Float64(),
			},
			NearFieldScore:   rng.Float64(),
			SpeechLikelihood: rng.Float64(),
		}
		out := p.Apply(in, s)
		if out < 0 || out > 1 || math.IsNaN(out) {
			t.Fatalf("block %d: adjusted score %v outside [0, 1]", i, out)
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			t.Fatalf("block %d: confidence %v outside [0, 1]", i, p.Confidence)
		}
		if p.MatchScore < 0 || p.MatchScore > 1 {
			t.Fatalf("block %d: match score %v outside [0, 1]", i, p.MatchScore)
		}
		if p.StableBlocks > 120 || p.MismatchBlocks > 120 || p.StableBlocks < 0 || p.MismatchBlocks < 0 {
			t.Fatalf("block %d: counters %d/%d outside [0, 120]", i, p.StableBlocks, p.MismatchBlocks)
		}
		if pr := p.Progress(); pr < 0 || pr > 1 {
			t.Fatalf("block %d: progress %v outside [0, 1]", i, pr)
		}
	}
}

func TestProfile_StartCalibration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		durationMs float64
		wantFrames int
	}{
		{"default on NaN", math.NaN(), 3000},
		{"default on Inf", math.Inf(1), 3000},
		{"clamped low", 100, 750},
		{"clamped high", 1e9, 7500},
		{"in range", 4000, 1500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := targetlock.New()
			p.Confidence = 0.9
			p.Frozen = true
			p.StableBlocks = 30
			p.StartCalibration(tt.durationMs, blocksPerSecond)
			if p.CalibrationTotal != tt.wantFrames || p.CalibrationRemaining != tt.wantFrames {
				t.Errorf("frames = %d/%d, want %d", p.CalibrationRemaining, p.CalibrationTotal, tt.wantFrames)
			}
			if p.Frozen || p.StableBlocks != 0 {
				t.Errorf("calibration should unfreeze and clear counters: %+v", p)
			}
			if p.Confidence != 0.32 {
				t.Errorf("Confidence = %v, want capped at 0.32", p.Confidence)
			}
		})
	}
}

func TestProfile_Progress(t *testing.T) {
	t.Parallel()

	p := targetlock.New()
	if got := p.Progress(); got != 0 {
		t.Errorf("fresh Progress = %v, want 0", got)
	}

	p.StartCalibration(2000, 100) // 200 frames
	p.CalibrationRemaining = 100
	if got := p.Progress(); math.Abs(got-0.325) > 1e-12 {
		t.Errorf("half-elapsed Progress = %v, want 0.5·0.65", got)
	}

	p.Disable()
	p.Confidence = 0.76
	p.StableBlocks = 12
	if got := p.Progress(); math.Abs(got-0.9) > 1e-12 {
		t.Errorf("Progress = %v, want 0.8 + 0.2·0.5", got)
	}
}

func TestProfile_Load(t *testing.T) {
	t.Parallel()

	p := targetlock.New()
	p.StartCalibration(4000, blocksPerSecond)
	sens, ok := p.Load(targetlock.Snapshot{
		VoiceRatio:  math.NaN(),
		ZCR:         1.7,
		SNRScore:    -2,
		Confidence:  math.Inf(1),
		Frozen:      true,
		Sensitivity: 0.3,
	})
	if !ok || sens != 0.3 {
		t.Errorf("Load sensitivity = %v, %v; want 0.3, true", sens, ok)
	}
	if p.VoiceRatio != targetlock.DefaultVoiceRatio {
		t.Errorf("VoiceRatio = %v, want unchanged default for NaN", p.VoiceRatio)
	}
	if p.ZCR != 1 || p.SNRScore != 0 {
		t.Errorf("ZCR/SNRScore = %v/%v, want clamped 1/0", p.ZCR, p.SNRScore)
	}
	if p.Confidence != 0 {
		t.Errorf("Confidence = %v, want unchanged 0 for Inf", p.Confidence)
	}
	if !p.Frozen || p.StableBlocks != 24 {
		t.Errorf("Frozen/StableBlocks = %v/%d, want true/24", p.Frozen, p.StableBlocks)
	}
	if p.Calibrating() || p.CalibrationTotal != 0 {
		t.Error("Load should clear calibration")
	}

	if _, ok := p.Load(targetlock.Snapshot{Sensitivity: math.NaN()}); ok {
		t.Error("Load should report a non-finite sensitivity as absent")
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()

	p := targetlock.New()
	p.StartCalibration(targetlock.EnableCalibrationMs, blocksPerSecond)
	for range 100 {
		p.Apply(speakerInput(), enabled)
	}
	snap := p.Snapshot(0.62)

	q := targetlock.New()
	sens, _ := q.Load(snap)
	if got := q.Snapshot(sens); got != snap {
		t.Errorf("restored snapshot = %+v, want %+v", got, snap)
	}
	if v := snap.Vector(); len(v) != 3 || v[0] != float32(snap.VoiceRatio) {
		t.Errorf("Vector = %v, want [voice zcr snr]", v)
	}
}
