package dsp

import "math"

// Filter corner frequencies in Hz.
const (
	HighpassHz       = 100.0
	SpeechLowpassHz  = 3600.0
	RumbleLowpassHz  = 170.0
	zeroCrossingBand = 0.0025
	energyFloor      = 1e-7
	initialScratch   = 128
)

// FrameMetrics are the raw, unsmoothed statistics of one block.
type FrameMetrics struct {
	// RMS of the highpassed signal.
	RMS float64
	// VoiceRatio is speech-band energy as a fraction of total highpassed energy.
	VoiceRatio float64
	// RumbleRatio is rumble-band energy as a fraction of total highpassed energy.
	RumbleRatio float64
	// ZCR is the deadbanded zero-crossing count divided by the block length.
	ZCR float64
}

// Coefficients holds the single-pole filter coefficients for one sample rate.
type Coefficients struct {
	Highpass      float64
	SpeechLowpass float64
	RumbleLowpass float64
}

// NewCoefficients derives the filter coefficients for sampleRate.
func NewCoefficients(sampleRate float64) Coefficients {
	dt := 1 / sampleRate
	hpRC := rc(HighpassHz)
	speechRC := rc(SpeechLowpassHz)
	rumbleRC := rc(RumbleLowpassHz)
	return Coefficients{
		Highpass:      hpRC / (hpRC + dt),
		SpeechLowpass: dt / (speechRC + dt),
		RumbleLowpass: dt / (rumbleRC + dt),
	}
}

func rc(hz float64) float64 {
	return 1 / (2 * math.Pi * hz)
}

// Filters is the stateful band splitter. It keeps the IIR state and the last
// deadbanded sign across blocks and retains the band signals of the most
// recent block for rendering.
//
// A Filters value is owned by a single goroutine.
type Filters struct {
	coeff Coefficients

	hpPrevIn  float64
	hpPrevOut float64
	lpSpeech  float64
	lpRumble  float64
	lastSign  int

	highpassed []float32
	speech     []float32
	rumble     []float32
	n          int
}

// NewFilters returns a band splitter for sampleRate with scratch sized for
// 128-sample blocks.
func NewFilters(sampleRate float64) *Filters {
	f := &Filters{coeff: NewCoefficients(sampleRate)}
	f.Grow(initialScratch)
	return f
}

// SetSampleRate recomputes the coefficients without touching filter state.
func (f *Filters) SetSampleRate(sampleRate float64) {
	f.coeff = NewCoefficients(sampleRate)
}

// Coefficients returns the active filter coefficients.
func (f *Filters) Coefficients() Coefficients {
	return f.coeff
}

// Grow ensures the scratch buffers hold at least n samples. It allocates only
// when n exceeds the current capacity.
func (f *Filters) Grow(n int) {
	if len(f.highpassed) >= n {
		return
	}
	f.highpassed = make([]float32, n)
	f.speech = make([]float32, n)
	f.rumble = make([]float32, n)
}

// Reset clears filter state. Scratch capacity is kept.
func (f *Filters) Reset() {
	f.hpPrevIn, f.hpPrevOut = 0, 0
	f.lpSpeech, f.lpRumble = 0, 0
	f.lastSign = 0
	f.n = 0
}

// Analyze filters one block and returns its statistics. The band signals stay
// available through [Filters.Bands] until the next call.
func (f *Filters) Analyze(input []float32) FrameMetrics {
	n := len(input)
	f.Grow(n)
	f.n = n
	if n == 0 {
		return FrameMetrics{}
	}

	var (
		sumSquares   float64
		totalEnergy  = energyFloor
		voiceEnergy  float64
		rumbleEnergy float64
		crossings    int
		lastSign     = f.lastSign
	)

	for i, s := range input {
		x := float64(s)

		hp := f.coeff.Highpass * (f.hpPrevOut + x - f.hpPrevIn)
		f.hpPrevIn = x
		f.hpPrevOut = hp

		f.lpSpeech += f.coeff.SpeechLowpass * (hp - f.lpSpeech)
		f.lpRumble += f.coeff.RumbleLowpass * (x - f.lpRumble)

		f.highpassed[i] = float32(hp)
		f.speech[i] = float32(f.lpSpeech)
		f.rumble[i] = float32(f.lpRumble)

		e := hp * hp
		sumSquares += e
		totalEnergy += e
		voiceEnergy += f.lpSpeech * f.lpSpeech
		rumbleEnergy += f.lpRumble * f.lpRumble

		sign := deadbandSign(hp)
		if i > 0 && sign != 0 && lastSign != 0 && sign != lastSign {
			crossings++
		}
		if sign != 0 {
			lastSign = sign
		}
	}
	f.lastSign = lastSign

	return FrameMetrics{
		RMS:         math.Sqrt(sumSquares / float64(n)),
		VoiceRatio:  voiceEnergy / totalEnergy,
		RumbleRatio: rumbleEnergy / totalEnergy,
		ZCR:         float64(crossings) / float64(n),
	}
}

// Bands returns the highpassed, speech-band and rumble-band signals of the
// last analyzed block. The slices alias internal scratch.
func (f *Filters) Bands() (highpassed, speech, rumble []float32) {
	return f.highpassed[:f.n], f.speech[:f.n], f.rumble[:f.n]
}

func deadbandSign(v float64) int {
	switch {
	case v > zeroCrossingBand:
		return 1
	case v < -zeroCrossingBand:
		return -1
	default:
		return 0
	}
}
