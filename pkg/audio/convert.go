package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
)

const pcmScale = 32768.0

// Converter converts interleaved s16le PCM in format From to mono s16le at
// SampleRate. It logs once on the first format mismatch and once on
// misaligned input. Create one per stream; it is not safe for concurrent use.
type Converter struct {
	From       Format
	SampleRate int

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Passthrough reports whether the input is already mono at the target rate.
func (c *Converter) Passthrough() bool {
	return c.From.Channels == 1 && c.From.SampleRate == c.SampleRate
}

// ToMono converts pcm. Trailing bytes that do not form a whole sample frame
// are dropped. Matching formats are returned unchanged without allocating.
// Channels are mixed down before resampling.
func (c *Converter) ToMono(pcm []byte) []byte {
	frame := c.From.FrameBytes()
	if rem := len(pcm) % frame; rem != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: input not aligned to sample frames, dropping tail",
				"bytes", len(pcm),
				"format", c.From.String(),
			)
		})
		pcm = pcm[:len(pcm)-rem]
	}
	if c.Passthrough() {
		return pcm
	}

	c.warnedMismatch.Do(func() {
		slog.Info("audio: converting input",
			"from", c.From.String(),
			"to", Format{SampleRate: c.SampleRate, Channels: 1}.String(),
		)
	})
	if c.From.Channels > 1 {
		pcm = Downmix16(pcm, c.From.Channels)
	}
	return ResampleMono16(pcm, c.From.SampleRate, c.SampleRate)
}

// Downmix16 averages each interleaved frame of channels s16le samples into
// one mono sample. int32 arithmetic avoids overflow.
func Downmix16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := channels * BytesPerSample
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*BytesPerSample)
	for i := range frames {
		var sum int32
		base := i * frameBytes
		for ch := range channels {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[base+ch*BytesPerSample:])))
		}
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(int16(sum/int32(channels))))
	}
	return out
}

// Upmix16 duplicates each mono s16le sample into channels interleaved
// copies.
func Upmix16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	samples := len(pcm) / BytesPerSample
	out := make([]byte, samples*channels*BytesPerSample)
	for i := range samples {
		lo, hi := pcm[i*2], pcm[i*2+1]
		for ch := range channels {
			j := (i*channels + ch) * BytesPerSample
			out[j] = lo
			out[j+1] = hi
		}
	}
	return out
}

// ResampleMono16 resamples mono s16le PCM from srcRate to dstRate by linear
// interpolation. Equal or invalid rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < BytesPerSample {
		return pcm
	}
	srcSamples := len(pcm) / BytesPerSample
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:])))
	}
	out := make([]byte, dstSamples*BytesPerSample)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := sample(idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sample(idx + 1)
		}
		v := int16(s0*(1-frac) + s1*frac)
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(v))
	}
	return out
}

// DecodePCM16 converts mono s16le samples into dst, scaled to [-1, 1). It
// returns the number of samples written.
func DecodePCM16(dst []float32, pcm []byte) int {
	n := min(len(dst), len(pcm)/BytesPerSample)
	for i := range n {
		dst[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))) / pcmScale
	}
	return n
}

// EncodePCM16 interleaves channels into dst as s16le, clamping to the int16
// range. NaN encodes as silence. Every channel must hold at least as many
// samples as the first; it returns the number of bytes written.
func EncodePCM16(dst []byte, channels [][]float32) int {
	if len(channels) == 0 {
		return 0
	}
	nch := len(channels)
	frames := min(len(channels[0]), len(dst)/(nch*BytesPerSample))
	for i := range frames {
		for ch, samples := range channels {
			binary.LittleEndian.PutUint16(dst[(i*nch+ch)*BytesPerSample:], uint16(toInt16(samples[i])))
		}
	}
	return frames * nch * BytesPerSample
}

func toInt16(v float32) int16 {
	f := float64(v) * pcmScale
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt16:
		return math.MaxInt16
	case f <= math.MinInt16:
		return math.MinInt16
	default:
		return int16(math.Round(f))
	}
}
