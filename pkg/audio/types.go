// Package audio moves 16-bit PCM between byte streams and the engine's
// float32 blocks.
//
// [Converter] turns interleaved s16le input of any channel count and rate into
// mono s16le at the engine rate. [Host] reads such a stream, reframes it into
// fixed-size blocks through a ring buffer, runs each block through a
// [Processor] and writes the interleaved result.
package audio

import "fmt"

// BytesPerSample is the width of one s16le sample.
const BytesPerSample = 2

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameBytes returns the size of one interleaved sample frame in bytes.
func (f Format) FrameBytes() int {
	return max(1, f.Channels) * BytesPerSample
}

// Valid reports whether f describes a usable stream.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
