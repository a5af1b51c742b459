// Package audio defines the frame types and PCM helpers shared by every stage
// of a voxlink session.
//
// Two frame representations exist:
//
//   - [NativeFrame]: interleaved float32 samples in [-1, 1], as produced by
//     capture devices and consumed by playback devices.
//   - [WireFrame]: the transport-safe form. Base64 of little-endian int16 PCM,
//     tagged with a MIME descriptor that names the codec and sample rate.
//
// Conversion between the two lives in the audio/codec package.
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable representation such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Valid reports whether both the sample rate and the channel count are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// NativeFrame is a block of interleaved floating-point samples. Sample rate
// and channel count are inherited from the pipeline that produced the frame.
type NativeFrame struct {
	// Samples holds interleaved samples, nominally in [-1, 1].
	Samples []float32

	// SampleRate in Hz (e.g., 16000 for capture, 24000 for playback).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int
}

// Format returns the frame's sample rate and channel count.
func (f NativeFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Len returns the number of samples per channel.
func (f NativeFrame) Len() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback length of the frame at its own sample rate.
func (f NativeFrame) Duration() time.Duration {
	return SamplesDuration(f.Len(), f.SampleRate)
}

// Channel returns a de-interleaved copy of channel ch. It panics if ch is out
// of range.
func (f NativeFrame) Channel(ch int) []float32 {
	if ch < 0 || ch >= f.Channels {
		panic(fmt.Sprintf("audio: channel %d out of range [0,%d)", ch, f.Channels))
	}
	out := make([]float32, f.Len())
	for i := range out {
		out[i] = f.Samples[i*f.Channels+ch]
	}
	return out
}

// WireFrame is the transport-safe serialisation of a frame. It mirrors the
// JSON shape used by real-time inference channels.
type WireFrame struct {
	// Data is the standard base64 encoding of little-endian int16 PCM.
	Data string `json:"data"`

	// MIMEType names the codec and sample rate, e.g. "audio/pcm;rate=16000".
	MIMEType string `json:"mimeType"`
}

// SamplesDuration converts a per-channel sample count at rate Hz into a
// duration. A non-positive rate yields zero.
func SamplesDuration(samples, rate int) time.Duration {
	if rate <= 0 || samples <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(rate))
}
