// Package codec converts between native float frames and the transport-safe
// wire representation used by real-time inference channels.
//
// The wire form is base64 (standard alphabet) of little-endian signed 16-bit
// PCM. Encoding maps each sample s to round(s*32768), clamped to the int16
// range; decoding divides by 32768. A decode(encode(x)) round trip therefore
// reproduces x within one quantisation step, and repeated round trips are
// stable because decoded values are exact multiples of 1/32768.
//
// All functions are pure and safe for concurrent use.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Scale is the divisor between int16 PCM and normalised float samples.
const Scale = 32768

// EncodeError reports a captured frame that cannot be encoded. The frame is
// dropped by callers; capture continues.
type EncodeError struct {
	Reason string
}

func (e *EncodeError) Error() string {
	return "codec: encode: " + e.Reason
}

// DecodeError reports a malformed inbound frame. The frame is dropped by
// callers; playback continues with the next frame.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: decode: %s: %v", e.Reason, e.Err)
	}
	return "codec: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode converts a native frame into its wire form, tagged with the frame's
// sample rate (and channel count when not mono).
func Encode(frame audio.NativeFrame) (audio.WireFrame, error) {
	if len(frame.Samples) == 0 {
		return audio.WireFrame{}, &EncodeError{Reason: "empty frame"}
	}
	if !frame.Format().Valid() {
		return audio.WireFrame{}, &EncodeError{Reason: fmt.Sprintf("invalid format %dHz/%dch", frame.SampleRate, frame.Channels)}
	}
	if len(frame.Samples)%frame.Channels != 0 {
		return audio.WireFrame{}, &EncodeError{Reason: fmt.Sprintf("%d samples do not divide into %d channels", len(frame.Samples), frame.Channels)}
	}
	return audio.WireFrame{
		Data:     base64.StdEncoding.EncodeToString(EncodePCM16(frame.Samples)),
		MIMEType: audio.MIMEType(frame.Format()),
	}, nil
}

// Decode reverses [Encode]. sampleRate and channels describe the stream the
// frame belongs to; the byte length must be a multiple of 2*channels.
func Decode(wire audio.WireFrame, sampleRate, channels int) (audio.NativeFrame, error) {
	if channels <= 0 || sampleRate <= 0 {
		return audio.NativeFrame{}, &DecodeError{Reason: fmt.Sprintf("invalid format %dHz/%dch", sampleRate, channels)}
	}
	pcm, err := base64.StdEncoding.DecodeString(wire.Data)
	if err != nil {
		return audio.NativeFrame{}, &DecodeError{Reason: "base64", Err: err}
	}
	samples, err := DecodePCM16(pcm, channels)
	if err != nil {
		return audio.NativeFrame{}, err
	}
	return audio.NativeFrame{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}

// EncodePCM16 quantises samples to little-endian int16 PCM. Samples outside
// [-1, 1] are clamped rather than wrapped.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantise(s)))
	}
	return out
}

// DecodePCM16 reinterprets little-endian int16 PCM as normalised floats. It
// fails with a [DecodeError] if len(pcm) is not a multiple of 2*channels.
func DecodePCM16(pcm []byte, channels int) ([]float32, error) {
	if channels <= 0 {
		channels = 1
	}
	if len(pcm)%(2*channels) != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("%d bytes is not a multiple of %d", len(pcm), 2*channels)}
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / Scale
	}
	return out, nil
}

func quantise(s float32) int16 {
	v := math.Round(float64(s) * Scale)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	case math.IsNaN(v):
		return 0
	}
	return int16(v)
}
