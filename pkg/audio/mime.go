package audio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// PCMMediaType is the media type of raw little-endian int16 PCM.
const PCMMediaType = "audio/pcm"

// ErrInvalidMIME is wrapped by [ParseMIME] failures.
var ErrInvalidMIME = errors.New("audio: invalid pcm mime type")

// MIMEType builds the descriptor for raw PCM in format f. The channels
// parameter is only emitted for multi-channel audio so that mono frames match
// the "audio/pcm;rate=16000" form remote channels expect.
func MIMEType(f Format) string {
	if f.Channels > 1 {
		return fmt.Sprintf("%s;rate=%d;channels=%d", PCMMediaType, f.SampleRate, f.Channels)
	}
	return fmt.Sprintf("%s;rate=%d", PCMMediaType, f.SampleRate)
}

// ParseMIME extracts the format from a raw PCM descriptor. A missing channels
// parameter means mono; a missing rate is an error.
func ParseMIME(mime string) (Format, error) {
	parts := strings.Split(mime, ";")
	if strings.TrimSpace(strings.ToLower(parts[0])) != PCMMediaType {
		return Format{}, fmt.Errorf("%w: %q", ErrInvalidMIME, mime)
	}

	f := Format{Channels: 1}
	for _, p := range parts[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return Format{}, fmt.Errorf("%w: %q: %s is not a number", ErrInvalidMIME, mime, key)
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "rate":
			f.SampleRate = n
		case "channels":
			f.Channels = n
		}
	}
	if !f.Valid() {
		return Format{}, fmt.Errorf("%w: %q: missing rate or channels", ErrInvalidMIME, mime)
	}
	return f, nil
}
