package codec

import "math"

// VolumeSample is the root-mean-square amplitude of one captured frame. It
// is only used for UI feedback and is always >= 0.
type VolumeSample float64

// RMS returns sqrt(mean(s^2)) over samples. An empty slice yields 0. Like
// [EncodePCM16], it reads NaN as silence and an infinity as full scale, so
// the result is always finite.
func RMS(samples []float32) VolumeSample {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		switch {
		case math.IsNaN(v):
			continue
		case math.IsInf(v, 0):
			v = 1
		}
		sum += v * v
	}
	return VolumeSample(math.Sqrt(sum / float64(len(samples))))
}
