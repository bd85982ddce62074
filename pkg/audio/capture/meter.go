package capture

import "math"

// DefaultGain scales RMS into the visualiser range. Normal speech sits well
// below full scale, so the raw RMS is boosted before clamping.
const DefaultGain = 5.0

// RMS returns the root mean square of samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Volume maps an RMS value to [0, 1] as min(rms*gain, 1). Negative or NaN
// input yields 0.
func Volume(rms, gain float64) float64 {
	v := rms * gain
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
