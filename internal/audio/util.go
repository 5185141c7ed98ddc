package audio

import (
	"math"
	"slices"
)

func bytesToLES16Slice(src []byte, dst []int16) []int16 {
	s16len := len(src) / 2
	dst = slices.Grow(dst, s16len)
	for i := 0; i < s16len; i++ {
		dst = append(dst, int16(src[i*2])|(int16(src[i*2+1])<<8))
	}
	return dst
}

func leS16SliceToBytes(src []int16, dst []byte) []byte {
	s8len := len(src) * 2
	dst = slices.Grow(dst, s8len)
	for i := 0; i < len(src); i++ {
		dst = append(dst, byte(src[i]), byte(src[i]>>8))
	}
	return dst
}

// S16ToFloat32 converts S16 samples to floats in [-1, 1).
func S16ToFloat32(src []int16, dst []float32) []float32 {
	dst = slices.Grow(dst, len(src))
	for _, s := range src {
		dst = append(dst, float32(s)/32768)
	}
	return dst
}

// Float32ToS16 converts normalized float samples to S16, clipping values
// outside [-1, 1).
func Float32ToS16(src []float32, dst []int16) []int16 {
	dst = slices.Grow(dst, len(src))
	for _, s := range src {
		v := math.Round(float64(s) * 32768)
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		dst = append(dst, int16(v))
	}
	return dst
}

// RMS returns the root mean square of normalized samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// rmsS16 returns the RMS level of S16 samples, normalized to [0, 1].
func rmsS16(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// meanAbsS16 returns the mean absolute amplitude of S16 samples in raw
// sample units.
func meanAbsS16(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(samples))
}
