package audio

import (
	"fmt"
	"math"
)

const (
	// resampleFilterWidth is the number of zero crossings of the sinc
	// kept on each side of the kernel.
	resampleFilterWidth = 6

	// resampleRolloff is the fraction of the lower Nyquist frequency
	// passed by the anti-aliasing filter.
	resampleRolloff = 0.99
)

// Resampler converts mono audio between two fixed sample rates using a
// polyphase Hann-windowed sinc filter. A Resampler is immutable after
// creation and safe for concurrent use.
type Resampler struct {
	inRate, outRate int

	// inStep and outStep are the rates reduced by their gcd. Every
	// block of inStep input samples produces outStep output samples.
	inStep, outStep int
	width           int
	kernels         [][]float32
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// NewResampler builds the filter bank for converting from inRate to outRate.
func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("invalid resample rates %d -> %d", inRate, outRate)
	}

	g := gcd(inRate, outRate)
	inStep, outStep := inRate/g, outRate/g
	r := &Resampler{
		inRate:  inRate,
		outRate: outRate,
		inStep:  inStep,
		outStep: outStep,
	}
	if inStep == outStep {
		return r, nil
	}

	base := float64(min(inStep, outStep)) * resampleRolloff
	r.width = int(math.Ceil(resampleFilterWidth * float64(inStep) / base))
	kernelLen := 2*r.width + inStep
	scale := base / float64(inStep)

	r.kernels = make([][]float32, outStep)
	for i := range r.kernels {
		kernel := make([]float32, kernelLen)
		for k := range kernel {
			t := -float64(i)/float64(outStep) + float64(k-r.width)/float64(inStep)
			t *= base
			t = max(-resampleFilterWidth, min(resampleFilterWidth, t))
			window := math.Cos(t * math.Pi / resampleFilterWidth / 2)
			window *= window
			t *= math.Pi
			sinc := 1.0
			if t != 0 {
				sinc = math.Sin(t) / t
			}
			kernel[k] = float32(sinc * window * scale)
		}
		r.kernels[i] = kernel
	}
	return r, nil
}

// InRate is the rate of the input samples.
func (r *Resampler) InRate() int { return r.inRate }

// OutRate is the rate of the output samples.
func (r *Resampler) OutRate() int { return r.outRate }

// OutputLen returns the number of samples produced when resampling n input
// samples.
func (r *Resampler) OutputLen(n int) int {
	return int((int64(n)*int64(r.outStep) + int64(r.inStep) - 1) / int64(r.inStep))
}

// Resample converts the input block. Samples outside the block are treated
// as silence, so each block is resampled independently of its neighbors.
func (r *Resampler) Resample(in []float32) []float32 {
	if r.inStep == r.outStep {
		return append([]float32(nil), in...)
	}

	outLen := r.OutputLen(len(in))
	out := make([]float32, outLen)

	// Pad so that every kernel application reads inside the buffer.
	kernelLen := 2*r.width + r.inStep
	padded := make([]float32, len(in)+kernelLen)
	copy(padded[r.width:], in)

	for j := 0; ; j++ {
		base := j * r.outStep
		if base >= outLen {
			break
		}
		window := padded[j*r.inStep : j*r.inStep+kernelLen]
		for i, kernel := range r.kernels {
			if base+i >= outLen {
				break
			}
			var acc float32
			for k, w := range kernel {
				acc += w * window[k]
			}
			out[base+i] = acc
		}
	}
	return out
}
