package prosody

import (
	"fmt"
	"math"

	"github.com/example/go-ns2/internal/runtime/tensor"
)

// PitchQuantizer maps fundamental frequencies to coarse mel-scale bins.
// Unvoiced frames (f0 <= 0) map to bin 1; voiced frames spread over
// [1, Bins-1].
type PitchQuantizer struct {
	Bins int
	FMin float64
	FMax float64
}

// DefaultPitchQuantizer covers 50-1100 Hz with 256 bins.
func DefaultPitchQuantizer() PitchQuantizer {
	return PitchQuantizer{Bins: 256, FMin: 50, FMax: 1100}
}

func hzToMel(f float64) float64 { return 1127 * math.Log(1+f/700) }

// Coarse returns the bin of one frequency in Hz.
func (q PitchQuantizer) Coarse(f0 float64) int {
	mel := hzToMel(f0)

	if mel > 0 {
		lo, hi := hzToMel(q.FMin), hzToMel(q.FMax)
		mel = (mel-lo)*float64(q.Bins-2)/(hi-lo) + 1
	}

	mel = min(max(mel, 1), float64(q.Bins-1))

	return int(math.Floor(mel + 0.5))
}

// CoarseTensor quantizes every element of pitch, returned in row-major order.
func (q PitchQuantizer) CoarseTensor(pitch *tensor.Tensor) ([]int64, error) {
	if q.Bins < 3 || q.FMax <= q.FMin {
		return nil, fmt.Errorf("prosody: invalid pitch quantizer %+v", q)
	}

	src := pitch.RawData()

	out := make([]int64, len(src))
	for k, v := range src {
		out[k] = int64(q.Coarse(float64(v)))
	}

	return out, nil
}

// PitchToTarget is the training target transform of a frequency in Hz.
func PitchToTarget(f float64) float64 {
	return 2595 * math.Log10(1+f/700) / 500
}

// TargetToPitch inverts PitchToTarget.
func TargetToPitch(p float64) float64 {
	return 700 * (math.Pow(10, p*500/2595) - 1)
}

// MapTensor applies fn element-wise into a new tensor.
func MapTensor(x *tensor.Tensor, fn func(float64) float64) *tensor.Tensor {
	out := x.Clone()

	d := out.RawData()
	for k, v := range d {
		d[k] = float32(fn(float64(v)))
	}

	return out
}
