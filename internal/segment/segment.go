// Package segment samples speech-prompt segments from latent sequences and
// builds the masks that keep prompt frames out of the training loss.
package segment

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/example/go-ns2/internal/mask"
	"github.com/example/go-ns2/internal/runtime/tensor"
)

var (
	// ErrSequenceTooShort is returned when a sequence is shorter than the
	// requested segment and short segments are not allowed.
	ErrSequenceTooShort = errors.New("sequence shorter than segment")
	// ErrShapeMismatch is returned when per-utterance results cannot be
	// stacked into one batch tensor.
	ErrShapeMismatch = tensor.ErrShapeMismatch
)

// Options control short sequences.
type Options struct {
	// AllowShort takes the whole valid sequence when it is shorter than the
	// target instead of failing.
	AllowShort bool
	// PadShort right-pads a short segment with zeros up to the target.
	PadShort bool
}

// Segment is one sampled window.
type Segment struct {
	Data  *tensor.Tensor // [C, Size] or [C, target] when padded
	Start int
	Size  int
}

// Batch is a stack of sampled windows.
type Batch struct {
	Data   *tensor.Tensor // [B, C, S]
	Starts []int
	Sizes  []int
}

// Sampler draws segment offsets. A nil Rand uses the process-wide source.
type Sampler struct {
	Rand *rand.Rand
}

func (s Sampler) intN(n int) int {
	if s.Rand == nil {
		return rand.IntN(n)
	}

	return s.Rand.IntN(n)
}

// Sample draws a window of target frames from seq [C, T], of which the first
// validLen frames are valid. The start is uniform over every position that
// keeps the window inside the valid region.
func (s Sampler) Sample(seq *tensor.Tensor, validLen, target int, opts Options) (Segment, error) {
	if seq == nil || seq.Rank() != 2 {
		return Segment{}, fmt.Errorf("segment: %w: sequence must be [C, T]", ErrShapeMismatch)
	}

	if target <= 0 {
		return Segment{}, fmt.Errorf("segment: target size %d must be positive", target)
	}

	if err := mask.Validate([]int{validLen}, seq.Dim(1)); err != nil {
		return Segment{}, fmt.Errorf("segment: %w", err)
	}

	// An empty utterance with AllowShort yields a zero-size segment, all
	// padding when PadShort is set.
	size := target
	if validLen < target {
		if !opts.AllowShort {
			return Segment{}, fmt.Errorf("segment: %w: %d valid frames, need %d", ErrSequenceTooShort, validLen, target)
		}

		size = validLen
	}

	start := s.intN(validLen - size + 1)

	data, err := seq.Narrow(1, int64(start), int64(size))
	if err != nil {
		return Segment{}, fmt.Errorf("segment: %w", err)
	}

	if size < target && opts.PadShort {
		if data, err = data.PadLast(int64(target)); err != nil {
			return Segment{}, fmt.Errorf("segment: %w", err)
		}
	}

	return Segment{Data: data, Start: start, Size: size}, nil
}

// SampleBatch samples one window per utterance of x [B, C, T].
func (s Sampler) SampleBatch(x *tensor.Tensor, lengths []int, target int, opts Options) (Batch, error) {
	if x == nil || x.Rank() != 3 {
		return Batch{}, fmt.Errorf("segment: %w: batch must be [B, C, T]", ErrShapeMismatch)
	}

	batch := x.Dim(0)
	if len(lengths) != batch {
		return Batch{}, fmt.Errorf("segment: %w: %d lengths for batch of %d", mask.ErrInvalidLength, len(lengths), batch)
	}

	out := Batch{Starts: make([]int, batch), Sizes: make([]int, batch)}
	parts := make([]*tensor.Tensor, batch)

	for b := range batch {
		row, err := x.Narrow(0, int64(b), 1)
		if err != nil {
			return Batch{}, err
		}

		row, err = row.Reshape([]int64{int64(x.Dim(1)), int64(x.Dim(2))})
		if err != nil {
			return Batch{}, err
		}

		seg, err := s.Sample(row, lengths[b], target, opts)
		if err != nil {
			return Batch{}, fmt.Errorf("utterance %d: %w", b, err)
		}

		out.Starts[b], out.Sizes[b] = seg.Start, seg.Size

		if parts[b], err = seg.Data.Reshape(append([]int64{1}, seg.Data.Shape()...)); err != nil {
			return Batch{}, err
		}
	}

	data, err := tensor.Concat(parts, 0)
	if err != nil {
		return Batch{}, fmt.Errorf("segment: stack: %w", err)
	}

	out.Data = data

	return out, nil
}

// StandardSize picks one segment size for a whole batch: a size p drawn
// uniformly from [base-window, base+window] when every utterance is longer
// than p, otherwise half the shortest length. The result is at least 1.
func (s Sampler) StandardSize(lengths []int, base, window int) int {
	p := base
	if window > 0 {
		p = base - window + s.intN(2*window+1)
	}

	shortest := 0
	for i, l := range lengths {
		if i == 0 || l < shortest {
			shortest = l
		}
	}

	if shortest > p {
		return max(1, p)
	}

	return max(1, shortest/2)
}

// ComplementMask marks every frame of [0, frames) outside [start, start+size).
func ComplementMask(frames, start, size int) []bool {
	out := make([]bool, frames)
	for t := range out {
		out[t] = t < start || t >= start+size
	}

	return out
}

// ComplementMaskBatch builds one complement mask per start.
func ComplementMaskBatch(frames int, starts []int, size int) [][]bool {
	out := make([][]bool, len(starts))
	for b, start := range starts {
		out[b] = ComplementMask(frames, start, size)
	}

	return out
}

// SelectFrames gathers the frames keep marks from x [B, C, T] into
// [B, C, K]. Every utterance must keep the same number of frames K.
func SelectFrames(x *tensor.Tensor, keep [][]bool) (*tensor.Tensor, error) {
	if x == nil || x.Rank() != 3 {
		return nil, fmt.Errorf("segment: select: %w: want [B, C, T]", ErrShapeMismatch)
	}

	batch, channels, frames := x.Dim(0), x.Dim(1), x.Dim(2)
	if len(keep) != batch {
		return nil, fmt.Errorf("segment: select: %w: %d masks for batch of %d", ErrShapeMismatch, len(keep), batch)
	}

	idx := make([][]int, batch)
	for b, row := range keep {
		if len(row) != frames {
			return nil, fmt.Errorf("segment: select: %w: mask width %d vs %d frames", ErrShapeMismatch, len(row), frames)
		}

		for t, k := range row {
			if k {
				idx[b] = append(idx[b], t)
			}
		}

		if len(idx[b]) != len(idx[0]) {
			return nil, fmt.Errorf("segment: select: %w: utterance %d keeps %d frames, utterance 0 keeps %d",
				ErrShapeMismatch, b, len(idx[b]), len(idx[0]))
		}
	}

	k := 0
	if batch > 0 {
		k = len(idx[0])
	}

	out, err := tensor.Zeros([]int64{int64(batch), int64(channels), int64(k)})
	if err != nil {
		return nil, err
	}

	src, dst := x.RawData(), out.RawData()
	for b := range batch {
		for c := range channels {
			in := src[(b*channels+c)*frames:]
			o := dst[(b*channels+c)*k:]

			for n, t := range idx[b] {
				o[n] = in[t]
			}
		}
	}

	return out, nil
}
