// Package prosody converts between phoneme-rate and frame-rate quantities:
// durations from hard alignments, expansion maps from durations, pitch
// averaging and the pitch-conditioned expansion of phoneme encodings.
//
// Training and inference share these code paths and differ only in where
// durations and pitch come from.
package prosody

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-ns2/internal/mask"
	"github.com/example/go-ns2/internal/runtime/tensor"
)

var (
	// ErrShapeMismatch is returned when operand shapes disagree.
	ErrShapeMismatch = tensor.ErrShapeMismatch
	// ErrInvalidDuration is returned for negative or non-finite durations.
	ErrInvalidDuration = errors.New("invalid duration")
)

// ComputeDurations sums a hard alignment [B, T_en, T_de] over frames,
// giving the frame count of every phoneme as [B, T_en].
func ComputeDurations(hard *tensor.Tensor) (*tensor.Tensor, error) {
	if hard == nil || hard.Rank() != 3 {
		return nil, fmt.Errorf("prosody: durations: %w: want [B, T_en, T_de]", ErrShapeMismatch)
	}

	batch, tEn, tDe := hard.Dim(0), hard.Dim(1), hard.Dim(2)

	out, err := tensor.Zeros([]int64{int64(batch), int64(tEn)})
	if err != nil {
		return nil, err
	}

	src, dst := hard.RawData(), out.RawData()
	for r := range batch * tEn {
		var sum float32
		for _, v := range src[r*tDe : (r+1)*tDe] {
			sum += v
		}

		dst[r] = sum
	}

	return out, nil
}

// counts converts one row of durations to frame counts.
func counts(row []float32) ([]int, error) {
	out := make([]int, len(row))

	for i, v := range row {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			return nil, fmt.Errorf("%w: durations[%d] = %v", ErrInvalidDuration, i, v)
		}

		out[i] = int(math.Round(f))
	}

	return out, nil
}

// GenerateAttention builds the expansion map [B, T_en, T_de] from integer
// durations [B, T_en]: phoneme i owns frames [c_{i-1}, c_i) where c is the
// cumulative duration. Durations of masked phonemes are ignored.
//
// When yMask is nil the frame length of utterance b is max(1, sum(durs[b]))
// and T_de is the largest such length. Entries outside the combined mask are
// zero.
func GenerateAttention(durs *tensor.Tensor, xMask, yMask [][]bool) (*tensor.Tensor, error) {
	if durs == nil || durs.Rank() != 2 {
		return nil, fmt.Errorf("prosody: attention: %w: durations must be [B, T_en]", ErrShapeMismatch)
	}

	batch, tEn := durs.Dim(0), durs.Dim(1)
	if len(xMask) != batch {
		return nil, fmt.Errorf("prosody: attention: %w: %d token masks for batch of %d", ErrShapeMismatch, len(xMask), batch)
	}

	rows := make([][]int, batch)
	for b := range batch {
		if len(xMask[b]) != tEn {
			return nil, fmt.Errorf("prosody: attention: %w: token mask width %d vs %d", ErrShapeMismatch, len(xMask[b]), tEn)
		}

		c, err := counts(durs.RawData()[b*tEn : (b+1)*tEn])
		if err != nil {
			return nil, fmt.Errorf("prosody: attention: utterance %d: %w", b, err)
		}

		for i, valid := range xMask[b] {
			if !valid {
				c[i] = 0
			}
		}

		rows[b] = c
	}

	if yMask == nil {
		lengths := make([]int, batch)
		for b, c := range rows {
			total := 0
			for _, n := range c {
				total += n
			}

			lengths[b] = max(1, total)
		}

		var err error
		if yMask, err = mask.Mask(lengths, 0); err != nil {
			return nil, err
		}
	}

	if len(yMask) != batch {
		return nil, fmt.Errorf("prosody: attention: %w: %d frame masks for batch of %d", ErrShapeMismatch, len(yMask), batch)
	}

	tDe := 0
	if batch > 0 {
		tDe = len(yMask[0])
	}

	for b := range yMask {
		if len(yMask[b]) != tDe {
			return nil, fmt.Errorf("prosody: attention: %w: ragged frame mask", ErrShapeMismatch)
		}
	}

	valid, err := mask.Outer(xMask, yMask)
	if err != nil {
		return nil, fmt.Errorf("prosody: attention: %w", err)
	}

	out, err := tensor.Zeros([]int64{int64(batch), int64(tEn), int64(tDe)})
	if err != nil {
		return nil, err
	}

	d := out.RawData()
	for b, c := range rows {
		start := 0
		for i, n := range c {
			for j := start; j < min(start+n, tDe); j++ {
				if valid[b][i][j] {
					d[(b*tEn+i)*tDe+j] = 1
				}
			}

			start += n
		}
	}

	return out, nil
}

// RoundDurations rounds predicted durations to the nearest integer, clamps
// them at zero and zeroes masked phonemes. xMask may be nil.
func RoundDurations(pred *tensor.Tensor, xMask [][]bool) (*tensor.Tensor, error) {
	if pred == nil || pred.Rank() != 2 {
		return nil, fmt.Errorf("prosody: round: %w: durations must be [B, T_en]", ErrShapeMismatch)
	}

	out := pred.Clone()
	tEn := out.Dim(1)

	d := out.RawData()
	for k, v := range d {
		r := math.Round(float64(v))
		if math.IsNaN(r) || r < 0 {
			r = 0
		}

		if xMask != nil && !xMask[k/tEn][k%tEn] {
			r = 0
		}

		d[k] = float32(r)
	}

	return out, nil
}

// AverageOverDurations averages frame-rate values [B, T_de] or [B, 1, T_de]
// over each phoneme's span, giving [B, T_en]. Only non-zero (voiced) frames
// contribute; a phoneme whose span is empty or entirely unvoiced gets 0.
func AverageOverDurations(values, durs *tensor.Tensor) (*tensor.Tensor, error) {
	if values == nil || durs == nil || durs.Rank() != 2 {
		return nil, fmt.Errorf("prosody: average: %w", ErrShapeMismatch)
	}

	switch {
	case values.Rank() == 3 && values.Dim(1) == 1:
	case values.Rank() == 2:
	default:
		return nil, fmt.Errorf("prosody: average: %w: values shape %v", ErrShapeMismatch, values.Shape())
	}

	batch, tEn := durs.Dim(0), durs.Dim(1)
	tDe := values.Dim(values.Rank() - 1)

	if values.Dim(0) != batch {
		return nil, fmt.Errorf("prosody: average: %w: batch %d vs %d", ErrShapeMismatch, values.Dim(0), batch)
	}

	out, err := tensor.Zeros([]int64{int64(batch), int64(tEn)})
	if err != nil {
		return nil, err
	}

	src, dst := values.RawData(), out.RawData()
	for b := range batch {
		c, err := counts(durs.RawData()[b*tEn : (b+1)*tEn])
		if err != nil {
			return nil, fmt.Errorf("prosody: average: utterance %d: %w", b, err)
		}

		frames := src[b*tDe : (b+1)*tDe]
		start := 0

		for i, n := range c {
			end := min(start+n, tDe)

			var sum float64

			voiced := 0
			for j := start; j < end; j++ {
				if frames[j] != 0 {
					sum += float64(frames[j])
					voiced++
				}
			}

			if voiced > 0 {
				dst[b*tEn+i] = float32(sum / float64(voiced))
			}

			start = end
		}
	}

	return out, nil
}
