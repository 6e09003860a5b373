// Package mask builds validity masks from sequence lengths.
//
// A mask is always derived from its lengths on demand; callers regenerate it
// whenever a length changes instead of carrying a stale copy around.
package mask

import (
	"errors"
	"fmt"

	"github.com/example/go-ns2/internal/runtime/tensor"
)

// ErrInvalidLength is returned when a sequence length is negative or exceeds
// the padded width it is declared against.
var ErrInvalidLength = errors.New("invalid sequence length")

// MaxLen returns the largest length, or 0 for an empty slice.
func MaxLen(lengths []int) int {
	m := 0
	for _, l := range lengths {
		m = max(m, l)
	}

	return m
}

// Validate checks every length against [0, width]. A width <= 0 only checks
// for negative lengths.
func Validate(lengths []int, width int) error {
	for b, l := range lengths {
		if l < 0 {
			return fmt.Errorf("%w: lengths[%d] = %d", ErrInvalidLength, b, l)
		}

		if width > 0 && l > width {
			return fmt.Errorf("%w: lengths[%d] = %d exceeds padded width %d", ErrInvalidLength, b, l, width)
		}
	}

	return nil
}

// Mask returns mask[b][t] = t < lengths[b] for t in [0, maxLen). maxLen <= 0
// selects the maximum of lengths.
func Mask(lengths []int, maxLen int) ([][]bool, error) {
	if err := Validate(lengths, maxLen); err != nil {
		return nil, err
	}

	if maxLen <= 0 {
		maxLen = MaxLen(lengths)
	}

	out := make([][]bool, len(lengths))
	for b, l := range lengths {
		row := make([]bool, maxLen)
		for t := range l {
			row[t] = true
		}

		out[b] = row
	}

	return out, nil
}

// Float returns the same mask as a [B, maxLen] tensor of zeros and ones.
func Float(lengths []int, maxLen int) (*tensor.Tensor, error) {
	if err := Validate(lengths, maxLen); err != nil {
		return nil, err
	}

	if maxLen <= 0 {
		maxLen = MaxLen(lengths)
	}

	out, err := tensor.Zeros([]int64{int64(len(lengths)), int64(maxLen)})
	if err != nil {
		return nil, err
	}

	d := out.RawData()
	for b, l := range lengths {
		for t := range l {
			d[b*maxLen+t] = 1
		}
	}

	return out, nil
}

// Lengths recovers per-row lengths from a prefix mask by counting true
// entries.
func Lengths(m [][]bool) []int {
	out := make([]int, len(m))
	for b, row := range m {
		for _, v := range row {
			if v {
				out[b]++
			}
		}
	}

	return out
}

// Outer combines an input mask [B, T_en] and an output mask [B, T_de] into
// the attention validity mask [B, T_en, T_de].
func Outer(x, y [][]bool) ([][][]bool, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("mask: outer batch mismatch %d vs %d", len(x), len(y))
	}

	out := make([][][]bool, len(x))
	for b := range x {
		rows := make([][]bool, len(x[b]))
		for i, xi := range x[b] {
			row := make([]bool, len(y[b]))
			if xi {
				copy(row, y[b])
			}

			rows[i] = row
		}

		out[b] = rows
	}

	return out, nil
}

// ZeroPadding zeroes every frame t >= lengths[b] of a [B, C, T] tensor in
// place.
func ZeroPadding(x *tensor.Tensor, lengths []int) error {
	if x == nil || x.Rank() != 3 {
		return errors.New("mask: zero padding requires a [B, C, T] tensor")
	}

	batch, channels, frames := x.Dim(0), x.Dim(1), x.Dim(2)
	if len(lengths) != batch {
		return fmt.Errorf("mask: %d lengths for batch of %d", len(lengths), batch)
	}

	if err := Validate(lengths, frames); err != nil {
		return err
	}

	d := x.RawData()
	for b := range batch {
		for c := range channels {
			row := d[(b*channels+c)*frames : (b*channels+c+1)*frames]
			for t := lengths[b]; t < frames; t++ {
				row[t] = 0
			}
		}
	}

	return nil
}
