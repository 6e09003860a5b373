package tensor

import (
	"fmt"
	"math"
)

// elemCount returns how many values a shape holds.
func elemCount(shape []int64) (int, error) {
	n := int64(1)

	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: shape %v has negative dimension at %d", shape, i)
		}

		if d != 0 && n > math.MaxInt/d {
			return 0, fmt.Errorf("tensor: shape %v too large", shape)
		}

		n *= d
	}

	return int(n), nil
}

// axis resolves dim against rank; negative dims count from the end.
func axis(dim, rank int) (int, error) {
	if dim < 0 {
		dim += rank
	}

	if dim < 0 || dim >= rank {
		return 0, fmt.Errorf("dim %d out of range for rank %d", dim, rank)
	}

	return dim, nil
}

// rowMajor returns the strides of a contiguous tensor with shape, scaled so
// the last axis advances by unit.
func rowMajor(shape []int64, unit int64) []int64 {
	strides := make([]int64, len(shape))

	s := unit
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}

	return strides
}

// broadcastStrides lays src against the longer out shape: missing leading
// axes and axes of size 1 get stride 0, so every out coordinate maps to the
// src element it repeats.
func broadcastStrides(src, out []int64, unit int64) []int64 {
	own := rowMajor(src, unit)
	strides := make([]int64, len(out))
	pad := len(out) - len(src)

	for i, d := range src {
		if d != 1 {
			strides[pad+i] = own[i]
		}
	}

	return strides
}

// offsets lists, in row-major order over shape, the source offset of every
// element of a strided view.
func offsets(shape, strides []int64) []int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}

	out := make([]int64, n)
	coord := make([]int64, len(shape))

	var off int64
	for i := range out {
		out[i] = off

		for d := len(shape) - 1; d >= 0; d-- {
			coord[d]++
			off += strides[d]

			if coord[d] < shape[d] {
				break
			}

			off -= coord[d] * strides[d]
			coord[d] = 0
		}
	}

	return out
}

// view materializes the strided view of t starting at base.
func (t *Tensor) view(shape, strides []int64, base int64) *Tensor {
	offs := offsets(shape, strides)

	data := make([]float32, len(offs))
	for i, o := range offs {
		data[i] = t.data[base+o]
	}

	return newOwned(data, append([]int64(nil), shape...))
}
