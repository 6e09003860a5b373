package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Softmax applies softmax along dim.
func Softmax(x *Tensor, dim int) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: softmax on nil tensor")
	}

	if len(x.shape) == 0 {
		return nil, errors.New("tensor: softmax requires rank >= 1")
	}

	dim, err := axis(dim, len(x.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: softmax: %w", err)
	}

	axis := x.shape[dim]
	if axis <= 0 {
		return nil, fmt.Errorf("tensor: softmax axis dimension must be > 0, got %d", axis)
	}

	inner := int64(1)
	for i := dim + 1; i < len(x.shape); i++ {
		inner *= x.shape[i]
	}

	outer := int64(1)
	for i := range dim {
		outer *= x.shape[i]
	}

	out := x.Clone()

	for o := range outer {
		for in := range inner {
			base := o*axis*inner + in
			maxV := float32(math.Inf(-1))

			for k := range axis {
				v := out.data[base+k*inner]
				if v > maxV {
					maxV = v
				}
			}

			var sum float64

			for k := range axis {
				i := base + k*inner
				e := math.Exp(float64(out.data[i] - maxV))
				out.data[i] = float32(e)
				sum += e
			}

			if sum == 0 {
				return nil, errors.New("tensor: softmax encountered zero normalization sum")
			}

			inv := float32(1.0 / sum)

			for k := range axis {
				i := base + k*inner
				out.data[i] *= inv
			}
		}
	}

	return out, nil
}

// MatMul multiplies the trailing [M, K] and [K, N] matrices of a and b,
// broadcasting leading batch axes. Expanding encodings with an alignment,
// [B, H, T_en] x [B, T_en, T_de], is the main caller. Batch entries are
// spread over the workers set by SetWorkers.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("tensor: matmul requires non-nil inputs")
	}

	ar, br := a.Rank(), b.Rank()
	if ar < 2 || br < 2 {
		return nil, fmt.Errorf("tensor: matmul requires rank >= 2, got %d and %d", ar, br)
	}

	m, k := a.shape[ar-2], a.shape[ar-1]
	n := b.shape[br-1]

	if b.shape[br-2] != k {
		return nil, fmt.Errorf("tensor: matmul %w: A shape %v and B shape %v (K dims %d vs %d)",
			ErrShapeMismatch, a.shape, b.shape, k, b.shape[br-2])
	}

	batchShape, err := broadcastShape(a.shape[:ar-2], b.shape[:br-2])
	if err != nil {
		return nil, fmt.Errorf("tensor: matmul batch: %w", err)
	}

	out, err := Zeros(append(append([]int64(nil), batchShape...), m, n))
	if err != nil {
		return nil, err
	}

	// Matrix start offsets of each batch entry in a and b.
	aOffs := offsets(batchShape, broadcastStrides(a.shape[:ar-2], batchShape, m*k))
	bOffs := offsets(batchShape, broadcastStrides(b.shape[:br-2], batchShape, k*n))

	eachBatch(len(aOffs), func(batch int) {
		am := a.data[aOffs[batch] : aOffs[batch]+m*k]
		bm := b.data[bOffs[batch] : bOffs[batch]+k*n]
		om := out.data[int64(batch)*m*n : int64(batch+1)*m*n]

		for i := range m {
			row := om[i*n : (i+1)*n]

			for kk, av := range am[i*k : (i+1)*k] {
				if av == 0 {
					continue
				}

				for j, bv := range bm[int64(kk)*n : int64(kk+1)*n] {
					row[j] += av * bv
				}
			}
		}
	})

	return out, nil
}
