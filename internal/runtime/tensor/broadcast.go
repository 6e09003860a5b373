package tensor

import "fmt"

// BroadcastAdd adds a and b elementwise, repeating size-1 and missing leading
// axes of either operand. Expanding a [B, H, 1] speaker vector over [B, H, T]
// encodings is the typical use.
func BroadcastAdd(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("tensor: broadcast add requires non-nil inputs")
	}

	outShape, err := broadcastShape(a.shape, b.shape)
	if err != nil {
		return nil, fmt.Errorf("tensor: broadcast add: %w", err)
	}

	out := a.view(outShape, broadcastStrides(a.shape, outShape, 1), 0)

	for i, o := range offsets(outShape, broadcastStrides(b.shape, outShape, 1)) {
		out.data[i] += b.data[o]
	}

	return out, nil
}

// broadcastShape aligns a and b on their trailing axes; each axis pair must
// be equal or contain a 1.
func broadcastShape(a, b []int64) ([]int64, error) {
	rank := max(len(a), len(b))
	out := make([]int64, rank)

	for i := range rank {
		ad, bd := int64(1), int64(1)
		if j := i - rank + len(a); j >= 0 {
			ad = a[j]
		}

		if j := i - rank + len(b); j >= 0 {
			bd = b[j]
		}

		switch {
		case ad == bd, bd == 1:
			out[i] = ad
		case ad == 1:
			out[i] = bd
		default:
			return nil, fmt.Errorf("%w: cannot broadcast %v and %v", ErrShapeMismatch, a, b)
		}
	}

	return out, nil
}
