package prosody

import (
	"fmt"
	"slices"

	"github.com/example/go-ns2/internal/runtime/tensor"
)

// MedianFilter smooths each row of a [B, T] tensor with an odd median
// window, clamping at the edges. Only the first lengths[b] values of a row
// take part; the rest is copied through. A nil lengths uses full rows.
func MedianFilter(x *tensor.Tensor, window int, lengths []int) (*tensor.Tensor, error) {
	if x == nil || x.Rank() != 2 {
		return nil, fmt.Errorf("prosody: median: %w: want [B, T]", ErrShapeMismatch)
	}

	if window < 1 || window%2 == 0 {
		return nil, fmt.Errorf("prosody: median window %d must be odd and positive", window)
	}

	batch, width := x.Dim(0), x.Dim(1)
	if lengths != nil && len(lengths) != batch {
		return nil, fmt.Errorf("prosody: median: %w: %d lengths for batch of %d", ErrShapeMismatch, len(lengths), batch)
	}

	out := x.Clone()
	if window == 1 {
		return out, nil
	}

	half := window / 2
	buf := make([]float32, 0, window)
	src, dst := x.RawData(), out.RawData()

	for b := range batch {
		n := width
		if lengths != nil {
			n = min(lengths[b], width)
		}

		row := src[b*width : b*width+n]
		for i := range n {
			buf = buf[:0]
			for k := i - half; k <= i+half; k++ {
				buf = append(buf, row[min(max(k, 0), n-1)])
			}

			slices.Sort(buf)
			dst[b*width+i] = buf[half]
		}
	}

	return out, nil
}
