// Package align computes hard phoneme-to-frame alignments from soft
// attention potentials with a monotonic dynamic-programming search.
package align

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/example/go-ns2/internal/mask"
	"github.com/example/go-ns2/internal/runtime/tensor"
	"github.com/sourcegraph/conc/pool"
)

var (
	// ErrAlignmentNaN is returned when a soft alignment holds NaN or infinite
	// entries, or negative entries inside an utterance's valid region.
	ErrAlignmentNaN = errors.New("soft alignment contains undefined values")
	// ErrUnalignable is returned when an utterance has more valid phonemes
	// than valid frames, so no monotonic path can visit every phoneme.
	ErrUnalignable = errors.New("more phonemes than frames")
)

// LogFloor bounds log potentials from below so zero entries stay finite.
const LogFloor = -18.420680743952367 // log(1e-8)

// Aligner runs the monotonic search over a batch. The zero value searches
// utterances sequentially.
type Aligner struct {
	// Workers bounds how many utterances are searched concurrently.
	Workers int
}

// Search aligns a batch with the default Aligner.
func Search(soft *tensor.Tensor, tokenLens, frameLens []int) (*tensor.Tensor, error) {
	return Aligner{}.Search(soft, tokenLens, frameLens)
}

// Search returns the hard alignment [B, T_en, T_de] for soft potentials of
// the same shape. Only the sub-rectangle [0, tokenLens[b]) x [0, frameLens[b])
// of each utterance takes part in the search; everything else is zero in the
// result.
func (a Aligner) Search(soft *tensor.Tensor, tokenLens, frameLens []int) (*tensor.Tensor, error) {
	return a.SearchContext(context.Background(), soft, tokenLens, frameLens)
}

// SearchContext is Search with cancellation. ctx is checked between
// utterances and between frame columns of the forward pass.
func (a Aligner) SearchContext(ctx context.Context, soft *tensor.Tensor, tokenLens, frameLens []int) (*tensor.Tensor, error) {
	if soft == nil || soft.Rank() != 3 {
		return nil, errors.New("align: soft alignment must be [B, T_en, T_de]")
	}

	if !soft.Finite() {
		return nil, fmt.Errorf("align: %w", ErrAlignmentNaN)
	}

	batch, tEn, tDe := soft.Dim(0), soft.Dim(1), soft.Dim(2)
	if len(tokenLens) != batch || len(frameLens) != batch {
		return nil, fmt.Errorf("align: %w: %d token and %d frame lengths for batch of %d",
			mask.ErrInvalidLength, len(tokenLens), len(frameLens), batch)
	}

	if err := mask.Validate(tokenLens, tEn); err != nil {
		return nil, fmt.Errorf("align: token lengths: %w", err)
	}

	if err := mask.Validate(frameLens, tDe); err != nil {
		return nil, fmt.Errorf("align: frame lengths: %w", err)
	}

	out, err := tensor.Zeros(soft.Shape())
	if err != nil {
		return nil, err
	}

	src := soft.RawData()
	dst := out.RawData()
	stride := tEn * tDe

	searchOne := func(b int) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("align: %w", err)
		}

		value := src[b*stride : (b+1)*stride]

		path, err := framePhonemes(ctx, value, tDe, tokenLens[b], frameLens[b])
		if err != nil {
			return fmt.Errorf("align: utterance %d: %w", b, err)
		}

		hard := dst[b*stride : (b+1)*stride]
		for j, i := range path {
			hard[i*tDe+j] = 1
		}

		return nil
	}

	if a.Workers <= 1 || batch <= 1 {
		for b := range batch {
			if err := searchOne(b); err != nil {
				return nil, err
			}
		}

		return out, nil
	}

	p := pool.New().WithErrors().WithMaxGoroutines(a.Workers)
	for b := range batch {
		p.Go(func() error { return searchOne(b) })
	}

	if err := p.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// framePhonemes runs the search on one utterance. value is a row-major
// [rows, width] potential matrix of which the top-left nEn x nDe block is
// valid. The result assigns a phoneme index to each of the nDe frames.
func framePhonemes(ctx context.Context, value []float32, width, nEn, nDe int) ([]int, error) {
	if nDe == 0 {
		return []int{}, nil
	}

	if nEn == 0 || nEn > nDe {
		return nil, fmt.Errorf("%w: %d phonemes, %d frames", ErrUnalignable, nEn, nDe)
	}

	logp := func(i, j int) (float64, error) {
		v := float64(value[i*width+j])
		switch {
		case math.IsNaN(v), math.IsInf(v, 0):
			return 0, fmt.Errorf("%w: P[%d][%d] = %g", ErrAlignmentNaN, i, j, v)
		case v < 0:
			return 0, fmt.Errorf("%w: negative potential P[%d][%d] = %g", ErrAlignmentNaN, i, j, v)
		case v <= 1e-8:
			return LogFloor, nil
		default:
			return math.Log(v), nil
		}
	}

	negInf := math.Inf(-1)

	// best is stored frame-major so a column is contiguous.
	best := make([]float64, nEn*nDe)
	for k := range best {
		best[k] = negInf
	}

	at := func(i, j int) float64 { return best[j*nEn+i] }

	lp, err := logp(0, 0)
	if err != nil {
		return nil, err
	}

	best[0] = lp

	for j := 1; j < nDe; j++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for i := 0; i <= min(j, nEn-1); i++ {
			prev := at(i, j-1)
			if i > 0 {
				prev = max(prev, at(i-1, j-1))
			}

			if math.IsInf(prev, -1) {
				continue
			}

			lp, err := logp(i, j)
			if err != nil {
				return nil, err
			}

			best[j*nEn+i] = lp + prev
		}
	}

	path := make([]int, nDe)
	i := nEn - 1

	for j := nDe - 1; j >= 0; j-- {
		path[j] = i
		if j == 0 {
			break
		}

		if i > 0 && at(i-1, j-1) > at(i, j-1) {
			i--
		}
	}

	return path, nil
}
