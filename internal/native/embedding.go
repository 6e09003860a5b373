package native

import (
	"errors"
	"fmt"

	"github.com/example/go-ns2/internal/runtime/tensor"
)

// ErrIndexOutOfRange is returned for lookups outside the table.
var ErrIndexOutOfRange = errors.New("embedding index out of range")

// Embedding is a lookup table of Num rows of Dim values.
type Embedding struct {
	Weight *tensor.Tensor // [Num, Dim]
}

// NewEmbedding wraps a [Num, Dim] weight.
func NewEmbedding(weight *tensor.Tensor) (*Embedding, error) {
	if weight == nil || weight.Rank() != 2 {
		return nil, errors.New("native: embedding weight must be [num, dim]")
	}

	return &Embedding{Weight: weight}, nil
}

func loadEmbedding(vb *VarBuilder, name string, num, dim int64) (*Embedding, error) {
	w, err := vb.Tensor(name+".weight", num, dim)
	if err != nil {
		return nil, err
	}

	return NewEmbedding(w)
}

func (e *Embedding) Num() int { return e.Weight.Dim(0) }

func (e *Embedding) Dim() int { return e.Weight.Dim(1) }

// Lookup returns the rows for ids as [len(ids), Dim].
func (e *Embedding) Lookup(ids []int64) (*tensor.Tensor, error) {
	if e == nil || e.Weight == nil {
		return nil, errors.New("native: embedding is not initialized")
	}

	if len(ids) == 0 {
		return tensor.Zeros([]int64{0, int64(e.Dim())})
	}

	for i, id := range ids {
		if id < 0 || id >= int64(e.Num()) {
			return nil, fmt.Errorf("native: ids[%d] = %d: %w [0,%d)", i, id, ErrIndexOutOfRange, e.Num())
		}
	}

	return e.Weight.Gather(0, ids)
}
