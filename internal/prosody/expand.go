package prosody

import (
	"fmt"

	"github.com/example/go-ns2/internal/native"
	"github.com/example/go-ns2/internal/runtime/tensor"
)

// Expander lifts phoneme-rate encodings to frame rate and adds the pitch
// embedding.
type Expander struct {
	// Pitch is the [Bins, C] embedding of coarse pitch. Nil skips the pitch
	// term.
	Pitch     *native.Embedding
	Quantizer PitchQuantizer
}

// Expand returns enc·attn + emb(coarse(pitch))ᵀ·attn for enc [B, C, T_en],
// attn [B, T_en, T_de] and pitch in Hz [B, T_en]; the result is [B, C, T_de].
func (e Expander) Expand(enc, attn, pitch *tensor.Tensor) (*tensor.Tensor, error) {
	if enc == nil || attn == nil || enc.Rank() != 3 || attn.Rank() != 3 {
		return nil, fmt.Errorf("prosody: expand: %w: want enc [B, C, T_en] and attn [B, T_en, T_de]", ErrShapeMismatch)
	}

	batch, channels, tEn := enc.Dim(0), enc.Dim(1), enc.Dim(2)
	if attn.Dim(0) != batch || attn.Dim(1) != tEn {
		return nil, fmt.Errorf("prosody: expand: %w: enc %v vs attn %v", ErrShapeMismatch, enc.Shape(), attn.Shape())
	}

	cond := enc
	if e.Pitch != nil && pitch != nil {
		if pitch.Rank() != 2 || pitch.Dim(0) != batch || pitch.Dim(1) != tEn {
			return nil, fmt.Errorf("prosody: expand: %w: pitch %v for enc %v", ErrShapeMismatch, pitch.Shape(), enc.Shape())
		}

		if e.Pitch.Dim() != channels {
			return nil, fmt.Errorf("prosody: expand: %w: pitch embedding dim %d vs %d channels", ErrShapeMismatch, e.Pitch.Dim(), channels)
		}

		emb, err := e.pitchEmbedding(pitch)
		if err != nil {
			return nil, err
		}

		if cond, err = tensor.BroadcastAdd(enc, emb); err != nil {
			return nil, fmt.Errorf("prosody: expand: %w", err)
		}
	}

	out, err := tensor.MatMul(cond, attn)
	if err != nil {
		return nil, fmt.Errorf("prosody: expand: %w", err)
	}

	return out, nil
}

// pitchEmbedding returns emb(coarse(pitch)) as [B, C, T_en].
func (e Expander) pitchEmbedding(pitch *tensor.Tensor) (*tensor.Tensor, error) {
	q := e.Quantizer
	if q.Bins == 0 {
		q = DefaultPitchQuantizer()
	}

	ids, err := q.CoarseTensor(pitch)
	if err != nil {
		return nil, err
	}

	rows, err := e.Pitch.Lookup(ids)
	if err != nil {
		return nil, fmt.Errorf("prosody: pitch embedding: %w", err)
	}

	rows, err = rows.Reshape([]int64{int64(pitch.Dim(0)), int64(pitch.Dim(1)), int64(e.Pitch.Dim())})
	if err != nil {
		return nil, err
	}

	return rows.Transpose(1, 2)
}
