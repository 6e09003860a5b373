package native

import (
	"fmt"

	"github.com/example/go-ns2/internal/safetensors"
)

// Checkpoint parameter names.
const (
	PitchEmbeddingName   = "pitch_emb"
	SpeakerEmbeddingName = "emb_g"
)

// Tables are the in-process parameters of the conditioning pipeline.
type Tables struct {
	// Pitch maps coarse pitch bins to [Dim] vectors added to the expanded
	// encodings.
	Pitch *Embedding
	// Speaker is nil for single-speaker checkpoints.
	Speaker *Embedding
}

// TablesConfig gives the expected table sizes. A zero NumSpeakers skips the
// speaker table.
type TablesConfig struct {
	PitchBins   int
	Hidden      int
	NumSpeakers int
	SpeakerDim  int
}

// LoadTables reads the embedding tables from a checkpoint.
func LoadTables(vb *VarBuilder, cfg TablesConfig) (*Tables, error) {
	pitch, err := loadEmbedding(vb, PitchEmbeddingName, int64(cfg.PitchBins), int64(cfg.Hidden))
	if err != nil {
		return nil, fmt.Errorf("native: pitch embedding: %w", err)
	}

	t := &Tables{Pitch: pitch}
	if cfg.NumSpeakers <= 0 {
		return t, nil
	}

	dim := int64(cfg.SpeakerDim)
	if dim <= 0 {
		dim = -1
	}

	speaker, err := loadEmbedding(vb, SpeakerEmbeddingName, int64(cfg.NumSpeakers), dim)
	if err != nil {
		return nil, fmt.Errorf("native: speaker embedding: %w", err)
	}

	t.Speaker = speaker

	return t, nil
}

// LoadTablesFile opens path and reads the tables, stripping a "module."
// prefix left by data-parallel training.
func LoadTablesFile(path string, cfg TablesConfig) (*Tables, error) {
	vb, err := OpenVarBuilder(path, safetensors.StoreOptions{KeyMapper: safetensors.StripPrefix("module.")})
	if err != nil {
		return nil, err
	}

	return LoadTables(vb, cfg)
}
