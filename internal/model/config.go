package model

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/example/go-ns2/internal/features"
	"github.com/example/go-ns2/internal/native"
	"github.com/example/go-ns2/internal/prosody"
	"github.com/example/go-ns2/internal/runtime/tensor"
	"github.com/example/go-ns2/internal/segment"
)

var (
	// ErrShapeMismatch is returned when a collaborator's output disagrees
	// with the configured shapes.
	ErrShapeMismatch = tensor.ErrShapeMismatch
	// ErrFrameMismatch is returned when latent and mel frame counts differ
	// by more than the configured tolerance.
	ErrFrameMismatch = errors.New("latent and mel frame counts differ")
	// ErrInvalidConditioning is returned for conditioning inputs that do not
	// fit the call.
	ErrInvalidConditioning = errors.New("invalid conditioning")
	// ErrMissingCollaborator is returned when a required network is nil.
	ErrMissingCollaborator = errors.New("missing collaborator")
)

// Config holds the shape and sampling settings of the pipeline.
type Config struct {
	// Hidden is the channel count of phoneme and prompt encodings.
	Hidden int
	// NumSpeakers is zero for single-speaker models.
	NumSpeakers int
	// SegmentBase and SegmentWindow define the per-batch prompt size draw.
	SegmentBase   int
	SegmentWindow int
	// DiffusionSteps is the number of reverse steps at inference.
	DiffusionSteps int
	// FrameTolerance bounds how many frames latents and mel may differ by
	// before PrepareBatch fails.
	FrameTolerance int
	// PitchSmoothing is the odd median-filter window applied to predicted
	// pitch at inference; 0 or 1 disables it.
	PitchSmoothing int
	AlignWorkers   int
	Pitch          prosody.PitchQuantizer
}

// DefaultConfig returns the standard model settings.
func DefaultConfig() Config {
	return Config{
		Hidden:         512,
		SegmentBase:    48,
		SegmentWindow:  16,
		DiffusionSteps: 150,
		FrameTolerance: 4,
		AlignWorkers:   4,
		Pitch:          prosody.DefaultPitchQuantizer(),
	}
}

func (c Config) validate() error {
	switch {
	case c.Hidden <= 0:
		return fmt.Errorf("model: hidden size %d must be positive", c.Hidden)
	case c.SegmentBase-c.SegmentWindow < 1 || c.SegmentWindow < 0:
		return fmt.Errorf("model: segment base %d with window %d must stay positive", c.SegmentBase, c.SegmentWindow)
	case c.DiffusionSteps <= 0:
		return fmt.Errorf("model: diffusion steps %d must be positive", c.DiffusionSteps)
	case c.FrameTolerance < 0:
		return fmt.Errorf("model: frame tolerance %d must not be negative", c.FrameTolerance)
	case c.PitchSmoothing > 1 && c.PitchSmoothing%2 == 0:
		return fmt.Errorf("model: pitch smoothing window %d must be odd", c.PitchSmoothing)
	}

	return nil
}

// Option customizes a Trainer or Synthesizer.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	rng       *rand.Rand
	extractor *features.Extractor
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRand sets the source for prompt segment sampling.
func WithRand(r *rand.Rand) Option {
	return func(o *options) { o.rng = r }
}

// WithExtractor sets the mel extractor used by PrepareBatch.
func WithExtractor(e *features.Extractor) Option {
	return func(o *options) { o.extractor = e }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// core holds what both orchestrators share.
type core struct {
	cfg      Config
	nets     Collaborators
	tables   *native.Tables
	expander prosody.Expander
	sampler  segment.Sampler
	logger   *slog.Logger
}

func newCore(cfg Config, nets Collaborators, tables *native.Tables, o options) (core, error) {
	if err := cfg.validate(); err != nil {
		return core{}, err
	}

	if tables == nil {
		tables = &native.Tables{}
	}

	if cfg.NumSpeakers > 0 && tables.Speaker == nil {
		return core{}, fmt.Errorf("model: %d speakers configured but no speaker embedding loaded", cfg.NumSpeakers)
	}

	return core{
		cfg:      cfg,
		nets:     nets,
		tables:   tables,
		expander: prosody.Expander{Pitch: tables.Pitch, Quantizer: cfg.Pitch},
		sampler:  segment.Sampler{Rand: o.rng},
		logger:   o.logger,
	}, nil
}

// speakerEmbedding looks up [len(ids), D] speaker vectors; nil ids give nil.
func (c core) speakerEmbedding(ids []int) (*tensor.Tensor, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	if c.tables.Speaker == nil {
		return nil, fmt.Errorf("model: %w: speaker ids given for a single-speaker model", ErrInvalidConditioning)
	}

	idx := make([]int64, len(ids))
	for i, id := range ids {
		idx[i] = int64(id)
	}

	emb, err := c.tables.Speaker.Lookup(idx)
	if err != nil {
		return nil, fmt.Errorf("model: speaker embedding: %w", err)
	}

	return emb, nil
}

// checkEncoding verifies an encoder output is [batch, Hidden, *].
func (c core) checkEncoding(name string, x *tensor.Tensor, batch int) error {
	if x == nil || x.Rank() != 3 || x.Dim(0) != batch || x.Dim(1) != c.cfg.Hidden {
		shape := []int64(nil)
		if x != nil {
			shape = x.Shape()
		}

		return fmt.Errorf("model: %s output %w: got %v, want [%d, %d, T]", name, ErrShapeMismatch, shape, batch, c.cfg.Hidden)
	}

	return nil
}

// perPhoneme accepts predictor outputs as [B, T_en] or [B, 1, T_en].
func perPhoneme(name string, x *tensor.Tensor, batch, tEn int) (*tensor.Tensor, error) {
	if x != nil && x.Rank() == 3 && x.Dim(1) == 1 {
		var err error
		if x, err = x.Reshape([]int64{int64(x.Dim(0)), int64(x.Dim(2))}); err != nil {
			return nil, err
		}
	}

	if x == nil || x.Rank() != 2 || x.Dim(0) != batch || x.Dim(1) != tEn {
		return nil, fmt.Errorf("model: %s output %w: want [%d, %d]", name, ErrShapeMismatch, batch, tEn)
	}

	return x, nil
}
