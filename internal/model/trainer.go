package model

import (
	"context"
	"fmt"

	"github.com/example/go-ns2/internal/align"
	"github.com/example/go-ns2/internal/features"
	"github.com/example/go-ns2/internal/mask"
	"github.com/example/go-ns2/internal/native"
	"github.com/example/go-ns2/internal/prosody"
	"github.com/example/go-ns2/internal/runtime/tensor"
	"github.com/example/go-ns2/internal/segment"
)

// Batch is one padded training batch. Latents and Mel share the frame axis.
type Batch struct {
	Tokens     [][]int64 // [B][T_en], padded
	TokenLens  []int
	Latents    *tensor.Tensor // [B, C_lat, T_de]
	LatentLens []int
	Mel        *tensor.Tensor // [B, M, T_de]
	MelLens    []int
	// Pitch is the per-frame fundamental frequency in Hz, [B, T_de]; zero
	// marks unvoiced frames.
	Pitch *tensor.Tensor
	// SpeakerIDs gives one speaker per utterance; empty falls back to
	// Conditioning.SpeakerID.
	SpeakerIDs []int
}

func (b Batch) size() int { return len(b.Tokens) }

func (b Batch) validate() error {
	n := b.size()
	if n == 0 {
		return fmt.Errorf("model: %w: empty batch", mask.ErrInvalidLength)
	}

	if b.Latents == nil || b.Mel == nil || b.Pitch == nil {
		return fmt.Errorf("model: %w: batch needs latents, mel and pitch", ErrShapeMismatch)
	}

	if b.Latents.Rank() != 3 || b.Mel.Rank() != 3 || b.Pitch.Rank() != 2 {
		return fmt.Errorf("model: %w: latents %v, mel %v, pitch %v", ErrShapeMismatch, b.Latents.Shape(), b.Mel.Shape(), b.Pitch.Shape())
	}

	if b.Latents.Dim(0) != n || b.Mel.Dim(0) != n || b.Pitch.Dim(0) != n {
		return fmt.Errorf("model: %w: batch sizes disagree", ErrShapeMismatch)
	}

	frames := b.Latents.Dim(2)
	if b.Mel.Dim(2) != frames || b.Pitch.Dim(1) != frames {
		return fmt.Errorf("model: %w: latents have %d frames, mel %d, pitch %d", ErrFrameMismatch, frames, b.Mel.Dim(2), b.Pitch.Dim(1))
	}

	width := len(b.Tokens[0])
	for i, row := range b.Tokens {
		if len(row) != width {
			return fmt.Errorf("model: %w: token row %d has width %d, want %d", ErrShapeMismatch, i, len(row), width)
		}
	}

	for _, l := range [][]int{b.TokenLens, b.LatentLens, b.MelLens} {
		if len(l) != n {
			return fmt.Errorf("model: %w: %d lengths for batch of %d", mask.ErrInvalidLength, len(l), n)
		}
	}

	if err := mask.Validate(b.TokenLens, width); err != nil {
		return fmt.Errorf("model: token lengths: %w", err)
	}

	if err := mask.Validate(b.LatentLens, frames); err != nil {
		return fmt.Errorf("model: latent lengths: %w", err)
	}

	if err := mask.Validate(b.MelLens, frames); err != nil {
		return fmt.Errorf("model: mel lengths: %w", err)
	}

	if len(b.SpeakerIDs) != 0 && len(b.SpeakerIDs) != n {
		return fmt.Errorf("model: %w: %d speaker ids for batch of %d", ErrInvalidConditioning, len(b.SpeakerIDs), n)
	}

	return nil
}

// TrainOutputs is everything the loss needs from one forward pass.
type TrainOutputs struct {
	TokenLens []int
	FrameLens []int

	DiffusionTargets     *tensor.Tensor
	DiffusionPredictions *tensor.Tensor
	LossWeight           *tensor.Tensor
	// LatentHat and Latents hold only the frames outside the prompt
	// segment: [B, C_lat, T_de - SegmentSize].
	LatentHat *tensor.Tensor
	Latents   *tensor.Tensor

	SpeechPrompts *tensor.Tensor // [B, C_lat, SegmentSize]
	SegmentStarts []int
	SegmentSize   int
	RemainingMask [][]bool // [B][T_de]

	Durations     *tensor.Tensor // [B, T_en] ground truth from the alignment
	DurationsPred *tensor.Tensor
	// Pitch is the averaged ground truth on the target scale; PitchPred is
	// the raw predictor output on the same scale.
	Pitch     *tensor.Tensor
	PitchPred *tensor.Tensor

	AlignmentSoft    *tensor.Tensor // [B, T_en, T_de]
	AlignmentHard    *tensor.Tensor // [B, T_en, T_de]
	AlignmentLogProb *tensor.Tensor
}

// Trainer runs the training forward pass. It never mutates parameters.
type Trainer struct {
	core
	aligner   align.Aligner
	extractor *features.Extractor
}

// NewTrainer checks that every network the forward pass needs is present.
func NewTrainer(cfg Config, nets Collaborators, tables *native.Tables, opts ...Option) (*Trainer, error) {
	for name, missing := range map[string]bool{
		"phoneme encoder":    nets.Phonemes == nil,
		"prompt encoder":     nets.Prompts == nil,
		"alignment network":  nets.Aligner == nil,
		"duration predictor": nets.Durations == nil,
		"pitch predictor":    nets.Pitch == nil,
		"diffusion":          nets.Diffusion == nil,
	} {
		if missing {
			return nil, fmt.Errorf("model: trainer: %w: %s", ErrMissingCollaborator, name)
		}
	}

	o := buildOptions(opts)

	c, err := newCore(cfg, nets, tables, o)
	if err != nil {
		return nil, err
	}

	return &Trainer{core: c, aligner: align.Aligner{Workers: cfg.AlignWorkers}, extractor: o.extractor}, nil
}

// Forward runs one training forward pass.
func (t *Trainer) Forward(ctx context.Context, b Batch, cond Conditioning) (*TrainOutputs, error) {
	if err := cond.Validate(Training, t.cfg.NumSpeakers, 0); err != nil {
		return nil, err
	}

	if err := b.validate(); err != nil {
		return nil, err
	}

	n, tEn, tDe := b.size(), len(b.Tokens[0]), b.Latents.Dim(2)

	xMask, err := mask.Mask(b.TokenLens, tEn)
	if err != nil {
		return nil, err
	}

	speakers := b.SpeakerIDs
	if len(speakers) == 0 && cond.SpeakerID != nil {
		speakers = make([]int, n)
		for i := range speakers {
			speakers[i] = *cond.SpeakerID
		}
	}

	spk, err := t.speakerEmbedding(speakers)
	if err != nil {
		return nil, err
	}

	phonemes, err := t.nets.Phonemes.Encode(ctx, b.Tokens, xMask, spk)
	if err != nil {
		return nil, fmt.Errorf("model: phoneme encoder: %w", err)
	}

	if err := t.checkEncoding("phoneme encoder", phonemes, n); err != nil {
		return nil, err
	}

	if phonemes.Dim(2) != tEn {
		return nil, fmt.Errorf("model: phoneme encoder output %w: %d positions for %d tokens", ErrShapeMismatch, phonemes.Dim(2), tEn)
	}

	// One prompt size per batch keeps the stacked segments rectangular.
	size := t.sampler.StandardSize(b.LatentLens, t.cfg.SegmentBase, t.cfg.SegmentWindow)

	segs, err := t.sampler.SampleBatch(b.Latents, b.LatentLens, size, segment.Options{AllowShort: true, PadShort: true})
	if err != nil {
		return nil, fmt.Errorf("model: prompt segment: %w", err)
	}

	remaining := segment.ComplementMaskBatch(tDe, segs.Starts, size)

	prompts, err := t.nets.Prompts.Encode(ctx, segs.Data)
	if err != nil {
		return nil, fmt.Errorf("model: prompt encoder: %w", err)
	}

	if err := t.checkEncoding("prompt encoder", prompts, n); err != nil {
		return nil, err
	}

	soft, logprob, err := t.nets.Aligner.Align(ctx, phonemes, b.Mel, xMask)
	if err != nil {
		return nil, fmt.Errorf("model: alignment network: %w", err)
	}

	if soft == nil || soft.Rank() != 3 || soft.Dim(0) != n || soft.Dim(1) != tEn || soft.Dim(2) != tDe {
		return nil, fmt.Errorf("model: alignment network output %w: want [%d, %d, %d]", ErrShapeMismatch, n, tEn, tDe)
	}

	hard, err := t.aligner.SearchContext(ctx, soft, b.TokenLens, b.MelLens)
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}

	durs, err := prosody.ComputeDurations(hard)
	if err != nil {
		return nil, err
	}

	dursPred, err := t.nets.Durations.Predict(ctx, phonemes, prompts, xMask)
	if err != nil {
		return nil, fmt.Errorf("model: duration predictor: %w", err)
	}

	if dursPred, err = perPhoneme("duration predictor", dursPred, n, tEn); err != nil {
		return nil, err
	}

	pitch, err := prosody.AverageOverDurations(b.Pitch, durs)
	if err != nil {
		return nil, err
	}

	pitchPred, err := t.nets.Pitch.Predict(ctx, phonemes, prompts, xMask)
	if err != nil {
		return nil, fmt.Errorf("model: pitch predictor: %w", err)
	}

	if pitchPred, err = perPhoneme("pitch predictor", pitchPred, n, tEn); err != nil {
		return nil, err
	}

	expanded, err := t.expander.Expand(phonemes, hard, pitch)
	if err != nil {
		return nil, err
	}

	// Frame lengths are the alignment's duration sums, equal to MelLens.
	frameLens := append([]int(nil), b.MelLens...)

	res, err := t.nets.Diffusion.Forward(ctx, b.Latents, expanded, frameLens, prompts)
	if err != nil {
		return nil, fmt.Errorf("model: diffusion: %w", err)
	}

	if res.Denoised == nil || res.Denoised.Rank() != 3 || res.Denoised.Dim(2) != tDe {
		return nil, fmt.Errorf("model: diffusion denoised estimate %w: want [B, C, %d]", ErrShapeMismatch, tDe)
	}

	latentHat, err := segment.SelectFrames(res.Denoised, remaining)
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}

	latents, err := segment.SelectFrames(b.Latents, remaining)
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}

	t.logger.Debug("training forward",
		"batch", n,
		"tokens", tEn,
		"frames", tDe,
		"prompt_size", size,
	)

	return &TrainOutputs{
		TokenLens:            append([]int(nil), b.TokenLens...),
		FrameLens:            frameLens,
		DiffusionTargets:     res.Targets,
		DiffusionPredictions: res.Predictions,
		LossWeight:           res.LossWeight,
		LatentHat:            latentHat,
		Latents:              latents,
		SpeechPrompts:        segs.Data,
		SegmentStarts:        segs.Starts,
		SegmentSize:          size,
		RemainingMask:        remaining,
		Durations:            durs,
		DurationsPred:        dursPred,
		Pitch:                prosody.MapTensor(pitch, prosody.PitchToTarget),
		PitchPred:            pitchPred,
		AlignmentSoft:        soft,
		AlignmentHard:        hard,
		AlignmentLogProb:     logprob,
	}, nil
}

// TrainStep runs Forward and evaluates the criterion on its outputs.
func (t *Trainer) TrainStep(ctx context.Context, b Batch, cond Conditioning, criterion Criterion) (*TrainOutputs, map[string]float32, error) {
	if criterion == nil {
		return nil, nil, fmt.Errorf("model: train step: %w: criterion", ErrMissingCollaborator)
	}

	out, err := t.Forward(ctx, b, cond)
	if err != nil {
		return nil, nil, err
	}

	losses, err := criterion.Loss(ctx, out)
	if err != nil {
		return nil, nil, fmt.Errorf("model: criterion: %w", err)
	}

	return out, losses, nil
}
