package model

import (
	"context"
	"fmt"
	"time"

	"github.com/example/go-ns2/internal/native"
	"github.com/example/go-ns2/internal/prosody"
	"github.com/example/go-ns2/internal/runtime/tensor"
)

// Synthesis is the result of one inference call.
type Synthesis struct {
	// Wave is the decoded mono waveform at the codec sample rate.
	Wave []float32
	// Durations are the rounded per-token frame counts used for expansion.
	Durations []int
	// Pitch is the per-token pitch in Hz fed to the pitch embedding.
	Pitch     []float32
	Alignment *tensor.Tensor // [1, T_en, T_de]
	Latents   *tensor.Tensor // [1, C_lat, T_de]
}

// Frames returns the number of generated latent frames.
func (s *Synthesis) Frames() int {
	if s.Alignment == nil {
		return 0
	}

	return s.Alignment.Dim(2)
}

// Synthesizer runs inference for one utterance at a time. It is safe for
// concurrent use when its collaborators are.
type Synthesizer struct {
	core
}

// NewSynthesizer checks that every network inference needs is present.
func NewSynthesizer(cfg Config, nets Collaborators, tables *native.Tables, opts ...Option) (*Synthesizer, error) {
	for name, missing := range map[string]bool{
		"phoneme encoder":    nets.Phonemes == nil,
		"prompt encoder":     nets.Prompts == nil,
		"duration predictor": nets.Durations == nil,
		"pitch predictor":    nets.Pitch == nil,
		"diffusion":          nets.Diffusion == nil,
		"codec":              nets.Codec == nil,
	} {
		if missing {
			return nil, fmt.Errorf("model: synthesizer: %w: %s", ErrMissingCollaborator, name)
		}
	}

	c, err := newCore(cfg, nets, tables, buildOptions(opts))
	if err != nil {
		return nil, err
	}

	return &Synthesizer{core: c}, nil
}

// Synthesize generates a waveform for tokens in the voice of the prompt.
func (s *Synthesizer) Synthesize(ctx context.Context, tokens []int64, cond Conditioning) (*Synthesis, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("model: synthesize: %w: no tokens", ErrInvalidConditioning)
	}

	if err := cond.Validate(Inference, s.cfg.NumSpeakers, len(tokens)); err != nil {
		return nil, err
	}

	start := time.Now()
	nEn := len(tokens)

	xMask := [][]bool{make([]bool, nEn)}
	for i := range xMask[0] {
		xMask[0][i] = true
	}

	var speakers []int
	if cond.SpeakerID != nil {
		speakers = []int{*cond.SpeakerID}
	}

	spk, err := s.speakerEmbedding(speakers)
	if err != nil {
		return nil, err
	}

	phonemes, err := s.nets.Phonemes.Encode(ctx, [][]int64{tokens}, xMask, spk)
	if err != nil {
		return nil, fmt.Errorf("model: phoneme encoder: %w", err)
	}

	if err := s.checkEncoding("phoneme encoder", phonemes, 1); err != nil {
		return nil, err
	}

	if phonemes.Dim(2) != nEn {
		return nil, fmt.Errorf("model: phoneme encoder output %w: %d positions for %d tokens", ErrShapeMismatch, phonemes.Dim(2), nEn)
	}

	promptLatents, err := s.prompt(ctx, cond)
	if err != nil {
		return nil, err
	}

	prompts, err := s.nets.Prompts.Encode(ctx, promptLatents)
	if err != nil {
		return nil, fmt.Errorf("model: prompt encoder: %w", err)
	}

	if err := s.checkEncoding("prompt encoder", prompts, 1); err != nil {
		return nil, err
	}

	durs, err := s.durations(ctx, cond, phonemes, prompts, xMask)
	if err != nil {
		return nil, err
	}

	pitch, err := s.pitch(ctx, cond, phonemes, prompts, xMask)
	if err != nil {
		return nil, err
	}

	attn, err := prosody.GenerateAttention(durs, xMask, nil)
	if err != nil {
		return nil, err
	}

	expanded, err := s.expander.Expand(phonemes, attn, pitch)
	if err != nil {
		return nil, err
	}

	frames := attn.Dim(2)

	latents, err := s.nets.Diffusion.Sample(ctx, expanded, []int{frames}, prompts, s.cfg.DiffusionSteps)
	if err != nil {
		return nil, fmt.Errorf("model: diffusion sampler: %w", err)
	}

	if latents == nil || latents.Rank() != 3 || latents.Dim(0) != 1 {
		return nil, fmt.Errorf("model: diffusion sampler output %w: want [1, C, %d]", ErrShapeMismatch, frames)
	}

	wave, err := s.nets.Codec.Decode(ctx, latents)
	if err != nil {
		return nil, fmt.Errorf("model: codec decode: %w", err)
	}

	if wave == nil || wave.Dim(0) != 1 {
		return nil, fmt.Errorf("model: codec decode output %w: want a single waveform", ErrShapeMismatch)
	}

	out := &Synthesis{
		Wave:      wave.Data(),
		Durations: make([]int, nEn),
		Pitch:     pitch.Data(),
		Alignment: attn,
		Latents:   latents,
	}

	for i, d := range durs.RawData() {
		out.Durations[i] = int(d)
	}

	s.logger.Debug("synthesized",
		"tokens", nEn,
		"frames", frames,
		"samples", len(out.Wave),
		"steps", s.cfg.DiffusionSteps,
		"elapsed", time.Since(start),
	)

	return out, nil
}

// prompt returns the prompt latents [1, C_lat, S], encoding prompt audio
// through the codec when no latents were given.
func (s *Synthesizer) prompt(ctx context.Context, cond Conditioning) (*tensor.Tensor, error) {
	if cond.Prompt != nil {
		return cond.promptLatents()
	}

	wave, err := tensor.New(cond.PromptAudio, []int64{1, 1, int64(len(cond.PromptAudio))})
	if err != nil {
		return nil, err
	}

	latents, err := s.nets.Codec.Encode(ctx, wave)
	if err != nil {
		return nil, fmt.Errorf("model: codec encode prompt: %w", err)
	}

	if latents == nil || latents.Rank() != 3 || latents.Dim(0) != 1 {
		return nil, fmt.Errorf("model: codec encode output %w: want [1, C, S]", ErrShapeMismatch)
	}

	return latents, nil
}

// durations returns rounded per-token durations [1, T_en].
func (s *Synthesizer) durations(ctx context.Context, cond Conditioning, phonemes, prompts *tensor.Tensor, xMask [][]bool) (*tensor.Tensor, error) {
	nEn := len(xMask[0])

	var (
		raw *tensor.Tensor
		err error
	)

	if cond.Durations != nil {
		raw, err = tensor.New(cond.Durations, []int64{1, int64(nEn)})
	} else {
		raw, err = s.nets.Durations.Predict(ctx, phonemes, prompts, xMask)
		if err != nil {
			return nil, fmt.Errorf("model: duration predictor: %w", err)
		}

		raw, err = perPhoneme("duration predictor", raw, 1, nEn)
	}

	if err != nil {
		return nil, err
	}

	return prosody.RoundDurations(raw, xMask)
}

// pitch returns per-token pitch in Hz [1, T_en]. Predictions are inverted
// from the target scale and optionally median filtered.
func (s *Synthesizer) pitch(ctx context.Context, cond Conditioning, phonemes, prompts *tensor.Tensor, xMask [][]bool) (*tensor.Tensor, error) {
	nEn := len(xMask[0])

	if cond.Pitch != nil {
		return tensor.New(cond.Pitch, []int64{1, int64(nEn)})
	}

	pred, err := s.nets.Pitch.Predict(ctx, phonemes, prompts, xMask)
	if err != nil {
		return nil, fmt.Errorf("model: pitch predictor: %w", err)
	}

	if pred, err = perPhoneme("pitch predictor", pred, 1, nEn); err != nil {
		return nil, err
	}

	hz := prosody.MapTensor(pred, func(p float64) float64 {
		return max(prosody.TargetToPitch(p), 0)
	})

	if s.cfg.PitchSmoothing > 1 {
		return prosody.MedianFilter(hz, s.cfg.PitchSmoothing, nil)
	}

	return hz, nil
}
