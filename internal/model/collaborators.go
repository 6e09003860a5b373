// Package model orchestrates the training forward pass and inference around
// external networks: phoneme and prompt encoders, the alignment network,
// duration and pitch predictors, the diffusion decoder and the audio codec.
package model

import (
	"context"

	"github.com/example/go-ns2/internal/runtime/tensor"
)

// PhonemeEncoder encodes padded token ids [B][T_en] into [B, C, T_en].
// speaker is an optional [B, D] embedding.
type PhonemeEncoder interface {
	Encode(ctx context.Context, tokens [][]int64, mask [][]bool, speaker *tensor.Tensor) (*tensor.Tensor, error)
}

// PromptEncoder encodes a prompt latent segment [B, C_lat, S] into
// [B, C, S'].
type PromptEncoder interface {
	Encode(ctx context.Context, segment *tensor.Tensor) (*tensor.Tensor, error)
}

// AlignmentNetwork scores phoneme encodings [B, C, T_en] against mel frames
// [B, M, T_de]. soft is [B, T_en, T_de]; logprob has the same layout.
type AlignmentNetwork interface {
	Align(ctx context.Context, phonemes, mel *tensor.Tensor, tokenMask [][]bool) (soft, logprob *tensor.Tensor, err error)
}

// Predictor predicts one value per phoneme, [B, T_en], from phoneme and
// prompt encodings. A nil tokenMask means every token is valid.
type Predictor interface {
	Predict(ctx context.Context, phonemes, prompts *tensor.Tensor, tokenMask [][]bool) (*tensor.Tensor, error)
}

// DiffusionResult is the training output of the diffusion model.
type DiffusionResult struct {
	Targets     *tensor.Tensor
	Predictions *tensor.Tensor
	// Denoised is the predicted clean latent sequence [B, C_lat, T_de].
	Denoised   *tensor.Tensor
	LossWeight *tensor.Tensor
}

// Diffusion is the latent diffusion decoder.
type Diffusion interface {
	Forward(ctx context.Context, latents, cond *tensor.Tensor, lengths []int, prompts *tensor.Tensor) (DiffusionResult, error)
	Sample(ctx context.Context, cond *tensor.Tensor, lengths []int, prompts *tensor.Tensor, steps int) (*tensor.Tensor, error)
}

// Codec maps waveforms [B, 1, N] to latents [B, C_lat, T] and back.
type Codec interface {
	Encode(ctx context.Context, wave *tensor.Tensor) (*tensor.Tensor, error)
	Decode(ctx context.Context, latents *tensor.Tensor) (*tensor.Tensor, error)
}

// Criterion turns a training bundle into named scalar losses.
type Criterion interface {
	Loss(ctx context.Context, out *TrainOutputs) (map[string]float32, error)
}

// Collaborators bundles the external networks. Training leaves Codec unused
// unless PrepareBatch is called; inference leaves Aligner unused.
type Collaborators struct {
	Phonemes  PhonemeEncoder
	Prompts   PromptEncoder
	Aligner   AlignmentNetwork
	Durations Predictor
	Pitch     Predictor
	Diffusion Diffusion
	Codec     Codec
}
