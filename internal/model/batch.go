package model

import (
	"context"
	"fmt"

	"github.com/example/go-ns2/internal/mask"
	"github.com/example/go-ns2/internal/runtime/tensor"
)

// RawBatch is a training batch before feature extraction.
type RawBatch struct {
	Tokens    [][]int64
	TokenLens []int
	// Waveforms are mono signals at the codec sample rate, one per
	// utterance, of arbitrary length.
	Waveforms [][]float32
	// Pitch holds per-frame Hz tracks at the mel hop; rows shorter than the
	// batch frame count are zero padded, longer rows are truncated.
	Pitch      [][]float32
	SpeakerIDs []int
}

// PrepareBatch encodes waveforms through the codec, extracts mel
// spectrograms and reconciles the two frame axes. A difference within
// FrameTolerance is zero padded with a warning; a larger one fails with
// ErrFrameMismatch. Frame lengths scale the padded frame count by each
// waveform's share of the longest one.
func (t *Trainer) PrepareBatch(ctx context.Context, raw RawBatch) (Batch, error) {
	if t.nets.Codec == nil {
		return Batch{}, fmt.Errorf("model: prepare batch: %w: codec", ErrMissingCollaborator)
	}

	if t.extractor == nil {
		return Batch{}, fmt.Errorf("model: prepare batch: %w: mel extractor", ErrMissingCollaborator)
	}

	n := len(raw.Waveforms)
	if n == 0 || len(raw.Tokens) != n || len(raw.Pitch) != n {
		return Batch{}, fmt.Errorf("model: prepare batch: %w: %d waveforms, %d token rows, %d pitch rows",
			ErrShapeMismatch, n, len(raw.Tokens), len(raw.Pitch))
	}

	longest := 0
	for _, w := range raw.Waveforms {
		longest = max(longest, len(w))
	}

	if longest == 0 {
		return Batch{}, fmt.Errorf("model: prepare batch: %w: every waveform is empty", ErrShapeMismatch)
	}

	waves, err := tensor.Zeros([]int64{int64(n), 1, int64(longest)})
	if err != nil {
		return Batch{}, err
	}

	for b, w := range raw.Waveforms {
		copy(waves.RawData()[b*longest:], w)
	}

	latents, err := t.nets.Codec.Encode(ctx, waves)
	if err != nil {
		return Batch{}, fmt.Errorf("model: codec encode: %w", err)
	}

	if latents == nil || latents.Rank() != 3 || latents.Dim(0) != n {
		return Batch{}, fmt.Errorf("model: codec encode output %w: want [%d, C, T]", ErrShapeMismatch, n)
	}

	mel, err := t.extractor.MelBatch(raw.Waveforms)
	if err != nil {
		return Batch{}, fmt.Errorf("model: mel: %w", err)
	}

	latentFrames, melFrames := latents.Dim(2), mel.Dim(2)
	if diff := latentFrames - melFrames; diff != 0 {
		if diff > t.cfg.FrameTolerance || -diff > t.cfg.FrameTolerance {
			return Batch{}, fmt.Errorf("model: %w: %d latent frames, %d mel frames, tolerance %d",
				ErrFrameMismatch, latentFrames, melFrames, t.cfg.FrameTolerance)
		}

		t.logger.Warn("padding frame axes to match",
			"latent_frames", latentFrames,
			"mel_frames", melFrames,
		)
	}

	frames := max(latentFrames, melFrames)

	if latents, err = latents.PadLast(int64(frames)); err != nil {
		return Batch{}, err
	}

	if mel, err = mel.PadLast(int64(frames)); err != nil {
		return Batch{}, err
	}

	lens := make([]int, n)
	for b, w := range raw.Waveforms {
		lens[b] = int(float64(frames) * float64(len(w)) / float64(longest))
	}

	if err := mask.ZeroPadding(latents, lens); err != nil {
		return Batch{}, err
	}

	if err := mask.ZeroPadding(mel, lens); err != nil {
		return Batch{}, err
	}

	pitch, err := tensor.Zeros([]int64{int64(n), int64(frames)})
	if err != nil {
		return Batch{}, err
	}

	for b, row := range raw.Pitch {
		copy(pitch.RawData()[b*frames:b*frames+lens[b]], row[:min(len(row), lens[b])])
	}

	t.logger.Debug("prepared batch", "batch", n, "frames", frames, "samples", longest)

	return Batch{
		Tokens:     raw.Tokens,
		TokenLens:  raw.TokenLens,
		Latents:    latents,
		LatentLens: lens,
		Mel:        mel,
		MelLens:    append([]int(nil), lens...),
		Pitch:      pitch,
		SpeakerIDs: raw.SpeakerIDs,
	}, nil
}
