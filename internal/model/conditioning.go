package model

import (
	"fmt"
	"math"

	"github.com/example/go-ns2/internal/runtime/tensor"
)

// Mode selects which conditioning inputs a call accepts.
type Mode int

const (
	Training Mode = iota
	Inference
)

func (m Mode) String() string {
	if m == Training {
		return "training"
	}

	return "inference"
}

// Conditioning lists the optional inputs a caller may supply. The zero value
// is a single-speaker call without overrides.
type Conditioning struct {
	// SpeakerID selects a row of the speaker embedding for every utterance.
	SpeakerID *int
	// Prompt is a latent prompt [C_lat, S] or [1, C_lat, S]. Inference only.
	Prompt *tensor.Tensor
	// PromptAudio is a prompt waveform at the codec sample rate, encoded
	// through the codec. Inference only.
	PromptAudio []float32
	// Durations overrides predicted per-token frame counts. Inference only.
	Durations []float32
	// Pitch overrides predicted per-token pitch in Hz. Inference only.
	Pitch []float32
}

// Validate checks the conditioning once at the call boundary. numTokens is
// the token count of the single inference utterance and is ignored in
// training.
func (c Conditioning) Validate(mode Mode, numSpeakers, numTokens int) error {
	if c.SpeakerID != nil {
		if numSpeakers == 0 {
			return fmt.Errorf("model: %w: speaker id given for a single-speaker model", ErrInvalidConditioning)
		}

		if id := *c.SpeakerID; id < 0 || id >= numSpeakers {
			return fmt.Errorf("model: %w: speaker id %d outside [0, %d)", ErrInvalidConditioning, id, numSpeakers)
		}
	}

	if mode == Training {
		if c.Prompt != nil || c.PromptAudio != nil || c.Durations != nil || c.Pitch != nil {
			return fmt.Errorf("model: %w: prompt, duration and pitch overrides are inference only", ErrInvalidConditioning)
		}

		return nil
	}

	switch {
	case c.Prompt == nil && len(c.PromptAudio) == 0:
		return fmt.Errorf("model: %w: a prompt or prompt audio is required", ErrInvalidConditioning)
	case c.Prompt != nil && len(c.PromptAudio) > 0:
		return fmt.Errorf("model: %w: give either a prompt or prompt audio, not both", ErrInvalidConditioning)
	case c.Prompt != nil && !(c.Prompt.Rank() == 2 || (c.Prompt.Rank() == 3 && c.Prompt.Dim(0) == 1)):
		return fmt.Errorf("model: %w: prompt shape %v, want [C, S] or [1, C, S]", ErrInvalidConditioning, c.Prompt.Shape())
	}

	if err := checkOverride("durations", c.Durations, numTokens); err != nil {
		return err
	}

	return checkOverride("pitch", c.Pitch, numTokens)
}

func checkOverride(name string, values []float32, numTokens int) error {
	if values == nil {
		return nil
	}

	if len(values) != numTokens {
		return fmt.Errorf("model: %w: %d %s for %d tokens", ErrInvalidConditioning, len(values), name, numTokens)
	}

	for i, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			return fmt.Errorf("model: %w: %s[%d] = %v", ErrInvalidConditioning, name, i, v)
		}
	}

	return nil
}

// promptLatents returns the prompt as [1, C, S].
func (c Conditioning) promptLatents() (*tensor.Tensor, error) {
	if c.Prompt.Rank() == 3 {
		return c.Prompt, nil
	}

	return c.Prompt.Reshape(append([]int64{1}, c.Prompt.Shape()...))
}
