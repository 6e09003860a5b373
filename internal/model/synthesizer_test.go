package model

import (
	"context"
	"testing"

	"github.com/example/go-ns2/internal/prosody"
	"github.com/example/go-ns2/internal/runtime/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promptLatents(t *testing.T) *tensor.Tensor {
	t.Helper()

	p, err := tensor.Full([]int64{testLatent, 4}, 0.5)
	require.NoError(t, err)

	return p
}

func TestSynthesizePredicted(t *testing.T) {
	nets := testNets()

	s, err := NewSynthesizer(testConfig(), nets, nil)
	require.NoError(t, err)

	out, err := s.Synthesize(context.Background(), []int64{4, 5, 6}, Conditioning{Prompt: promptLatents(t)})
	require.NoError(t, err)

	assert.Equal(t, []int{2, 2, 2}, out.Durations)
	assert.Equal(t, 6, out.Frames())
	assert.Len(t, out.Wave, 6*testHop)
	assert.Equal(t, []int64{1, testLatent, 6}, out.Latents.Shape())

	hz := float32(prosody.TargetToPitch(0.5))
	assert.InDeltaSlice(t, []float32{hz, hz, hz}, out.Pitch, 1e-3)

	diff := nets.Diffusion.(*stubDiffusion)
	assert.Equal(t, 3, diff.steps)
	assert.Equal(t, []int{6}, diff.lengths)
	assert.Equal(t, []int64{1, testHidden, 6}, diff.cond.Shape())

	assert.Equal(t, []int64{1, testLatent, 4}, nets.Prompts.(*stubPrompts).segment.Shape())
}

func TestSynthesizeOverrides(t *testing.T) {
	nets := testNets()

	s, err := NewSynthesizer(testConfig(), nets, nil)
	require.NoError(t, err)

	out, err := s.Synthesize(context.Background(), []int64{4, 5, 6}, Conditioning{
		PromptAudio: make([]float32, 2*testHop),
		Durations:   []float32{1, 0, 2.6},
		Pitch:       []float32{120, 0, 180},
	})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 0, 3}, out.Durations)
	assert.Equal(t, []float32{120, 0, 180}, out.Pitch)
	assert.Len(t, out.Wave, 4*testHop)

	assert.Equal(t, 1, nets.Codec.(*stubCodec).encoded)
	assert.Equal(t, []int64{1, testLatent, 2}, nets.Prompts.(*stubPrompts).segment.Shape())

	// token 1 owns no frame
	a := out.Alignment.Data()
	assert.Equal(t, []float32{1, 0, 0, 0}, a[0:4])
	assert.Equal(t, []float32{0, 0, 0, 0}, a[4:8])
	assert.Equal(t, []float32{0, 1, 1, 1}, a[8:12])
}

func TestSynthesizeAllZeroDurationsKeepsOneFrame(t *testing.T) {
	s, err := NewSynthesizer(testConfig(), testNets(), nil)
	require.NoError(t, err)

	out, err := s.Synthesize(context.Background(), []int64{4, 5}, Conditioning{
		Prompt:    promptLatents(t),
		Durations: []float32{0, 0},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Frames())
}

func TestNewSynthesizerRequiresCodec(t *testing.T) {
	nets := testNets()
	nets.Codec = nil

	_, err := NewSynthesizer(testConfig(), nets, nil)
	require.ErrorIs(t, err, ErrMissingCollaborator)
}

func TestConditioningValidate(t *testing.T) {
	one, three := 1, 3
	prompt, err := tensor.Zeros([]int64{testLatent, 2})
	require.NoError(t, err)

	badPrompt, err := tensor.Zeros([]int64{2, testLatent, 2})
	require.NoError(t, err)

	tests := []struct {
		name string
		mode Mode
		cond Conditioning
		ok   bool
	}{
		{"training default", Training, Conditioning{}, true},
		{"training speaker", Training, Conditioning{SpeakerID: &one}, true},
		{"training speaker out of range", Training, Conditioning{SpeakerID: &three}, false},
		{"training durations", Training, Conditioning{Durations: []float32{1, 1}}, false},
		{"inference prompt", Inference, Conditioning{Prompt: prompt}, true},
		{"inference audio", Inference, Conditioning{PromptAudio: []float32{0.1}}, true},
		{"inference no prompt", Inference, Conditioning{}, false},
		{"inference both prompts", Inference, Conditioning{Prompt: prompt, PromptAudio: []float32{0.1}}, false},
		{"inference batched prompt", Inference, Conditioning{Prompt: badPrompt}, false},
		{"durations length", Inference, Conditioning{Prompt: prompt, Durations: []float32{1}}, false},
		{"negative pitch", Inference, Conditioning{Prompt: prompt, Pitch: []float32{100, -1}}, false},
		{"overrides", Inference, Conditioning{Prompt: prompt, Durations: []float32{1, 2}, Pitch: []float32{100, 0}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cond.Validate(tt.mode, 2, 2)
			if tt.ok {
				require.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, ErrInvalidConditioning)
		})
	}
}
