package model

import (
	"context"
	"math"

	"github.com/example/go-ns2/internal/runtime/tensor"
)

const (
	testHidden  = 8
	testLatent  = 4
	testHop     = 320
	testSpeaker = 6
)

type stubPhonemes struct {
	speaker *tensor.Tensor
}

func (s *stubPhonemes) Encode(_ context.Context, tokens [][]int64, _ [][]bool, speaker *tensor.Tensor) (*tensor.Tensor, error) {
	s.speaker = speaker
	return tensor.Full([]int64{int64(len(tokens)), testHidden, int64(len(tokens[0]))}, 1)
}

type stubPrompts struct {
	hidden  int
	segment *tensor.Tensor
}

func (s *stubPrompts) Encode(_ context.Context, segment *tensor.Tensor) (*tensor.Tensor, error) {
	s.segment = segment

	hidden := s.hidden
	if hidden == 0 {
		hidden = testHidden
	}

	return tensor.Zeros([]int64{int64(segment.Dim(0)), int64(hidden), int64(segment.Dim(2))})
}

// stubAligner returns uniform potentials, or NaN ones when poisoned.
type stubAligner struct {
	poison bool
}

func (s stubAligner) Align(_ context.Context, phonemes, mel *tensor.Tensor, _ [][]bool) (*tensor.Tensor, *tensor.Tensor, error) {
	shape := []int64{int64(phonemes.Dim(0)), int64(phonemes.Dim(2)), int64(mel.Dim(2))}

	value := float32(0.5)
	if s.poison {
		value = float32(math.NaN())
	}

	soft, err := tensor.Full(shape, value)
	if err != nil {
		return nil, nil, err
	}

	logprob, err := tensor.Full(shape, float32(math.Log(0.5)))
	if err != nil {
		return nil, nil, err
	}

	return soft, logprob, nil
}

type constPredictor struct {
	value float32
}

func (p constPredictor) Predict(_ context.Context, phonemes, _ *tensor.Tensor, _ [][]bool) (*tensor.Tensor, error) {
	return tensor.Full([]int64{int64(phonemes.Dim(0)), 1, int64(phonemes.Dim(2))}, p.value)
}

type stubDiffusion struct {
	lengths []int
	steps   int
	cond    *tensor.Tensor
}

func (d *stubDiffusion) Forward(_ context.Context, latents, cond *tensor.Tensor, lengths []int, _ *tensor.Tensor) (DiffusionResult, error) {
	d.lengths = lengths
	d.cond = cond

	weight, err := tensor.Full([]int64{int64(latents.Dim(0))}, 1)
	if err != nil {
		return DiffusionResult{}, err
	}

	return DiffusionResult{
		Targets:     latents.Clone(),
		Predictions: latents.Clone(),
		Denoised:    latents.Clone(),
		LossWeight:  weight,
	}, nil
}

func (d *stubDiffusion) Sample(_ context.Context, cond *tensor.Tensor, lengths []int, _ *tensor.Tensor, steps int) (*tensor.Tensor, error) {
	d.lengths = lengths
	d.steps = steps
	d.cond = cond

	return tensor.Full([]int64{1, testLatent, int64(lengths[0])}, 0.25)
}

// stubCodec maps testHop samples to one frame, plus extra frames on encode.
type stubCodec struct {
	extra   int
	encoded int
}

func (c *stubCodec) Encode(_ context.Context, wave *tensor.Tensor) (*tensor.Tensor, error) {
	c.encoded++

	frames := wave.Dim(2)/testHop + c.extra

	out, err := tensor.Zeros([]int64{int64(wave.Dim(0)), testLatent, int64(frames)})
	if err != nil {
		return nil, err
	}

	d := out.RawData()
	for k := range d {
		d[k] = 1
	}

	return out, nil
}

func (c *stubCodec) Decode(_ context.Context, latents *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Zeros([]int64{int64(latents.Dim(0)), 1, int64(latents.Dim(2) * testHop)})
}

type recordingCriterion struct {
	seen *TrainOutputs
}

func (c *recordingCriterion) Loss(_ context.Context, out *TrainOutputs) (map[string]float32, error) {
	c.seen = out
	return map[string]float32{"duration": 0.5}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Hidden = testHidden
	cfg.SegmentBase = 4
	cfg.SegmentWindow = 1
	cfg.DiffusionSteps = 3
	cfg.AlignWorkers = 2

	return cfg
}

func testNets() Collaborators {
	return Collaborators{
		Phonemes:  &stubPhonemes{},
		Prompts:   &stubPrompts{},
		Aligner:   stubAligner{},
		Durations: constPredictor{value: 2.4},
		Pitch:     constPredictor{value: 0.5},
		Diffusion: &stubDiffusion{},
		Codec:     &stubCodec{},
	}
}
