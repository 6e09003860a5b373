package onnx

import (
	"context"
	"fmt"

	"github.com/example/go-ns2/internal/model"
	"github.com/example/go-ns2/internal/runtime/tensor"
)

var (
	_ model.PhonemeEncoder   = phonemeEncoder{}
	_ model.PromptEncoder    = promptEncoder{}
	_ model.AlignmentNetwork = alignmentNetwork{}
	_ model.Predictor        = predictor{}
	_ model.Diffusion        = diffusion{}
	_ model.Codec            = codec{}
)

// Collaborators adapts the loaded graphs to the model interfaces. A
// collaborator is nil when none of its graphs is loaded, so orchestrator
// constructors report it up front.
func (e *Engine) Collaborators() model.Collaborators {
	var c model.Collaborators

	if e.Has(GraphPhonemeEncoder) {
		c.Phonemes = phonemeEncoder{e}
	}

	if e.Has(GraphPromptEncoder) {
		c.Prompts = promptEncoder{e}
	}

	if e.Has(GraphAligner) {
		c.Aligner = alignmentNetwork{e}
	}

	if e.Has(GraphDurationPredict) {
		c.Durations = predictor{e: e, graph: GraphDurationPredict}
	}

	if e.Has(GraphPitchPredict) {
		c.Pitch = predictor{e: e, graph: GraphPitchPredict}
	}

	if e.Has(GraphDiffusion) || e.Has(GraphDiffusionSampler) {
		c.Diffusion = diffusion{e}
	}

	if e.Has(GraphCodecEncoder) || e.Has(GraphCodecDecoder) {
		c.Codec = codec{e}
	}

	return c
}

func floatInputs(pairs map[string]*tensor.Tensor) (map[string]*Tensor, error) {
	out := make(map[string]*Tensor, len(pairs))

	for name, t := range pairs {
		v, err := FromTensor(t)
		if err != nil {
			return nil, fmt.Errorf("onnx: input %q: %w", name, err)
		}

		out[name] = v
	}

	return out, nil
}

func output(res map[string]*Tensor, graph, name string) (*tensor.Tensor, error) {
	t, err := res[name].ToTensor()
	if err != nil {
		return nil, fmt.Errorf("onnx: %s output %q: %w", graph, name, err)
	}

	return t, nil
}

// tokenMaskInput encodes mask, or an all-valid mask shaped like the last
// axis of x when mask is nil.
func tokenMaskInput(mask [][]bool, x *tensor.Tensor) (*Tensor, error) {
	if mask != nil {
		return maskTensor(mask)
	}

	ones, err := tensor.Full([]int64{int64(x.Dim(0)), int64(x.Dim(-1))}, 1)
	if err != nil {
		return nil, err
	}

	return FromTensor(ones)
}

type phonemeEncoder struct{ e *Engine }

func (p phonemeEncoder) Encode(ctx context.Context, tokens [][]int64, mask [][]bool, speaker *tensor.Tensor) (*tensor.Tensor, error) {
	ids, err := tokensTensor(tokens)
	if err != nil {
		return nil, err
	}

	m, err := maskTensor(mask)
	if err != nil {
		return nil, err
	}

	inputs := map[string]*Tensor{"tokens": ids, "token_mask": m}

	if speaker != nil {
		if inputs["speaker"], err = FromTensor(speaker); err != nil {
			return nil, err
		}
	}

	res, err := p.e.run(ctx, GraphPhonemeEncoder, inputs, "encoding")
	if err != nil {
		return nil, err
	}

	return output(res, GraphPhonemeEncoder, "encoding")
}

type promptEncoder struct{ e *Engine }

func (p promptEncoder) Encode(ctx context.Context, segment *tensor.Tensor) (*tensor.Tensor, error) {
	inputs, err := floatInputs(map[string]*tensor.Tensor{"latents": segment})
	if err != nil {
		return nil, err
	}

	res, err := p.e.run(ctx, GraphPromptEncoder, inputs, "encoding")
	if err != nil {
		return nil, err
	}

	return output(res, GraphPromptEncoder, "encoding")
}

type alignmentNetwork struct{ e *Engine }

func (a alignmentNetwork) Align(ctx context.Context, phonemes, mel *tensor.Tensor, tokenMask [][]bool) (*tensor.Tensor, *tensor.Tensor, error) {
	inputs, err := floatInputs(map[string]*tensor.Tensor{"encoding": phonemes, "mel": mel})
	if err != nil {
		return nil, nil, err
	}

	if inputs["token_mask"], err = tokenMaskInput(tokenMask, phonemes); err != nil {
		return nil, nil, err
	}

	res, err := a.e.run(ctx, GraphAligner, inputs, "logprob")
	if err != nil {
		return nil, nil, err
	}

	logprob, err := output(res, GraphAligner, "logprob")
	if err != nil {
		return nil, nil, err
	}

	// Graphs exported without a "soft" output get it by normalizing the
	// log-probabilities over the phoneme axis.
	if _, ok := res["soft"]; !ok {
		soft, err := tensor.Softmax(logprob, 1)
		if err != nil {
			return nil, nil, fmt.Errorf("onnx: %s: soft from logprob: %w", GraphAligner, err)
		}

		return soft, logprob, nil
	}

	soft, err := output(res, GraphAligner, "soft")
	if err != nil {
		return nil, nil, err
	}

	return soft, logprob, nil
}

type predictor struct {
	e     *Engine
	graph string
}

func (p predictor) Predict(ctx context.Context, phonemes, prompts *tensor.Tensor, tokenMask [][]bool) (*tensor.Tensor, error) {
	inputs, err := floatInputs(map[string]*tensor.Tensor{"encoding": phonemes, "prompt": prompts})
	if err != nil {
		return nil, err
	}

	if inputs["token_mask"], err = tokenMaskInput(tokenMask, phonemes); err != nil {
		return nil, err
	}

	res, err := p.e.run(ctx, p.graph, inputs, "prediction")
	if err != nil {
		return nil, err
	}

	return output(res, p.graph, "prediction")
}

type diffusion struct{ e *Engine }

func (d diffusion) Forward(ctx context.Context, latents, cond *tensor.Tensor, lengths []int, prompts *tensor.Tensor) (model.DiffusionResult, error) {
	inputs, err := floatInputs(map[string]*tensor.Tensor{"latents": latents, "cond": cond, "prompt": prompts})
	if err != nil {
		return model.DiffusionResult{}, err
	}

	if inputs["lengths"], err = lengthsTensor(lengths); err != nil {
		return model.DiffusionResult{}, err
	}

	names := []string{"targets", "predictions", "denoised", "loss_weight"}

	res, err := d.e.run(ctx, GraphDiffusion, inputs, names...)
	if err != nil {
		return model.DiffusionResult{}, err
	}

	outs := make([]*tensor.Tensor, len(names))
	for i, name := range names {
		if outs[i], err = output(res, GraphDiffusion, name); err != nil {
			return model.DiffusionResult{}, err
		}
	}

	return model.DiffusionResult{
		Targets:     outs[0],
		Predictions: outs[1],
		Denoised:    outs[2],
		LossWeight:  outs[3],
	}, nil
}

func (d diffusion) Sample(ctx context.Context, cond *tensor.Tensor, lengths []int, prompts *tensor.Tensor, steps int) (*tensor.Tensor, error) {
	inputs, err := floatInputs(map[string]*tensor.Tensor{"cond": cond, "prompt": prompts})
	if err != nil {
		return nil, err
	}

	if inputs["lengths"], err = lengthsTensor(lengths); err != nil {
		return nil, err
	}

	if inputs["steps"], err = NewTensor([]int64{int64(steps)}, []int64{1}); err != nil {
		return nil, err
	}

	res, err := d.e.run(ctx, GraphDiffusionSampler, inputs, "latents")
	if err != nil {
		return nil, err
	}

	return output(res, GraphDiffusionSampler, "latents")
}

type codec struct{ e *Engine }

func (c codec) Encode(ctx context.Context, wave *tensor.Tensor) (*tensor.Tensor, error) {
	inputs, err := floatInputs(map[string]*tensor.Tensor{"wave": wave})
	if err != nil {
		return nil, err
	}

	res, err := c.e.run(ctx, GraphCodecEncoder, inputs, "latents")
	if err != nil {
		return nil, err
	}

	return output(res, GraphCodecEncoder, "latents")
}

func (c codec) Decode(ctx context.Context, latents *tensor.Tensor) (*tensor.Tensor, error) {
	inputs, err := floatInputs(map[string]*tensor.Tensor{"latents": latents})
	if err != nil {
		return nil, err
	}

	res, err := c.e.run(ctx, GraphCodecDecoder, inputs, "wave")
	if err != nil {
		return nil, err
	}

	return output(res, GraphCodecDecoder, "wave")
}
