package onnx

import (
	"errors"
	"fmt"
)

// ErrGraphContract is returned when a run does not match the inputs and
// outputs a graph declares in the manifest.
var ErrGraphContract = errors.New("graph contract violated")

// feed selects the tensors handed to the graph. When the manifest declares
// inputs, each must be present with the declared dtype and rank, and
// tensors the graph does not declare are left out. A session without
// declared inputs feeds everything.
func (s Session) feed(inputs map[string]*Tensor) (map[string]*Tensor, error) {
	if len(s.Inputs) == 0 {
		return inputs, nil
	}

	out := make(map[string]*Tensor, len(s.Inputs))

	for _, in := range s.Inputs {
		t, ok := inputs[in.Name]
		if !ok || t == nil {
			return nil, fmt.Errorf("%w: %s: missing input %q", ErrGraphContract, s.Name, in.Name)
		}

		if in.DType != "" {
			want, err := canonicalDType(in.DType)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: input %q: %w", ErrGraphContract, s.Name, in.Name, err)
			}

			if t.DType() != want {
				return nil, fmt.Errorf("%w: %s: input %q is %s, want %s", ErrGraphContract, s.Name, in.Name, t.DType(), want)
			}
		}

		if len(in.Shape) > 0 && len(t.Shape()) != len(in.Shape) {
			return nil, fmt.Errorf("%w: %s: input %q has rank %d, want %d",
				ErrGraphContract, s.Name, in.Name, len(t.Shape()), len(in.Shape))
		}

		out[in.Name] = t
	}

	return out, nil
}

// checkOutputs verifies that every declared output came back.
func (s Session) checkOutputs(outputs map[string]*Tensor) error {
	for _, o := range s.Outputs {
		if _, ok := outputs[o.Name]; !ok {
			return fmt.Errorf("%w: %s: missing output %q", ErrGraphContract, s.Name, o.Name)
		}
	}

	return nil
}
