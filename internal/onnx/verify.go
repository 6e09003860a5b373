package onnx

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Verify smoke-runs every session with zero inputs built from the manifest
// and checks that the declared outputs come back. It prints one PASS or FAIL
// line per graph to w and fails if any graph failed.
func (e *Engine) Verify(ctx context.Context, sessions []Session, w io.Writer) error {
	if w == nil {
		w = io.Discard
	}

	var failures []string

	for _, s := range sessions {
		if err := e.smoke(ctx, s); err != nil {
			_, _ = fmt.Fprintf(w, "FAIL %s: %v\n", s.Name, err)
			e.logger.Warn("graph verification failed", "graph", s.Name, "error", err)
			failures = append(failures, s.Name)

			continue
		}

		_, _ = fmt.Fprintf(w, "PASS %s\n", s.Name)
	}

	if len(failures) > 0 {
		return fmt.Errorf("verify failed for %d graph(s): %s", len(failures), strings.Join(failures, ", "))
	}

	return nil
}

func (e *Engine) smoke(ctx context.Context, s Session) error {
	inputs := make(map[string]*Tensor, len(s.Inputs))

	for _, in := range s.Inputs {
		t, err := NewZeroTensor(in.DType, in.Shape)
		if err != nil {
			return fmt.Errorf("build input %q tensor: %w", in.Name, err)
		}

		inputs[in.Name] = t
	}

	names := make([]string, len(s.Outputs))
	for i, out := range s.Outputs {
		names[i] = out.Name
	}

	_, err := e.run(ctx, s.Name, inputs, names...)

	return err
}
