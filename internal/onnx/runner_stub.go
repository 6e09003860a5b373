//go:build (js && wasm) || windows

package onnx

import (
	"context"
	"fmt"
)

// RunnerConfig holds ORT library settings for creating runners.
type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
}

// Runner is unavailable on this platform. Use NewEngineWithRunners with a
// custom GraphRunner instead.
type Runner struct {
	name string
}

// NewRunner always returns ErrRuntimeUnavailable on this platform.
func NewRunner(meta Session, _ RunnerConfig) (*Runner, error) {
	return nil, fmt.Errorf("graph %q: %w", meta.Name, ErrRuntimeUnavailable)
}

func (r *Runner) Run(_ context.Context, _ map[string]*Tensor) (map[string]*Tensor, error) {
	return nil, fmt.Errorf("graph %q: %w", r.name, ErrRuntimeUnavailable)
}

func (r *Runner) Close() {}

func (r *Runner) Name() string {
	return r.name
}
