// Package onnx runs the external networks of the pipeline as ONNX graphs
// through onnxruntime-purego and adapts them to the model collaborator
// interfaces.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"
)

// Graph names in the manifest.
const (
	GraphPhonemeEncoder   = "phoneme_encoder"
	GraphPromptEncoder    = "prompt_encoder"
	GraphAligner          = "aligner"
	GraphDurationPredict  = "duration_predictor"
	GraphPitchPredict     = "pitch_predictor"
	GraphDiffusion        = "diffusion"
	GraphDiffusionSampler = "diffusion_sampler"
	GraphCodecEncoder     = "codec_encoder"
	GraphCodecDecoder     = "codec_decoder"
)

// InferenceGraphs are the graphs synthesis cannot run without.
var InferenceGraphs = []string{
	GraphPhonemeEncoder,
	GraphPromptEncoder,
	GraphDurationPredict,
	GraphPitchPredict,
	GraphDiffusionSampler,
	GraphCodecDecoder,
}

// ErrGraphMissing is returned when an operation needs a graph the manifest
// does not list.
var ErrGraphMissing = errors.New("graph not found in manifest")

// GraphRunner is the minimal runner contract required by Engine methods.
// Tests and alternate runtimes supply their own implementations.
type GraphRunner interface {
	Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error)
	Name() string
	Close()
}

// Engine owns one runner per graph.
type Engine struct {
	runners map[string]GraphRunner
	logger  *slog.Logger
}

// NewEngine opens a native runner for every graph in the manifest.
func NewEngine(sm *SessionManager, cfg RunnerConfig) (*Engine, error) {
	e := &Engine{runners: make(map[string]GraphRunner), logger: slog.Default()}

	for _, s := range sm.Sessions() {
		r, err := NewRunner(s, cfg)
		if err != nil {
			e.Close()
			return nil, err
		}

		e.runners[s.Name] = r
	}

	return e, nil
}

// NewEngineWithRunners builds an Engine from externally provided graph runners.
func NewEngineWithRunners(runners map[string]GraphRunner) *Engine {
	internal := make(map[string]GraphRunner, len(runners))
	maps.Copy(internal, runners)

	return &Engine{runners: internal, logger: slog.Default()}
}

// WithLogger replaces the logger used for graph timing and verify failures.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// Has reports whether every named graph is loaded.
func (e *Engine) Has(names ...string) bool {
	for _, n := range names {
		if _, ok := e.runners[n]; !ok {
			return false
		}
	}

	return true
}

// Graphs returns the loaded graph names in sorted order.
func (e *Engine) Graphs() []string {
	return slices.Sorted(maps.Keys(e.runners))
}

// Close releases every runner.
func (e *Engine) Close() {
	for _, r := range e.runners {
		r.Close()
	}
}

// run executes graph and checks that every named output is present.
func (e *Engine) run(ctx context.Context, graph string, inputs map[string]*Tensor, outputs ...string) (map[string]*Tensor, error) {
	r, ok := e.runners[graph]
	if !ok {
		return nil, fmt.Errorf("onnx: %w: %s", ErrGraphMissing, graph)
	}

	start := time.Now()

	res, err := r.Run(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("onnx: %s: %w", graph, err)
	}

	e.logger.Debug("graph run", "graph", graph, "elapsed_ms", time.Since(start).Milliseconds())

	for _, name := range outputs {
		if _, ok := res[name]; !ok {
			return nil, fmt.Errorf("onnx: %s: missing %q in output", graph, name)
		}
	}

	return res, nil
}
