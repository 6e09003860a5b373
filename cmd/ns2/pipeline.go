package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/go-ns2/internal/config"
	"github.com/example/go-ns2/internal/features"
	"github.com/example/go-ns2/internal/memo"
	"github.com/example/go-ns2/internal/model"
	"github.com/example/go-ns2/internal/native"
	"github.com/example/go-ns2/internal/onnx"
	"github.com/example/go-ns2/internal/prosody"
)

func modelConfig(cfg config.Config) model.Config {
	return model.Config{
		Hidden:         cfg.Model.Hidden,
		NumSpeakers:    cfg.Model.NumSpeakers,
		SegmentBase:    cfg.Model.SegmentBase,
		SegmentWindow:  cfg.Model.SegmentWindow,
		DiffusionSteps: cfg.Model.DiffusionSteps,
		FrameTolerance: cfg.Model.FrameTolerance,
		PitchSmoothing: cfg.Model.PitchSmoothing,
		AlignWorkers:   cfg.Runtime.Workers,
		Pitch: prosody.PitchQuantizer{
			Bins: cfg.Model.PitchBins,
			FMin: cfg.Model.PitchFMin,
			FMax: cfg.Model.PitchFMax,
		},
	}
}

func featuresConfig(cfg config.Config) features.Config {
	return features.Config{
		SampleRate: cfg.Audio.SampleRate,
		NFFT:       cfg.Audio.NFFT,
		Hop:        cfg.Audio.Hop,
		Win:        cfg.Audio.Win,
		NumMels:    cfg.Audio.NumMels,
		FMin:       cfg.Audio.FMin,
		FMax:       cfg.Audio.FMax,
	}
}

func tablesConfig(cfg config.Config) native.TablesConfig {
	return native.TablesConfig{
		PitchBins:   cfg.Model.PitchBins,
		Hidden:      cfg.Model.Hidden,
		NumSpeakers: cfg.Model.NumSpeakers,
		SpeakerDim:  cfg.Model.SpeakerDim,
	}
}

// newExtractor builds a mel extractor whose tables live in an LRU cache
// sized by audio.table_cache_size; zero keeps every table.
func newExtractor(cfg config.Config) (*features.Extractor, error) {
	var policy memo.Policy[features.TableKey, []float64]

	if cfg.Audio.TableCacheSize > 0 {
		p, err := memo.LRU[features.TableKey, []float64](cfg.Audio.TableCacheSize)
		if err != nil {
			return nil, err
		}

		policy = p
	}

	return features.NewExtractor(featuresConfig(cfg), features.NewTableCache(policy))
}

// openEngine bootstraps ONNX Runtime and opens every graph in the manifest.
func openEngine(cfg config.Config) (*onnx.Engine, *onnx.SessionManager, error) {
	info, err := onnx.Bootstrap(cfg.Runtime)
	if err != nil {
		return nil, nil, fmt.Errorf("onnx runtime: %w", err)
	}

	slog.Debug("onnx runtime ready", "library", info.LibraryPath, "version", info.Version)

	sm, err := onnx.NewSessionManager(cfg.Paths.ONNXManifest)
	if err != nil {
		return nil, nil, err
	}

	engine, err := onnx.NewEngine(sm, onnx.RunnerConfig{
		LibraryPath: info.LibraryPath,
		APIVersion:  cfg.Runtime.ORTAPIVersion,
	})
	if err != nil {
		return nil, nil, err
	}

	engine.WithLogger(slog.Default().With("component", "onnx"))

	return engine, sm, nil
}

// newSynthesizer loads the embedding tables and the ONNX collaborators.
func newSynthesizer(cfg config.Config) (*model.Synthesizer, func(), error) {
	tables, err := native.LoadTablesFile(cfg.Paths.Checkpoint, tablesConfig(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("load checkpoint tables: %w", err)
	}

	engine, sm, err := openEngine(cfg)
	if err != nil {
		return nil, nil, err
	}

	if err := sm.Require(onnx.InferenceGraphs...); err != nil {
		engine.Close()
		return nil, nil, fmt.Errorf("%s: %w", cfg.Paths.ONNXManifest, err)
	}

	synth, err := model.NewSynthesizer(modelConfig(cfg), engine.Collaborators(), tables)
	if err != nil {
		engine.Close()

		if errors.Is(err, model.ErrMissingCollaborator) {
			return nil, nil, fmt.Errorf("%w (graphs in manifest: %v)", err, engine.Graphs())
		}

		return nil, nil, err
	}

	return synth, engine.Close, nil
}
