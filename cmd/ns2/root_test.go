package main

import (
	"testing"

	"github.com/example/go-ns2/internal/config"
)

func TestNewRootCmd_HasExpectedSubcommands(t *testing.T) {
	root := NewRootCmd()

	want := []string{"align", "features", "synth", "serve", "health", "verify"}
	for _, name := range want {
		found := false

		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}

		if !found {
			t.Errorf("expected subcommand %q not found in root", name)
		}
	}
}

func TestNewRootCmd_HasPersistentFlags(t *testing.T) {
	root := NewRootCmd()

	for _, name := range []string{"config", "env-file", "log-level"} {
		if root.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected --%s persistent flag to be registered", name)
		}
	}
}

func TestSetupLogger_DoesNotPanic(_ *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "not-a-level"} {
		setupLogger(level)
	}
}

func TestRequireConfig(t *testing.T) {
	orig := activeCfg

	t.Cleanup(func() { activeCfg = orig })

	activeCfg = config.Config{}
	if _, err := requireConfig(); err == nil {
		t.Fatal("expected error when config is not loaded")
	}

	activeCfg = config.DefaultConfig()
	got, err := requireConfig()
	if err != nil {
		t.Fatalf("requireConfig returned unexpected error: %v", err)
	}

	if got.Audio.SampleRate != 16000 {
		t.Errorf("unexpected sample rate: %d", got.Audio.SampleRate)
	}
}

func TestConfigMapping(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Model.NumSpeakers = 3
	cfg.Model.PitchSmoothing = 5
	cfg.Runtime.Workers = 7

	mc := modelConfig(cfg)
	if mc.Hidden != cfg.Model.Hidden || mc.NumSpeakers != 3 || mc.PitchSmoothing != 5 || mc.AlignWorkers != 7 {
		t.Errorf("model config not mapped: %+v", mc)
	}

	if mc.Pitch.Bins != cfg.Model.PitchBins || mc.Pitch.FMax != cfg.Model.PitchFMax {
		t.Errorf("pitch quantizer not mapped: %+v", mc.Pitch)
	}

	fc := featuresConfig(cfg)
	if fc.Hop != cfg.Audio.Hop || fc.NumMels != cfg.Audio.NumMels {
		t.Errorf("features config not mapped: %+v", fc)
	}

	tc := tablesConfig(cfg)
	if tc.NumSpeakers != 3 || tc.PitchBins != cfg.Model.PitchBins {
		t.Errorf("tables config not mapped: %+v", tc)
	}
}
