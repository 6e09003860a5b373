package testutil_test

import (
	"path/filepath"
	"testing"

	"github.com/example/go-ns2/internal/audio"
	"github.com/example/go-ns2/internal/testutil"
)

// skipTracker records Skip calls instead of stopping the test.
type skipTracker struct {
	testing.TB
	onSkip func()
}

func (s *skipTracker) Skip(_ ...any)            { s.onSkip() }
func (s *skipTracker) Skipf(_ string, _ ...any) { s.onSkip() }

func TestRequireONNXRuntime_SkipsWhenEnvPathMissing(t *testing.T) {
	t.Setenv("NS2_ORT_LIB", "/nonexistent/libonnxruntime.so")

	skipped := false
	testutil.RequireONNXRuntime(&skipTracker{TB: t, onSkip: func() { skipped = true }})

	if !skipped {
		t.Error("expected RequireONNXRuntime to skip when library is absent")
	}
}

func TestRequireFile(t *testing.T) {
	skipped := false
	tracker := &skipTracker{TB: t, onSkip: func() { skipped = true }}

	testutil.RequireFile(tracker, filepath.Join(t.TempDir(), "missing.onnx"))
	if !skipped {
		t.Error("expected skip for missing file")
	}

	skipped = false
	testutil.RequireFile(tracker, t.TempDir())
	if skipped {
		t.Error("unexpected skip for existing path")
	}
}

func TestAssertValidWAV_AcceptsEncoderOutput(t *testing.T) {
	data, err := audio.EncodeWAV(make([]float32, 160), 16000)
	if err != nil {
		t.Fatal(err)
	}

	testutil.AssertValidWAV(t, data, 16000)
	testutil.AssertWAVSamples(t, data, 160)
}
