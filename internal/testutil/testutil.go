// Package testutil provides skip helpers and WAV assertions shared by tests.
//
// Skip helpers call t.Skip with a readable reason when a prerequisite is
// absent, so integration tests stay runnable in partial environments.
package testutil

import (
	"os"
	"testing"
)

// ORT library locations probed when no environment variable is set.
var ortCandidates = []string{
	"/usr/lib/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.so",
	"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	"/opt/homebrew/lib/libonnxruntime.dylib",
}

// RequireONNXRuntime returns the ONNX Runtime library path, checking
// NS2_ORT_LIB, then ORT_LIBRARY_PATH, then common system locations. It skips
// the test when none exists.
func RequireONNXRuntime(tb testing.TB) string {
	tb.Helper()

	for _, env := range []string{"NS2_ORT_LIB", "ORT_LIBRARY_PATH"} {
		if p := os.Getenv(env); p != "" {
			if _, err := os.Stat(p); err != nil {
				tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)
			}

			return p
		}
	}

	for _, p := range ortCandidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	tb.Skip("ONNX Runtime shared library not found; set NS2_ORT_LIB or ORT_LIBRARY_PATH")

	return ""
}

// RequireFile skips the test when path does not exist.
func RequireFile(tb testing.TB, path string) {
	tb.Helper()

	if _, err := os.Stat(path); err != nil {
		tb.Skipf("fixture %q not available: %v", path, err)
	}
}
