package onnx

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-ns2/internal/config"
)

func writeFakeLib(t *testing.T, name string) string {
	t.Helper()

	lib := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(lib, []byte("fake"), 0o644); err != nil {
		t.Fatalf("write fake lib: %v", err)
	}

	return lib
}

func TestDetectRuntimePrefersNS2ORTLib(t *testing.T) {
	lib := writeFakeLib(t, "libonnxruntime.so.1.20.1")

	t.Setenv(ORTLibEnv, lib)
	t.Setenv("ORT_LIBRARY_PATH", filepath.Join(t.TempDir(), "does-not-exist"))
	t.Setenv("ORT_VERSION", "")

	info, err := DetectRuntime(config.RuntimeConfig{})
	if err != nil {
		t.Fatalf("DetectRuntime failed: %v", err)
	}

	if info.LibraryPath != lib {
		t.Fatalf("expected %q, got %q", lib, info.LibraryPath)
	}

	if info.Version != "1.20.1" {
		t.Fatalf("expected version inferred from file name, got %q", info.Version)
	}
}

func TestDetectRuntimeConfigWins(t *testing.T) {
	lib := writeFakeLib(t, "custom.so")
	t.Setenv(ORTLibEnv, filepath.Join(t.TempDir(), "other.so"))

	info, err := DetectRuntime(config.RuntimeConfig{ORTLibraryPath: lib, ORTVersion: "1.19.0"})
	if err != nil {
		t.Fatalf("DetectRuntime failed: %v", err)
	}

	if info.LibraryPath != lib || info.Version != "1.19.0" {
		t.Fatalf("got %+v", info)
	}
}

func TestDetectRuntimeMissingPath(t *testing.T) {
	_, err := DetectRuntime(config.RuntimeConfig{ORTLibraryPath: filepath.Join(t.TempDir(), "nope.so")})
	if err == nil {
		t.Fatal("expected error for missing library")
	}

	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestBootstrapRunsOnce(t *testing.T) {
	Shutdown()
	t.Cleanup(Shutdown)

	lib1 := writeFakeLib(t, "lib1.so")
	lib2 := writeFakeLib(t, "lib2.so")

	t.Setenv(ORTLibEnv, "")

	info1, err := Bootstrap(config.RuntimeConfig{ORTLibraryPath: lib1})
	if err != nil {
		t.Fatalf("first bootstrap failed: %v", err)
	}

	info2, err := Bootstrap(config.RuntimeConfig{ORTLibraryPath: lib2})
	if err != nil {
		t.Fatalf("second bootstrap failed: %v", err)
	}

	if info1.LibraryPath != lib1 {
		t.Fatalf("expected first lib path %q, got %q", lib1, info1.LibraryPath)
	}

	if info2.LibraryPath != lib1 {
		t.Fatalf("expected once semantics to keep %q, got %q", lib1, info2.LibraryPath)
	}

	if got := os.Getenv(ORTLibEnv); got != lib1 {
		t.Fatalf("%s = %q, want %q", ORTLibEnv, got, lib1)
	}
}
