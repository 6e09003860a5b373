package onnx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/example/go-ns2/internal/config"
)

// DefaultAPIVersion is the ONNX Runtime C API version requested when none is
// configured.
const DefaultAPIVersion = 23

// ORTLibEnv names the environment variable holding the ORT library path.
const ORTLibEnv = "NS2_ORT_LIB"

// ErrRuntimeUnavailable is returned when no native ONNX Runtime can be used.
var ErrRuntimeUnavailable = errors.New("onnx runtime unavailable")

type RuntimeInfo struct {
	LibraryPath string
	Version     string
	Initialized bool
}

var versionPattern = regexp.MustCompile(`([0-9]+\.[0-9]+\.[0-9]+)`)

var (
	bootstrapMu   sync.Mutex
	bootstrapInfo RuntimeInfo
)

// Bootstrap detects the runtime once per process and exports its path through
// NS2_ORT_LIB. Later calls return the first result; a failed detection is
// retried.
func Bootstrap(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	bootstrapMu.Lock()
	defer bootstrapMu.Unlock()

	if bootstrapInfo.Initialized {
		return bootstrapInfo, nil
	}

	info, err := DetectRuntime(cfg)
	if err != nil {
		return RuntimeInfo{}, err
	}

	if err := os.Setenv(ORTLibEnv, info.LibraryPath); err != nil {
		return RuntimeInfo{}, fmt.Errorf("set %s: %w", ORTLibEnv, err)
	}

	info.Initialized = true
	bootstrapInfo = info

	return info, nil
}

// Shutdown forgets the bootstrapped runtime so the next Bootstrap detects
// again. Runners own their ORT handles and close them themselves.
func Shutdown() {
	bootstrapMu.Lock()
	defer bootstrapMu.Unlock()

	bootstrapInfo = RuntimeInfo{}
}

// DetectRuntime resolves the library from the config, NS2_ORT_LIB,
// ORT_LIBRARY_PATH and well-known install locations, in that order.
func DetectRuntime(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	path := cfg.ORTLibraryPath
	if path == "" {
		path = os.Getenv(ORTLibEnv)
	}

	if path == "" {
		path = os.Getenv("ORT_LIBRARY_PATH")
	}

	if path == "" {
		candidates := []string{
			"/usr/lib/libonnxruntime.so",
			"/usr/local/lib/libonnxruntime.so",
			"/opt/homebrew/lib/libonnxruntime.dylib",
			"C:/onnxruntime/lib/onnxruntime.dll",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	if path == "" {
		return RuntimeInfo{LibraryPath: "not found", Version: "unknown"},
			fmt.Errorf("%w: unable to detect ONNX Runtime library path", ErrRuntimeUnavailable)
	}

	if _, err := os.Stat(path); err != nil {
		return RuntimeInfo{LibraryPath: path, Version: "unknown"}, fmt.Errorf("onnx runtime library path check failed: %w", err)
	}

	version := cfg.ORTVersion
	if version == "" {
		version = os.Getenv("ORT_VERSION")
	}

	if version == "" {
		version = inferVersionFromPath(path)
	}

	if version == "" {
		version = "unknown"
	}

	return RuntimeInfo{LibraryPath: path, Version: version}, nil
}

func inferVersionFromPath(path string) string {
	if m := versionPattern.FindStringSubmatch(filepath.Base(path)); len(m) == 2 {
		return m[1]
	}

	return ""
}
