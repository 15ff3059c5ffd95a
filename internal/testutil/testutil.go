// Package testutil provides shared skip helpers for integration tests.
//
// Each helper calls t.Skip with a clear human-readable reason when the named
// prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    lib := testutil.RequireONNXRuntime(t)
//	    bundle := testutil.RequireBundle(t)
//	    ...
//	}
package testutil

import (
	"os"
	"testing"

	"github.com/example/go-tacotron/internal/config"
	"github.com/example/go-tacotron/internal/onnx"
)

// BundleEnv names the variable pointing at an exported model's config.yaml.
const BundleEnv = "TACOTRON_BUNDLE"

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located and returns its path. The lookup is the one the runtime itself
// uses: TACOTRON_ORT_LIB, ORT_LIBRARY_PATH, then common system paths.
func RequireONNXRuntime(tb testing.TB) string {
	tb.Helper()

	info, err := onnx.DetectRuntime(config.RuntimeConfig{})
	if err != nil {
		tb.Skipf("ONNX Runtime shared library not found (%v); set TACOTRON_ORT_LIB or ORT_LIBRARY_PATH", err)
	}

	return info.LibraryPath
}

// RequireBundle skips the test unless TACOTRON_BUNDLE names an existing
// config.yaml, and returns that path.
func RequireBundle(tb testing.TB) string {
	tb.Helper()

	path := os.Getenv(BundleEnv)
	if path == "" {
		tb.Skipf("no exported model; set %s to its config.yaml", BundleEnv)
	}

	if _, err := os.Stat(path); err != nil {
		tb.Skipf("model config not found at %s=%q", BundleEnv, path)
	}

	return path
}
