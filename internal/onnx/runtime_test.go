package onnx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-tacotron/internal/config"
)

func writeFakeLib(t *testing.T, name string) string {
	t.Helper()

	lib := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(lib, []byte("fake"), 0o644); err != nil {
		t.Fatalf("write fake lib: %v", err)
	}

	return lib
}

func TestDetectRuntimePrefersConfig(t *testing.T) {
	lib := writeFakeLib(t, "libonnxruntime.so.1.22.0")
	t.Setenv("TACOTRON_ORT_LIB", filepath.Join(t.TempDir(), "does-not-exist"))

	info, err := DetectRuntime(config.RuntimeConfig{ORTLibraryPath: lib})
	if err != nil {
		t.Fatalf("DetectRuntime failed: %v", err)
	}

	if info.LibraryPath != lib {
		t.Fatalf("expected %q, got %q", lib, info.LibraryPath)
	}

	if info.Version != "1.22.0" {
		t.Fatalf("expected version inferred from file name, got %q", info.Version)
	}
}

func TestDetectRuntimeEnvOrder(t *testing.T) {
	lib := writeFakeLib(t, "libonnxruntime.so")
	t.Setenv("TACOTRON_ORT_LIB", lib)
	t.Setenv("ORT_LIBRARY_PATH", filepath.Join(t.TempDir(), "does-not-exist"))
	t.Setenv("ORT_VERSION", "")

	info, err := DetectRuntime(config.RuntimeConfig{ORTVersion: "1.23.1"})
	if err != nil {
		t.Fatalf("DetectRuntime failed: %v", err)
	}

	if info.LibraryPath != lib {
		t.Fatalf("expected %q, got %q", lib, info.LibraryPath)
	}

	if info.Version != "1.23.1" {
		t.Fatalf("expected configured version, got %q", info.Version)
	}
}

func TestDetectRuntimeMissingPath(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.so")

	_, err := DetectRuntime(config.RuntimeConfig{ORTLibraryPath: missing})
	if err == nil {
		t.Fatal("expected error for missing library")
	}
}

func TestRunnerConfigFor(t *testing.T) {
	lib := writeFakeLib(t, "libonnxruntime.so")

	cfg, info, err := RunnerConfigFor(config.RuntimeConfig{ORTLibraryPath: lib, ORTAPIVersion: 22})
	if err != nil {
		t.Fatalf("RunnerConfigFor failed: %v", err)
	}

	if cfg.LibraryPath != lib || cfg.APIVersion != 22 || info.LibraryPath != lib {
		t.Fatalf("unexpected result: %+v %+v", cfg, info)
	}
}
