//go:build windows

package onnx

import (
	"context"
	"fmt"
)

const DefaultAPIVersion = 23

// RunnerConfig holds ORT library settings for creating runners.
// The purego binding has no windows loader, so runners cannot be created.
type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
}

type Runner struct {
	name string
}

// NewRunner always returns an error in windows builds.
func NewRunner(meta Session, _ RunnerConfig) (*Runner, error) {
	return nil, fmt.Errorf("native onnx runner is unavailable on windows for graph %q", meta.Name)
}

func (r *Runner) Run(_ context.Context, _ map[string]*Tensor) (map[string]*Tensor, error) {
	return nil, fmt.Errorf("native onnx runner is unavailable on windows for graph %q", r.name)
}

func (r *Runner) Close() {}

func (r *Runner) Name() string {
	return r.name
}
