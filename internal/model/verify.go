package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/example/go-tacotron/internal/onnx"
)

type VerifyOptions struct {
	BundlePath    string
	UseQuantized  bool
	ORTLibrary    string
	ORTAPIVersion uint32
	Stdout        io.Writer
	Stderr        io.Writer
}

// openRunner is replaced in tests.
var openRunner = func(s onnx.Session, cfg onnx.RunnerConfig) (onnx.GraphRunner, error) {
	return onnx.NewRunner(s, cfg)
}

// Verify loads every graph of the bundle and runs it once on zero tensors
// built from the declared inputs. Graphs without declared inputs are only
// loaded.
func Verify(ctx context.Context, opts VerifyOptions) error {
	if opts.BundlePath == "" {
		return errors.New("bundle path is required")
	}

	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}

	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}

	b, err := LoadBundle(opts.BundlePath)
	if err != nil {
		return err
	}

	sessions, err := b.Sessions(opts.UseQuantized)
	if err != nil {
		return err
	}

	sm, err := onnx.NewSessionManager(sessions...)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	for _, session := range sm.Sessions() {
		for _, input := range session.Inputs {
			if _, err := onnx.NewZeroTensor(input.DType, input.Shape); err != nil {
				return fmt.Errorf("session %q input %q invalid: %w", session.Name, input.Name, err)
			}
		}
	}

	cfg := onnx.RunnerConfig{LibraryPath: opts.ORTLibrary, APIVersion: opts.ORTAPIVersion}

	var failures []string

	for _, session := range sm.Sessions() {
		if err := smokeRun(ctx, session, cfg); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "FAIL %s: %v\n", session.Name, err)
			failures = append(failures, session.Name)

			continue
		}

		_, _ = fmt.Fprintf(opts.Stdout, "PASS %s\n", session.Name)
	}

	if len(failures) > 0 {
		return fmt.Errorf("verify failed for %d session(s): %s", len(failures), strings.Join(failures, ", "))
	}

	return nil
}

func smokeRun(ctx context.Context, session onnx.Session, cfg onnx.RunnerConfig) error {
	r, err := openRunner(session, cfg)
	if err != nil {
		return fmt.Errorf("load session model: %w", err)
	}
	defer r.Close()

	if len(session.Inputs) == 0 {
		return nil
	}

	inputs := make(map[string]*onnx.Tensor, len(session.Inputs))
	for _, input := range session.Inputs {
		t, err := onnx.NewZeroTensor(input.DType, input.Shape)
		if err != nil {
			return fmt.Errorf("build input %q tensor: %w", input.Name, err)
		}

		inputs[input.Name] = t
	}

	outputs, err := r.Run(ctx, inputs)
	if err != nil {
		return fmt.Errorf("run inference: %w", err)
	}

	for _, out := range session.Outputs {
		if _, ok := outputs[out.Name]; !ok {
			return fmt.Errorf("declared output %q missing", out.Name)
		}
	}

	return nil
}
