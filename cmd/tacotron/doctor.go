package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-tacotron/internal/config"
	"github.com/example/go-tacotron/internal/doctor"
	"github.com/example/go-tacotron/internal/onnx"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime and model checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			result := doctor.Run(doctorConfig(cfg), cmd.OutOrStdout())

			if result.Failed() {
				for _, f := range result.Failures() {
					// #nosec G705 -- Writes plain diagnostic text to stderr for CLI output, not HTML rendering.
					_, _ = fmt.Fprintf(os.Stderr, "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "doctor checks passed")

			return nil
		},
	}

	return cmd
}

func doctorConfig(cfg config.Config) doctor.Config {
	return doctor.Config{
		Runtime: func() (string, string, error) {
			info, err := onnx.DetectRuntime(cfg.Runtime)
			if err != nil {
				return "", "", err
			}

			version := info.Version
			if version == "unknown" {
				version = ""
			}

			return info.LibraryPath, version, nil
		},
		APIVersion:   cfg.Runtime.ORTAPIVersion,
		BundleConfig: cfg.Paths.BundleConfig,
		UseQuantized: cfg.Runtime.UseQuantized,
	}
}
