package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/example/go-tacotron/internal/config"
	"github.com/example/go-tacotron/internal/model"
	"github.com/example/go-tacotron/internal/onnx"
)

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Model acquisition, inspection and verification commands",
	}

	cmd.AddCommand(newModelDownloadCmd())
	cmd.AddCommand(newModelVerifyCmd())
	cmd.AddCommand(newModelInspectCmd())

	return cmd
}

func newModelVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Load every bundle graph and run it once on zero inputs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			info, err := onnx.DetectRuntime(cfg.Runtime)
			if err != nil {
				return err
			}

			err = model.Verify(cmd.Context(), model.VerifyOptions{
				BundlePath:    cfg.Paths.BundleConfig,
				UseQuantized:  cfg.Runtime.UseQuantized,
				ORTLibrary:    info.LibraryPath,
				ORTAPIVersion: cfg.Runtime.ORTAPIVersion,
				Stdout:        cmd.OutOrStdout(),
				Stderr:        cmd.ErrOrStderr(),
			})
			if err != nil {
				return fmt.Errorf("model verify failed: %w", err)
			}

			return nil
		},
	}

	return cmd
}

// bundleSummary is the inspect view of a bundle.
type bundleSummary struct {
	Config       string         `yaml:"config"`
	TokenType    string         `yaml:"token_type"`
	Tokens       int            `yaml:"tokens"`
	DLayers      int            `yaml:"dlayers"`
	DUnits       int            `yaml:"dunits"`
	ODim         int            `yaml:"odim"`
	Reduction    int            `yaml:"reduction_factor"`
	Threshold    float64        `yaml:"threshold"`
	MaxLenRatio  float64        `yaml:"maxlenratio"`
	MinLenRatio  float64        `yaml:"minlenratio"`
	Capabilities []string       `yaml:"capabilities,omitempty"`
	Graphs       []graphSummary `yaml:"graphs"`
}

type graphSummary struct {
	Name    string          `yaml:"name"`
	Path    string          `yaml:"path"`
	Inputs  []onnx.NodeInfo `yaml:"inputs,omitempty"`
	Outputs []onnx.NodeInfo `yaml:"outputs,omitempty"`
}

func newModelInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the bundle's decoder settings and graph I/O",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			return inspectBundle(cfg, cmd.OutOrStdout())
		},
	}

	return cmd
}

func inspectBundle(cfg config.Config, w io.Writer) error {
	bundle, err := model.LoadBundle(cfg.Paths.BundleConfig)
	if err != nil {
		return err
	}

	sessions, err := bundle.Sessions(cfg.Runtime.UseQuantized)
	if err != nil {
		return err
	}

	hp := bundle.HParams(model.DecodeOverrides{
		Threshold:   cfg.Decode.Threshold,
		MaxLenRatio: cfg.Decode.MaxLenRatio,
		MinLenRatio: cfg.Decode.MinLenRatio,
	})

	summary := bundleSummary{
		Config:      cfg.Paths.BundleConfig,
		TokenType:   bundle.TokenType,
		Tokens:      len(bundle.TokenList),
		DLayers:     hp.DLayers,
		DUnits:      hp.DUnits,
		ODim:        hp.ODim,
		Reduction:   hp.ReductionFactor,
		Threshold:   hp.Threshold,
		MaxLenRatio: hp.MaxLenRatio,
		MinLenRatio: hp.MinLenRatio,
	}

	caps := bundle.Capabilities()
	for _, c := range []struct {
		on   bool
		name string
	}{
		{caps.UseFeats, "feats"},
		{caps.UseSIDs, "sids"},
		{caps.UseSpembs, "spembs"},
		{caps.UseLIDs, "lids"},
	} {
		if c.on {
			summary.Capabilities = append(summary.Capabilities, c.name)
		}
	}

	for _, s := range sessions {
		summary.Graphs = append(summary.Graphs, graphSummary{
			Name:    s.Name,
			Path:    s.Path,
			Inputs:  s.Inputs,
			Outputs: s.Outputs,
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	return enc.Close()
}

func newModelDownloadCmd() *cobra.Command {
	var (
		bundleID  string
		variant   string
		bundleURL string
		sha       string
		lockFile  string
		outDir    string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download and extract an exported model bundle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := model.DownloadBundle(cmd.Context(), model.DownloadOptions{
				BundleID:   bundleID,
				Variant:    variant,
				BundleURL:  bundleURL,
				SHA256:     sha,
				LockFile:   lockFile,
				OutDir:     outDir,
				HTTPClient: &http.Client{Timeout: timeout},
				Stdout:     cmd.OutOrStdout(),
			})
			if err != nil {
				return fmt.Errorf("model download failed: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&bundleID, "bundle", "", "Bundle id from the lock file")
	cmd.Flags().StringVar(&variant, "variant", "", "Bundle variant from the lock file")
	cmd.Flags().StringVar(&bundleURL, "bundle-url", "", "Archive URL or local path (bypasses the lock file)")
	cmd.Flags().StringVar(&sha, "sha256", "", "Expected archive digest when --bundle-url is used")
	cmd.Flags().StringVar(&lockFile, "lock-file", "models/bundles.lock.yaml", "Bundle lock file")
	cmd.Flags().StringVar(&outDir, "out-dir", "models/tacotron2", "Directory the bundle is extracted into")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "HTTP download timeout")

	return cmd
}
