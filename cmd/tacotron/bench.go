package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-tacotron/internal/bench"
	"github.com/example/go-tacotron/internal/config"
	"github.com/example/go-tacotron/internal/tts"
)

func newBenchCmd() *cobra.Command {
	var (
		text          string
		runs          int
		format        string
		stepThreshold time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark synthesis latency and per-step decoder time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if strings.TrimSpace(text) == "" {
				return errors.New("--text is required for bench")
			}

			if runs < 1 {
				return errors.New("--runs must be at least 1")
			}

			if format != "table" && format != "json" {
				return errors.New("--format must be 'table' or 'json'")
			}

			// Benchmarks always bypass the result cache.
			cfg.Cache.Mode = config.CacheOff

			svc, err := tts.Load(cfg, nil, slog.Default())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			results, err := bench.Run(cmd.Context(), svc, tts.Request{Text: text}, runs)
			if err != nil {
				return err
			}

			stats := bench.ComputeStats(bench.Durations(results))

			switch format {
			case "json":
				bench.FormatJSON(results, stats, cmd.OutOrStdout())
			default:
				bench.FormatTable(results, stats, cmd.OutOrStdout())
			}

			if err := bench.CheckStepThreshold(bench.MeanStepTime(results), stepThreshold); err != nil {
				return fmt.Errorf("bench: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to synthesize for each run (required)")
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of synthesis runs")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().DurationVar(&stepThreshold, "step-threshold", 0, "Exit non-zero if mean decoder step time exceeds this (0 = disabled)")

	return cmd
}
