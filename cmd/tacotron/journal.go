package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-tacotron/internal/journal"
)

func newJournalCmd() *cobra.Command {
	var (
		limit  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent synthesis calls from the journal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if format != "table" && format != "json" {
				return errors.New("--format must be 'table' or 'json'")
			}

			store, err := journal.Open(cmd.Context(), cfg.Journal, slog.Default())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if !store.Enabled() {
				return errors.New("journal is disabled (set --journal-path)")
			}

			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}

			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")

				return enc.Encode(entries)
			}

			return writeJournalTable(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of entries to show")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")

	return cmd
}

func writeJournalTable(w io.Writer, entries []journal.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	_, _ = fmt.Fprintln(tw, "TIME\tREQUEST\tOUTCOME\tTOKENS\tSTEPS\tFRAMES\tMS\tERROR")

	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%.1f\t%s\n",
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.RequestID,
			e.Outcome,
			e.Tokens,
			e.Iterations,
			e.Frames,
			float64(e.Duration.Microseconds())/1000,
			e.Error,
		)
	}

	return tw.Flush()
}
