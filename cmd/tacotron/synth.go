package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-tacotron/internal/tts"
)

func newSynthCmd() *cobra.Command {
	var (
		text             string
		tokenIDs         []int64
		speakerID        int64
		languageID       int64
		out              string
		format           string
		includeAttention bool
	)

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize acoustic features for text or token ids",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			f, err := tts.ParseFormat(format)
			if err != nil {
				return err
			}

			req := tts.Request{
				TokenIDs:         tokenIDs,
				IncludeAttention: includeAttention,
			}
			if len(tokenIDs) == 0 {
				req.Text, err = readSynthText(text, cmd.InOrStdin())
				if err != nil {
					return err
				}
			}

			if cmd.Flags().Changed("speaker-id") {
				req.SpeakerID = &speakerID
			}

			if cmd.Flags().Changed("language-id") {
				req.LanguageID = &languageID
			}

			svc, err := tts.Load(cfg, nil, slog.Default())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			res, err := svc.Synthesize(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("synthesize: %w", err)
			}

			data, err := tts.Encode(res, f)
			if err != nil {
				return err
			}

			slog.Info("synthesis complete",
				slog.Int("frames", res.Frames),
				slog.Int("odim", res.ODim),
				slog.Int("iterations", res.Iterations),
			)

			return writeSynthOutput(out, data, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to synthesize (reads stdin when empty)")
	cmd.Flags().Int64SliceVar(&tokenIDs, "token-ids", nil, "Token ids to synthesize instead of text")
	cmd.Flags().Int64Var(&speakerID, "speaker-id", 0, "Speaker id for multi-speaker models")
	cmd.Flags().Int64Var(&languageID, "language-id", 0, "Language id for multilingual models")
	cmd.Flags().StringVar(&out, "out", "-", "Output path, or - for stdout")
	cmd.Flags().StringVar(&format, "format", string(tts.FormatMsgpack), "Output encoding: msgpack|json")
	cmd.Flags().BoolVar(&includeAttention, "attention", false, "Include the attention matrix in the output")

	return cmd
}

func writeSynthOutput(outPath string, data []byte, stdout io.Writer) error {
	if outPath == "-" {
		if stdout == nil {
			return errors.New("stdout writer is nil")
		}

		_, err := stdout.Write(data)

		return err
	}

	return os.WriteFile(outPath, data, 0o644)
}

func readSynthText(text string, stdin io.Reader) (string, error) {
	if strings.TrimSpace(text) != "" {
		return text, nil
	}

	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}

	input := strings.TrimSpace(string(b))
	if input == "" {
		return "", errors.New("either provide --text, --token-ids or pipe text on stdin")
	}

	return input, nil
}
