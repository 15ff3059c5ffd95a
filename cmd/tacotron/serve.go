package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-tacotron/internal/bus"
	"github.com/example/go-tacotron/internal/config"
	"github.com/example/go-tacotron/internal/server"
	"github.com/example/go-tacotron/internal/telemetry"
	"github.com/example/go-tacotron/internal/tts"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the synthesis HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, slog.Default())
		},
	}

	return cmd
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) (err error) {
	providers, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err = errors.Join(err, providers.Shutdown(shutdownCtx))
	}()

	inst, err := telemetry.NewInstruments(providers.Meter)
	if err != nil {
		return err
	}

	svc, err := tts.Load(cfg, inst, logger)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetricsHandler(providers.Handler),
	}

	if cfg.Bus.Enabled {
		embedded, err := bus.StartEmbedded(cfg.Bus, logger)
		if err != nil {
			return err
		}
		defer embedded.Shutdown()

		if embedded != nil {
			cfg.Bus.Servers = []string{embedded.ClientURL()}
		}

		client, err := bus.Connect(cfg.Bus, logger)
		if err != nil {
			return err
		}
		defer client.Close()

		timeout := time.Duration(cfg.Server.RequestTimeout) * time.Second
		responder := bus.NewResponder(ctx, client, cfg.Bus, svc, timeout, logger)
		if err := responder.Start(); err != nil {
			return err
		}
		defer responder.Close()

		opts = append(opts,
			server.WithHealthCheck("nats", client.Healthy),
			server.WithHealthCheck("responder", responder.Healthy),
		)
	}

	return server.New(cfg, svc, opts...).Start(ctx)
}
