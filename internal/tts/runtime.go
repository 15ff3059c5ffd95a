package tts

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/example/go-tacotron/internal/cache"
	"github.com/example/go-tacotron/internal/config"
	"github.com/example/go-tacotron/internal/journal"
	"github.com/example/go-tacotron/internal/model"
	"github.com/example/go-tacotron/internal/onnx"
	"github.com/example/go-tacotron/internal/tacotron"
	"github.com/example/go-tacotron/internal/telemetry"
)

// Load opens the bundle named by cfg, creates one ORT runner per graph and
// returns a ready Service. inst may be nil.
func Load(cfg config.Config, inst *telemetry.Instruments, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	bundle, err := model.LoadBundle(cfg.Paths.BundleConfig)
	if err != nil {
		return nil, err
	}

	sessions, err := bundle.Sessions(cfg.Runtime.UseQuantized)
	if err != nil {
		return nil, err
	}

	sm, err := onnx.NewSessionManager(sessions...)
	if err != nil {
		return nil, err
	}

	rcfg, info, err := onnx.RunnerConfigFor(cfg.Runtime)
	if err != nil {
		return nil, err
	}

	logger.Info("loading model",
		slog.String("bundle", cfg.Paths.BundleConfig),
		slog.String("ort_library", info.LibraryPath),
		slog.String("ort_version", info.Version),
		slog.Bool("quantized", cfg.Runtime.UseQuantized),
	)

	graphs, err := onnx.OpenGraphs(sm.Sessions(), rcfg)
	if err != nil {
		return nil, err
	}

	svc, err := assemble(bundle, graphs, cfg, inst, logger)
	if err != nil {
		graphs.Close()
		return nil, err
	}

	return svc, nil
}

func assemble(bundle *model.Bundle, graphs onnx.Graphs, cfg config.Config, inst *telemetry.Instruments, logger *slog.Logger) (*Service, error) {
	runners := tacotron.Runners{
		Encoder:     graphs[tacotron.GraphEncoder],
		Predecoder:  graphs[tacotron.GraphPredecoder],
		Decoder:     graphs[tacotron.GraphDecoder],
		Postdecoder: graphs[tacotron.GraphPostdecoder],
	}

	hp := bundle.HParams(model.DecodeOverrides{
		Threshold:   cfg.Decode.Threshold,
		MaxLenRatio: cfg.Decode.MaxLenRatio,
		MinLenRatio: cfg.Decode.MinLenRatio,
	})

	m, err := tacotron.NewModel(runners, tacotron.ModelConfig{
		HParams:        hp,
		Capabilities:   bundle.Capabilities(),
		DecoderOutputs: bundle.DecoderOutputs(),
	})
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}

	tokens, err := bundle.TokenConverter()
	if err != nil {
		return nil, fmt.Errorf("token list: %w", err)
	}

	if tokens == nil {
		logger.Warn("bundle has no token_list; requests must carry token_ids")
	}

	store, err := cache.Open(cfg.Cache)
	if err != nil {
		return nil, err
	}

	jrnl, err := journal.Open(context.Background(), cfg.Journal, logger)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}

		return nil, err
	}

	var recorder Recorder
	if jrnl.Enabled() {
		recorder = jrnl
	}

	fingerprint := cfg.Paths.BundleConfig
	if abs, err := filepath.Abs(fingerprint); err == nil {
		fingerprint = abs
	}

	if cfg.Runtime.UseQuantized {
		fingerprint += "#quantized"
	}

	return NewService(m, tokens, Options{
		Cache:       store,
		Instruments: inst,
		Fingerprint: fingerprint,
		Journal:     recorder,
		Logger:      logger,
		Closer:      graphs.Close,
	}), nil
}
