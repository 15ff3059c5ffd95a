package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/example/go-tacotron/internal/cache"
	"github.com/example/go-tacotron/internal/journal"
	"github.com/example/go-tacotron/internal/onnx"
	"github.com/example/go-tacotron/internal/tacotron"
	"github.com/example/go-tacotron/internal/telemetry"
	"github.com/example/go-tacotron/internal/text"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options are the optional collaborators of a Service.
type Options struct {
	// Cache stores encoded results. Nil disables caching.
	Cache cache.Store
	// Instruments records metrics. Nil disables them.
	Instruments *telemetry.Instruments
	// Fingerprint identifies the loaded model and decode settings in cache
	// keys.
	Fingerprint string
	Logger      *slog.Logger
	// Journal records every call. Nil disables it.
	Journal Recorder
	// Closer releases the resources behind the Synthesizer.
	Closer func()
}

type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

type requestIDKey struct{}

// WithRequestID attaches the caller's request ID to ctx so the journal can
// correlate entries with front-end logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// callStats collects per-call numbers for metrics and the journal.
type callStats struct {
	tokens     int
	iterations int
}

// Service turns requests into decoded features: tokenize, consult the
// cache, run the model and store the result.
type Service struct {
	synth  Synthesizer
	tokens *text.TokenConverter
	opts   Options
	tracer trace.Tracer
	logger *slog.Logger
}

func NewService(synth Synthesizer, tokens *text.TokenConverter, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		synth:  synth,
		tokens: tokens,
		opts:   opts,
		tracer: otel.Tracer("github.com/example/go-tacotron/internal/tts"),
		logger: logger.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) HParams() tacotron.HParams { return s.synth.HParams() }

// Synthesize runs one request. Errors wrap the tacotron sentinels so
// callers can classify them with errors.Is.
func (s *Service) Synthesize(ctx context.Context, req Request) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "tts.Synthesize")
	defer span.End()

	start := time.Now()

	var st callStats

	res, err := s.synthesize(ctx, span, req, &st)
	elapsed := time.Since(start)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = Outcome(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.Cached:
		outcome = "cached"
	}

	s.opts.Instruments.RecordSynthesis(ctx, outcome, elapsed, st.iterations)
	s.record(ctx, outcome, elapsed, st, res, err)

	return res, err
}

func (s *Service) record(ctx context.Context, outcome string, elapsed time.Duration, st callStats, res *Result, err error) {
	if s.opts.Journal == nil {
		return
	}

	e := journal.Entry{
		RequestID:  RequestID(ctx),
		Outcome:    outcome,
		Tokens:     st.tokens,
		Iterations: st.iterations,
		Duration:   elapsed,
	}

	if res != nil {
		e.Frames = res.Frames
		e.Cached = res.Cached
	}

	if err != nil {
		e.Error = err.Error()
	}

	// The call's own deadline may already have passed.
	if rerr := s.opts.Journal.Record(context.WithoutCancel(ctx), e); rerr != nil {
		s.logger.Warn("journal write failed", slog.String("error", rerr.Error()))
	}
}

func (s *Service) synthesize(ctx context.Context, span trace.Span, req Request, st *callStats) (*Result, error) {
	in, err := s.input(req)
	if err != nil {
		return nil, err
	}

	st.tokens = len(in.Text)
	span.SetAttributes(attribute.Int("tts.tokens", st.tokens))

	key, err := s.cacheKey(in, req.IncludeAttention)
	if err != nil {
		return nil, err
	}

	if hit, ok := s.lookup(ctx, key); ok {
		span.SetAttributes(attribute.Bool("tts.cache_hit", true))
		return hit, nil
	}

	out, err := s.synth.Synthesize(ctx, in)
	if err != nil {
		return nil, err
	}

	st.iterations = out.Iterations

	res, err := newResult(out, req.IncludeAttention)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("tts.iterations", res.Iterations),
		attribute.Int("tts.frames", res.Frames),
	)

	s.store(ctx, key, res)

	return res, nil
}

func (s *Service) input(req Request) (tacotron.Input, error) {
	ids := req.TokenIDs
	if len(ids) == 0 {
		if s.tokens == nil {
			return tacotron.Input{}, fmt.Errorf("%w: token_ids required, no token list loaded", tacotron.ErrInvalidInput)
		}

		var err error

		ids, err = s.tokens.Encode(req.Text)
		if err != nil {
			return tacotron.Input{}, fmt.Errorf("%w: %w", tacotron.ErrInvalidInput, err)
		}
	}

	in := tacotron.Input{
		Text:             ids,
		SpeakerID:        req.SpeakerID,
		LanguageID:       req.LanguageID,
		SpeakerEmbedding: req.SpeakerEmbedding,
	}

	if req.ReferenceFeats != nil {
		feats, err := onnx.NewTensor(req.ReferenceFeats.Data, req.ReferenceFeats.Shape)
		if err != nil {
			return tacotron.Input{}, fmt.Errorf("%w: reference_feats: %w", tacotron.ErrInvalidInput, err)
		}

		in.Feats = feats
	}

	return in, nil
}

// cacheKey digests everything that influences the result. Empty when
// caching is off.
func (s *Service) cacheKey(in tacotron.Input, includeAttention bool) (string, error) {
	if s.opts.Cache == nil {
		return "", nil
	}

	keyed := struct {
		Text      []int64
		Speaker   *int64
		Language  *int64
		Embedding []float32
		Feats     []float32
		Shape     []int64
		Attention bool
	}{
		Text:      in.Text,
		Speaker:   in.SpeakerID,
		Language:  in.LanguageID,
		Embedding: in.SpeakerEmbedding,
		Attention: includeAttention,
	}

	if in.Feats != nil {
		keyed.Feats, _ = onnx.ExtractFloat32(in.Feats)
		keyed.Shape = in.Feats.Shape()
	}

	body, err := msgpack.Marshal(keyed)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}

	return cache.Key([]byte(s.opts.Fingerprint), fmt.Appendf(nil, "%+v", s.synth.HParams()), body), nil
}

func (s *Service) lookup(ctx context.Context, key string) (*Result, bool) {
	if key == "" {
		return nil, false
	}

	data, err := s.opts.Cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.Warn("cache read failed", slog.String("error", err.Error()))
		}

		s.opts.Instruments.RecordCache(ctx, false)

		return nil, false
	}

	var res Result
	if err := Decode(data, FormatMsgpack, &res); err != nil {
		s.logger.Warn("dropping undecodable cache entry", slog.String("key", key), slog.String("error", err.Error()))
		_ = s.opts.Cache.Delete(ctx, key)
		s.opts.Instruments.RecordCache(ctx, false)

		return nil, false
	}

	s.opts.Instruments.RecordCache(ctx, true)
	res.Cached = true

	return &res, true
}

func (s *Service) store(ctx context.Context, key string, res *Result) {
	if key == "" {
		return
	}

	data, err := Encode(res, FormatMsgpack)
	if err != nil {
		s.logger.Warn("cache encode failed", slog.String("error", err.Error()))
		return
	}

	if err := s.opts.Cache.Set(ctx, key, data); err != nil {
		s.logger.Warn("cache write failed", slog.String("error", err.Error()))
	}
}

// Close releases the cache, the journal and the model graphs.
func (s *Service) Close() error {
	var err error
	if s.opts.Cache != nil {
		err = s.opts.Cache.Close()
	}

	if c, ok := s.opts.Journal.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}

	if s.opts.Closer != nil {
		s.opts.Closer()
	}

	return err
}

// Outcome classifies err for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, tacotron.ErrInvalidInput), errors.Is(err, tacotron.ErrMissingRequiredInput):
		return "invalid_input"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, tacotron.ErrUnboundedGeneration):
		return "unbounded"
	case errors.Is(err, tacotron.ErrModelContract):
		return "model_contract"
	default:
		return "error"
	}
}
