package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/example/go-tacotron/internal/config"
	"github.com/example/go-tacotron/internal/tacotron"
	"github.com/example/go-tacotron/internal/tts"
	"github.com/google/uuid"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

const headerRequestID = "X-Request-ID"

// Synthesizer decodes one request into features. *tts.Service satisfies it.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func() bool

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxTextBytes   int
	maxTokenIDs    int
	maxBodyBytes   int64
	workers        int
	requestTimeout time.Duration
	logger         *slog.Logger
	metrics        http.Handler
	checks         map[string]HealthCheck
}

func defaultOptions() options {
	return options{
		maxTextBytes:   4096,
		maxTokenIDs:    1024,
		maxBodyBytes:   1 << 20,
		workers:        2,
		requestTimeout: 60 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxTextBytes sets the maximum allowed text length in bytes for POST /synthesize.
func WithMaxTextBytes(n int) Option {
	return func(o *options) { o.maxTextBytes = n }
}

// WithMaxTokenIDs caps len(token_ids). Each token allows maxlenratio
// decoder steps. Zero disables the limit.
func WithMaxTokenIDs(n int) Option {
	return func(o *options) { o.maxTokenIDs = n }
}

// WithMaxBodyBytes caps the request body read by POST /synthesize. Zero
// disables the limit.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) { o.maxBodyBytes = n }
}

// WithWorkers sets the maximum number of concurrent synthesis calls. Zero
// disables throttling.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request synthesis deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *options) { o.metrics = h }
}

// WithHealthCheck adds a named check to GET /health. A failing check turns
// the response into 503.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(o *options) {
		if o.checks == nil {
			o.checks = make(map[string]HealthCheck)
		}

		o.checks[name] = check
	}
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	synth Synthesizer
	opts  options
	sem   chan struct{} // semaphore for worker pool
	log   *slog.Logger
}

// NewHandler returns an http.Handler that serves GET /health,
// POST /synthesize and, when configured, GET /metrics.
func NewHandler(synth Synthesizer, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		synth: synth,
		opts:  opts,
		log:   opts.logger,
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("/synthesize", h.handleSynthesize)

	if opts.metrics != nil {
		mux.Handle("GET /metrics", opts.metrics)
	}

	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}

	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": buildVersion(),
	}

	status := http.StatusOK

	if len(h.opts.checks) > 0 {
		checks := make(map[string]bool, len(h.opts.checks))
		for name, check := range h.opts.checks {
			ok := check()
			checks[name] = ok

			if !ok {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}

		body["checks"] = checks
	}

	writeJSON(w, status, body)
}

func (h *handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(headerRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	w.Header().Set(headerRequestID, requestID)

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return
	}

	inFormat := tts.FormatForContentType(r.Header.Get("Content-Type"))

	outFormat := inFormat
	if accept := r.Header.Get("Accept"); accept != "" && accept != "*/*" {
		outFormat = tts.FormatForContentType(accept)
	}

	if h.opts.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.maxBodyBytes)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("body exceeds maximum size of %d bytes", tooLarge.Limit))
			return
		}

		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var req tts.Request
	if err := tts.Decode(body, inFormat, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s body: %v", inFormat, err))
		return
	}

	if req.Text == "" && len(req.TokenIDs) == 0 {
		writeError(w, http.StatusBadRequest, "text or token_ids is required")
		return
	}

	if len(req.Text) > h.opts.maxTextBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("text exceeds maximum size of %d bytes", h.opts.maxTextBytes))
		return
	}

	if h.opts.maxTokenIDs > 0 && len(req.TokenIDs) > h.opts.maxTokenIDs {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("token_ids exceeds maximum of %d tokens", h.opts.maxTokenIDs))
		return
	}

	// Acquire a worker slot, honouring cancellation while waiting.
	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
			return
		}
		defer func() { <-h.sem }()
	}

	ctx, cancel := context.WithTimeout(tts.WithRequestID(r.Context(), requestID), h.opts.requestTimeout)
	defer cancel()

	start := time.Now()
	res, err := h.synth.Synthesize(ctx, req)
	durationMS := time.Since(start).Milliseconds()

	logAttrs := []any{
		slog.String("request_id", requestID),
		slog.Int("text_len", len(req.Text)),
		slog.Int("token_ids", len(req.TokenIDs)),
		slog.Int64("duration_ms", durationMS),
	}

	if err != nil {
		status := statusFor(err)
		logAttrs = append(logAttrs, slog.String("error", err.Error()))

		switch status {
		case http.StatusGatewayTimeout:
			h.log.WarnContext(r.Context(), "synthesis timed out", logAttrs...)
			writeError(w, status, "synthesis timed out")
		case http.StatusBadRequest:
			h.log.InfoContext(r.Context(), "synthesis rejected", logAttrs...)
			writeError(w, status, err.Error())
		default:
			h.log.ErrorContext(r.Context(), "synthesis failed", logAttrs...)
			writeError(w, status, err.Error())
		}

		return
	}

	res.RequestID = requestID

	h.log.InfoContext(r.Context(), "synthesis complete",
		append(logAttrs,
			slog.Int("iterations", res.Iterations),
			slog.Int("frames", res.Frames),
			slog.Bool("cached", res.Cached),
		)...,
	)

	writeResult(w, res, outFormat)
}

// statusFor maps synthesis errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tacotron.ErrInvalidInput), errors.Is(err, tacotron.ErrMissingRequiredInput):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeResult(w http.ResponseWriter, res *tts.Result, f tts.Format) {
	data, err := tts.Encode(res, f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode result: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", f.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := tts.Encode(v, tts.FormatJSON)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"error":"encode response"}`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server wires handler into net/http.Server with graceful shutdown
// ---------------------------------------------------------------------------

type Server struct {
	cfg             config.Config
	synth           Synthesizer
	extra           []Option
	shutdownTimeout time.Duration
}

func New(cfg config.Config, synth Synthesizer, extra ...Option) *Server {
	shutdown := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if shutdown <= 0 {
		shutdown = 30 * time.Second
	}

	return &Server{
		cfg:             cfg,
		synth:           synth,
		extra:           extra,
		shutdownTimeout: shutdown,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// Handler builds the HTTP handler from the server config.
func (s *Server) Handler() http.Handler {
	opts := []Option{
		WithWorkers(s.cfg.Server.Workers),
		WithMaxTextBytes(s.cfg.Server.MaxTextBytes),
		WithMaxTokenIDs(s.cfg.Server.MaxTokenIDs),
		WithMaxBodyBytes(s.cfg.Server.MaxBodyBytes),
		WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout) * time.Second),
	}

	return NewHandler(s.synth, append(opts, s.extra...)...)
}

// Start serves until ctx is done, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	if s.synth == nil {
		return errors.New("server has no synthesizer")
	}

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}

		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("http listen: %w", err)
	}
}

// ProbeHTTP checks GET /health on addr.
func ProbeHTTP(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}

	return nil
}
