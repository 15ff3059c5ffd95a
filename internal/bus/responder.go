package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/go-tacotron/internal/config"
	"github.com/example/go-tacotron/internal/tts"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	headerContentType = "Content-Type"
	headerRequestID   = "X-Request-ID"

	codeUnavailable = "unavailable"
)

// Synthesizer is the part of tts.Service the responder needs.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error)
}

// Reply is the response body. Exactly one of Result or Error is set.
type Reply struct {
	RequestID string      `json:"request_id"          msgpack:"request_id"`
	Result    *tts.Result `json:"result,omitempty"    msgpack:"result,omitempty"`
	Error     string      `json:"error,omitempty"     msgpack:"error,omitempty"`
	Code      string      `json:"code,omitempty"      msgpack:"code,omitempty"`
}

// Responder answers synthesis requests published on a subject. Requests
// default to msgpack; a Content-Type header mentioning json switches both
// request and reply to JSON.
type Responder struct {
	conn    *nats.Conn
	cfg     config.BusConfig
	synth   Synthesizer
	timeout time.Duration
	sem     chan struct{}
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewResponder(parent context.Context, client *Client, cfg config.BusConfig, synth Synthesizer, timeout time.Duration, log *slog.Logger) *Responder {
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(parent)

	r := &Responder{
		cfg:     cfg,
		synth:   synth,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "bus-responder")),
	}

	if cfg.Workers > 0 {
		r.sem = make(chan struct{}, cfg.Workers)
	}

	if client != nil {
		r.conn = client.Conn()
	}

	return r
}

func (r *Responder) Start() error {
	if r.conn == nil {
		return errors.New("responder has no NATS connection")
	}

	sub, err := r.conn.QueueSubscribe(r.cfg.Subject, r.cfg.Queue, r.handleMsg)
	if err != nil {
		return err
	}

	r.sub = sub
	r.logger.Info("listening for synthesis requests",
		slog.String("subject", r.cfg.Subject),
		slog.String("queue", r.cfg.Queue),
	)

	return nil
}

// Close stops accepting requests and waits for in-flight ones to finish
// under their own timeout. Cancelling the parent context aborts them
// instead. Messages still delivered by the draining subscription get an
// unavailable reply.
func (r *Responder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	if r.sub != nil {
		_ = r.sub.Drain()
	}

	r.wg.Wait()
	r.cancel()
}

func (r *Responder) Healthy() bool { return r.sub != nil && r.sub.IsValid() }

func (r *Responder) handleMsg(msg *nats.Msg) {
	format := tts.FormatMsgpack
	if ct := msg.Header.Get(headerContentType); ct != "" {
		format = tts.FormatForContentType(ct)
	}

	id := msg.Header.Get(headerRequestID)
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.respond(msg, id, r.encode(Reply{RequestID: id, Error: "responder is shutting down", Code: codeUnavailable}, format))

		return
	}

	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		r.respond(msg, id, r.handle(id, msg.Data, format))
	}()
}

func (r *Responder) respond(msg *nats.Msg, id string, body []byte) {
	if msg.Reply == "" {
		return
	}

	if err := msg.Respond(body); err != nil {
		r.logger.Warn("failed to publish reply", slog.String("request_id", id), slog.String("error", err.Error()))
	}
}

// handle decodes one request, runs it and encodes the reply.
func (r *Responder) handle(id string, data []byte, format tts.Format) []byte {
	reply := Reply{RequestID: id}

	var req tts.Request
	if err := tts.Decode(data, format, &req); err != nil {
		r.logger.Warn("failed to decode synthesis request", slog.String("request_id", id), slog.String("error", err.Error()))
		reply.Error = "decode request: " + err.Error()
		reply.Code = "bad_request"

		return r.encode(reply, format)
	}

	ctx := tts.WithRequestID(r.ctx, id)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	// The wait for a worker counts against the request timeout.
	if r.sem != nil {
		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-ctx.Done():
			r.logger.Warn("no worker before deadline", slog.String("request_id", id))
			reply.Error = "cancelled while waiting for a worker"
			reply.Code = codeUnavailable

			return r.encode(reply, format)
		}
	}

	res, err := r.synth.Synthesize(ctx, req)
	if err != nil {
		r.logger.Warn("synthesis failed", slog.String("request_id", id), slog.String("error", err.Error()))
		reply.Error = err.Error()
		reply.Code = tts.Outcome(err)

		return r.encode(reply, format)
	}

	res.RequestID = id
	reply.Result = res

	return r.encode(reply, format)
}

func (r *Responder) encode(reply Reply, format tts.Format) []byte {
	data, err := tts.Encode(reply, format)
	if err != nil {
		r.logger.Error("failed to encode reply", slog.String("error", err.Error()))
		return nil
	}

	return data
}
