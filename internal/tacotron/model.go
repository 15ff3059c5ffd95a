package tacotron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/example/go-tacotron/internal/onnx"
)

// Runners are the graphs of one exported model. Postdecoder is optional.
type Runners struct {
	Encoder     onnx.GraphRunner
	Predecoder  onnx.GraphRunner
	Decoder     onnx.GraphRunner
	Postdecoder onnx.GraphRunner
}

// ModelConfig carries everything fixed at load time.
type ModelConfig struct {
	HParams      HParams
	Capabilities Capabilities
	// DecoderOutputs is the decoder's declared output order. Empty selects
	// DefaultDecoderOutputs.
	DecoderOutputs []string
}

// Model drives the autoregressive decode loop. It keeps no per-call state,
// so Synthesize may be called concurrently when the runners allow it.
type Model struct {
	runners Runners
	hp      HParams
	caps    Capabilities
	init    StateInitializer
	step    StepInvoker
}

func NewModel(runners Runners, cfg ModelConfig) (*Model, error) {
	if runners.Encoder == nil || runners.Predecoder == nil || runners.Decoder == nil {
		return nil, errors.New("encoder, predecoder and decoder runners are required")
	}

	if err := cfg.HParams.Validate(); err != nil {
		return nil, err
	}

	step, err := NewStepInvoker(runners.Decoder, cfg.HParams, cfg.DecoderOutputs)
	if err != nil {
		return nil, err
	}

	return &Model{
		runners: runners,
		hp:      cfg.HParams,
		caps:    cfg.Capabilities,
		init:    NewStateInitializer(runners.Predecoder, cfg.HParams),
		step:    step,
	}, nil
}

func (m *Model) HParams() HParams { return m.hp }

func (m *Model) Capabilities() Capabilities { return m.caps }

// Synthesize encodes in and decodes until the stopping policy fires. Any
// failure aborts the call without a partial result. ctx is checked at every
// iteration boundary.
func (m *Model) Synthesize(ctx context.Context, in Input) (*Result, error) {
	feed, err := encoderInputs(in, m.caps)
	if err != nil {
		return nil, err
	}

	maxlen, minlen := m.hp.LengthBounds(len(in.Text))

	policy, err := NewStoppingPolicy(m.hp.Threshold, minlen, maxlen)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encOut, err := m.runners.Encoder.Run(ctx, feed)
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}

	h, ok := encOut["h"]
	if !ok || h == nil {
		return nil, fmt.Errorf("%w: encoder did not return h", ErrModelContract)
	}

	enc, state, err := m.init.Initialize(ctx, h)
	if err != nil {
		return nil, err
	}

	var (
		frames    []*onnx.Tensor
		probs     [][]float32
		attention [][]float32
		index     int
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		index += m.hp.ReductionFactor

		out, next, err := m.step.Invoke(ctx, enc, state)
		if err != nil {
			return nil, fmt.Errorf("decode step %d: %w", len(frames), err)
		}

		frames = append(frames, out.Frame)
		probs = append(probs, out.StopProb)
		attention = append(attention, out.Attention)
		state = next

		decision := policy.Decide(index, out.StopProb)
		if decision == Stop {
			trigger := "maxlen"
			if policy.exceedsThreshold(out.StopProb) {
				trigger = "probability"
			}

			slog.Debug("end of sequence",
				slog.Int("index", index),
				slog.Int("iterations", len(frames)),
				slog.String("trigger", trigger),
			)

			break
		}

		if decision == BelowMin {
			slog.Debug("stop suppressed below minimum length",
				slog.Int("index", index),
				slog.Int("minlen", minlen),
			)
		}
	}

	feats, err := onnx.ConcatLastAxis(frames...)
	if err != nil {
		return nil, fmt.Errorf("concatenate frames: %w", err)
	}

	if m.runners.Postdecoder != nil {
		feats, err = m.postprocess(ctx, feats)
		if err != nil {
			return nil, err
		}
	}

	slog.Info("synthesis complete",
		slog.Int("tokens", len(in.Text)),
		slog.Int("iterations", len(frames)),
		slog.Int("frames", index),
		slog.Int("maxlen", maxlen),
		slog.Int("minlen", minlen),
	)

	return &Result{
		Frames:            feats,
		StopProbabilities: probs,
		Attention:         attention,
		Iterations:        len(frames),
	}, nil
}

// postprocess runs the postdecoder once over all frames. The refined
// features must have exactly the shape of the frames it was given.
func (m *Model) postprocess(ctx context.Context, feats *onnx.Tensor) (*onnx.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outs, err := m.runners.Postdecoder.Run(ctx, map[string]*onnx.Tensor{"x": feats})
	if err != nil {
		return nil, fmt.Errorf("postdecoder: %w", err)
	}

	refined, ok := outs["out"]
	if !ok || refined == nil {
		return nil, fmt.Errorf("%w: postdecoder did not return out", ErrModelContract)
	}

	if refined.DType() != onnx.DTypeFloat32 {
		return nil, fmt.Errorf("%w: postdecoder returned %s, want float32", ErrModelContract, refined.DType())
	}

	want := feats.Shape()
	got := refined.Shape()

	if !slices.Equal(got, want) {
		return nil, fmt.Errorf("%w: postdecoder changed shape %v to %v", ErrModelContract, want, got)
	}

	return refined, nil
}
