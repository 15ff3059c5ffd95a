package tacotron

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"testing"

	"github.com/example/go-tacotron/internal/onnx"
)

func newTestModel(t *testing.T, hp HParams, runners Runners, caps Capabilities) *Model {
	t.Helper()

	m, err := NewModel(runners, ModelConfig{HParams: hp, Capabilities: caps})
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}

	return m
}

func checkResultInvariants(t *testing.T, hp HParams, res *Result) {
	t.Helper()

	if len(res.StopProbabilities) != res.Iterations || len(res.Attention) != res.Iterations {
		t.Fatalf("accumulators: %d probs, %d attention rows, %d iterations",
			len(res.StopProbabilities), len(res.Attention), res.Iterations)
	}

	if res.TimeLength() != res.Iterations*hp.ReductionFactor {
		t.Fatalf("time length %d, want %d", res.TimeLength(), res.Iterations*hp.ReductionFactor)
	}

	shape := res.Frames.Shape()
	if len(shape) != 3 || shape[0] != 1 || shape[1] != int64(hp.ODim) {
		t.Fatalf("frames shape %v", shape)
	}
}

// The decoder reports stop probability 0.9 from iteration 3 on.
func TestSynthesizeStopsOnProbability(t *testing.T) {
	hp := testHParams() // maxlen = 10 * 10 = 100, minlen = 0
	m := newTestModel(t, hp, testRunners(hp, decoderBehavior{stopFrom: 3}), Capabilities{})

	res, err := m.Synthesize(context.Background(), Input{Text: tokens(10)})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	checkResultInvariants(t, hp, res)

	if res.Iterations != 3 || res.TimeLength() != 3 {
		t.Fatalf("iterations = %d, time length = %d; want 3, 3", res.Iterations, res.TimeLength())
	}
}

func TestSynthesizeMinlenOverridesStop(t *testing.T) {
	hp := testHParams()
	hp.MinLenRatio = 0.5 // minlen = 5

	m := newTestModel(t, hp, testRunners(hp, decoderBehavior{stopFrom: 3}), Capabilities{})

	res, err := m.Synthesize(context.Background(), Input{Text: tokens(10)})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	checkResultInvariants(t, hp, res)

	if res.Iterations != 5 {
		t.Fatalf("iterations = %d, want 5", res.Iterations)
	}
}

func TestSynthesizeMaxlenCeiling(t *testing.T) {
	hp := testHParams()
	hp.MaxLenRatio = 2 // maxlen = 20

	m := newTestModel(t, hp, testRunners(hp, decoderBehavior{}), Capabilities{})

	res, err := m.Synthesize(context.Background(), Input{Text: tokens(10)})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	checkResultInvariants(t, hp, res)

	if res.Iterations != 20 {
		t.Fatalf("iterations = %d, want 20", res.Iterations)
	}
}

func TestSynthesizeReductionFactor(t *testing.T) {
	hp := testHParams()
	hp.ReductionFactor = 3
	hp.MaxLenRatio = 2 // maxlen = 20, reached at index 21

	m := newTestModel(t, hp, testRunners(hp, decoderBehavior{}), Capabilities{})

	res, err := m.Synthesize(context.Background(), Input{Text: tokens(10)})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	checkResultInvariants(t, hp, res)

	if res.Iterations != 7 || res.TimeLength() != 21 {
		t.Fatalf("iterations = %d, time length = %d; want 7, 21", res.Iterations, res.TimeLength())
	}

	// Frames are laid out [1, odim, T] with steps in time order.
	data := mustFloats(res.Frames)
	if data[0] != 1 || data[3] != 2 || data[18] != 7 {
		t.Fatalf("unexpected frame layout: %v", data[:21])
	}
}

func TestSynthesizeIdempotent(t *testing.T) {
	hp := testHParams()
	hp.MinLenRatio = 0.3

	m := newTestModel(t, hp, testRunners(hp, decoderBehavior{stopFrom: 4}), Capabilities{})
	in := Input{Text: tokens(10)}

	first, err := m.Synthesize(context.Background(), in)
	if err != nil {
		t.Fatalf("first Synthesize failed: %v", err)
	}

	second, err := m.Synthesize(context.Background(), in)
	if err != nil {
		t.Fatalf("second Synthesize failed: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Fatal("repeated synthesis produced different results")
	}
}

func TestSynthesizeConcurrentCalls(t *testing.T) {
	hp := testHParams()
	m := newTestModel(t, hp, testRunners(hp, decoderBehavior{stopFrom: 6}), Capabilities{})

	want, err := m.Synthesize(context.Background(), Input{Text: tokens(10)})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			got, err := m.Synthesize(context.Background(), Input{Text: tokens(10)})
			if err != nil {
				errs <- err
				return
			}

			if !reflect.DeepEqual(got, want) {
				errs <- errors.New("concurrent result differs")
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatal(err)
	}
}

func TestSynthesizePostdecoder(t *testing.T) {
	hp := testHParams()

	t.Run("replaces frames", func(t *testing.T) {
		runners := testRunners(hp, decoderBehavior{stopFrom: 2})
		post := &fakeRunner{name: GraphPostdecoder, fn: func(_ context.Context, in map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
			data := mustFloats(in["x"])
			for i := range data {
				data[i] *= 10
			}

			return map[string]*onnx.Tensor{"out": mustTensor(data, in["x"].Shape()...)}, nil
		}}
		runners.Postdecoder = post

		res, err := newTestModel(t, hp, runners, Capabilities{}).Synthesize(context.Background(), Input{Text: tokens(4)})
		if err != nil {
			t.Fatalf("Synthesize failed: %v", err)
		}

		checkResultInvariants(t, hp, res)

		if post.calls.Load() != 1 {
			t.Fatalf("postdecoder called %d times, want 1", post.calls.Load())
		}

		if got := mustFloats(res.Frames)[0]; got != 10 {
			t.Fatalf("frames not replaced by postdecoder output: first value %v", got)
		}
	})

	// stopFrom 2 yields frames of shape [1, odim, 2].
	for _, tt := range []struct {
		name  string
		shape []int64
	}{
		{name: "time length", shape: []int64{1, int64(hp.ODim), 1}},
		{name: "odim", shape: []int64{1, int64(hp.ODim + 1), 2}},
		{name: "batch", shape: []int64{2, int64(hp.ODim), 2}},
		{name: "rank", shape: []int64{int64(hp.ODim), 2}},
	} {
		t.Run("changed "+tt.name+" is a contract violation", func(t *testing.T) {
			n := int64(1)
			for _, d := range tt.shape {
				n *= d
			}

			runners := testRunners(hp, decoderBehavior{stopFrom: 2})
			runners.Postdecoder = &fakeRunner{name: GraphPostdecoder, fn: func(context.Context, map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
				return map[string]*onnx.Tensor{"out": mustTensor(make([]float32, n), tt.shape...)}, nil
			}}

			res, err := newTestModel(t, hp, runners, Capabilities{}).Synthesize(context.Background(), Input{Text: tokens(4)})
			if !errors.Is(err, ErrModelContract) {
				t.Fatalf("expected ErrModelContract, got %v", err)
			}

			if res != nil {
				t.Fatal("partial result returned on failure")
			}
		})
	}
}

// debugRecords swaps the default logger for one that keeps debug records
// until the test ends.
func debugRecords(t *testing.T) *[]slog.Record {
	t.Helper()

	var records []slog.Record

	prev := slog.Default()
	slog.SetDefault(slog.New(recordHandler{records: &records}))
	t.Cleanup(func() { slog.SetDefault(prev) })

	return &records
}

type recordHandler struct {
	records *[]slog.Record
}

func (h recordHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h recordHandler) Handle(_ context.Context, r slog.Record) error {
	*h.records = append(*h.records, r.Clone())
	return nil
}

func (h recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h recordHandler) WithGroup(string) slog.Handler      { return h }

func endOfSequence(t *testing.T, records []slog.Record) map[string]any {
	t.Helper()

	for _, r := range records {
		if r.Message != "end of sequence" {
			continue
		}

		if r.Level != slog.LevelDebug {
			t.Fatalf("end of sequence logged at %v", r.Level)
		}

		attrs := make(map[string]any)
		r.Attrs(func(a slog.Attr) bool {
			attrs[a.Key] = a.Value.Any()
			return true
		})

		return attrs
	}

	t.Fatal("no end of sequence record")

	return nil
}

func TestSynthesizeLogsStopTrigger(t *testing.T) {
	hp := testHParams()
	hp.MaxLenRatio = 2 // maxlen = 2 * 3 tokens = 6

	tests := []struct {
		name     string
		stopFrom int
		want     map[string]any
	}{
		{name: "probability", stopFrom: 2, want: map[string]any{"trigger": "probability", "index": int64(2), "iterations": int64(2)}},
		{name: "maxlen", stopFrom: 0, want: map[string]any{"trigger": "maxlen", "index": int64(6), "iterations": int64(6)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := debugRecords(t)

			m := newTestModel(t, hp, testRunners(hp, decoderBehavior{stopFrom: tt.stopFrom}), Capabilities{})
			if _, err := m.Synthesize(context.Background(), Input{Text: tokens(3)}); err != nil {
				t.Fatalf("Synthesize failed: %v", err)
			}

			attrs := endOfSequence(t, *records)
			for k, v := range tt.want {
				if attrs[k] != v {
					t.Errorf("%s = %v, want %v", k, attrs[k], v)
				}
			}
		})
	}
}

func TestSynthesizeOptionalInputs(t *testing.T) {
	hp := testHParams()
	sid := int64(3)
	lid := int64(1)

	t.Run("declared but missing", func(t *testing.T) {
		m := newTestModel(t, hp, testRunners(hp, decoderBehavior{stopFrom: 1}), Capabilities{UseSIDs: true})

		_, err := m.Synthesize(context.Background(), Input{Text: tokens(3)})
		if !errors.Is(err, ErrMissingRequiredInput) {
			t.Fatalf("expected ErrMissingRequiredInput, got %v", err)
		}
	})

	t.Run("declared inputs are fed", func(t *testing.T) {
		var seen []string

		runners := testRunners(hp, decoderBehavior{stopFrom: 1})
		enc := fakeEncoder()
		runners.Encoder = &fakeRunner{name: GraphEncoder, fn: func(ctx context.Context, in map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
			for _, name := range []string{"text", "feats", "sids", "spembs", "lids"} {
				if _, ok := in[name]; ok {
					seen = append(seen, name)
				}
			}

			return enc.fn(ctx, in)
		}}

		m := newTestModel(t, hp, runners, Capabilities{UseSIDs: true, UseSpembs: true, UseLIDs: true})

		_, err := m.Synthesize(context.Background(), Input{
			Text:             tokens(3),
			SpeakerID:        &sid,
			SpeakerEmbedding: []float32{0.1, 0.2},
			LanguageID:       &lid,
			Feats:            mustTensor([]float32{1}, 1, 1),
		})
		if err != nil {
			t.Fatalf("Synthesize failed: %v", err)
		}

		if !reflect.DeepEqual(seen, []string{"text", "sids", "spembs", "lids"}) {
			t.Fatalf("encoder inputs = %v", seen)
		}
	})
}

func TestSynthesizeInvalidInput(t *testing.T) {
	hp := testHParams()
	m := newTestModel(t, hp, testRunners(hp, decoderBehavior{}), Capabilities{})

	for name, in := range map[string]Input{
		"empty text":     {},
		"negative token": {Text: []int64{1, -2}},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := m.Synthesize(context.Background(), in); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestSynthesizeCancellation(t *testing.T) {
	hp := testHParams()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runners := testRunners(hp, decoderBehavior{})
	inner := runners.Decoder.(*fakeRunner)
	runners.Decoder = &fakeRunner{name: GraphDecoder, fn: func(ctx context.Context, in map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
		if inner.calls.Add(1) == 2 {
			cancel()
		}

		return inner.fn(ctx, in)
	}}

	m := newTestModel(t, hp, runners, Capabilities{})

	res, err := m.Synthesize(ctx, Input{Text: tokens(10)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if res != nil {
		t.Fatal("partial result returned on cancellation")
	}

	if got := inner.calls.Load(); got != 2 {
		t.Fatalf("decoder ran %d times after cancellation, want 2", got)
	}
}

func TestSynthesizeStepFailureAborts(t *testing.T) {
	hp := testHParams()
	boom := errors.New("decoder exploded")

	runners := testRunners(hp, decoderBehavior{})
	calls := 0
	runners.Decoder = &fakeRunner{name: GraphDecoder, fn: func(context.Context, map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
		calls++
		return nil, boom
	}}

	res, err := newTestModel(t, hp, runners, Capabilities{}).Synthesize(context.Background(), Input{Text: tokens(5)})
	if !errors.Is(err, boom) {
		t.Fatalf("expected decoder error, got %v", err)
	}

	if res != nil || calls != 1 {
		t.Fatalf("failed step was retried or returned a result: calls=%d res=%v", calls, res)
	}
}

func TestNewModelRejectsDegenerateLengths(t *testing.T) {
	hp := testHParams()
	hp.MaxLenRatio = 0.5
	hp.MinLenRatio = 1

	_, err := NewModel(testRunners(hp, decoderBehavior{}), ModelConfig{HParams: hp})
	if !errors.Is(err, ErrUnboundedGeneration) {
		t.Fatalf("expected ErrUnboundedGeneration, got %v", err)
	}
}

func TestNewModelRequiresRunners(t *testing.T) {
	hp := testHParams()
	runners := testRunners(hp, decoderBehavior{})
	runners.Predecoder = nil

	if _, err := NewModel(runners, ModelConfig{HParams: hp}); err == nil {
		t.Fatal("expected error for missing predecoder")
	}
}
