package tacotron

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/example/go-tacotron/internal/onnx"
)

// fakeRunner implements onnx.GraphRunner with a plain function.
type fakeRunner struct {
	name  string
	fn    func(ctx context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error)
	calls atomic.Int64
}

func (f *fakeRunner) Run(ctx context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	f.calls.Add(1)
	return f.fn(ctx, inputs)
}

func (f *fakeRunner) Name() string { return f.name }

func (f *fakeRunner) Close() {}

func testHParams() HParams {
	return HParams{
		DLayers:         2,
		DUnits:          4,
		ODim:            3,
		ReductionFactor: 1,
		Threshold:       0.5,
		MaxLenRatio:     10,
		MinLenRatio:     0,
	}
}

const testEncWidth = 8

func mustTensor[T ~int64 | ~float32](data []T, shape ...int64) *onnx.Tensor {
	t, err := onnx.NewTensor(data, shape)
	if err != nil {
		panic(err)
	}

	return t
}

func mustFloats(t *onnx.Tensor) []float32 {
	data, err := onnx.ExtractFloat32(t)
	if err != nil {
		panic(err)
	}

	return data
}

// fakeEncoder returns h as [len(text), testEncWidth]; each row is filled
// from the token id so outputs depend only on the input.
func fakeEncoder() *fakeRunner {
	return &fakeRunner{name: GraphEncoder, fn: func(_ context.Context, in map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
		text, err := onnx.ExtractInt64(in["text"])
		if err != nil {
			return nil, err
		}

		h := make([]float32, 0, len(text)*testEncWidth)
		for _, id := range text {
			for j := range testEncWidth {
				h = append(h, float32(id)+float32(j)/10)
			}
		}

		return map[string]*onnx.Tensor{"h": mustTensor(h, int64(len(text)), testEncWidth)}, nil
	}}
}

// fakePredecoder halves enc_h.
func fakePredecoder() *fakeRunner {
	return &fakeRunner{name: GraphPredecoder, fn: func(_ context.Context, in map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
		encH, ok := in["enc_h"]
		if !ok {
			return nil, fmt.Errorf("missing enc_h")
		}

		data := mustFloats(encH)
		for i := range data {
			data[i] /= 2
		}

		return map[string]*onnx.Tensor{"pre_compute_enc_h": mustTensor(data, encH.Shape()...)}, nil
	}}
}

// decoderBehavior tweaks fakeDecoder outputs for contract tests.
type decoderBehavior struct {
	// stopFrom is the first step (1-based) whose stop probability is 0.9.
	// Zero never emits a stop.
	stopFrom  int
	noPrevOut bool
	mutate    func(step int, outs map[string]*onnx.Tensor)
}

// fakeDecoder derives the step number from c_prev_0[0], which it
// increments by one every step, so its outputs are a pure function of its
// inputs. Layer i's cell state grows by i+1 and its hidden state by
// 10*(i+1) per step.
func fakeDecoder(hp HParams, b decoderBehavior) *fakeRunner {
	return &fakeRunner{name: GraphDecoder, fn: func(_ context.Context, in map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
		for _, name := range []string{"a_prev", "pceh", "enc_h", "mask", "prev_in"} {
			if _, ok := in[name]; !ok {
				return nil, fmt.Errorf("missing decoder input %q", name)
			}
		}

		length := in["a_prev"].Shape()[1]
		r := hp.ReductionFactor

		c0 := mustFloats(in["c_prev_0"])
		step := int(c0[0]) + 1

		frame := make([]float32, hp.ODim*r)
		for bin := range hp.ODim {
			for k := range r {
				frame[bin*r+k] = float32(step) + float32(bin)/10 + float32(k)/100
			}
		}

		prob := make([]float32, r)
		for k := range prob {
			prob[k] = 0.1
			if b.stopFrom > 0 && step >= b.stopFrom {
				prob[k] = 0.9
			}
		}

		att := make([]float32, length)
		att[(step-1)%int(length)] = 1

		prevOut := make([]float32, hp.ODim)
		for bin := range hp.ODim {
			prevOut[bin] = frame[bin*r+r-1]
		}

		outs := map[string]*onnx.Tensor{
			"out":    mustTensor(frame, 1, int64(hp.ODim), int64(r)),
			"prob":   mustTensor(prob, int64(r)),
			"a_prev": mustTensor(att, 1, length),
		}

		if !b.noPrevOut {
			outs["prev_out"] = mustTensor(prevOut, 1, int64(hp.ODim))
		}

		for i := range hp.DLayers {
			c := mustFloats(in[fmt.Sprintf("c_prev_%d", i)])
			z := mustFloats(in[fmt.Sprintf("z_prev_%d", i)])

			// Layer-dependent increments make a layer swap visible.
			for j := range c {
				c[j] += float32(i + 1)
				z[j] += float32(10 * (i + 1))
			}

			outs[fmt.Sprintf("c_list_%d", i)] = mustTensor(c, 1, int64(hp.DUnits))
			outs[fmt.Sprintf("z_list_%d", i)] = mustTensor(z, 1, int64(hp.DUnits))
		}

		if b.mutate != nil {
			b.mutate(step, outs)
		}

		return outs, nil
	}}
}

func testRunners(hp HParams, b decoderBehavior) Runners {
	return Runners{
		Encoder:    fakeEncoder(),
		Predecoder: fakePredecoder(),
		Decoder:    fakeDecoder(hp, b),
	}
}

func tokens(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i + 1)
	}

	return out
}

// recordingRunner keeps the inputs and outputs of every call it forwards.
type recordingRunner struct {
	*fakeRunner

	inputs  []map[string]*onnx.Tensor
	outputs []map[string]*onnx.Tensor
}

func (r *recordingRunner) Run(ctx context.Context, in map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	out, err := r.fakeRunner.Run(ctx, in)
	if err == nil {
		r.inputs = append(r.inputs, in)
		r.outputs = append(r.outputs, out)
	}

	return out, err
}
