package tacotron

import (
	"context"
	"fmt"

	"github.com/example/go-tacotron/internal/onnx"
)

// DefaultDecoderOutputs lists decoder outputs in the order the export
// declares them when a bundle does not list them itself.
func DefaultDecoderOutputs(dlayers int) []string {
	names := []string{"out", "prob", "a_prev", "prev_out"}
	for i := range dlayers {
		names = append(names, fmt.Sprintf("c_list_%d", i))
	}

	for i := range dlayers {
		names = append(names, fmt.Sprintf("z_list_%d", i))
	}

	return names
}

// StepInvoker runs one decoder step. It is the only place that knows the
// decoder returns its recurrent state as one flat list.
type StepInvoker struct {
	decoder    onnx.GraphRunner
	hp         HParams
	heads      [3]string
	prevOut    string
	stateNames []string
}

// NewStepInvoker checks the declared decoder output layout: out, prob and
// a_prev, an optional prev_out, then exactly 2*dlayers state outputs with
// cells first.
func NewStepInvoker(decoder onnx.GraphRunner, hp HParams, outputs []string) (StepInvoker, error) {
	if len(outputs) == 0 {
		outputs = DefaultDecoderOutputs(hp.DLayers)
	}

	if len(outputs) < 3 {
		return StepInvoker{}, fmt.Errorf("%w: decoder declares %d outputs, want at least 3", ErrModelContract, len(outputs))
	}

	si := StepInvoker{
		decoder: decoder,
		hp:      hp,
		heads:   [3]string{outputs[0], outputs[1], outputs[2]},
	}

	rest := outputs[3:]
	if len(rest) > 0 && rest[0] == "prev_out" {
		si.prevOut = rest[0]
		rest = rest[1:]
	}

	if len(rest) != 2*hp.DLayers {
		return StepInvoker{}, fmt.Errorf("%w: decoder declares %d state outputs, want %d (2 x dlayers)",
			ErrModelContract, len(rest), 2*hp.DLayers)
	}

	si.stateNames = append([]string(nil), rest...)

	return si, nil
}

// Invoke feeds st and enc to the decoder once and returns the emitted
// outputs together with the next state. st is not modified.
func (si StepInvoker) Invoke(ctx context.Context, enc EncodedInput, st StepState) (StepOutput, StepState, error) {
	if err := st.checkShape(si.hp, enc.Length); err != nil {
		return StepOutput{}, StepState{}, fmt.Errorf("step input: %w", err)
	}

	feed, err := si.feed(enc, st)
	if err != nil {
		return StepOutput{}, StepState{}, err
	}

	outs, err := si.decoder.Run(ctx, feed)
	if err != nil {
		return StepOutput{}, StepState{}, fmt.Errorf("decoder: %w", err)
	}

	return si.unpack(outs, enc.Length)
}

func (si StepInvoker) feed(enc EncodedInput, st StepState) (map[string]*onnx.Tensor, error) {
	feed := make(map[string]*onnx.Tensor, 2*si.hp.DLayers+5)
	units := int64(si.hp.DUnits)

	for i := range si.hp.DLayers {
		c, err := onnx.NewTensor(st.Cells[i], []int64{1, units})
		if err != nil {
			return nil, fmt.Errorf("c_prev_%d: %w", i, err)
		}

		z, err := onnx.NewTensor(st.Hidden[i], []int64{1, units})
		if err != nil {
			return nil, fmt.Errorf("z_prev_%d: %w", i, err)
		}

		feed[fmt.Sprintf("c_prev_%d", i)] = c
		feed[fmt.Sprintf("z_prev_%d", i)] = z
	}

	att, err := onnx.NewTensor(st.PrevAttention, []int64{1, int64(enc.Length)})
	if err != nil {
		return nil, fmt.Errorf("a_prev: %w", err)
	}

	prev, err := onnx.NewTensor(st.PrevFrame, []int64{1, int64(si.hp.ODim)})
	if err != nil {
		return nil, fmt.Errorf("prev_in: %w", err)
	}

	feed["a_prev"] = att
	feed["pceh"] = enc.Projection
	feed["enc_h"] = enc.Output
	feed["mask"] = enc.MaskBias
	feed["prev_in"] = prev

	return feed, nil
}

func (si StepInvoker) unpack(outs map[string]*onnx.Tensor, length int) (StepOutput, StepState, error) {
	get := func(name string) ([]float32, error) {
		t, ok := outs[name]
		if !ok || t == nil {
			return nil, fmt.Errorf("%w: decoder did not return %q", ErrModelContract, name)
		}

		data, err := onnx.ExtractFloat32(t)
		if err != nil {
			return nil, fmt.Errorf("%w: decoder output %q: %w", ErrModelContract, name, err)
		}

		return data, nil
	}

	r := si.hp.ReductionFactor
	odim := si.hp.ODim

	frameData, err := get(si.heads[0])
	if err != nil {
		return StepOutput{}, StepState{}, err
	}

	if len(frameData) != odim*r {
		return StepOutput{}, StepState{}, fmt.Errorf("%w: decoder frame has %d values, want odim*r = %d",
			ErrModelContract, len(frameData), odim*r)
	}

	frame, err := onnx.NewTensor(frameData, []int64{1, int64(odim), int64(r)})
	if err != nil {
		return StepOutput{}, StepState{}, fmt.Errorf("frame tensor: %w", err)
	}

	prob, err := get(si.heads[1])
	if err != nil {
		return StepOutput{}, StepState{}, err
	}

	if len(prob) == 0 {
		return StepOutput{}, StepState{}, fmt.Errorf("%w: decoder returned empty stop probabilities", ErrModelContract)
	}

	attention, err := get(si.heads[2])
	if err != nil {
		return StepOutput{}, StepState{}, err
	}

	if len(attention) != length {
		return StepOutput{}, StepState{}, fmt.Errorf("%w: attention has length %d, want %d",
			ErrModelContract, len(attention), length)
	}

	var prevFrame []float32
	if si.prevOut != "" {
		prevFrame, err = get(si.prevOut)
		if err != nil {
			return StepOutput{}, StepState{}, err
		}
	} else {
		prevFrame, err = onnx.LastAxisColumn(frame, r-1)
		if err != nil {
			return StepOutput{}, StepState{}, fmt.Errorf("previous frame: %w", err)
		}
	}

	if len(prevFrame) != odim {
		return StepOutput{}, StepState{}, fmt.Errorf("%w: previous frame has width %d, want %d",
			ErrModelContract, len(prevFrame), odim)
	}

	states := make([][]float32, len(si.stateNames))
	for i, name := range si.stateNames {
		states[i], err = get(name)
		if err != nil {
			return StepOutput{}, StepState{}, err
		}
	}

	half := len(states) / 2
	next := StepState{
		Cells:         states[:half],
		Hidden:        states[half:],
		PrevAttention: attention,
		PrevFrame:     prevFrame,
	}

	if err := next.checkShape(si.hp, length); err != nil {
		return StepOutput{}, StepState{}, fmt.Errorf("step output: %w", err)
	}

	out := StepOutput{
		Frame:     frame,
		StopProb:  prob,
		Attention: append([]float32(nil), attention...),
	}

	return out, next, nil
}
