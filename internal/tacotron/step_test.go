package tacotron

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/example/go-tacotron/internal/onnx"
)

func initialized(t *testing.T, hp HParams, length int) (EncodedInput, StepState) {
	t.Helper()

	enc, st, err := NewStateInitializer(fakePredecoder(), hp).Initialize(context.Background(), encoderOutput(t, length))
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	return enc, st
}

func TestStepInvokerPreservesStateShape(t *testing.T) {
	for _, r := range []int{1, 2, 3} {
		hp := testHParams()
		hp.ReductionFactor = r

		inv, err := NewStepInvoker(fakeDecoder(hp, decoderBehavior{}), hp, nil)
		if err != nil {
			t.Fatalf("r=%d: NewStepInvoker failed: %v", r, err)
		}

		enc, st := initialized(t, hp, 6)

		for step := 1; step <= 8; step++ {
			out, next, err := inv.Invoke(context.Background(), enc, st)
			if err != nil {
				t.Fatalf("r=%d step %d: Invoke failed: %v", r, step, err)
			}

			if err := next.checkShape(hp, enc.Length); err != nil {
				t.Fatalf("r=%d step %d: %v", r, step, err)
			}

			if !reflect.DeepEqual(out.Frame.Shape(), []int64{1, int64(hp.ODim), int64(r)}) {
				t.Fatalf("r=%d step %d: frame shape %v", r, step, out.Frame.Shape())
			}

			for i := range hp.DLayers {
				wantC, wantZ := float32(step*(i+1)), float32(10*step*(i+1))
				if next.Cells[i][0] != wantC || next.Hidden[i][0] != wantZ {
					t.Fatalf("r=%d step %d layer %d: c=%v z=%v, want %v/%v",
						r, step, i, next.Cells[i][0], next.Hidden[i][0], wantC, wantZ)
				}
			}

			st = next
		}
	}
}

func TestStepInvokerFeedsEachLayerBackInOrder(t *testing.T) {
	hp := testHParams()
	hp.DLayers = 3

	dec := &recordingRunner{fakeRunner: fakeDecoder(hp, decoderBehavior{})}

	inv, err := NewStepInvoker(dec, hp, nil)
	if err != nil {
		t.Fatalf("NewStepInvoker failed: %v", err)
	}

	enc, st := initialized(t, hp, 5)

	const steps = 4
	for step := 1; step <= steps; step++ {
		if _, st, err = inv.Invoke(context.Background(), enc, st); err != nil {
			t.Fatalf("step %d: Invoke failed: %v", step, err)
		}
	}

	if len(dec.inputs) != steps {
		t.Fatalf("decoder ran %d times, want %d", len(dec.inputs), steps)
	}

	for n := 0; n+1 < steps; n++ {
		for i := range hp.DLayers {
			for _, pair := range [][2]string{
				{fmt.Sprintf("c_list_%d", i), fmt.Sprintf("c_prev_%d", i)},
				{fmt.Sprintf("z_list_%d", i), fmt.Sprintf("z_prev_%d", i)},
			} {
				produced := mustFloats(dec.outputs[n][pair[0]])
				fed := mustFloats(dec.inputs[n+1][pair[1]])

				if !reflect.DeepEqual(produced, fed) {
					t.Fatalf("step %d: %s = %v, but step %d was fed %s = %v",
						n+1, pair[0], produced, n+2, pair[1], fed)
				}
			}
		}
	}

	for i := range hp.DLayers {
		if got, want := st.Cells[i][0], float32(steps*(i+1)); got != want {
			t.Errorf("final cells layer %d = %v, want %v", i, got, want)
		}
	}
}

func TestStepInvokerDoesNotModifyInputState(t *testing.T) {
	hp := testHParams()
	inv, err := NewStepInvoker(fakeDecoder(hp, decoderBehavior{}), hp, nil)
	if err != nil {
		t.Fatalf("NewStepInvoker failed: %v", err)
	}

	enc, st := initialized(t, hp, 4)
	before := StepState{
		Cells:         [][]float32{append([]float32(nil), st.Cells[0]...), append([]float32(nil), st.Cells[1]...)},
		Hidden:        [][]float32{append([]float32(nil), st.Hidden[0]...), append([]float32(nil), st.Hidden[1]...)},
		PrevAttention: append([]float32(nil), st.PrevAttention...),
		PrevFrame:     append([]float32(nil), st.PrevFrame...),
	}

	if _, _, err := inv.Invoke(context.Background(), enc, st); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if !reflect.DeepEqual(before, st) {
		t.Fatalf("input state modified: %+v", st)
	}
}

func TestStepInvokerWithoutPrevOut(t *testing.T) {
	hp := testHParams()
	hp.ReductionFactor = 2

	outputs := DefaultDecoderOutputs(hp.DLayers)
	outputs = append(outputs[:3], outputs[4:]...)

	inv, err := NewStepInvoker(fakeDecoder(hp, decoderBehavior{noPrevOut: true}), hp, outputs)
	if err != nil {
		t.Fatalf("NewStepInvoker failed: %v", err)
	}

	enc, st := initialized(t, hp, 3)

	out, next, err := inv.Invoke(context.Background(), enc, st)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	want, _ := onnx.LastAxisColumn(out.Frame, 1)
	if !reflect.DeepEqual(next.PrevFrame, want) {
		t.Fatalf("PrevFrame = %v, want last frame column %v", next.PrevFrame, want)
	}
}

func TestNewStepInvokerRejectsLayout(t *testing.T) {
	hp := testHParams()

	tests := []struct {
		name    string
		outputs []string
	}{
		{name: "too few heads", outputs: []string{"out", "prob"}},
		{name: "odd state count", outputs: []string{"out", "prob", "a_prev", "prev_out", "c0", "c1", "z0"}},
		{name: "wrong state count", outputs: []string{"out", "prob", "a_prev", "c0", "z0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStepInvoker(fakeDecoder(hp, decoderBehavior{}), hp, tt.outputs)
			if !errors.Is(err, ErrModelContract) {
				t.Fatalf("expected ErrModelContract, got %v", err)
			}
		})
	}
}

func TestStepInvokerContractViolations(t *testing.T) {
	hp := testHParams()

	tests := []struct {
		name   string
		mutate func(step int, outs map[string]*onnx.Tensor)
	}{
		{
			name:   "missing state output",
			mutate: func(_ int, outs map[string]*onnx.Tensor) { delete(outs, "z_list_1") },
		},
		{
			name: "wrong state width",
			mutate: func(_ int, outs map[string]*onnx.Tensor) {
				outs["c_list_0"] = mustTensor(make([]float32, hp.DUnits+1), 1, int64(hp.DUnits+1))
			},
		},
		{
			name: "wrong frame size",
			mutate: func(_ int, outs map[string]*onnx.Tensor) {
				outs["out"] = mustTensor(make([]float32, hp.ODim+1), 1, int64(hp.ODim+1), 1)
			},
		},
		{
			name: "attention length mismatch",
			mutate: func(_ int, outs map[string]*onnx.Tensor) {
				outs["a_prev"] = mustTensor(make([]float32, 2), 1, 2)
			},
		},
		{
			name: "empty stop probability",
			mutate: func(_ int, outs map[string]*onnx.Tensor) {
				outs["prob"] = mustTensor([]float32{}, 0)
			},
		},
		{
			name: "int64 frame",
			mutate: func(_ int, outs map[string]*onnx.Tensor) {
				outs["out"] = mustTensor(make([]int64, hp.ODim), 1, int64(hp.ODim), 1)
			},
		},
		{
			name: "wrong prev_out width",
			mutate: func(_ int, outs map[string]*onnx.Tensor) {
				outs["prev_out"] = mustTensor(make([]float32, 1), 1, 1)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := NewStepInvoker(fakeDecoder(hp, decoderBehavior{mutate: tt.mutate}), hp, nil)
			if err != nil {
				t.Fatalf("NewStepInvoker failed: %v", err)
			}

			enc, st := initialized(t, hp, 5)

			_, _, err = inv.Invoke(context.Background(), enc, st)
			if !errors.Is(err, ErrModelContract) {
				t.Fatalf("expected ErrModelContract, got %v", err)
			}
		})
	}
}
