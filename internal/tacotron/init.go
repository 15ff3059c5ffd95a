package tacotron

import (
	"context"
	"fmt"

	"github.com/example/go-tacotron/internal/onnx"
)

// maskFill is the additive attention bias applied to padded positions.
const maskFill = -10000

// StateInitializer builds the encoder context and the first StepState of a
// call.
type StateInitializer struct {
	predecoder onnx.GraphRunner
	hp         HParams
}

func NewStateInitializer(predecoder onnx.GraphRunner, hp HParams) StateInitializer {
	return StateInitializer{predecoder: predecoder, hp: hp}
}

// Initialize accepts the encoder output as [L, H] or [1, L, H]. All L
// positions are treated as valid.
func (si StateInitializer) Initialize(ctx context.Context, encoded *onnx.Tensor) (EncodedInput, StepState, error) {
	if encoded == nil {
		return EncodedInput{}, StepState{}, fmt.Errorf("%w: encoder output is nil", ErrModelContract)
	}

	shape := encoded.Shape()

	var length, width int64
	switch {
	case len(shape) == 2:
		length, width = shape[0], shape[1]
	case len(shape) == 3 && shape[0] == 1:
		length, width = shape[1], shape[2]
	default:
		return EncodedInput{}, StepState{}, fmt.Errorf("%w: encoder output shape %v, want [L H] or [1 L H]", ErrModelContract, shape)
	}

	if length == 0 {
		return EncodedInput{}, StepState{}, fmt.Errorf("%w: encoder output has no positions", ErrInvalidInput)
	}

	output, err := encoded.Reshape([]int64{1, length, width})
	if err != nil {
		return EncodedInput{}, StepState{}, fmt.Errorf("encoder output: %w", err)
	}

	outs, err := si.predecoder.Run(ctx, map[string]*onnx.Tensor{"enc_h": output})
	if err != nil {
		return EncodedInput{}, StepState{}, fmt.Errorf("predecoder: %w", err)
	}

	projection, ok := outs["pre_compute_enc_h"]
	if !ok || projection == nil {
		return EncodedInput{}, StepState{}, fmt.Errorf("%w: predecoder did not return pre_compute_enc_h", ErrModelContract)
	}

	n := int(length)
	valid := n

	bias := make([]float32, n)
	attention := make([]float32, n)
	for i := range n {
		if i < valid {
			attention[i] = 1 / float32(valid)
		} else {
			bias[i] = maskFill
		}
	}

	mask, err := onnx.NewTensor(bias, []int64{1, length})
	if err != nil {
		return EncodedInput{}, StepState{}, fmt.Errorf("mask tensor: %w", err)
	}

	enc := EncodedInput{
		Output:     output,
		Projection: projection,
		MaskBias:   mask,
		Length:     n,
		Valid:      valid,
		Width:      int(width),
	}

	state := StepState{
		Cells:         zeroLayers(si.hp.DLayers, si.hp.DUnits),
		Hidden:        zeroLayers(si.hp.DLayers, si.hp.DUnits),
		PrevAttention: attention,
		PrevFrame:     make([]float32, si.hp.ODim),
	}

	return enc, state, nil
}
