package tacotron

import (
	"fmt"

	"github.com/example/go-tacotron/internal/onnx"
)

// EncodedInput is the encoder context shared by every decode step of one
// call. It is built once and never modified.
type EncodedInput struct {
	// Output is the encoder output as [1, L, H].
	Output *onnx.Tensor
	// Projection is the predecoder output, computed once per call.
	Projection *onnx.Tensor
	// MaskBias is [1, L]: 0 for valid positions, maskFill for padding.
	MaskBias *onnx.Tensor

	Length int
	Valid  int
	Width  int
}

// StepState is the recurrent state carried from one decode step to the
// next. Each step replaces it wholesale.
type StepState struct {
	Cells         [][]float32
	Hidden        [][]float32
	PrevAttention []float32
	PrevFrame     []float32
}

// StepOutput holds what one decode step emits.
type StepOutput struct {
	// Frame is [1, odim, r].
	Frame     *onnx.Tensor
	StopProb  []float32
	Attention []float32
}

// Result is the outcome of one synthesis call.
type Result struct {
	// Frames is [1, odim, T].
	Frames            *onnx.Tensor
	StopProbabilities [][]float32
	Attention         [][]float32
	Iterations        int
}

// TimeLength returns T, the number of output frames.
func (r *Result) TimeLength() int {
	if r == nil || r.Frames == nil {
		return 0
	}

	shape := r.Frames.Shape()

	return int(shape[len(shape)-1])
}

// checkShape verifies s against the decoder dimensions.
func (s StepState) checkShape(hp HParams, length int) error {
	if len(s.Cells) != hp.DLayers || len(s.Hidden) != hp.DLayers {
		return fmt.Errorf("%w: state has %d cell and %d hidden layers, want %d",
			ErrModelContract, len(s.Cells), len(s.Hidden), hp.DLayers)
	}

	for i := range hp.DLayers {
		if len(s.Cells[i]) != hp.DUnits {
			return fmt.Errorf("%w: cell state %d has width %d, want %d", ErrModelContract, i, len(s.Cells[i]), hp.DUnits)
		}

		if len(s.Hidden[i]) != hp.DUnits {
			return fmt.Errorf("%w: hidden state %d has width %d, want %d", ErrModelContract, i, len(s.Hidden[i]), hp.DUnits)
		}
	}

	if len(s.PrevAttention) != length {
		return fmt.Errorf("%w: attention has length %d, want %d", ErrModelContract, len(s.PrevAttention), length)
	}

	if len(s.PrevFrame) != hp.ODim {
		return fmt.Errorf("%w: previous frame has width %d, want %d", ErrModelContract, len(s.PrevFrame), hp.ODim)
	}

	return nil
}

func zeroLayers(n, width int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, width)
	}

	return out
}
