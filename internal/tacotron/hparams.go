package tacotron

import (
	"fmt"
	"slices"
)

// Graph names used to look up runners in a loaded bundle.
const (
	GraphEncoder     = "encoder"
	GraphPredecoder  = "predecoder"
	GraphDecoder     = "decoder"
	GraphPostdecoder = "postdecoder"
)

// HParams are the static decoder hyperparameters of one exported model.
type HParams struct {
	DLayers         int
	DUnits          int
	ODim            int
	ReductionFactor int

	Threshold   float64
	MaxLenRatio float64
	MinLenRatio float64
}

func (hp HParams) Validate() error {
	if hp.DLayers < 1 || hp.DUnits < 1 || hp.ODim < 1 {
		return fmt.Errorf("%w: decoder dimensions must be positive (dlayers=%d dunits=%d odim=%d)",
			ErrModelContract, hp.DLayers, hp.DUnits, hp.ODim)
	}

	if hp.ReductionFactor < 1 {
		return fmt.Errorf("%w: reduction_factor must be at least 1, got %d", ErrUnboundedGeneration, hp.ReductionFactor)
	}

	if hp.MaxLenRatio < 0 || hp.MinLenRatio < 0 {
		return fmt.Errorf("%w: length ratios must not be negative", ErrInvalidInput)
	}

	if hp.MaxLenRatio < hp.MinLenRatio {
		return fmt.Errorf("%w: maxlenratio %g is below minlenratio %g",
			ErrUnboundedGeneration, hp.MaxLenRatio, hp.MinLenRatio)
	}

	return nil
}

// LengthBounds returns maxlen and minlen for an input of n tokens. Both
// are truncated toward zero.
func (hp HParams) LengthBounds(n int) (maxlen, minlen int) {
	return int(float64(n) * hp.MaxLenRatio), int(float64(n) * hp.MinLenRatio)
}

// Capabilities records which optional encoder inputs the loaded encoder
// declares. It is computed once when the model is loaded.
type Capabilities struct {
	UseFeats  bool
	UseSIDs   bool
	UseSpembs bool
	UseLIDs   bool
}

// CapabilitiesFromInputs derives Capabilities from the encoder's declared
// input names.
func CapabilitiesFromInputs(names []string) Capabilities {
	return Capabilities{
		UseFeats:  slices.Contains(names, "feats"),
		UseSIDs:   slices.Contains(names, "sids"),
		UseSpembs: slices.Contains(names, "spembs"),
		UseLIDs:   slices.Contains(names, "lids"),
	}
}
