package tacotron

import "fmt"

// Decision is the outcome of one StoppingPolicy evaluation.
type Decision int

const (
	// Continue means no stop condition fired.
	Continue Decision = iota
	// BelowMin means a stop condition fired before the minimum length.
	BelowMin
	// Stop ends the loop after the current step's outputs are recorded.
	Stop
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case BelowMin:
		return "below_min"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// StoppingPolicy decides after every step whether decoding is done. The
// minimum length always wins over the stop probability and maxlen.
type StoppingPolicy struct {
	threshold float64
	minlen    int
	maxlen    int
}

// NewStoppingPolicy rejects maxlen < minlen, where a probability trigger
// past maxlen would be suppressed forever.
func NewStoppingPolicy(threshold float64, minlen, maxlen int) (StoppingPolicy, error) {
	if maxlen < minlen {
		return StoppingPolicy{}, fmt.Errorf("%w: maxlen %d is below minlen %d", ErrUnboundedGeneration, maxlen, minlen)
	}

	return StoppingPolicy{threshold: threshold, minlen: minlen, maxlen: maxlen}, nil
}

// Decide evaluates the policy at output index (iterations × reduction
// factor) given that step's stop probabilities.
func (p StoppingPolicy) Decide(index int, probs []float32) Decision {
	if !p.exceedsThreshold(probs) && index < p.maxlen {
		return Continue
	}

	if index < p.minlen {
		return BelowMin
	}

	return Stop
}

func (p StoppingPolicy) MinLen() int { return p.minlen }

func (p StoppingPolicy) MaxLen() int { return p.maxlen }

func (p StoppingPolicy) exceedsThreshold(probs []float32) bool {
	for _, v := range probs {
		if float64(v) >= p.threshold {
			return true
		}
	}

	return false
}
