package tacotron

import "errors"

var (
	// ErrInvalidInput reports empty or malformed text or conditioning input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrMissingRequiredInput reports an optional encoder input that the
	// loaded encoder declares but the caller did not supply.
	ErrMissingRequiredInput = errors.New("missing required input")

	// ErrModelContract reports a graph output whose arity or shape does not
	// match what the decode loop expects.
	ErrModelContract = errors.New("model contract violation")

	// ErrUnboundedGeneration reports a length configuration under which the
	// decode loop may never stop.
	ErrUnboundedGeneration = errors.New("unbounded generation")
)
