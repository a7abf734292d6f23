package encode

import (
	"errors"
	"fmt"
)

var (
	// ErrFatalEncoding is matched by every *FatalError.
	ErrFatalEncoding = errors.New("fatal encoding error")

	// ErrTierLadderExhausted is returned when every tier failed with
	// resource exhaustion.
	ErrTierLadderExhausted = errors.New("all encoding tiers exhausted")
)

// FatalError stops escalation: a smaller tier would fail the same way.
type FatalError struct {
	Tier Tier
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s on tier %q: %v", ErrFatalEncoding, e.Tier.Description, e.Err)
}

func (e *FatalError) Unwrap() []error {
	return []error{ErrFatalEncoding, e.Err}
}
