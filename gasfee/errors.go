package gasfee

import (
	"errors"
	"fmt"
)

var (
	// ErrNoGasQuote is returned when an estimation method (or the
	// whole cascade) could not produce any quote.
	ErrNoGasQuote = errors.New("failed to get gas price")

	// ErrTooManyRequests marks a rate-limit answer. It is never
	// absorbed by the cascade.
	ErrTooManyRequests = errors.New("too many requests")
)

// FeeOutOfRangeError reports a quote above the caller's ceiling. The
// cascade treats it like a failed quote and moves on; a pinned method
// surfaces it directly.
type FeeOutOfRangeError struct {
	FeeGwei     float64
	CeilingGwei float64
}

func (e *FeeOutOfRangeError) Error() string {
	return fmt.Sprintf("gas price exceeded: upper bound is %g gwei but quote is %g gwei", e.CeilingGwei, e.FeeGwei)
}

// cascades reports whether the auto-cascade may absorb err and try
// the next method.
func cascades(err error) bool {
	if errors.Is(err, ErrTooManyRequests) {
		return false
	}

	if errors.Is(err, ErrNoGasQuote) {
		return true
	}

	feeErr := &FeeOutOfRangeError{}

	return errors.As(err, &feeErr)
}
