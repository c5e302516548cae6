package services

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput        = errors.New("credits: invalid input")
	ErrInsufficientCredits = errors.New("credits: insufficient credits")

	// ErrDuplicateRequest accompanies an existing reservation returned for a
	// job that is already in flight. It is an outcome, not a failure.
	ErrDuplicateRequest = errors.New("credits: duplicate request")

	ErrNotFound            = errors.New("credits: reservation not found")
	ErrAlreadyFinalized    = errors.New("credits: reservation already finalized")
	ErrAlreadyRefunded     = errors.New("credits: reservation already refunded")
	ErrInvalidRefundAmount = errors.New("credits: refund exceeds reserved amount")

	// ErrStoreUnavailable means the operation did not happen and may be retried.
	ErrStoreUnavailable = errors.New("credits: store unavailable")
)

// InsufficientCreditsError carries the shortfall so clients can display it.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("%s: required %d, available %d", ErrInsufficientCredits, e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

func (e *InsufficientCreditsError) Shortfall() int64 {
	return e.Required - e.Available
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

var domainErrors = []error{
	ErrInvalidInput,
	ErrInsufficientCredits,
	ErrDuplicateRequest,
	ErrNotFound,
	ErrAlreadyFinalized,
	ErrAlreadyRefunded,
	ErrInvalidRefundAmount,
	ErrStoreUnavailable,
}

// storeError passes engine errors through and wraps everything else, which
// can only have come from the ledger store, as ErrStoreUnavailable.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
