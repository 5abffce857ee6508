package model

import "errors"

// All errors below are recoverable and map to a user-facing message.
var (
	ErrInvalidGroupSize       = errors.New("group size must be between 5 and 7")
	ErrInvalidParty           = errors.New("invalid party details")
	ErrDayNotFound            = errors.New("event day not found")
	ErrDayClosed              = errors.New("event day is closed")
	ErrCapacityExceeded       = errors.New("event day is sold out")
	ErrNotFound               = errors.New("booking not found")
	ErrAlreadyCancelled       = errors.New("booking already cancelled")
	ErrTimeout                = errors.New("operation timed out")
	ErrConflictRetryExhausted = errors.New("too many concurrent updates, try again")
	ErrIdempotencyConflict    = errors.New("idempotency key reused with different parameters")
	ErrInvalidTransition      = errors.New("booking cannot change to the requested state")
	ErrPaymentExpired         = errors.New("payment window expired")
	ErrAlreadyCheckedIn       = errors.New("booking already checked in")
	ErrInvalidPromo           = errors.New("promo code is not valid")
)

// IsDomain reports whether err carries one of the outcomes above other than
// ErrTimeout. Such an error is a definite answer and must not be reported as
// a timeout even when the context expired at the same moment.
func IsDomain(err error) bool {
	for _, target := range []error{
		ErrInvalidGroupSize, ErrInvalidParty, ErrDayNotFound, ErrDayClosed,
		ErrCapacityExceeded, ErrNotFound, ErrAlreadyCancelled, ErrConflictRetryExhausted,
		ErrIdempotencyConflict, ErrInvalidTransition, ErrPaymentExpired, ErrAlreadyCheckedIn,
		ErrInvalidPromo,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
