package apperrors

import "errors"

// Standardized venue errors. Every venue rejection is mapped onto this
// closed set so callers can select a shrink/backoff policy per call site
// instead of string-matching exchange messages.
var (
	ErrMarginInsufficient = errors.New("margin insufficient")
	ErrReduceOnlyRejected = errors.New("reduce-only order rejected")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrTransient          = errors.New("transient venue error")
	ErrFatal              = errors.New("fatal venue error")

	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateOrder       = errors.New("duplicate order")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInvalidSymbol        = errors.New("invalid symbol")

	ErrStateCorrupt = errors.New("state file corrupt")
)

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}

// IsFatal reports whether err must halt order mutation until an
// operator intervenes.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal) || errors.Is(err, ErrAuthenticationFailed)
}
