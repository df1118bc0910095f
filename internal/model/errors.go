package model

import "errors"

// Error taxonomy shared across the pipeline and delivery queue. The messages
// double as wire codes.
var (
	ErrCredentialExpired    = errors.New("CREDENTIAL_EXPIRED")
	ErrAttemptLimitExceeded = errors.New("ATTEMPT_LIMIT_EXCEEDED")
	ErrMalformedEvidence    = errors.New("MALFORMED_EVIDENCE")
	ErrDuplicateAttempt     = errors.New("DUPLICATE_ATTEMPT")
	ErrRateLimited          = errors.New("RATE_LIMITED")
	ErrChannelUnavailable   = errors.New("CHANNEL_UNAVAILABLE")
	ErrDeliveryTimeout      = errors.New("DELIVERY_TIMEOUT")

	ErrNotFound          = errors.New("NOT_FOUND")
	ErrInvalidTransition = errors.New("INVALID_TRANSITION")
)

var taxonomy = []error{
	ErrCredentialExpired,
	ErrAttemptLimitExceeded,
	ErrMalformedEvidence,
	ErrDuplicateAttempt,
	ErrRateLimited,
	ErrChannelUnavailable,
	ErrDeliveryTimeout,
	ErrNotFound,
	ErrInvalidTransition,
}

// Code returns the taxonomy code wrapped by err, or "" when err is outside it.
func Code(err error) string {
	for _, t := range taxonomy {
		if errors.Is(err, t) {
			return t.Error()
		}
	}
	return ""
}

// ErrorForCode is the inverse of Code.
func ErrorForCode(code string) error {
	for _, t := range taxonomy {
		if t.Error() == code {
			return t
		}
	}
	return nil
}
