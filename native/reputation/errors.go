package reputation

import "errors"

// Category classifies a reputation error for callers that need to map it to
// a transport-level status code (e.g. the HTTP exit codes in spec.md §6).
type Category uint8

const (
	CategoryUnknown Category = iota
	CategorySignatureInvalid
	CategoryNonceAlreadyUsed
	CategoryNonceOverflow
	CategoryUnauthorized
	CategoryLimitExceeded
	CategoryStorageUnavailable
	CategoryMalformedRequest
)

var (
	// ErrSignatureInvalid marks a recovery mismatch or malformed signature.
	ErrSignatureInvalid = errors.New("reputation: signature invalid")
	// ErrNonceAlreadyUsed marks a nonce at or below the signer's high-water
	// mark.
	ErrNonceAlreadyUsed = errors.New("reputation: nonce already used")
	// ErrNonceOverflow marks a signer's nonce space exhaustion.
	ErrNonceOverflow = errors.New("reputation: nonce overflow")
	// ErrUnauthorized marks a missing admin/moderator role.
	ErrUnauthorized = errors.New("reputation: unauthorized")
	// ErrLimitExceeded marks a proof amount above MaxIDTByProof.
	ErrLimitExceeded = errors.New("reputation: limit exceeded")
	// ErrStorageUnavailable marks any backend I/O failure, including a
	// poisoned in-memory critical section.
	ErrStorageUnavailable = errors.New("reputation: storage unavailable")
	// ErrMalformedRequest marks a missing or invalid request field.
	ErrMalformedRequest = errors.New("reputation: malformed request")

	// ErrNotFound marks the absence of a requested record where the caller
	// distinguishes "absent" from "zero valued". Not part of the public
	// error taxonomy in spec.md §7; used internally for lookups that model
	// presence explicitly (e.g. forget-penalty reaping).
	errNotFound = errors.New("reputation: not found")
)

// ClassifyError maps a sentinel (or wrapped sentinel) error to its taxonomy
// category. Unrecognised errors classify as CategoryUnknown so callers can
// still surface a generic failure.
func ClassifyError(err error) Category {
	switch {
	case err == nil:
		return CategoryUnknown
	case errors.Is(err, ErrSignatureInvalid):
		return CategorySignatureInvalid
	case errors.Is(err, ErrNonceAlreadyUsed):
		return CategoryNonceAlreadyUsed
	case errors.Is(err, ErrNonceOverflow):
		return CategoryNonceOverflow
	case errors.Is(err, ErrUnauthorized):
		return CategoryUnauthorized
	case errors.Is(err, ErrLimitExceeded):
		return CategoryLimitExceeded
	case errors.Is(err, ErrStorageUnavailable):
		return CategoryStorageUnavailable
	case errors.Is(err, ErrMalformedRequest):
		return CategoryMalformedRequest
	default:
		return CategoryUnknown
	}
}
