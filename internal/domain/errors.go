package domain

import "errors"

var (
	// ErrValidation rejects malformed input such as an empty message.
	ErrValidation = errors.New("validation failed")
	// ErrPermission rejects an actor that may not perform the operation.
	ErrPermission = errors.New("permission denied")
	// ErrNotFound is returned for unknown conversations or messages.
	ErrNotFound = errors.New("not found")
	// ErrStoreUnavailable means the message store could not be reached.
	// Callers may retry manually.
	ErrStoreUnavailable = errors.New("message store unavailable")
	// ErrUnauthenticated means the caller presented no valid token.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrChannelUnavailable is a transient presence channel failure. Durable
	// operations never fail because of it.
	ErrChannelUnavailable = errors.New("presence channel unavailable")
)

// Error codes used on the wire for the sentinels above.
const (
	CodeValidation         = "validation_error"
	CodePermission         = "permission_denied"
	CodeNotFound           = "not_found"
	CodeStoreUnavailable   = "store_unavailable"
	CodeUnauthenticated    = "unauthenticated"
	CodeChannelUnavailable = "channel_unavailable"
	CodeInternal           = "internal_error"
)

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrPermission):
		return CodePermission
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrChannelUnavailable):
		return CodeChannelUnavailable
	}
	return CodeInternal
}

// ErrorFromCode maps a wire code back to its sentinel, or nil when unknown.
func ErrorFromCode(code string) error {
	switch code {
	case CodeValidation:
		return ErrValidation
	case CodePermission:
		return ErrPermission
	case CodeNotFound:
		return ErrNotFound
	case CodeStoreUnavailable:
		return ErrStoreUnavailable
	case CodeUnauthenticated:
		return ErrUnauthenticated
	case CodeChannelUnavailable:
		return ErrChannelUnavailable
	}
	return nil
}
