// Package apperr defines the error kinds shared by the accessioning, lifecycle
// and webhook packages. Callers wrap a kind with context using
// fmt.Errorf("%w: ...", kind) and classify with errors.Is.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrConfiguration reports missing or invalid key material or settings.
	// Operators must provision the configuration; retrying does not help.
	ErrConfiguration = errors.New("configuration error")

	// ErrPrecondition reports an operation invoked on an entity in the wrong state.
	ErrPrecondition = errors.New("precondition failed")

	// ErrAlreadyProcessed reports a one-shot transition invoked twice.
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrExhausted reports that the ID retry budget was spent without finding
	// a free identifier.
	ErrExhausted = errors.New("id space exhausted")

	// ErrRange reports a value outside the representable domain.
	ErrRange = errors.New("value out of range")

	// ErrValidation reports malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound reports a missing entity.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate reports a unique constraint violation on insert.
	ErrDuplicate = errors.New("duplicate key")

	// ErrPositionTaken reports a well position already occupied on a plate.
	ErrPositionTaken = errors.New("well position already occupied")

	// ErrProtocol reports a remote response that could not be interpreted.
	ErrProtocol = errors.New("protocol error")

	// ErrTransport reports a network failure, timeout or server error.
	ErrTransport = errors.New("transport error")

	// ErrAuthentication reports rejected remote credentials (HTTP 401).
	ErrAuthentication = errors.New("authentication failed")

	// ErrLocked reports that another run holds the synchronization lock.
	ErrLocked = errors.New("resource locked")
)

// Kind returns the first taxonomy error matched by err, or nil.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

var kinds = []error{
	ErrAlreadyProcessed,
	ErrPositionTaken,
	ErrDuplicate,
	ErrConfiguration,
	ErrPrecondition,
	ErrExhausted,
	ErrRange,
	ErrValidation,
	ErrNotFound,
	ErrProtocol,
	ErrTransport,
	ErrAuthentication,
	ErrLocked,
}

// HTTPStatus maps an error to the status code the HTTP surface answers with.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case ErrValidation, ErrRange:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrAlreadyProcessed, ErrPrecondition, ErrDuplicate, ErrPositionTaken, ErrLocked:
		return http.StatusConflict
	case ErrAuthentication, ErrTransport, ErrProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
