package chat

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures of the sync and send paths.
type Kind int

const (
	// NetworkFailure is transient and retried with backoff.
	NetworkFailure Kind = iota
	// ProtocolRejection means the server refused the request.
	ProtocolRejection
	// DuplicateExternalID means an external id is already bound to another row.
	DuplicateExternalID
	// StorageFailure is a failed local transaction.
	StorageFailure
	// Anomaly is an update whose content contradicts the stored row.
	Anomaly
)

func (k Kind) String() string {
	switch k {
	case NetworkFailure:
		return "network_failure"
	case ProtocolRejection:
		return "protocol_rejection"
	case DuplicateExternalID:
		return "duplicate_external_id"
	case StorageFailure:
		return "storage_failure"
	case Anomaly:
		return "anomaly"
	default:
		return "unknown"
	}
}

var (
	// ErrRejected is wrapped by remote channels when the server rejects a request.
	ErrRejected = errors.New("rejected by server")
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
)

// DuplicateExternalIDError reports an attempt to bind an external id that
// already belongs to another local row.
type DuplicateExternalIDError struct {
	ExternalID      string
	LocalID         int64
	ExistingLocalID int64
}

func (e *DuplicateExternalIDError) Error() string {
	return fmt.Sprintf("external id %q already bound to message %d (attempted %d)", e.ExternalID, e.ExistingLocalID, e.LocalID)
}

// ContentMismatchError reports an update whose body differs from the stored
// message with the same identity.
type ContentMismatchError struct {
	LocalID    int64
	ExternalID string
}

func (e *ContentMismatchError) Error() string {
	return fmt.Sprintf("message %d (%s): incoming body differs from stored body", e.LocalID, e.ExternalID)
}

// Rejected wraps ErrRejected with the server's reason.
func Rejected(reason string) error {
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}

type storageError struct {
	op  string
	err error
}

func (e *storageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.op, e.err) }
func (e *storageError) Unwrap() error { return e.err }

// Storage marks err as a local storage failure of op.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &storageError{op: op, err: err}
}

// KindOf classifies err. Anything unrecognised is treated as a network
// failure so it is retried rather than dropped.
func KindOf(err error) Kind {
	var dup *DuplicateExternalIDError
	var mismatch *ContentMismatchError
	var se *storageError
	switch {
	case errors.As(err, &dup):
		return DuplicateExternalID
	case errors.As(err, &mismatch):
		return Anomaly
	case errors.As(err, &se):
		return StorageFailure
	case errors.Is(err, ErrRejected):
		return ProtocolRejection
	case errors.Is(err, context.DeadlineExceeded):
		return NetworkFailure
	default:
		return NetworkFailure
	}
}

// Retryable reports whether the retry queue should try again later.
func Retryable(err error) bool {
	switch KindOf(err) {
	case NetworkFailure, StorageFailure:
		return true
	default:
		return false
	}
}
