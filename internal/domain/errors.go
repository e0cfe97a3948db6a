package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrBatchNotFound is returned when a batch id does not exist.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrRecordNotFound is returned when no canonical record has the key.
	ErrRecordNotFound = errors.New("canonical record not found")
	// ErrBatchNotClaimable is returned when a batch is not in the status an
	// operation requires, for example processing a batch that is already
	// being processed.
	ErrBatchNotClaimable = errors.New("batch is not claimable")
	// ErrInvalidTransition is returned for status moves the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid batch status transition")
)

// FailureKind classifies why a staged entry could not be reconciled.
type FailureKind string

const (
	FailureMissingRecord FailureKind = "missing_record"
	FailureInvalidValue  FailureKind = "invalid_value"
	FailureStorage       FailureKind = "storage"
)

// EntryError is an entry-level reconciliation error carrying its kind.
type EntryError struct {
	Kind FailureKind
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// NewEntryError wraps err with a failure kind.
func NewEntryError(kind FailureKind, err error) error {
	return &EntryError{Kind: kind, Err: err}
}

// FailureKindOf extracts the kind of an entry error; unclassified errors
// are treated as storage failures.
func FailureKindOf(err error) FailureKind {
	var entryErr *EntryError
	if errors.As(err, &entryErr) {
		return entryErr.Kind
	}
	return FailureStorage
}
