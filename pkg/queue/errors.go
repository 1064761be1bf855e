package queue

import (
	"errors"
	"fmt"
)

// Sentinel errors for store operations. These describe logical conditions;
// anything else wrapped in a StoreError is a real I/O failure.
var (
	// ErrExists indicates a record id is already present in the target
	// partition. Colliding ids never silently overwrite.
	ErrExists = errors.New("record already exists")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrMalformed indicates a record file that cannot be parsed.
	ErrMalformed = errors.New("malformed record")
)

// StoreError wraps store failures with operation context.
type StoreError struct {
	// Op is the operation that failed (e.g., "put", "move").
	Op string

	// Partition is the partition involved, if applicable.
	Partition Partition

	// ID is the record id, if applicable.
	ID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("store %s: %s/%s: %v", e.Op, e.Partition, e.ID, e.Err)
	}
	if e.Partition != "" {
		return fmt.Sprintf("store %s: %s: %v", e.Op, e.Partition, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsExists returns true if the error indicates an id collision.
func IsExists(err error) bool {
	return errors.Is(err, ErrExists)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsMalformed returns true if the error indicates an unparsable record file.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed)
}

// IsFatal reports whether err is a store I/O failure (disk full, permission)
// rather than a logical condition. I/O failures are the only error class that
// halts the engine; everything else is contained per record.
func IsFatal(err error) bool {
	var se *StoreError
	if !errors.As(err, &se) {
		return false
	}
	return !IsExists(err) && !IsNotFound(err) && !IsMalformed(err)
}
