package job

import "errors"

// Sentinel errors for record handling.
var (
	// ErrInvalidRecord indicates a record is missing required fields or
	// carries out-of-range values.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrBadTransition indicates a status change the state machine forbids.
	ErrBadTransition = errors.New("invalid status transition")
)

// IsInvalid returns true if the error indicates a malformed or incomplete
// record.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidRecord)
}

// IsBadTransition returns true if the error indicates a forbidden status
// change.
func IsBadTransition(err error) bool {
	return errors.Is(err, ErrBadTransition)
}
