package bound

import (
	"errors"
	"fmt"
)

var (
	// ErrMultipleWriters means another process wrote the bound while this one
	// believed it was the only writer. It must never be retried.
	ErrMultipleWriters = errors.New("multiple timestamp services are running")
	// ErrMalformedRecord is returned for a stored bound that cannot be parsed.
	ErrMalformedRecord = errors.New("malformed bound record")
)

// MultipleWritersError carries the conflicting record. It matches
// ErrMultipleWriters with errors.Is.
type MultipleWritersError struct {
	Owner string
	Found Record
}

func (e *MultipleWritersError) Error() string {
	return fmt.Sprintf("%v: expected owner %s, found %q", ErrMultipleWriters, e.Owner, e.Found.String())
}

func (e *MultipleWritersError) Is(target error) bool {
	return target == ErrMultipleWriters
}

// TransientError wraps failures that are safe to retry, like a lost
// compare-and-swap against our own previous write or an unreachable backend.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient bound store failure: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err may go away by trying again.
func IsRetryable(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
