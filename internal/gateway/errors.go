package gateway

import (
	"errors"
	"fmt"
)

// ErrNoProvider is returned when no registered provider serves a model.
var ErrNoProvider = errors.New("no provider available")

// SubmissionError means a provider rejected a batch at submit time.
type SubmissionError struct {
	Provider string
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit batch to %s: %v", e.Provider, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TransientError wraps a check or retrieve failure that is worth retrying
// on the next tick.
type TransientError struct {
	Op       string
	Provider string
	BatchID  string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s batch %s on %s: %v", e.Op, e.BatchID, e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
