package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks a network or backend failure. Polls retry it with backoff.
	ErrTransport = errors.New("backend transport error")
	// ErrNotFound is returned when the backend has no record of a job id.
	ErrNotFound = errors.New("job not found on backend")
	// ErrTrackingAbandoned is the cause recorded once the failure ceiling is reached.
	ErrTrackingAbandoned = errors.New("tracking abandoned")

	ErrEmptyBatch  = errors.New("batch has no items")
	ErrInvalidItem = errors.New("invalid batch item")
	ErrDuplicateID = errors.New("duplicate job id")
)

// SubmissionError reports a batch that never became a tracked job.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit batch: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TransportError wraps err so it matches ErrTransport.
func TransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
