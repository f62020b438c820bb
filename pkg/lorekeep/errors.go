package lorekeep

import (
	"errors"
	"fmt"
)

// ValidationError reports invalid caller input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewValidationError creates a validation error for a field
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a validation error
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ProviderUnavailableError is surfaced after the embedding provider retry
// budget is spent. Wraps the last transport cause.
type ProviderUnavailableError struct {
	Attempts int
	Cause    error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("embedding provider unavailable after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Cause }

// IsProviderUnavailable reports whether err is an exhausted-retries failure
func IsProviderUnavailable(err error) bool {
	var pe *ProviderUnavailableError
	return errors.As(err, &pe)
}

// IndexOperationError wraps a vector-index failure that was not classified
// as "not found". Already-sent batches are not rolled back.
type IndexOperationError struct {
	Op    string
	Cause error
}

func (e *IndexOperationError) Error() string {
	return fmt.Sprintf("vector index %s failed: %v", e.Op, e.Cause)
}

func (e *IndexOperationError) Unwrap() error { return e.Cause }

// IsIndexOperation reports whether err is a vector-index failure
func IsIndexOperation(err error) bool {
	var ie *IndexOperationError
	return errors.As(err, &ie)
}

// JobExecutionError is recorded on the job itself (status=failed), never
// returned to ProcessQueue's caller.
type JobExecutionError struct {
	JobID string
	Cause error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s execution failed: %v", e.JobID, e.Cause)
}

func (e *JobExecutionError) Unwrap() error { return e.Cause }
