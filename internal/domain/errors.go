package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrBatchNotFound is returned when a batch cannot be found in the store
	ErrBatchNotFound = errors.New("batch not found")

	// ErrInvalidTransition is returned when a status change would move the job backwards
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrStaleVersion is returned when a job was modified by another writer since it was read
	ErrStaleVersion = errors.New("job was modified concurrently")

	// ErrProviderRefSet is returned when a provider reference would be overwritten
	ErrProviderRefSet = errors.New("provider reference already set")

	// ErrDependencyNotReady is returned when a composition input has not succeeded yet
	ErrDependencyNotReady = errors.New("dependency not ready")

	// ErrOwnershipViolation is returned when a caller touches a job it does not own
	ErrOwnershipViolation = errors.New("ownership violation")

	// ErrInvalidRequest is returned when a submission payload is malformed
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSubmission is returned when the provider rejected the initial submit call
	ErrSubmission = errors.New("submission failed")

	// ErrNotBatchMember is returned when regenerating a job outside the batch
	ErrNotBatchMember = errors.New("job is not a member of the batch")
)

// ErrorClass is the stable machine-readable category of a job error
type ErrorClass string

const (
	ClassSubmission         ErrorClass = "SubmissionError"
	ClassTransientPoll      ErrorClass = "TransientPollError"
	ClassProviderFailure    ErrorClass = "ProviderReportedFailure"
	ClassDeadlineExceeded   ErrorClass = "DeadlineExceeded"
	ClassDependencyNotReady ErrorClass = "DependencyNotReady"
	ClassOwnership          ErrorClass = "OwnershipViolation"
)

// JobError is the error recorded on a failed or timed-out job
type JobError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
}

func (e *JobError) Error() string {
	return string(e.Class) + ": " + e.Message
}

// ClassOf maps err to its error class. The second result is false for errors
// that carry no class, such as store failures.
func ClassOf(err error) (ErrorClass, bool) {
	var jobErr *JobError
	switch {
	case err == nil:
		return "", false
	case errors.As(err, &jobErr):
		return jobErr.Class, true
	case errors.Is(err, ErrSubmission):
		return ClassSubmission, true
	case errors.Is(err, ErrDependencyNotReady):
		return ClassDependencyNotReady, true
	case errors.Is(err, ErrOwnershipViolation):
		return ClassOwnership, true
	default:
		return "", false
	}
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
