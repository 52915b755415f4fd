package domain

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"
)

// Input is the provider-specific payload of a job. It is never modified after submission.
type Input map[string]any

// Input keys understood by the orchestrator itself; everything else is passed through
const (
	InputDuration   = "duration"
	InputResolution = "resolution"
	InputPrompt     = "prompt"
	InputStartImage = "start_image"
	InputEndImage   = "end_image"
)

// Duration returns the requested output length in seconds, or 0 when absent
func (in Input) Duration() float64 {
	switch v := in[InputDuration].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// Resolution returns the requested output resolution such as "720p"
func (in Input) Resolution() string {
	return in.String(InputResolution)
}

// String returns the value under key when it is a string
func (in Input) String(key string) string {
	s, _ := in[key].(string)
	return s
}

// Job represents one submitted unit of work against a provider
type Job struct {
	ID            string
	ProviderRef   string
	Kind          JobKind
	Model         string
	OwnerID       string
	Input         Input
	Status        JobStatus
	Output        []string
	Error         *JobError
	CostEstimate  float64
	ParentBatchID string
	DependsOn     []string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewJob creates a job in the queued state
func NewJob(id, ownerID string, kind JobKind, model string, input Input, now time.Time) *Job {
	return &Job{
		ID:        id,
		Kind:      kind,
		Model:     model,
		OwnerID:   ownerID,
		Input:     input,
		Status:    JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// transition moves the job to next and stamps updatedAt
func (j *Job) transition(next JobStatus, now time.Time) error {
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	if now.After(j.UpdatedAt) {
		j.UpdatedAt = now
	} else {
		// updatedAt must still move on every transition
		j.UpdatedAt = j.UpdatedAt.Add(time.Nanosecond)
	}
	return nil
}

// MarkSubmitting records that the submit call is in flight
func (j *Job) MarkSubmitting(now time.Time) error {
	return j.transition(JobStatusSubmitting, now)
}

// MarkRunning records a successful submission
func (j *Job) MarkRunning(providerRef string, now time.Time) error {
	if j.ProviderRef != "" && j.ProviderRef != providerRef {
		return ErrProviderRefSet
	}
	if err := j.transition(JobStatusRunning, now); err != nil {
		return err
	}
	j.ProviderRef = providerRef
	return nil
}

// MarkSubmissionFailed records that the provider rejected the submit call
func (j *Job) MarkSubmissionFailed(message string, now time.Time) error {
	if err := j.transition(JobStatusFailed, now); err != nil {
		return err
	}
	j.Error = &JobError{Class: ClassSubmission, Message: message}
	return nil
}

// Succeed records the provider output
func (j *Job) Succeed(output []string, now time.Time) error {
	if err := j.transition(JobStatusSucceeded, now); err != nil {
		return err
	}
	j.Output = slices.Clone(output)
	if j.Output == nil {
		j.Output = []string{}
	}
	j.Error = nil
	return nil
}

// Fail records a provider-reported failure
func (j *Job) Fail(class ErrorClass, message string, now time.Time) error {
	if err := j.transition(JobStatusFailed, now); err != nil {
		return err
	}
	j.Output = nil
	j.Error = &JobError{Class: class, Message: message}
	return nil
}

// Cancel records an explicit cancellation
func (j *Job) Cancel(now time.Time) error {
	if err := j.transition(JobStatusCanceled, now); err != nil {
		return err
	}
	j.Output = nil
	return nil
}

// TimeOut records that the local deadline elapsed
func (j *Job) TimeOut(deadline time.Duration, now time.Time) error {
	if err := j.transition(JobStatusTimedOut, now); err != nil {
		return err
	}
	j.Output = nil
	j.Error = &JobError{
		Class:   ClassDeadlineExceeded,
		Message: fmt.Sprintf("no terminal status within %s", deadline),
	}
	return nil
}

// OwnedBy reports whether ownerID may read or cancel the job.
// The anonymous identity bypasses the check when allowAnonymous is set.
func (j *Job) OwnedBy(ownerID string, allowAnonymous bool) bool {
	if allowAnonymous && ownerID == AnonymousOwner {
		return true
	}
	return j.OwnerID == ownerID
}

// Clone returns a deep copy of the job
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Input = maps.Clone(j.Input)
	c.Output = slices.Clone(j.Output)
	c.DependsOn = slices.Clone(j.DependsOn)
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// JobMessage represents a poll dispatch message from RabbitMQ
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}
