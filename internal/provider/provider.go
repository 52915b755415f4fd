package provider

import (
	"context"

	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
)

// Status is the canonical status vocabulary every adapter translates into
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// IsTerminal reports whether the provider is done with the job
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

type SubmitRequest struct {
	Kind  domain.JobKind
	Model string
	Input domain.Input
	// JobID is passed along for provider-side correlation only
	JobID string
}

type SubmitResult struct {
	Ref    string
	Status Status
}

type PollResult struct {
	Status  Status
	Output  []string
	Message string // provider error text when Status is failed
}

// Adapter is the uniform interface to a remote inference backend.
// Implementations must stay stateless with respect to job records.
type Adapter interface {
	// Submit starts a long-running job and returns without waiting for it
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	Poll(ctx context.Context, ref string) (PollResult, error)
	// Cancel is idempotent: canceling a finished job is not an error
	Cancel(ctx context.Context, ref string) error
	Name() string
}
