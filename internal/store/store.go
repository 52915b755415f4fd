package store

import (
	"context"
	"time"

	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
)

// Store is the durable record of every job and batch. Jobs are never deleted.
type Store interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	// GetJobs returns the jobs that exist among ids; missing ids are skipped
	GetJobs(ctx context.Context, ids []string) ([]*domain.Job, error)
	// UpdateJob writes the mutable fields of job if job.Version matches the
	// stored version, then increments job.Version. A mismatch returns
	// domain.ErrStaleVersion.
	UpdateJob(ctx context.Context, job *domain.Job) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error)

	// CreateBatch persists the batch together with its member jobs, or nothing
	CreateBatch(ctx context.Context, batch *domain.Batch, jobs []*domain.Job) error
	GetBatch(ctx context.Context, batchID string) (*domain.Batch, error)
	// ReplaceBatchMember inserts newJob and swaps it in place of oldJobID
	ReplaceBatchMember(ctx context.Context, batchID, oldJobID string, newJob *domain.Job) (*domain.Batch, error)
}

// Pinger is implemented by stores backed by a remote database
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobFilter narrows ListJobs; zero fields match everything
type JobFilter struct {
	OwnerID string
	Kind    domain.JobKind
	Status  domain.JobStatus
	BatchID string
	Limit   int
	Cursor  *JobCursor
}

// JobCursor is the keyset position of the last job of the previous page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// DefaultListLimit applies when the filter leaves Limit unset
const DefaultListLimit = 20
