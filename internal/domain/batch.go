package domain

import (
	"slices"
	"time"
)

// Batch is a set of sibling jobs created from one user action
type Batch struct {
	ID        string
	OwnerID   string
	Kind      BatchKind
	JobIDs    []string
	CreatedAt time.Time
}

// OwnedBy reports whether ownerID may read the batch
func (b *Batch) OwnedBy(ownerID string, allowAnonymous bool) bool {
	if allowAnonymous && ownerID == AnonymousOwner {
		return true
	}
	return b.OwnerID == ownerID
}

// Clone returns a deep copy of the batch
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	c := *b
	c.JobIDs = slices.Clone(b.JobIDs)
	return &c
}

// JobOutcome is the state of one batch member at the time of the summary
type JobOutcome struct {
	JobID  string
	Status JobStatus
	Output []string
	Error  *JobError
}

// BatchSummary is the aggregate view of a batch. It is always derived from the
// member jobs and never stored.
type BatchSummary struct {
	BatchID        string
	Kind           BatchKind
	Jobs           []JobOutcome
	CompletedCount int
	AllSucceeded   bool
	AnyFailed      bool
}

// Summarize aggregates jobs in the order of batch.JobIDs. Members missing from
// jobs are reported as queued, which keeps the batch non-terminal.
func Summarize(batch *Batch, jobs []*Job) BatchSummary {
	byID := make(map[string]*Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}

	summary := BatchSummary{
		BatchID:      batch.ID,
		Kind:         batch.Kind,
		Jobs:         make([]JobOutcome, 0, len(batch.JobIDs)),
		AllSucceeded: len(batch.JobIDs) > 0,
	}

	for _, id := range batch.JobIDs {
		outcome := JobOutcome{JobID: id, Status: JobStatusQueued}
		if j, ok := byID[id]; ok {
			outcome.Status = j.Status
			outcome.Error = j.Error
			if j.Status == JobStatusSucceeded {
				outcome.Output = slices.Clone(j.Output)
			}
		}

		if outcome.Status.IsTerminal() {
			summary.CompletedCount++
		}
		if outcome.Status != JobStatusSucceeded {
			summary.AllSucceeded = false
		}
		switch outcome.Status {
		case JobStatusFailed, JobStatusTimedOut, JobStatusCanceled:
			summary.AnyFailed = true
		}

		summary.Jobs = append(summary.Jobs, outcome)
	}

	return summary
}

// Done reports whether every member reached a terminal state
func (s BatchSummary) Done() bool {
	return s.CompletedCount == len(s.Jobs)
}

// SucceededOutputs returns the outputs of succeeded members in batch order
func (s BatchSummary) SucceededOutputs() [][]string {
	var outputs [][]string
	for _, o := range s.Jobs {
		if o.Status == JobStatusSucceeded {
			outputs = append(outputs, o.Output)
		}
	}
	return outputs
}
