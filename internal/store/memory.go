package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
)

// MemoryStore keeps records in process memory. Reads and writes copy the
// records so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*domain.Job
	batches map[string]*domain.Batch
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*domain.Job),
		batches: make(map[string]*domain.Batch),
	}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) GetJobs(ctx context.Context, ids []string) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[job.ID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if stored.Version != job.Version {
		return fmt.Errorf("%w: job %s at version %d, have %d", domain.ErrStaleVersion, job.ID, stored.Version, job.Version)
	}
	if stored.ProviderRef != "" && job.ProviderRef != stored.ProviderRef {
		return domain.ErrProviderRefSet
	}

	next := stored.Clone()
	next.Status = job.Status
	next.ProviderRef = job.ProviderRef
	next.Output = slices.Clone(job.Output)
	next.Error = nil
	if job.Error != nil {
		e := *job.Error
		next.Error = &e
	}
	next.UpdatedAt = job.UpdatedAt
	next.Version++

	s.jobs[job.ID] = next
	job.Version = next.Version
	return nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	matched := make([]*domain.Job, 0)
	for _, j := range s.jobs {
		if matches(j, filter) {
			matched = append(matched, j.Clone())
		}
	}
	s.mu.RUnlock()

	// newest first, ties broken by id, mirroring ORDER BY created_at DESC, id DESC
	slices.SortFunc(matched, func(a, b *domain.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		default:
			return 0
		}
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func matches(j *domain.Job, f JobFilter) bool {
	if f.OwnerID != "" && j.OwnerID != f.OwnerID {
		return false
	}
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.BatchID != "" && j.ParentBatchID != f.BatchID {
		return false
	}
	if f.Cursor != nil {
		// (created_at, id) < (cursor.created_at, cursor.id)
		if j.CreatedAt.After(f.Cursor.CreatedAt) {
			return false
		}
		if j.CreatedAt.Equal(f.Cursor.CreatedAt) && j.ID >= f.Cursor.JobID {
			return false
		}
	}
	return true
}

func (s *MemoryStore) CreateBatch(ctx context.Context, batch *domain.Batch, jobs []*domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[batch.ID]; exists {
		return fmt.Errorf("batch %s already exists", batch.ID)
	}
	for _, j := range jobs {
		if _, exists := s.jobs[j.ID]; exists {
			return fmt.Errorf("job %s already exists", j.ID)
		}
	}

	s.batches[batch.ID] = batch.Clone()
	for _, j := range jobs {
		s.jobs[j.ID] = j.Clone()
	}
	return nil
}

func (s *MemoryStore) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) ReplaceBatchMember(ctx context.Context, batchID, oldJobID string, newJob *domain.Job) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	idx := slices.Index(b.JobIDs, oldJobID)
	if idx < 0 {
		return nil, domain.ErrNotBatchMember
	}
	if _, exists := s.jobs[newJob.ID]; exists {
		return nil, fmt.Errorf("job %s already exists", newJob.ID)
	}

	s.jobs[newJob.ID] = newJob.Clone()
	b.JobIDs[idx] = newJob.ID
	return b.Clone(), nil
}
