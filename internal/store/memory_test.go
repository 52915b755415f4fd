package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func runningJob(t *testing.T, id, owner string, createdAt time.Time) *domain.Job {
	t.Helper()
	j := domain.NewJob(id, owner, domain.KindVideoGeneration, "acme/video", domain.Input{"prompt": id}, createdAt)
	require.NoError(t, j.MarkSubmitting(createdAt))
	require.NoError(t, j.MarkRunning("ref-"+id, createdAt))
	return j
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	j := runningJob(t, "job-1", "owner-1", t0)

	require.NoError(t, s.CreateJob(ctx, j))
	assert.Error(t, s.CreateJob(ctx, j), "duplicate ids are rejected")

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, j, got)

	// mutating the returned copy must not leak into the store
	got.Input["prompt"] = "changed"
	again, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", again.Input["prompt"])

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestMemoryStore_UpdateCompareAndSwap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, runningJob(t, "job-1", "owner-1", t0)))

	first, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	second, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)

	require.NoError(t, first.Succeed([]string{"https://cdn/a.mp4"}, t0.Add(time.Minute)))
	require.NoError(t, s.UpdateJob(ctx, first))
	assert.Equal(t, int64(1), first.Version)

	require.NoError(t, second.Cancel(t0.Add(time.Minute)))
	err = s.UpdateJob(ctx, second)
	assert.ErrorIs(t, err, domain.ErrStaleVersion)

	stored, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, stored.Status)
	assert.Equal(t, []string{"https://cdn/a.mp4"}, stored.Output)
	assert.Equal(t, int64(1), stored.Version)
}

func TestMemoryStore_UpdateKeepsProviderRef(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, runningJob(t, "job-1", "owner-1", t0)))

	j, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	j.ProviderRef = "other"
	assert.ErrorIs(t, s.UpdateJob(ctx, j), domain.ErrProviderRefSet)

	assert.ErrorIs(t, s.UpdateJob(ctx, &domain.Job{ID: "missing"}), domain.ErrJobNotFound)
}

func TestMemoryStore_ConcurrentWritersOneWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, runningJob(t, "job-1", "owner-1", t0)))

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		j, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		require.NoError(t, j.Succeed([]string{fmt.Sprintf("https://cdn/%d.mp4", i)}, t0.Add(time.Second)))

		wg.Add(1)
		go func(j *domain.Job) {
			defer wg.Done()
			results <- s.UpdateJob(ctx, j)
		}(j)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrStaleVersion)
	}
	assert.Equal(t, 1, wins)
}

func TestMemoryStore_ListJobs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateJob(ctx, runningJob(t, fmt.Sprintf("job-%d", i), "owner-1", t0.Add(time.Duration(i)*time.Second))))
	}
	// same timestamp as job-4, ordered by id
	require.NoError(t, s.CreateJob(ctx, runningJob(t, "job-9", "owner-1", t0.Add(4*time.Second))))
	require.NoError(t, s.CreateJob(ctx, runningJob(t, "job-x", "owner-2", t0)))

	page, err := s.ListJobs(ctx, JobFilter{OwnerID: "owner-1", Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, []string{"job-9", "job-4", "job-3"}, ids(page))

	last := page[len(page)-1]
	next, err := s.ListJobs(ctx, JobFilter{
		OwnerID: "owner-1",
		Limit:   10,
		Cursor:  &JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"job-2", "job-1", "job-0"}, ids(next))

	byStatus, err := s.ListJobs(ctx, JobFilter{Status: domain.JobStatusSucceeded})
	require.NoError(t, err)
	assert.Empty(t, byStatus)
}

func TestMemoryStore_Batches(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := runningJob(t, "job-a", "owner-1", t0)
	b := runningJob(t, "job-b", "owner-1", t0)
	a.ParentBatchID, b.ParentBatchID = "batch-1", "batch-1"
	batch := &domain.Batch{ID: "batch-1", OwnerID: "owner-1", Kind: domain.BatchKindVariationSet, JobIDs: []string{"job-a", "job-b"}, CreatedAt: t0}

	require.NoError(t, s.CreateBatch(ctx, batch, []*domain.Job{a, b}))

	got, err := s.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a", "job-b"}, got.JobIDs)

	members, err := s.ListJobs(ctx, JobFilter{BatchID: "batch-1"})
	require.NoError(t, err)
	assert.Len(t, members, 2)

	jobs, err := s.GetJobs(ctx, []string{"job-b", "missing", "job-a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"job-b", "job-a"}, ids(jobs))

	_, err = s.GetBatch(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestMemoryStore_CreateBatchIsAtomic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, runningJob(t, "job-b", "owner-1", t0)))

	batch := &domain.Batch{ID: "batch-1", JobIDs: []string{"job-a", "job-b"}}
	err := s.CreateBatch(ctx, batch, []*domain.Job{runningJob(t, "job-a", "owner-1", t0), runningJob(t, "job-b", "owner-1", t0)})
	require.Error(t, err)

	_, err = s.GetBatch(ctx, "batch-1")
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
	_, err = s.GetJob(ctx, "job-a")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestMemoryStore_ReplaceBatchMember(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	batch := &domain.Batch{ID: "batch-1", JobIDs: []string{"job-a", "job-b", "job-c"}}
	require.NoError(t, s.CreateBatch(ctx, batch, []*domain.Job{
		runningJob(t, "job-a", "owner-1", t0),
		runningJob(t, "job-b", "owner-1", t0),
		runningJob(t, "job-c", "owner-1", t0),
	}))

	updated, err := s.ReplaceBatchMember(ctx, "batch-1", "job-b", runningJob(t, "job-b2", "owner-1", t0))
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a", "job-b2", "job-c"}, updated.JobIDs)

	// the superseded job stays readable
	old, err := s.GetJob(ctx, "job-b")
	require.NoError(t, err)
	assert.Equal(t, "job-b", old.ID)

	_, err = s.ReplaceBatchMember(ctx, "batch-1", "job-b", runningJob(t, "job-b3", "owner-1", t0))
	assert.ErrorIs(t, err, domain.ErrNotBatchMember)

	_, err = s.ReplaceBatchMember(ctx, "missing", "job-a", runningJob(t, "job-z", "owner-1", t0))
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func ids(jobs []*domain.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
