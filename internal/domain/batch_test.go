package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobWithStatus(t *testing.T, id string, status JobStatus) *Job {
	t.Helper()
	now := time.Now()
	j := NewJob(id, "owner-1", KindVideoGeneration, "m", nil, now)
	require.NoError(t, j.MarkSubmitting(now))
	if status == JobStatusFailed {
		require.NoError(t, j.MarkSubmissionFailed("rejected", now))
		return j
	}
	require.NoError(t, j.MarkRunning("ref-"+id, now))

	switch status {
	case JobStatusSucceeded:
		require.NoError(t, j.Succeed([]string{"https://cdn/" + id + ".mp4"}, now))
	case JobStatusCanceled:
		require.NoError(t, j.Cancel(now))
	case JobStatusTimedOut:
		require.NoError(t, j.TimeOut(time.Minute, now))
	}
	return j
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name          string
		statuses      []JobStatus
		completed     int
		allSucceeded  bool
		anyFailed     bool
		succeededOuts int
	}{
		{
			name:          "all succeeded",
			statuses:      []JobStatus{JobStatusSucceeded, JobStatusSucceeded},
			completed:     2,
			allSucceeded:  true,
			succeededOuts: 2,
		},
		{
			name:          "mixed success and failure",
			statuses:      []JobStatus{JobStatusSucceeded, JobStatusFailed, JobStatusSucceeded},
			completed:     3,
			anyFailed:     true,
			succeededOuts: 2,
		},
		{
			name:          "still running",
			statuses:      []JobStatus{JobStatusSucceeded, JobStatusRunning},
			completed:     1,
			succeededOuts: 1,
		},
		{
			name:      "timed out and canceled count as failures",
			statuses:  []JobStatus{JobStatusTimedOut, JobStatusCanceled},
			completed: 2,
			anyFailed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := &Batch{ID: "batch-1", Kind: BatchKindVariationSet}
			var jobs []*Job
			for i, status := range tt.statuses {
				id := fmt.Sprintf("job-%d", i)
				batch.JobIDs = append(batch.JobIDs, id)
				jobs = append(jobs, jobWithStatus(t, id, status))
			}

			summary := Summarize(batch, jobs)

			assert.Equal(t, tt.completed, summary.CompletedCount)
			assert.Equal(t, tt.allSucceeded, summary.AllSucceeded)
			assert.Equal(t, tt.anyFailed, summary.AnyFailed)
			assert.Len(t, summary.SucceededOutputs(), tt.succeededOuts)
			assert.Equal(t, tt.completed == len(tt.statuses), summary.Done())
		})
	}
}

func TestSummarize_PreservesBatchOrder(t *testing.T) {
	batch := &Batch{ID: "b", JobIDs: []string{"job-2", "job-0", "job-1"}}
	// store order differs from batch order
	jobs := []*Job{
		jobWithStatus(t, "job-0", JobStatusSucceeded),
		jobWithStatus(t, "job-1", JobStatusFailed),
		jobWithStatus(t, "job-2", JobStatusSucceeded),
	}

	summary := Summarize(batch, jobs)

	require.Len(t, summary.Jobs, 3)
	assert.Equal(t, "job-2", summary.Jobs[0].JobID)
	assert.Equal(t, "job-0", summary.Jobs[1].JobID)
	assert.Equal(t, "job-1", summary.Jobs[2].JobID)
	assert.Nil(t, summary.Jobs[2].Output)

	outs := summary.SucceededOutputs()
	require.Len(t, outs, 2)
	assert.Equal(t, []string{"https://cdn/job-2.mp4"}, outs[0])
	assert.Equal(t, []string{"https://cdn/job-0.mp4"}, outs[1])
}

func TestSummarize_MissingMemberIsNotComplete(t *testing.T) {
	batch := &Batch{ID: "b", JobIDs: []string{"job-0", "ghost"}}
	summary := Summarize(batch, []*Job{jobWithStatus(t, "job-0", JobStatusSucceeded)})

	assert.Equal(t, 1, summary.CompletedCount)
	assert.False(t, summary.AllSucceeded)
	assert.False(t, summary.Done())
}

func TestSummarize_EmptyBatch(t *testing.T) {
	summary := Summarize(&Batch{ID: "b"}, nil)
	assert.False(t, summary.AllSucceeded)
	assert.True(t, summary.Done())
}
