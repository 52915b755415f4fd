package handler

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
	"github.com/cuongbtq/mediagen-orchestrator/internal/provider"
	"github.com/cuongbtq/mediagen-orchestrator/internal/store"
)

func TestJobCursor_RoundTrip(t *testing.T) {
	in := &store.JobCursor{CreatedAt: time.Unix(1700000000, 123456789), JobID: "0b8f6a4e-5c1d-4a57-9a43-07c2f1c0e2a1"}

	out, err := DecodeJobCursor(EncodeJobCursor(in))

	require.NoError(t, err)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, in.JobID, out.JobID)
}

func TestDecodeJobCursor_Invalid(t *testing.T) {
	cursor, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, cursor)

	for _, raw := range []string{"***", "bm8tc2VwYXJhdG9y", "YWJjfGlk", "MTIzfA=="} {
		_, err := DecodeJobCursor(raw)
		assert.Error(t, err, raw)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("%w: bad kind", domain.ErrInvalidRequest), want: http.StatusBadRequest},
		{err: domain.ErrNotBatchMember, want: http.StatusBadRequest},
		{err: domain.ErrOwnershipViolation, want: http.StatusForbidden},
		{err: domain.ErrJobNotFound, want: http.StatusNotFound},
		{err: domain.ErrBatchNotFound, want: http.StatusNotFound},
		{err: domain.ErrDependencyNotReady, want: http.StatusConflict},
		{err: fmt.Errorf("%w: %w", domain.ErrSubmission, &provider.Error{Kind: provider.ErrRateLimited}), want: http.StatusBadGateway},
		{err: errors.New("connection refused"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
