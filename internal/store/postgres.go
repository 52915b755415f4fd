package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
)

// database is the subset of *sqlx.DB the store uses
type database interface {
	execer
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	PingContext(ctx context.Context) error
}

// PostgresStore persists jobs and batches in PostgreSQL
type PostgresStore struct {
	db     database
	logger *slog.Logger
}

func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const jobColumns = `
	id, provider_ref, kind, model, owner_id, input, status, output, error,
	cost_estimate, parent_batch_id, depends_on, version, created_at, updated_at`

type jobRow struct {
	ID            string         `db:"id"`
	ProviderRef   string         `db:"provider_ref"`
	Kind          string         `db:"kind"`
	Model         string         `db:"model"`
	OwnerID       string         `db:"owner_id"`
	Input         []byte         `db:"input"`
	Status        string         `db:"status"`
	Output        []byte         `db:"output"`
	Error         []byte         `db:"error"`
	CostEstimate  float64        `db:"cost_estimate"`
	ParentBatchID string         `db:"parent_batch_id"`
	DependsOn     pq.StringArray `db:"depends_on"`
	Version       int64          `db:"version"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	job := &domain.Job{
		ID:            r.ID,
		ProviderRef:   r.ProviderRef,
		Kind:          domain.JobKind(r.Kind),
		Model:         r.Model,
		OwnerID:       r.OwnerID,
		Status:        domain.JobStatus(r.Status),
		CostEstimate:  r.CostEstimate,
		ParentBatchID: r.ParentBatchID,
		DependsOn:     []string(r.DependsOn),
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(r.Input) > 0 {
		if err := json.Unmarshal(r.Input, &job.Input); err != nil {
			return nil, fmt.Errorf("failed to decode input of job %s: %w", r.ID, err)
		}
	}
	if len(r.Output) > 0 {
		if err := json.Unmarshal(r.Output, &job.Output); err != nil {
			return nil, fmt.Errorf("failed to decode output of job %s: %w", r.ID, err)
		}
	}
	if len(r.Error) > 0 {
		job.Error = &domain.JobError{}
		if err := json.Unmarshal(r.Error, job.Error); err != nil {
			return nil, fmt.Errorf("failed to decode error of job %s: %w", r.ID, err)
		}
	}
	return job, nil
}

// encodeMutable returns the JSON columns; a nil output or error is stored as NULL
func encodeMutable(job *domain.Job) (output, jobErr []byte, err error) {
	if job.Output != nil {
		if output, err = json.Marshal(job.Output); err != nil {
			return nil, nil, fmt.Errorf("failed to marshal output: %w", err)
		}
	}
	if job.Error != nil {
		if jobErr, err = json.Marshal(job.Error); err != nil {
			return nil, nil, fmt.Errorf("failed to marshal error: %w", err)
		}
	}
	return output, jobErr, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertJob(ctx context.Context, db execer, job *domain.Job) error {
	input, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}
	output, jobErr, err := encodeMutable(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9,
			$10, $11, $12, $13, $14, $15
		)
	`
	// depends_on is NOT NULL; a nil slice would bind as NULL
	dependsOn := job.DependsOn
	if dependsOn == nil {
		dependsOn = []string{}
	}
	_, err = db.ExecContext(ctx, query,
		job.ID, job.ProviderRef, job.Kind, job.Model, job.OwnerID,
		input, job.Status, output, jobErr,
		job.CostEstimate, job.ParentBatchID, pq.Array(dependsOn),
		job.Version, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *domain.Job) error {
	return insertJob(ctx, s.db, job)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain()
}

func (s *PostgresStore) GetJobs(ctx context.Context, ids []string) ([]*domain.Job, error) {
	if len(ids) == 0 {
		return []*domain.Job{}, nil
	}
	var rows []jobRow
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ANY($1)`

	if err := s.db.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to get jobs: %w", err)
	}
	return toDomainJobs(rows)
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *domain.Job) error {
	output, jobErr, err := encodeMutable(job)
	if err != nil {
		return err
	}

	// provider_ref is written once; version is the compare-and-swap guard
	query := `
		UPDATE jobs
		SET status = $1,
		    provider_ref = CASE WHEN provider_ref = '' THEN $2 ELSE provider_ref END,
		    output = $3,
		    error = $4,
		    updated_at = $5,
		    version = version + 1
		WHERE id = $6
		  AND version = $7
		  AND (provider_ref = '' OR provider_ref = $2)
	`
	result, err := s.db.ExecContext(ctx, query,
		job.Status, job.ProviderRef, output, jobErr, job.UpdatedAt, job.ID, job.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 1 {
		job.Version++
		return nil
	}

	return s.updateConflict(ctx, job)
}

type jobVersion struct {
	Version     int64  `db:"version"`
	ProviderRef string `db:"provider_ref"`
}

// updateConflict explains why a guarded update matched no row
func (s *PostgresStore) updateConflict(ctx context.Context, job *domain.Job) error {
	var current jobVersion
	err := s.db.GetContext(ctx, &current, `SELECT version, provider_ref FROM jobs WHERE id = $1`, job.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("failed to inspect job conflict: %w", err)
	}

	if current.Version != job.Version {
		s.logger.Warn("Job update lost compare-and-swap",
			slog.String("job_id", job.ID),
			slog.Int64("expected_version", job.Version),
			slog.Int64("stored_version", current.Version),
		)
		return fmt.Errorf("%w: job %s at version %d, have %d", domain.ErrStaleVersion, job.ID, current.Version, job.Version)
	}
	return domain.ErrProviderRefSet
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.BatchID != "" {
		query += fmt.Sprintf(" AND parent_batch_id = $%d", argIdx)
		args = append(args, filter.BatchID)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return toDomainJobs(rows)
}

func toDomainJobs(rows []jobRow) ([]*domain.Job, error) {
	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

type batchRow struct {
	ID        string         `db:"id"`
	OwnerID   string         `db:"owner_id"`
	Kind      string         `db:"kind"`
	JobIDs    pq.StringArray `db:"job_ids"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r *batchRow) toDomain() *domain.Batch {
	return &domain.Batch{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Kind:      domain.BatchKind(r.Kind),
		JobIDs:    []string(r.JobIDs),
		CreatedAt: r.CreatedAt,
	}
}

func (s *PostgresStore) CreateBatch(ctx context.Context, batch *domain.Batch, jobs []*domain.Job) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (id, owner_id, kind, job_ids, created_at) VALUES ($1, $2, $3, $4, $5)`,
		batch.ID, batch.OwnerID, batch.Kind, pq.Array(batch.JobIDs), batch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}

	for _, j := range jobs {
		if err := insertJob(ctx, tx, j); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	s.logger.Info("Batch created",
		slog.String("batch_id", batch.ID),
		slog.String("kind", string(batch.Kind)),
		slog.Int("jobs", len(jobs)),
	)
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	var row batchRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, owner_id, kind, job_ids, created_at FROM batches WHERE id = $1`, batchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return row.toDomain(), nil
}

func (s *PostgresStore) ReplaceBatchMember(ctx context.Context, batchID, oldJobID string, newJob *domain.Job) (*domain.Batch, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row batchRow
	err = tx.GetContext(ctx, &row,
		`SELECT id, owner_id, kind, job_ids, created_at FROM batches WHERE id = $1 FOR UPDATE`, batchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to lock batch: %w", err)
	}

	idx := slices.Index([]string(row.JobIDs), oldJobID)
	if idx < 0 {
		return nil, domain.ErrNotBatchMember
	}

	if err := insertJob(ctx, tx, newJob); err != nil {
		return nil, err
	}

	row.JobIDs[idx] = newJob.ID
	if _, err := tx.ExecContext(ctx, `UPDATE batches SET job_ids = $1 WHERE id = $2`, pq.Array([]string(row.JobIDs)), batchID); err != nil {
		return nil, fmt.Errorf("failed to update batch members: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch member replacement: %w", err)
	}

	s.logger.Info("Batch member replaced",
		slog.String("batch_id", batchID),
		slog.String("old_job_id", oldJobID),
		slog.String("new_job_id", newJob.ID),
	)
	return row.toDomain(), nil
}
