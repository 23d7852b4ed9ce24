package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const jobColumns = `id, name, query, location, radius_km, min_price, max_price,
	page_count, interval_seconds, is_active, last_run_at, next_run_at,
	last_run_status, last_run_message, last_run_duration_seconds,
	last_result_count, created_at, updated_at`

// JobPatch is a partial update: nil fields are left untouched.
type JobPatch struct {
	Query           *string
	Location        *string
	RadiusKm        *int
	MinPrice        *int
	MaxPrice        *int
	PageCount       *int
	IntervalSeconds *int
	IsActive        *bool
}

// Bookkeeping is the per-run outcome snapshot. The scheduler is its only
// writer.
type Bookkeeping struct {
	LastRunAt       time.Time
	NextRunAt       time.Time
	Status          string
	Message         string
	DurationSeconds float64
	ResultCount     int
}

// lastRunMessageLimit keeps error text bounded in the row.
const lastRunMessageLimit = 512

// CreateJob inserts a job definition. A duplicate name maps to
// ErrNameTaken.
func (s *Store) CreateJob(ctx context.Context, job ScheduledJob) (ScheduledJob, error) {
	err := s.q.GetContext(ctx, &job, `
		INSERT INTO scheduled_jobs (
			name, query, location, radius_km, min_price, max_price,
			page_count, interval_seconds, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+jobColumns,
		job.Name, job.Query, job.Location, job.RadiusKm, job.MinPrice, job.MaxPrice,
		job.PageCount, job.IntervalSeconds, job.IsActive)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ScheduledJob{}, ErrNameTaken
		}
		return ScheduledJob{}, fmt.Errorf("create job %s: %w", job.Name, err)
	}
	return job, nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (ScheduledJob, error) {
	var job ScheduledJob
	err := s.q.GetContext(ctx, &job,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledJob{}, ErrJobNotFound
	}
	if err != nil {
		return ScheduledJob{}, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// GetJobByName fetches one job by its unique name.
func (s *Store) GetJobByName(ctx context.Context, name string) (ScheduledJob, error) {
	var job ScheduledJob
	err := s.q.GetContext(ctx, &job,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledJob{}, ErrJobNotFound
	}
	if err != nil {
		return ScheduledJob{}, fmt.Errorf("get job %s: %w", name, err)
	}
	return job, nil
}

// ListJobs returns all job rows ordered by id.
func (s *Store) ListJobs(ctx context.Context) ([]ScheduledJob, error) {
	jobs := []ScheduledJob{}
	if err := s.q.SelectContext(ctx, &jobs,
		`SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJob merges a partial patch atomically via COALESCE and returns
// the merged row.
func (s *Store) UpdateJob(ctx context.Context, id int64, patch JobPatch) (ScheduledJob, error) {
	var job ScheduledJob
	err := s.q.GetContext(ctx, &job, `
		UPDATE scheduled_jobs SET
			query = COALESCE($2, query),
			location = COALESCE($3, location),
			radius_km = COALESCE($4, radius_km),
			min_price = COALESCE($5, min_price),
			max_price = COALESCE($6, max_price),
			page_count = COALESCE($7, page_count),
			interval_seconds = COALESCE($8, interval_seconds),
			is_active = COALESCE($9, is_active),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns,
		id, patch.Query, patch.Location, patch.RadiusKm, patch.MinPrice, patch.MaxPrice,
		patch.PageCount, patch.IntervalSeconds, patch.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledJob{}, ErrJobNotFound
	}
	if err != nil {
		return ScheduledJob{}, fmt.Errorf("update job %d: %w", id, err)
	}
	return job, nil
}

// UpdateBookkeeping records one run outcome. It is the sole writer of the
// last_run_* columns.
func (s *Store) UpdateBookkeeping(ctx context.Context, id int64, bk Bookkeeping) error {
	msg := bk.Message
	if len(msg) > lastRunMessageLimit {
		msg = msg[:lastRunMessageLimit]
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE scheduled_jobs SET
			last_run_at = $2, next_run_at = $3, last_run_status = $4,
			last_run_message = $5, last_run_duration_seconds = $6,
			last_result_count = $7, updated_at = NOW()
		WHERE id = $1`,
		id, bk.LastRunAt, bk.NextRunAt, bk.Status, msg, bk.DurationSeconds, bk.ResultCount)
	if err != nil {
		return fmt.Errorf("bookkeeping for job %d: %w", id, err)
	}
	return requireRow(res, ErrJobNotFound)
}

// DeleteJob removes a job row.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	return requireRow(res, ErrJobNotFound)
}
