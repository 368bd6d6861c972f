package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"pulseline/internal/domain"
)

// Queue persists and executes jobs. Handlers are registered once at
// startup; registration is not safe to mix with running workers.
type Queue struct {
	DB       *sql.DB
	Backoff  BackoffConfig
	Now      func() time.Time
	RNG      *rand.Rand
	handlers map[string]Handler
}

func New(db *sql.DB) *Queue {
	return &Queue{
		DB:       db,
		Backoff:  DefaultBackoff(),
		Now:      func() time.Time { return time.Now().UTC() },
		handlers: map[string]Handler{},
	}
}

func (q *Queue) Register(kind string, h Handler) {
	q.handlers[kind] = h
}

// EnqueueOptions describes one job. Args must only carry the entity
// reference overrides (rerun/force); business data is reloaded by the
// handler.
type EnqueueOptions struct {
	Tenant      string
	Kind        string
	EntityID    string
	Args        map[string]any
	RunAt       time.Time
	MaxAttempts int
}

const defaultMaxAttempts = 10

func (q *Queue) Enqueue(ctx context.Context, opts EnqueueOptions) (domain.Job, error) {
	if opts.Tenant == "" {
		return domain.Job{}, fmt.Errorf("enqueue: tenant is required")
	}
	if opts.Kind == "" {
		return domain.Job{}, fmt.Errorf("enqueue: kind is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	now := q.Now()
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	var args any
	if opts.Args != nil {
		data, err := json.Marshal(opts.Args)
		if err != nil {
			return domain.Job{}, fmt.Errorf("marshal job args: %w", err)
		}
		args = string(data)
	}
	job := domain.Job{
		ID:          uuid.New().String(),
		TenantID:    opts.Tenant,
		Kind:        opts.Kind,
		EntityID:    opts.EntityID,
		Args:        opts.Args,
		Status:      StatusQueued,
		MaxAttempts: opts.MaxAttempts,
		RunAt:       runAt.UTC().Format(time.RFC3339),
		CreatedAt:   now.Format(time.RFC3339),
		UpdatedAt:   now.Format(time.RFC3339),
	}
	_, err := q.DB.ExecContext(ctx, `INSERT INTO jobs(id,tenant_id,kind,entity_id,args_json,status,attempts,max_attempts,run_at,last_error,created_at,updated_at)
VALUES (?,?,?,?,?,?,0,?,?,NULL,?,?)`,
		job.ID, job.TenantID, job.Kind, job.EntityID, args, job.Status, job.MaxAttempts, job.RunAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// claimNextDue claims one due job inside a short transaction and marks
// it running with the attempt counted. SQLite has no SKIP LOCKED; the
// pool holds a single connection, so claimers serialize on it.
func (q *Queue) claimNextDue(ctx context.Context) (domain.Job, bool, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, false, err
	}
	defer tx.Rollback()

	now := q.Now().Format(time.RFC3339)
	var job domain.Job
	var args sql.NullString
	var lastError sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT id,tenant_id,kind,entity_id,args_json,status,attempts,max_attempts,run_at,last_error,created_at,updated_at
FROM jobs WHERE status IN (?,?) AND run_at <= ? ORDER BY run_at, created_at LIMIT 1`,
		StatusQueued, StatusFailed, now).
		Scan(&job.ID, &job.TenantID, &job.Kind, &job.EntityID, &args, &job.Status,
			&job.Attempts, &job.MaxAttempts, &job.RunAt, &lastError, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Job{}, false, tx.Commit()
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	if args.Valid && args.String != "" {
		if err := json.Unmarshal([]byte(args.String), &job.Args); err != nil {
			return domain.Job{}, false, fmt.Errorf("unmarshal args for job %s: %w", job.ID, err)
		}
	}
	if lastError.Valid {
		job.LastError = &lastError.String
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, attempts=attempts+1, updated_at=? WHERE id=?`,
		StatusRunning, now, job.ID); err != nil {
		return domain.Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, false, err
	}
	job.Status = StatusRunning
	job.Attempts++
	return job, true, nil
}

func (q *Queue) markSucceeded(ctx context.Context, id string) error {
	_, err := q.DB.ExecContext(ctx, `UPDATE jobs SET status=?, last_error=NULL, updated_at=? WHERE id=?`,
		StatusSucceeded, q.Now().Format(time.RFC3339), id)
	return err
}

func (q *Queue) markDead(ctx context.Context, id, lastErr string) error {
	_, err := q.DB.ExecContext(ctx, `UPDATE jobs SET status=?, last_error=?, updated_at=? WHERE id=?`,
		StatusDead, lastErr, q.Now().Format(time.RFC3339), id)
	return err
}

func (q *Queue) markRetry(ctx context.Context, id, lastErr string, nextRetryAt time.Time) error {
	_, err := q.DB.ExecContext(ctx, `UPDATE jobs SET status=?, last_error=?, run_at=?, updated_at=? WHERE id=?`,
		StatusFailed, lastErr, nextRetryAt.UTC().Format(time.RFC3339), q.Now().Format(time.RFC3339), id)
	return err
}

// markRescheduled parks the job for a future wake without consuming the
// attempt the claim charged.
func (q *Queue) markRescheduled(ctx context.Context, id string, at time.Time) error {
	_, err := q.DB.ExecContext(ctx, `UPDATE jobs SET status=?, attempts=attempts-1, run_at=?, updated_at=? WHERE id=?`,
		StatusQueued, at.UTC().Format(time.RFC3339), q.Now().Format(time.RFC3339), id)
	return err
}

// ProcessOnce claims and executes a single due job. Returns (false,
// ErrNoWork) when nothing is due. A handler error is reflected in the
// job row and returned.
func (q *Queue) ProcessOnce(ctx context.Context) (bool, error) {
	job, ok, err := q.claimNextDue(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNoWork
	}

	handler, ok := q.handlers[job.Kind]
	if !ok {
		err := fmt.Errorf("no handler registered for job kind %q", job.Kind)
		_ = q.markDead(ctx, job.ID, err.Error())
		return true, err
	}

	err = handler(ctx, job)
	if err == nil {
		return true, q.markSucceeded(ctx, job.ID)
	}

	var re *RescheduleError
	if errors.As(err, &re) {
		return true, q.markRescheduled(ctx, job.ID, re.At)
	}
	if IsPermanent(err) || job.Attempts >= job.MaxAttempts {
		_ = q.markDead(ctx, job.ID, err.Error())
		return true, err
	}
	next := NextRetryAt(q.Now(), job.Attempts, q.Backoff, q.RNG)
	_ = q.markRetry(ctx, job.ID, err.Error(), next)
	return true, err
}

// GetJob reads one job row; used by tests and the CLI.
func (q *Queue) GetJob(ctx context.Context, id string) (domain.Job, error) {
	var job domain.Job
	var args, lastError sql.NullString
	err := q.DB.QueryRowContext(ctx, `SELECT id,tenant_id,kind,entity_id,args_json,status,attempts,max_attempts,run_at,last_error,created_at,updated_at FROM jobs WHERE id=?`, id).
		Scan(&job.ID, &job.TenantID, &job.Kind, &job.EntityID, &args, &job.Status,
			&job.Attempts, &job.MaxAttempts, &job.RunAt, &lastError, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return job, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return job, err
	}
	if args.Valid && args.String != "" {
		_ = json.Unmarshal([]byte(args.String), &job.Args)
	}
	if lastError.Valid {
		job.LastError = &lastError.String
	}
	return job, nil
}

// ListJobs returns jobs for a tenant, newest first.
func (q *Queue) ListJobs(ctx context.Context, tenantID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.DB.QueryContext(ctx, `SELECT id,tenant_id,kind,entity_id,args_json,status,attempts,max_attempts,run_at,last_error,created_at,updated_at
FROM jobs WHERE tenant_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		var job domain.Job
		var args, lastError sql.NullString
		if err := rows.Scan(&job.ID, &job.TenantID, &job.Kind, &job.EntityID, &args, &job.Status,
			&job.Attempts, &job.MaxAttempts, &job.RunAt, &lastError, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		if args.Valid && args.String != "" {
			_ = json.Unmarshal([]byte(args.String), &job.Args)
		}
		if lastError.Valid {
			job.LastError = &lastError.String
		}
		res = append(res, job)
	}
	return res, nil
}
