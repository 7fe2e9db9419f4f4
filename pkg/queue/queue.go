// Package queue implements a durable, at-least-once job queue on top of a
// SQL store: claim protocol, heartbeat, retry/backoff with jitter,
// idempotency, and job steps.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Queue persists jobs and leases them to workers.
type Queue struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the queue's notion of "now", for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New constructs a Queue over an already-migrated database handle.
func New(db *sql.DB, log *zap.Logger, opts ...Option) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		j                                            Job
		notBefore, heartbeatAt, finishedAt           sql.NullString
		idempotencyKey, lastError, resultJSON        sql.NullString
		resultBlobURI                                sql.NullString
		createdAt, updatedAt                         string
		payload                                      string
	)
	err := row.Scan(
		&j.ID, &j.Type, &payload, &j.Priority, &j.State, &j.Attempts, &j.MaxAttempts,
		&notBefore, &idempotencyKey, &lastError, &heartbeatAt,
		&createdAt, &updatedAt, &finishedAt, &resultJSON, &resultBlobURI,
	)
	if err != nil {
		return nil, err
	}

	j.Payload = json.RawMessage(payload)
	j.IdempotencyKey = idempotencyKey.String
	j.LastError = lastError.String
	j.ResultBlobURI = resultBlobURI.String
	if resultJSON.Valid {
		j.Result = json.RawMessage(resultJSON.String)
	}

	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if j.NotBefore, err = parseTimePtr(notBefore.String); err != nil {
		return nil, fmt.Errorf("parse not_before: %w", err)
	}
	if j.HeartbeatAt, err = parseTimePtr(heartbeatAt.String); err != nil {
		return nil, fmt.Errorf("parse heartbeat_at: %w", err)
	}
	if j.FinishedAt, err = parseTimePtr(finishedAt.String); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}

	return &j, nil
}

const jobColumns = `id, type, payload_json, priority, state, attempts, max_attempts,
	not_before, idempotency_key, last_error, heartbeat_at,
	created_at, updated_at, finished_at, result_json, result_blob_uri`

// Enqueue inserts a new job. A non-empty IdempotencyKey that collides with an
// existing job returns *DuplicateIdempotencyError.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	if p.Type == "" {
		return "", errors.New("queue: type is required")
	}
	if p.Payload == nil {
		p.Payload = json.RawMessage("null")
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	id := uuid.NewString()
	now := q.now()

	var idempotencyKey any
	if p.IdempotencyKey != "" {
		idempotencyKey = p.IdempotencyKey
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, type, payload_json, priority, state, attempts, max_attempts,
			not_before, idempotency_key, created_at, updated_at
		) VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?, ?)
	`, id, p.Type, string(p.Payload), p.Priority, maxAttempts,
		formatTimePtr(p.NotBefore), idempotencyKey, formatTime(now), formatTime(now))
	if err != nil {
		if p.IdempotencyKey != "" && isUniqueViolation(err) {
			existingID, lookupErr := q.idByIdempotencyKey(ctx, p.IdempotencyKey)
			if lookupErr != nil {
				return "", lookupErr
			}
			return "", &DuplicateIdempotencyError{Key: p.IdempotencyKey, ExistingID: existingID}
		}
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}

	return id, nil
}

func (q *Queue) idByIdempotencyKey(ctx context.Context, key string) (string, error) {
	var id string
	err := q.db.QueryRowContext(ctx, `SELECT id FROM jobs WHERE idempotency_key = ?`, key).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("queue: lookup existing job for idempotency key: %w", err)
	}
	return id, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "unique_key_violation")
}

// ClaimNext atomically selects and transitions the single most eligible
// queued job to running, or returns (nil, nil) if none is eligible.
func (q *Queue) ClaimNext(ctx context.Context) (*Job, error) {
	now := q.now()
	nowStr := formatTime(now)

	row := q.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			state = 'running',
			attempts = attempts + 1,
			heartbeat_at = ?,
			updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE state = 'queued' AND (not_before IS NULL OR not_before <= ?)
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+jobColumns, nowStr, nowStr, nowStr)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: claim_next: %w", err)
	}
	return job, nil
}

// Heartbeat extends the visibility of a running job.
func (q *Queue) Heartbeat(ctx context.Context, jobID string) error {
	now := formatTime(q.now())
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET heartbeat_at = ?, updated_at = ? WHERE id = ? AND state = 'running'
	`, now, now, jobID)
	if err != nil {
		return fmt.Errorf("queue: heartbeat: %w", err)
	}
	return q.requireAffected(ctx, res, jobID)
}

// Complete marks a running job completed, optionally recording a result.
func (q *Queue) Complete(ctx context.Context, jobID string, result json.RawMessage) error {
	now := formatTime(q.now())
	var resultArg any
	if result != nil {
		resultArg = string(result)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'completed', result_json = ?, last_error = NULL, finished_at = ?, updated_at = ?
		WHERE id = ? AND state = 'running'
	`, resultArg, now, now, jobID)
	if err != nil {
		return fmt.Errorf("queue: complete: %w", err)
	}
	return q.requireAffected(ctx, res, jobID)
}

// CompleteWithBlobRef marks a running job completed with its result left in
// object storage; result_json stays empty and result_blob_uri points at the
// stored payload instead.
func (q *Queue) CompleteWithBlobRef(ctx context.Context, jobID string, blobURI string) error {
	now := formatTime(q.now())
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'completed', result_blob_uri = ?, last_error = NULL, finished_at = ?, updated_at = ?
		WHERE id = ? AND state = 'running'
	`, blobURI, now, now, jobID)
	if err != nil {
		return fmt.Errorf("queue: complete_with_blob_ref: %w", err)
	}
	return q.requireAffected(ctx, res, jobID)
}

// Fail records a failed attempt. If shouldRetry is true and the attempt
// budget is not exhausted, the job returns to queued with a delayed
// not_before; otherwise it becomes terminally failed.
func (q *Queue) Fail(ctx context.Context, jobID string, errMsg string, shouldRetry bool, retryAfter *time.Duration) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: fail: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT state, attempts, max_attempts FROM jobs WHERE id = ?`, jobID).
		Scan(&state, &attempts, &maxAttempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		return fmt.Errorf("queue: fail: lookup: %w", err)
	}
	if state != string(JobStateRunning) {
		return ErrNotRunning
	}

	now := q.now()
	if shouldRetry && attempts < maxAttempts {
		delay := backoffDelay(attempts, retryAfter)
		notBefore := now.Add(delay)
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET state = 'queued', last_error = ?, not_before = ?, updated_at = ?
			WHERE id = ?
		`, errMsg, formatTime(notBefore), formatTime(now), jobID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET state = 'failed', last_error = ?, not_before = NULL, finished_at = ?, updated_at = ?
			WHERE id = ?
		`, errMsg, formatTime(now), formatTime(now), jobID)
	}
	if err != nil {
		return fmt.Errorf("queue: fail: update: %w", err)
	}

	return tx.Commit()
}

// backoffDelay implements base = min(2^attempts, 300s) * uniform(0.75, 1.25),
// or retryAfter verbatim when the caller supplied one.
func backoffDelay(attempts int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		return *retryAfter
	}
	base := math.Min(math.Pow(2, float64(attempts)), maxBackoffSeconds)
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(base * jitter * float64(time.Second))
}

// Cancel transitions a queued or running job to canceled. It is a no-op if
// the job is already terminal.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	now := formatTime(q.now())
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'canceled', finished_at = ?, updated_at = ?
		WHERE id = ? AND state IN ('queued', 'running')
	`, now, now, jobID)
	if err != nil {
		return fmt.Errorf("queue: cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: cancel: rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// No row updated: either the job doesn't exist, or it is already
	// terminal (a no-op, not an error).
	var exists int
	err = q.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, jobID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("queue: cancel: lookup: %w", err)
	}
	return nil
}

// StartStep records the beginning of a named step within a job.
func (q *Queue) StartStep(ctx context.Context, jobID, name string) (string, error) {
	id := uuid.NewString()
	now := formatTime(q.now())
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO job_steps (id, job_id, name, started_at) VALUES (?, ?, ?, ?)
	`, id, jobID, name, now)
	if err != nil {
		return "", fmt.Errorf("queue: start_step: %w", err)
	}
	return id, nil
}

// FinishStep records the completion of a step, with an optional result.
func (q *Queue) FinishStep(ctx context.Context, stepID string, result json.RawMessage) error {
	now := formatTime(q.now())
	var resultArg any
	if result != nil {
		resultArg = string(result)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE job_steps SET finished_at = ?, result_json = ? WHERE id = ?
	`, now, resultArg, stepID)
	if err != nil {
		return fmt.Errorf("queue: finish_step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: finish_step: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStepNotFound
	}
	return nil
}

// FetchJob returns the full job record.
func (q *Queue) FetchJob(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("queue: fetch_job: %w", err)
	}
	return job, nil
}

// requireAffected translates a zero-row update into ErrJobNotFound or
// ErrNotRunning, depending on whether the row exists at all.
func (q *Queue) requireAffected(ctx context.Context, res sql.Result, jobID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = q.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, jobID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("queue: lookup: %w", err)
	}
	return ErrNotRunning
}
