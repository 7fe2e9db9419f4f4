package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCanceled  JobState = "canceled"
)

// Terminal reports whether the state accepts no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCanceled:
		return true
	default:
		return false
	}
}

// Job is one unit of durable work.
type Job struct {
	ID             string
	Type           string
	Payload        json.RawMessage
	Priority       int
	State          JobState
	Attempts       int
	MaxAttempts    int
	NotBefore      *time.Time
	IdempotencyKey string
	LastError      string
	HeartbeatAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     *time.Time
	Result         json.RawMessage
	ResultBlobURI  string
}

// Step is a sub-unit of progress recorded against a job.
type Step struct {
	ID         string
	JobID      string
	Name       string
	StartedAt  time.Time
	FinishedAt *time.Time
	Result     json.RawMessage
}

// EnqueueParams describes a new job.
type EnqueueParams struct {
	Type           string
	Payload        json.RawMessage
	Priority       int
	MaxAttempts    int // 0 means default (5)
	IdempotencyKey string
	NotBefore      *time.Time
}

var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrStepNotFound is returned when a step id does not exist.
	ErrStepNotFound = errors.New("queue: step not found")
	// ErrNotRunning is returned by Heartbeat/Complete/Fail when the job is
	// not currently in the running state.
	ErrNotRunning = errors.New("queue: job is not running")
)

// DuplicateIdempotencyError is returned by Enqueue when the idempotency key
// collides with an existing job.
type DuplicateIdempotencyError struct {
	Key        string
	ExistingID string
}

func (e *DuplicateIdempotencyError) Error() string {
	return fmt.Sprintf("queue: idempotency key %q already in use by job %s", e.Key, e.ExistingID)
}

const defaultMaxAttempts = 5

// maxBackoffSeconds caps the exponential backoff before jitter is applied.
const maxBackoffSeconds = 300
