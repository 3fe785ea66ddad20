// Package types defines core domain types for the JobForge execution plane.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"fmt"
	"time"
)

// DefaultMaxAttempts is the attempts ceiling applied when an enqueue
// request does not specify one.
const DefaultMaxAttempts = 5

// JobStatus is the lifecycle status of a job.
type JobStatus string

const (
	// StatusQueued indicates the job is waiting to be claimed.
	StatusQueued JobStatus = "queued"
	// StatusRunning indicates a worker holds the job lock.
	StatusRunning JobStatus = "running"
	// StatusSucceeded indicates the job completed successfully. Terminal.
	StatusSucceeded JobStatus = "succeeded"
	// StatusFailed indicates the most recent attempt failed. Only failed
	// jobs may move back to queued, and only via the retry policy.
	StatusFailed JobStatus = "failed"
	// StatusDead indicates attempts were exhausted. Terminal.
	StatusDead JobStatus = "dead"
	// StatusCanceled indicates the job was canceled while queued. Terminal.
	StatusCanceled JobStatus = "canceled"
)

// IsTerminal returns true if the status admits no further transitions
// other than an explicit operator reschedule.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusDead, StatusCanceled:
		return true
	}
	return false
}

// Job is one unit of durable work. Identity is (Tenant, ID); ID is opaque.
type Job struct {
	// ID is the opaque job identifier.
	ID string
	// Tenant is the owning tenant. All reads and mutations are
	// tenant-scoped.
	Tenant string
	// Project optionally narrows the job to a project within the tenant.
	Project *string
	// Type is the handler tag the job is routed by.
	Type string
	// Payload is the opaque input object.
	Payload map[string]any
	// Status is the current lifecycle status.
	Status JobStatus
	// Attempts is the number of claims so far. Never exceeds MaxAttempts.
	Attempts int
	// MaxAttempts is the attempts ceiling, >= 1.
	MaxAttempts int
	// RunAt is the earliest execution time.
	RunAt time.Time
	// LockedBy is the claiming worker identity while running.
	LockedBy *string
	// LockedAt is when the lock was installed.
	LockedAt *time.Time
	// HeartbeatAt is the last heartbeat from the lock holder.
	HeartbeatAt *time.Time
	// StartedAt is when the first attempt began.
	StartedAt *time.Time
	// FinishedAt is when the job reached a terminal status.
	FinishedAt *time.Time
	// IdempotencyKey dedupes enqueues within (tenant, type).
	IdempotencyKey *string
	// CreatedBy identifies the enqueue caller, when known.
	CreatedBy *string
	// TriggeringEventID is a lookup key back to the event that caused
	// this job, when the job was fired by a trigger. Not ownership.
	TriggeringEventID *string
	// ParentBundleID references the bundle that fanned this job out.
	ParentBundleID *string
	// Error is the most recent attempt error, if any.
	Error *JobError
	// ResultID references the JobResult row for a succeeded job.
	ResultID *string
	// TraceID correlates the job with its originating request or event.
	TraceID string
	// CreatedAt is the row creation time.
	CreatedAt time.Time
	// UpdatedAt is the last mutation time.
	UpdatedAt time.Time
}

// Validate checks the structural invariants that hold for every job row.
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.New("job id must be non-empty")
	}
	if j.Tenant == "" {
		return errors.New("job tenant must be non-empty")
	}
	if j.Type == "" {
		return errors.New("job type must be non-empty")
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", j.MaxAttempts)
	}
	if j.Attempts < 0 || j.Attempts > j.MaxAttempts {
		return fmt.Errorf("attempts %d out of range [0, %d]", j.Attempts, j.MaxAttempts)
	}
	if j.Status == StatusRunning && (j.LockedBy == nil || j.LockedAt == nil) {
		return errors.New("running job must carry locked_by and locked_at")
	}
	return nil
}

// JobResult is the persisted output of a terminal run. One per terminal
// run, owned by the job; deleted only when its job is deleted.
type JobResult struct {
	// ID is the result identifier.
	ID string
	// JobID is the owning job.
	JobID string
	// Tenant matches the owning job's tenant.
	Tenant string
	// Payload is the handler output object.
	Payload map[string]any
	// ArtifactRef optionally points at a stored artifact.
	ArtifactRef *string
	// CreatedAt is the row creation time.
	CreatedAt time.Time
}

// JobAttempt is one row of the append-only attempt log. AttemptNo is
// strictly monotonic per job, starting at 1.
type JobAttempt struct {
	// ID is the attempt row identifier.
	ID string
	// JobID is the owning job.
	JobID string
	// Tenant matches the owning job's tenant.
	Tenant string
	// AttemptNo is the 1-based attempt ordinal.
	AttemptNo int
	// WorkerID is the identity of the claiming worker.
	WorkerID string
	// StartedAt is when the attempt was claimed.
	StartedAt time.Time
	// FinishedAt is when the attempt completed, nil while in flight.
	FinishedAt *time.Time
	// DurationMs is the wall-clock attempt duration, when finished.
	DurationMs *int64
	// Error is the structured failure, nil on success.
	Error *JobError
	// Annotation marks attempts closed by something other than the
	// owning worker, e.g. "stale-reap".
	Annotation *string
	// CreatedAt is the row creation time.
	CreatedAt time.Time
}

// Outcome is the completion outcome reported by a worker.
type Outcome string

const (
	// OutcomeSucceeded indicates the handler completed successfully.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed indicates the handler failed; the queue decides
	// between retry and dead-letter.
	OutcomeFailed Outcome = "failed"
)
