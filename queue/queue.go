// Package queue defines the durable job queue protocol: idempotent
// enqueue, skip-locked claim, heartbeat, complete with retry/dead-letter,
// cancel, reschedule, and the stale-lock reaper.
//
// The protocol is expressed as the Queue interface plus pure transition
// helpers shared by implementations. The Postgres implementation lives in
// the store package; MemQueue in this package implements the same
// contracts in memory for tests and embedded mode.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/pithecene-io/jobforge/backoff"
	"github.com/pithecene-io/jobforge/types"
)

// Defaults for the worker protocol timers.
const (
	// DefaultReapThreshold is how long a running job may go without a
	// heartbeat before the reaper reclaims it.
	DefaultReapThreshold = 5 * time.Minute
	// DefaultHeartbeatPeriod is how often workers heartbeat running jobs.
	DefaultHeartbeatPeriod = 30 * time.Second
	// DefaultPollInterval is the claim polling interval.
	DefaultPollInterval = 2 * time.Second
)

// StaleReapAnnotation marks attempt rows closed by the reaper rather
// than the owning worker.
const StaleReapAnnotation = "stale-reap"

// ErrTenantCap indicates the per-tenant queued-row cap was hit.
var ErrTenantCap = errors.New("tenant queue cap exceeded")

// EnqueueParams are the inputs to Enqueue.
type EnqueueParams struct {
	// Tenant is the owning tenant. Required.
	Tenant string
	// Project optionally narrows the job to a project.
	Project *string
	// Type is the handler tag. Required.
	Type string
	// Payload is the opaque job input.
	Payload map[string]any
	// IdempotencyKey dedupes the enqueue within (tenant, type). A
	// colliding key returns the existing row unchanged.
	IdempotencyKey *string
	// RunAt is the earliest execution time. Zero means now.
	RunAt time.Time
	// MaxAttempts overrides the default attempts ceiling when > 0.
	MaxAttempts int
	// CreatedBy identifies the caller, when known.
	CreatedBy *string
	// TraceID correlates the job with its originating request or event.
	TraceID string
	// TriggeringEventID links back to the firing event, when any.
	TriggeringEventID *string
	// ParentBundleID links to the owning bundle, when any.
	ParentBundleID *string
}

// Validate checks required enqueue inputs.
func (p *EnqueueParams) Validate() error {
	if p.Tenant == "" {
		return errors.New("enqueue requires a tenant")
	}
	if p.Type == "" {
		return errors.New("enqueue requires a job type")
	}
	if p.MaxAttempts < 0 {
		return errors.New("max_attempts must be >= 0")
	}
	return nil
}

// CompleteParams are the inputs to Complete.
type CompleteParams struct {
	// Tenant scopes the lookup.
	Tenant string
	// JobID is the running job.
	JobID string
	// Worker must equal the job's lock holder.
	Worker string
	// Outcome is succeeded or failed.
	Outcome types.Outcome
	// Error is the structured failure for failed outcomes.
	Error *types.JobError
	// Result is the handler output for succeeded outcomes.
	Result map[string]any
	// ArtifactRef optionally points at a stored artifact.
	ArtifactRef *string
}

// RescheduleParams are the inputs to Reschedule.
type RescheduleParams struct {
	// Tenant scopes the lookup.
	Tenant string
	// JobID is the job to move back to queued.
	JobID string
	// RunAt is the new earliest execution time.
	RunAt time.Time
	// ResetAttempts zeroes the attempt counter. Default: preserve.
	ResetAttempts bool
	// MaxAttempts raises the attempts ceiling when > 0. A dead job keeps
	// its attempts unless this is raised or ResetAttempts is set.
	MaxAttempts int
}

// Queue is the durable job queue protocol. All operations are
// tenant-scoped where a tenant parameter is present; mutations verify the
// caller identity against the row before committing.
type Queue interface {
	// Enqueue creates a queued job, or returns the existing row
	// unchanged on an idempotency-key collision. Emits a job_request
	// audit entry atomically with the insert.
	Enqueue(ctx context.Context, p EnqueueParams) (*types.Job, error)

	// Claim atomically transitions up to limit due queued jobs to
	// running under the worker's lock, ordered by (run_at, id).
	// Concurrent claimers never receive the same row. Each claim
	// appends a JobAttempt row.
	Claim(ctx context.Context, worker string, limit int) ([]*types.Job, error)

	// Heartbeat refreshes the lock on a running job. Fails with
	// ErrNotOwned or ErrNotRunning on state mismatch.
	Heartbeat(ctx context.Context, jobID, worker string) error

	// Complete finishes the current attempt and returns the job's new
	// status: succeeded, queued (retry scheduled), failed (non-retryable),
	// or dead (attempts exhausted).
	Complete(ctx context.Context, p CompleteParams) (types.JobStatus, error)

	// Cancel terminally cancels a queued job. Running jobs are not
	// canceled here; cooperative stop happens via the worker's
	// cancellation signal and the reaper.
	Cancel(ctx context.Context, tenant, jobID string) error

	// Reschedule moves a failed, dead, or queued job back to queued at
	// the given time. Attempts are preserved unless explicitly reset.
	Reschedule(ctx context.Context, p RescheduleParams) error

	// ReapStale requeues (or dead-letters) running jobs whose heartbeat
	// is older than the threshold, annotating the reclaimed attempt.
	// Returns the number of jobs reclaimed.
	ReapStale(ctx context.Context, threshold time.Duration) (int, error)

	// Get returns one job within the tenant scope.
	Get(ctx context.Context, tenant, jobID string) (*types.Job, error)

	// Attempts returns the append-only attempt log for a job, ordered
	// by attempt_no.
	Attempts(ctx context.Context, tenant, jobID string) ([]*types.JobAttempt, error)
}

// FailureTransition decides the post-failure status for a job whose
// current attempt failed. attempts is the attempt count including the
// failed one.
//
//   - Non-retryable errors (BadInput, Forbidden, Disabled) park the job
//     in failed: sticky, but reachable by operator reschedule.
//   - Exhausted attempts promote to dead.
//   - Otherwise the job requeues at now + backoff(attempts).
func FailureTransition(jobErr *types.JobError, attempts, maxAttempts int, now time.Time) (types.JobStatus, time.Time) {
	if jobErr != nil && !jobErr.Retryable {
		return types.StatusFailed, now
	}
	if attempts >= maxAttempts {
		return types.StatusDead, now
	}
	return types.StatusQueued, now.Add(backoff.Delay(attempts))
}

// IsStale reports whether a running job's lock has gone stale: no
// heartbeat (or lock) newer than now - threshold.
func IsStale(j *types.Job, now time.Time, threshold time.Duration) bool {
	if j.Status != types.StatusRunning {
		return false
	}
	cutoff := now.Add(-threshold)
	if j.HeartbeatAt != nil {
		return j.HeartbeatAt.Before(cutoff)
	}
	return j.LockedAt != nil && j.LockedAt.Before(cutoff)
}
