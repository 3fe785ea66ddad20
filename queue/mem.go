package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/jobforge/audit"
	"github.com/pithecene-io/jobforge/backoff"
	"github.com/pithecene-io/jobforge/types"
)

// Limits are optional enqueue-time caps. Zero values mean unlimited.
type Limits struct {
	// MaxQueuedPerTenant caps queued rows per tenant at enqueue time.
	MaxQueuedPerTenant int
}

// MemQueue is an in-memory Queue implementation honoring every protocol
// contract. Used by tests and embedded single-process deployments; the
// Postgres implementation in the store package is the production truth
// layer.
type MemQueue struct {
	mu       sync.Mutex
	jobs     map[string]*types.Job
	attempts map[string][]*types.JobAttempt
	results  map[string]*types.JobResult

	clock    backoff.Clock
	recorder audit.Recorder

	// Limits are optional enqueue-time caps.
	Limits Limits
}

// NewMemQueue creates an empty in-memory queue. A nil recorder disables
// audit writes.
func NewMemQueue(clock backoff.Clock, recorder audit.Recorder) *MemQueue {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &MemQueue{
		jobs:     make(map[string]*types.Job),
		attempts: make(map[string][]*types.JobAttempt),
		results:  make(map[string]*types.JobResult),
		clock:    clock,
		recorder: recorder,
	}
}

// Enqueue implements Queue.
func (q *MemQueue) Enqueue(ctx context.Context, p EnqueueParams) (*types.Job, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBadInput, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()

	// Idempotency: (tenant, type, key) with key non-null is unique;
	// a collision returns the existing row unchanged.
	if p.IdempotencyKey != nil {
		for _, j := range q.jobs {
			if j.Tenant == p.Tenant && j.Type == p.Type &&
				j.IdempotencyKey != nil && *j.IdempotencyKey == *p.IdempotencyKey {
				return copyJob(j), nil
			}
		}
	}

	if q.Limits.MaxQueuedPerTenant > 0 {
		queued := 0
		for _, j := range q.jobs {
			if j.Tenant == p.Tenant && j.Status == types.StatusQueued {
				queued++
			}
		}
		if queued >= q.Limits.MaxQueuedPerTenant {
			return nil, ErrTenantCap
		}
	}

	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = types.DefaultMaxAttempts
	}

	job := &types.Job{
		ID:                uuid.New().String(),
		Tenant:            p.Tenant,
		Project:           p.Project,
		Type:              p.Type,
		Payload:           p.Payload,
		Status:            types.StatusQueued,
		Attempts:          0,
		MaxAttempts:       maxAttempts,
		RunAt:             runAt,
		IdempotencyKey:    p.IdempotencyKey,
		CreatedBy:         p.CreatedBy,
		TriggeringEventID: p.TriggeringEventID,
		ParentBundleID:    p.ParentBundleID,
		TraceID:           p.TraceID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	q.jobs[job.ID] = job

	entry := audit.NewEntry(types.AuditJobRequest, p.Tenant, now)
	entry.Project = p.Project
	entry.Actor = p.CreatedBy
	entry.JobID = &job.ID
	entry.RequestPayload = map[string]any{"job_type": p.Type}
	if err := q.recorder.Record(ctx, entry); err != nil {
		// Audit writes share the mutation's atomicity: no entry, no job.
		delete(q.jobs, job.ID)
		return nil, fmt.Errorf("audit job_request: %w", err)
	}

	return copyJob(job), nil
}

// Claim implements Queue.
func (q *MemQueue) Claim(_ context.Context, worker string, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()

	var due []*types.Job
	for _, j := range q.jobs {
		if j.Status == types.StatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].RunAt.Equal(due[k].RunAt) {
			return due[i].RunAt.Before(due[k].RunAt)
		}
		return due[i].ID < due[k].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*types.Job, 0, len(due))
	for _, j := range due {
		j.Status = types.StatusRunning
		w := worker
		j.LockedBy = &w
		lockedAt := now
		j.LockedAt = &lockedAt
		j.HeartbeatAt = &lockedAt
		if j.StartedAt == nil {
			startedAt := now
			j.StartedAt = &startedAt
		}
		j.Attempts++
		j.UpdatedAt = now

		q.attempts[j.ID] = append(q.attempts[j.ID], &types.JobAttempt{
			ID:        uuid.New().String(),
			JobID:     j.ID,
			Tenant:    j.Tenant,
			AttemptNo: j.Attempts,
			WorkerID:  worker,
			StartedAt: now,
			CreatedAt: now,
		})

		claimed = append(claimed, copyJob(j))
	}
	return claimed, nil
}

// Heartbeat implements Queue.
func (q *MemQueue) Heartbeat(_ context.Context, jobID, worker string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return types.ErrNotFound
	}
	if j.Status != types.StatusRunning {
		return types.ErrNotRunning
	}
	if j.LockedBy == nil || *j.LockedBy != worker {
		return types.ErrNotOwned
	}

	now := q.clock.Now()
	j.HeartbeatAt = &now
	j.UpdatedAt = now
	return nil
}

// Complete implements Queue.
func (q *MemQueue) Complete(_ context.Context, p CompleteParams) (types.JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[p.JobID]
	if !ok || (p.Tenant != "" && j.Tenant != p.Tenant) {
		return "", types.ErrNotFound
	}
	if j.Status != types.StatusRunning {
		return "", types.ErrNotRunning
	}
	if j.LockedBy == nil || *j.LockedBy != p.Worker {
		return "", types.ErrNotOwned
	}

	now := q.clock.Now()
	q.closeAttempt(j.ID, now, p.Error, nil)

	switch p.Outcome {
	case types.OutcomeSucceeded:
		result := &types.JobResult{
			ID:          uuid.New().String(),
			JobID:       j.ID,
			Tenant:      j.Tenant,
			Payload:     p.Result,
			ArtifactRef: p.ArtifactRef,
			CreatedAt:   now,
		}
		q.results[result.ID] = result

		j.Status = types.StatusSucceeded
		j.FinishedAt = &now
		j.ResultID = &result.ID
		j.LockedBy = nil
		j.LockedAt = nil
		j.HeartbeatAt = nil
		j.Error = nil
		j.UpdatedAt = now
		return j.Status, nil

	case types.OutcomeFailed:
		j.Error = p.Error
		status, runAt := FailureTransition(p.Error, j.Attempts, j.MaxAttempts, now)
		j.Status = status
		j.UpdatedAt = now
		j.LockedBy = nil
		j.LockedAt = nil
		j.HeartbeatAt = nil
		if status == types.StatusQueued {
			j.RunAt = runAt
		} else {
			j.FinishedAt = &now
		}
		return status, nil

	default:
		return "", fmt.Errorf("%w: unknown outcome %q", types.ErrBadInput, p.Outcome)
	}
}

// Cancel implements Queue.
func (q *MemQueue) Cancel(ctx context.Context, tenant, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok || j.Tenant != tenant {
		return types.ErrNotFound
	}
	if j.Status != types.StatusQueued {
		return types.ErrNotCancelable
	}

	now := q.clock.Now()
	prev := j.Status
	j.Status = types.StatusCanceled
	j.FinishedAt = &now
	j.UpdatedAt = now

	entry := audit.NewEntry(types.AuditJobCancel, tenant, now)
	entry.JobID = &jobID
	if err := q.recorder.Record(ctx, entry); err != nil {
		j.Status = prev
		j.FinishedAt = nil
		return fmt.Errorf("audit job_cancel: %w", err)
	}
	return nil
}

// Reschedule implements Queue.
func (q *MemQueue) Reschedule(_ context.Context, p RescheduleParams) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[p.JobID]
	if !ok || j.Tenant != p.Tenant {
		return types.ErrNotFound
	}
	switch j.Status {
	case types.StatusFailed, types.StatusDead, types.StatusQueued:
	default:
		return types.ErrNotReschedulable
	}
	// A dead job has no attempts headroom left; requeuing it as-is would
	// let the next claim push attempts past max_attempts.
	if j.Status == types.StatusDead && !p.ResetAttempts && p.MaxAttempts <= j.MaxAttempts {
		return types.ErrNotReschedulable
	}

	now := q.clock.Now()
	j.Status = types.StatusQueued
	j.RunAt = p.RunAt
	j.FinishedAt = nil
	if p.ResetAttempts {
		j.Attempts = 0
	}
	if p.MaxAttempts > j.MaxAttempts {
		j.MaxAttempts = p.MaxAttempts
	}
	j.UpdatedAt = now
	return nil
}

// ReapStale implements Queue.
func (q *MemQueue) ReapStale(_ context.Context, threshold time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	reaped := 0
	for _, j := range q.jobs {
		if !IsStale(j, now, threshold) {
			continue
		}

		annotation := StaleReapAnnotation
		reapErr := types.NewJobError(types.CodeInternal, "worker heartbeat went stale")
		q.closeAttempt(j.ID, now, reapErr, &annotation)

		j.LockedBy = nil
		j.LockedAt = nil
		j.HeartbeatAt = nil
		j.Error = reapErr
		if j.Attempts >= j.MaxAttempts {
			j.Status = types.StatusDead
			j.FinishedAt = &now
		} else {
			j.Status = types.StatusQueued
			j.RunAt = now
		}
		j.UpdatedAt = now
		reaped++
	}
	return reaped, nil
}

// Get implements Queue.
func (q *MemQueue) Get(_ context.Context, tenant, jobID string) (*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok || j.Tenant != tenant {
		return nil, types.ErrNotFound
	}
	return copyJob(j), nil
}

// Attempts implements Queue.
func (q *MemQueue) Attempts(_ context.Context, tenant, jobID string) ([]*types.JobAttempt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok || j.Tenant != tenant {
		return nil, types.ErrNotFound
	}
	rows := q.attempts[j.ID]
	out := make([]*types.JobAttempt, len(rows))
	for i, a := range rows {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}

// Result returns the persisted result row for a succeeded job.
func (q *MemQueue) Result(_ context.Context, tenant, resultID string) (*types.JobResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.results[resultID]
	if !ok || r.Tenant != tenant {
		return nil, types.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// closeAttempt finalizes the most recent open attempt row for a job.
// Caller holds q.mu.
func (q *MemQueue) closeAttempt(jobID string, now time.Time, jobErr *types.JobError, annotation *string) {
	rows := q.attempts[jobID]
	if len(rows) == 0 {
		return
	}
	last := rows[len(rows)-1]
	if last.FinishedAt != nil {
		return
	}
	last.FinishedAt = &now
	duration := now.Sub(last.StartedAt).Milliseconds()
	last.DurationMs = &duration
	last.Error = jobErr
	last.Annotation = annotation
}

func copyJob(j *types.Job) *types.Job {
	cp := *j
	return &cp
}

// Verify MemQueue implements the protocol.
var _ Queue = (*MemQueue)(nil)
