package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pithecene-io/jobforge/audit"
	"github.com/pithecene-io/jobforge/queue"
	"github.com/pithecene-io/jobforge/types"
)

const jobColumns = `id, tenant, project, job_type, payload, status, attempts, max_attempts,
	run_at, locked_by, locked_at, heartbeat_at, started_at, finished_at,
	idempotency_key, created_by, triggering_event_id, parent_bundle_id,
	error, result_id, trace_id, created_at, updated_at`

const jobColumnsAliased = `j.id, j.tenant, j.project, j.job_type, j.payload, j.status,
	j.attempts, j.max_attempts, j.run_at, j.locked_by, j.locked_at, j.heartbeat_at,
	j.started_at, j.finished_at, j.idempotency_key, j.created_by,
	j.triggering_event_id, j.parent_bundle_id, j.error, j.result_id, j.trace_id,
	j.created_at, j.updated_at`

// scanJob reads one jobs row in jobColumns order.
func scanJob(row pgx.Row) (*types.Job, error) {
	var j types.Job
	err := row.Scan(
		&j.ID, &j.Tenant, &j.Project, &j.Type, &j.Payload, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.RunAt, &j.LockedBy, &j.LockedAt,
		&j.HeartbeatAt, &j.StartedAt, &j.FinishedAt, &j.IdempotencyKey,
		&j.CreatedBy, &j.TriggeringEventID, &j.ParentBundleID, &j.Error,
		&j.ResultID, &j.TraceID, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Enqueue implements queue.Queue. The insert, the idempotency check, and
// the job_request audit entry share one transaction.
func (s *PGStore) Enqueue(ctx context.Context, p queue.EnqueueParams) (*types.Job, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBadInput, err)
	}

	now := s.clock.Now()
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = types.DefaultMaxAttempts
	}

	var job *types.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if s.Limits.MaxQueuedPerTenant > 0 {
			var queued int
			err := tx.QueryRow(ctx,
				`SELECT count(*) FROM jobs WHERE tenant = $1 AND status = 'queued'`,
				p.Tenant,
			).Scan(&queued)
			if err != nil {
				return fmt.Errorf("count queued: %w", err)
			}
			if queued >= s.Limits.MaxQueuedPerTenant {
				return queue.ErrTenantCap
			}
		}

		// The partial unique index makes the conflict target race-proof:
		// a colliding key inserts nothing and the existing row wins.
		row := tx.QueryRow(ctx, `
			INSERT INTO jobs (
				id, tenant, project, job_type, payload, status, attempts,
				max_attempts, run_at, idempotency_key, created_by,
				triggering_event_id, parent_bundle_id, trace_id,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, $7, $8, $9, $10, $11, $12, $13, $13)
			ON CONFLICT (tenant, job_type, idempotency_key) WHERE idempotency_key IS NOT NULL
			DO NOTHING
			RETURNING `+jobColumns,
			uuid.New().String(), p.Tenant, p.Project, p.Type, p.Payload,
			maxAttempts, runAt, p.IdempotencyKey, p.CreatedBy,
			p.TriggeringEventID, p.ParentBundleID, p.TraceID, now,
		)
		j, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			// Idempotency collision: return the existing row unchanged,
			// with no new audit entry.
			existing := tx.QueryRow(ctx,
				`SELECT `+jobColumns+` FROM jobs
				 WHERE tenant = $1 AND job_type = $2 AND idempotency_key = $3`,
				p.Tenant, p.Type, p.IdempotencyKey,
			)
			j, err = scanJob(existing)
			if err != nil {
				return fmt.Errorf("load existing job: %w", noRows(err, types.ErrNotFound))
			}
			job = j
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		entry := audit.NewEntry(types.AuditJobRequest, p.Tenant, now)
		entry.Project = p.Project
		entry.Actor = p.CreatedBy
		entry.JobID = &j.ID
		entry.RequestPayload = map[string]any{"job_type": p.Type}
		if err := insertAudit(ctx, tx, entry); err != nil {
			return fmt.Errorf("audit job_request: %w", err)
		}

		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Claim implements queue.Queue. One transaction moves up to limit due
// rows to running and appends their attempt rows; SKIP LOCKED keeps
// concurrent claimers off each other's rows.
func (s *PGStore) Claim(ctx context.Context, worker string, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.clock.Now()

	var claimed []*types.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			WITH due AS (
				SELECT id FROM jobs
				WHERE status = 'queued' AND run_at <= $1
				ORDER BY run_at ASC, id ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			UPDATE jobs j SET
				status = 'running',
				locked_by = $3,
				locked_at = $1,
				heartbeat_at = $1,
				started_at = COALESCE(j.started_at, $1),
				attempts = j.attempts + 1,
				updated_at = $1
			FROM due WHERE j.id = due.id
			RETURNING `+jobColumnsAliased,
			now, limit, worker,
		)
		if err != nil {
			return fmt.Errorf("claim: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return fmt.Errorf("scan claimed job: %w", err)
			}
			claimed = append(claimed, j)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		for _, j := range claimed {
			_, err := tx.Exec(ctx, `
				INSERT INTO job_attempts (id, job_id, tenant, attempt_no, worker_id, started_at, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $6)`,
				uuid.New().String(), j.ID, j.Tenant, j.Attempts, worker, now,
			)
			if err != nil {
				return fmt.Errorf("insert attempt: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The UPDATE ... FROM join does not guarantee output order.
	sortClaimed(claimed)
	return claimed, nil
}

func sortClaimed(jobs []*types.Job) {
	for i := 1; i < len(jobs); i++ {
		for k := i; k > 0 && claimedBefore(jobs[k], jobs[k-1]); k-- {
			jobs[k], jobs[k-1] = jobs[k-1], jobs[k]
		}
	}
}

func claimedBefore(a, b *types.Job) bool {
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return a.ID < b.ID
}

// Heartbeat implements queue.Queue.
func (s *PGStore) Heartbeat(ctx context.Context, jobID, worker string) error {
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET heartbeat_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'running' AND locked_by = $3`,
		now, jobID, worker,
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.diagnoseLock(ctx, jobID, worker)
}

// diagnoseLock distinguishes why a lock-guarded mutation matched no row.
func (s *PGStore) diagnoseLock(ctx context.Context, jobID, worker string) error {
	var status types.JobStatus
	var lockedBy *string
	err := s.pool.QueryRow(ctx,
		`SELECT status, locked_by FROM jobs WHERE id = $1`, jobID,
	).Scan(&status, &lockedBy)
	if err != nil {
		return noRows(err, types.ErrNotFound)
	}
	if status != types.StatusRunning {
		return types.ErrNotRunning
	}
	if lockedBy == nil || *lockedBy != worker {
		return types.ErrNotOwned
	}
	return types.ErrNotFound
}

// Complete implements queue.Queue. The attempt close, the result row,
// and the status transition commit together.
func (s *PGStore) Complete(ctx context.Context, p queue.CompleteParams) (types.JobStatus, error) {
	now := s.clock.Now()

	var status types.JobStatus
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, p.JobID)
		j, err := scanJob(row)
		if err != nil {
			return noRows(err, types.ErrNotFound)
		}
		if p.Tenant != "" && j.Tenant != p.Tenant {
			return types.ErrNotFound
		}
		if j.Status != types.StatusRunning {
			return types.ErrNotRunning
		}
		if j.LockedBy == nil || *j.LockedBy != p.Worker {
			return types.ErrNotOwned
		}

		if err := closeAttempt(ctx, tx, j.ID, j.Attempts, now, p.Error, nil); err != nil {
			return err
		}

		switch p.Outcome {
		case types.OutcomeSucceeded:
			resultID := uuid.New().String()
			_, err := tx.Exec(ctx, `
				INSERT INTO job_results (id, job_id, tenant, payload, artifact_ref, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				resultID, j.ID, j.Tenant, orEmpty(p.Result), p.ArtifactRef, now,
			)
			if err != nil {
				return fmt.Errorf("insert result: %w", err)
			}
			_, err = tx.Exec(ctx, `
				UPDATE jobs SET status = 'succeeded', finished_at = $1, result_id = $2,
					locked_by = NULL, locked_at = NULL, heartbeat_at = NULL,
					error = NULL, updated_at = $1
				WHERE id = $3`,
				now, resultID, j.ID,
			)
			if err != nil {
				return fmt.Errorf("finish job: %w", err)
			}
			status = types.StatusSucceeded
			return nil

		case types.OutcomeFailed:
			next, runAt := queue.FailureTransition(p.Error, j.Attempts, j.MaxAttempts, now)
			if next == types.StatusQueued {
				_, err = tx.Exec(ctx, `
					UPDATE jobs SET status = 'queued', run_at = $1, error = $2,
						locked_by = NULL, locked_at = NULL, heartbeat_at = NULL,
						updated_at = $3
					WHERE id = $4`,
					runAt, p.Error, now, j.ID,
				)
			} else {
				_, err = tx.Exec(ctx, `
					UPDATE jobs SET status = $1, finished_at = $2, error = $3,
						locked_by = NULL, locked_at = NULL, heartbeat_at = NULL,
						updated_at = $2
					WHERE id = $4`,
					next, now, p.Error, j.ID,
				)
			}
			if err != nil {
				return fmt.Errorf("transition job: %w", err)
			}
			status = next
			return nil

		default:
			return fmt.Errorf("%w: unknown outcome %q", types.ErrBadInput, p.Outcome)
		}
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// closeAttempt finalizes the attempt row for the given ordinal.
func closeAttempt(ctx context.Context, tx pgx.Tx, jobID string, attemptNo int, now time.Time, jobErr *types.JobError, annotation *string) error {
	_, err := tx.Exec(ctx, `
		UPDATE job_attempts SET
			finished_at = $1,
			duration_ms = (EXTRACT(EPOCH FROM ($1::timestamptz - started_at)) * 1000)::bigint,
			error = $2,
			annotation = $3
		WHERE job_id = $4 AND attempt_no = $5 AND finished_at IS NULL`,
		now, jobErr, annotation, jobID, attemptNo,
	)
	if err != nil {
		return fmt.Errorf("close attempt: %w", err)
	}
	return nil
}

// Cancel implements queue.Queue. The cancel and its job_cancel audit
// entry commit together; a non-queued job refuses with ErrNotCancelable.
func (s *PGStore) Cancel(ctx context.Context, tenant, jobID string) error {
	now := s.clock.Now()
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET status = 'canceled', finished_at = $1, updated_at = $1
			WHERE id = $2 AND tenant = $3 AND status = 'queued'`,
			now, jobID, tenant,
		)
		if err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var status types.JobStatus
			err := tx.QueryRow(ctx,
				`SELECT status FROM jobs WHERE id = $1 AND tenant = $2`,
				jobID, tenant,
			).Scan(&status)
			if err != nil {
				return noRows(err, types.ErrNotFound)
			}
			return types.ErrNotCancelable
		}

		entry := audit.NewEntry(types.AuditJobCancel, tenant, now)
		entry.JobID = &jobID
		if err := insertAudit(ctx, tx, entry); err != nil {
			return fmt.Errorf("audit job_cancel: %w", err)
		}
		return nil
	})
}

// Reschedule implements queue.Queue.
func (s *PGStore) Reschedule(ctx context.Context, p queue.RescheduleParams) error {
	now := s.clock.Now()
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var status types.JobStatus
		var maxAttempts int
		err := tx.QueryRow(ctx,
			`SELECT status, max_attempts FROM jobs
			 WHERE id = $1 AND tenant = $2 FOR UPDATE`,
			p.JobID, p.Tenant,
		).Scan(&status, &maxAttempts)
		if err != nil {
			return noRows(err, types.ErrNotFound)
		}
		switch status {
		case types.StatusFailed, types.StatusDead, types.StatusQueued:
		default:
			return types.ErrNotReschedulable
		}
		// A dead job has no attempts headroom left; requeuing it as-is
		// would let the next claim push attempts past max_attempts.
		if status == types.StatusDead && !p.ResetAttempts && p.MaxAttempts <= maxAttempts {
			return types.ErrNotReschedulable
		}

		if p.MaxAttempts > maxAttempts {
			maxAttempts = p.MaxAttempts
		}
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = 'queued', run_at = $1, finished_at = NULL,
				attempts = CASE WHEN $2 THEN 0 ELSE attempts END,
				max_attempts = $3, updated_at = $4
			WHERE id = $5`,
			p.RunAt, p.ResetAttempts, maxAttempts, now, p.JobID,
		)
		if err != nil {
			return fmt.Errorf("reschedule: %w", err)
		}
		return nil
	})
}

// ReapStale implements queue.Queue. Each reclaimed job closes its
// attempt row with the stale-reap annotation, then requeues or
// dead-letters on exhausted attempts.
func (s *PGStore) ReapStale(ctx context.Context, threshold time.Duration) (int, error) {
	now := s.clock.Now()
	cutoff := now.Add(-threshold)

	reaped := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, attempts, max_attempts FROM jobs
			WHERE status = 'running'
			  AND COALESCE(heartbeat_at, locked_at) < $1
			FOR UPDATE SKIP LOCKED`,
			cutoff,
		)
		if err != nil {
			return fmt.Errorf("select stale: %w", err)
		}
		type stale struct {
			id                    string
			attempts, maxAttempts int
		}
		var victims []stale
		for rows.Next() {
			var v stale
			if err := rows.Scan(&v.id, &v.attempts, &v.maxAttempts); err != nil {
				rows.Close()
				return err
			}
			victims = append(victims, v)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		annotation := queue.StaleReapAnnotation
		reapErr := types.NewJobError(types.CodeInternal, "worker heartbeat went stale")
		for _, v := range victims {
			if err := closeAttempt(ctx, tx, v.id, v.attempts, now, reapErr, &annotation); err != nil {
				return err
			}
			if v.attempts >= v.maxAttempts {
				_, err = tx.Exec(ctx, `
					UPDATE jobs SET status = 'dead', finished_at = $1, error = $2,
						locked_by = NULL, locked_at = NULL, heartbeat_at = NULL,
						updated_at = $1
					WHERE id = $3`,
					now, reapErr, v.id,
				)
			} else {
				_, err = tx.Exec(ctx, `
					UPDATE jobs SET status = 'queued', run_at = $1, error = $2,
						locked_by = NULL, locked_at = NULL, heartbeat_at = NULL,
						updated_at = $1
					WHERE id = $3`,
					now, reapErr, v.id,
				)
			}
			if err != nil {
				return fmt.Errorf("reap job %s: %w", v.id, err)
			}
			reaped++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reaped, nil
}

// Get implements queue.Queue.
func (s *PGStore) Get(ctx context.Context, tenant, jobID string) (*types.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant = $2`,
		jobID, tenant,
	)
	j, err := scanJob(row)
	if err != nil {
		return nil, noRows(err, types.ErrNotFound)
	}
	return j, nil
}

// Attempts implements queue.Queue.
func (s *PGStore) Attempts(ctx context.Context, tenant, jobID string) ([]*types.JobAttempt, error) {
	if _, err := s.Get(ctx, tenant, jobID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, tenant, attempt_no, worker_id, started_at,
			finished_at, duration_ms, error, annotation, created_at
		FROM job_attempts
		WHERE job_id = $1
		ORDER BY attempt_no ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []*types.JobAttempt
	for rows.Next() {
		var a types.JobAttempt
		err := rows.Scan(
			&a.ID, &a.JobID, &a.Tenant, &a.AttemptNo, &a.WorkerID,
			&a.StartedAt, &a.FinishedAt, &a.DurationMs, &a.Error,
			&a.Annotation, &a.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Result returns the persisted result row for a succeeded job.
func (s *PGStore) Result(ctx context.Context, tenant, resultID string) (*types.JobResult, error) {
	var r types.JobResult
	err := s.pool.QueryRow(ctx, `
		SELECT id, job_id, tenant, payload, artifact_ref, created_at
		FROM job_results WHERE id = $1 AND tenant = $2`,
		resultID, tenant,
	).Scan(&r.ID, &r.JobID, &r.Tenant, &r.Payload, &r.ArtifactRef, &r.CreatedAt)
	if err != nil {
		return nil, noRows(err, types.ErrNotFound)
	}
	return &r, nil
}

// Verify PGStore implements the queue protocol.
var _ queue.Queue = (*PGStore)(nil)
