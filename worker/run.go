package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/pithecene-io/jobforge/envelope"
	"github.com/pithecene-io/jobforge/flags"
	"github.com/pithecene-io/jobforge/queue"
	"github.com/pithecene-io/jobforge/registry"
	"github.com/pithecene-io/jobforge/types"
)

// execute runs one claimed job end to end: registration lookup, input
// validation, handler execution under heartbeat and timeout, envelope
// finalization, and completion reporting.
func (p *Pool) execute(ctx context.Context, job *types.Job) {
	p.metrics.IncRunStarted()
	jobLog := p.log.With(
		zap.String("job_id", job.ID),
		zap.String("tenant", job.Tenant),
		zap.String("job_type", job.Type),
		zap.Int("attempt", job.Attempts),
		zap.String("trace_id", job.TraceID),
	)
	started := p.clock.Now()

	reg, err := p.registry.Lookup(job.Type)
	if err != nil {
		jobLog.Error("no handler for job type", zap.Error(err))
		p.complete(ctx, job, jobLog, nil, types.NewJobError(types.CodeBadInput,
			fmt.Sprintf("no handler registered for job type %q", job.Type)))
		return
	}

	if err := reg.ValidateInput(job.Payload); err != nil {
		jobErr := types.WrapJobError(err)
		jobLog.Warn("payload failed input schema", zap.Error(err))
		p.complete(ctx, job, jobLog, nil, jobErr)
		return
	}

	env, err := envelope.Open(envelope.Params{
		RunID:          job.ID,
		Tenant:         job.Tenant,
		Project:        job.Project,
		JobType:        job.Type,
		Payload:        job.Payload,
		EnvFingerprint: p.envFingerprint,
	}, p.clock)
	if err != nil {
		jobErr := types.WrapJobError(err)
		jobLog.Warn("input snapshot failed", zap.Error(err))
		p.complete(ctx, job, jobLog, nil, jobErr)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	if reg.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(reg.TimeoutMs)*time.Millisecond)
	}
	defer cancel()

	stopHeartbeat := p.startHeartbeat(runCtx, cancel, job, jobLog)
	result, jobErr := p.runHandler(runCtx, reg, job, env)
	stopHeartbeat()

	if jobErr == nil && runCtx.Err() != nil && ctx.Err() == nil {
		jobErr = types.NewJobError(types.CodeTimeout,
			fmt.Sprintf("attempt exceeded %dms timeout", reg.TimeoutMs))
	}
	if jobErr == nil {
		if err := reg.ValidateOutput(result); err != nil {
			jobErr = types.WrapJobError(err)
		}
	}

	p.finalizeEnvelope(ctx, env, job, jobLog, jobErr)
	p.complete(ctx, job, jobLog, result, jobErr)

	jobLog.Info("attempt finished",
		zap.Duration("duration", p.clock.Now().Sub(started)),
		zap.Bool("succeeded", jobErr == nil),
	)
}

// startHeartbeat refreshes the job lock on a timer until the returned
// stop function runs. A refused heartbeat means the lock was lost (reaped
// or canceled); the run context is canceled so the handler stops
// cooperatively.
func (p *Pool) startHeartbeat(ctx context.Context, cancelRun context.CancelFunc, job *types.Job, jobLog *zap.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-p.clock.After(p.heartbeatPeriod):
			case <-done:
				return
			case <-ctx.Done():
				return
			}

			err := p.queue.Heartbeat(ctx, job.ID, p.workerID)
			switch {
			case err == nil:
				p.metrics.IncHeartbeatSent()
			case errors.Is(err, types.ErrNotOwned), errors.Is(err, types.ErrNotRunning), errors.Is(err, types.ErrNotFound):
				p.metrics.IncHeartbeatLost()
				jobLog.Warn("lock lost, stopping handler", zap.Error(err))
				cancelRun()
				return
			default:
				// Transient refresh failure. The lock survives until the
				// reap threshold, so keep trying.
				jobLog.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// runHandler executes the handler with panic isolation. A panicking
// handler fails the attempt with a stack-carrying internal error instead
// of taking the worker down.
func (p *Pool) runHandler(ctx context.Context, reg *registry.Registration, job *types.Job, env *envelope.Envelope) (result map[string]any, jobErr *types.JobError) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.IncRunPanicked()
			stack := string(debug.Stack())
			jobErr = &types.JobError{
				Code:      types.CodeInternal,
				Message:   fmt.Sprintf("handler panic: %v", r),
				Stack:     &stack,
				Retryable: true,
			}
			result = nil
		}
	}()

	run := &registry.Run{
		JobID:     job.ID,
		Tenant:    job.Tenant,
		AttemptNo: job.Attempts,
		TraceID:   job.TraceID,
		Envelope:  env,
		Heartbeat: func(hbCtx context.Context) error {
			return p.queue.Heartbeat(hbCtx, job.ID, p.workerID)
		},
	}

	out, err := reg.Handler.Execute(ctx, run, job.Payload)
	if err != nil {
		var typed *types.JobError
		if errors.As(err, &typed) {
			return nil, typed
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.NewJobError(types.CodeTimeout, "attempt deadline exceeded")
		}
		return nil, types.WrapJobError(err)
	}
	return out, nil
}

// finalizeEnvelope closes the run's manifest and exports it (plus the
// replay bundle) when the corresponding flags are on. Envelope
// persistence failures never change the job outcome; they are counted
// and logged.
func (p *Pool) finalizeEnvelope(ctx context.Context, env *envelope.Envelope, job *types.Job, jobLog *zap.Logger, jobErr *types.JobError) {
	var m *types.Manifest
	var err error
	if jobErr == nil {
		final := "succeeded"
		if fd := env.Trace().FinalDecision(); fd != nil && *fd != "" {
			final = *fd
		}
		m, err = env.Complete(final)
	} else {
		m, err = env.Fail(jobErr.Message)
	}
	if err != nil {
		p.metrics.IncManifestFailure()
		jobLog.Warn("manifest finalization failed", zap.Error(err))
		return
	}

	if p.flags != nil && !p.flags.Enabled(flags.ManifestsEnabled) {
		return
	}
	if p.manifests != nil {
		if err := p.manifests.SaveManifest(ctx, m); err != nil {
			p.metrics.IncManifestFailure()
			jobLog.Warn("manifest save failed", zap.Error(err))
		}
	}
	if p.replays != nil && p.flags != nil && p.flags.Enabled(flags.ReplayPackEnabled) {
		b, err := env.Bundle()
		if err != nil {
			jobLog.Warn("replay bundle assembly failed", zap.Error(err))
			return
		}
		if err := p.replays.SaveReplayBundle(ctx, b); err != nil {
			jobLog.Warn("replay bundle save failed", zap.Error(err))
		}
	}
}

// complete reports the attempt outcome to the queue and records the
// resulting transition.
func (p *Pool) complete(ctx context.Context, job *types.Job, jobLog *zap.Logger, result map[string]any, jobErr *types.JobError) {
	params := queue.CompleteParams{
		Tenant: job.Tenant,
		JobID:  job.ID,
		Worker: p.workerID,
	}
	if jobErr == nil {
		params.Outcome = types.OutcomeSucceeded
		params.Result = result
	} else {
		params.Outcome = types.OutcomeFailed
		params.Error = jobErr
	}

	status, err := p.queue.Complete(ctx, params)
	if err != nil {
		// Completion refused: the lock was lost to the reaper or an
		// operator. The queue owns the job's fate now.
		jobLog.Warn("complete refused", zap.Error(err))
		return
	}

	switch status {
	case types.StatusSucceeded:
		p.metrics.IncRunSucceeded()
	case types.StatusQueued:
		p.metrics.IncRunFailed(failCode(jobErr))
		p.metrics.IncRunRetried()
	case types.StatusDead:
		p.metrics.IncRunFailed(failCode(jobErr))
		p.metrics.IncRunDead()
		jobLog.Error("job dead lettered", zap.Int("attempts", job.Attempts))
	case types.StatusFailed:
		p.metrics.IncRunFailed(failCode(jobErr))
	}

	if p.notifier != nil {
		p.notifier.NotifyCompletion(ctx, job, status, jobErr)
	}
}

func failCode(jobErr *types.JobError) string {
	if jobErr == nil {
		return ""
	}
	return string(jobErr.Code)
}
