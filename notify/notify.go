// Package notify publishes job completion notifications to downstream
// systems. Adapters are fire-and-forget from the queue's point of view:
// a failed publish is logged and counted, never fed back into the job's
// outcome.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pithecene-io/jobforge/types"
	"github.com/pithecene-io/jobforge/worker"
)

// ContractVersion is the pinned notification payload version.
const ContractVersion = "1.0"

// JobCompletedEvent is the payload published when a job reaches a
// terminal status or is requeued for retry.
type JobCompletedEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"` // always "job_completed"
	JobID           string `json:"job_id"`
	Tenant          string `json:"tenant"`
	JobType         string `json:"job_type"`
	Status          string `json:"status"` // succeeded, queued, failed, dead
	Attempts        int    `json:"attempts"`
	TraceID         string `json:"trace_id,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	ResultID        string `json:"result_id,omitempty"`
	Timestamp       string `json:"timestamp"` // ISO 8601
}

// FromJob builds the notification payload for a completed attempt.
func FromJob(job *types.Job, status types.JobStatus, jobErr *types.JobError, now time.Time) *JobCompletedEvent {
	ev := &JobCompletedEvent{
		ContractVersion: ContractVersion,
		EventType:       "job_completed",
		JobID:           job.ID,
		Tenant:          job.Tenant,
		JobType:         job.Type,
		Status:          string(status),
		Attempts:        job.Attempts,
		TraceID:         job.TraceID,
		Timestamp:       now.UTC().Format(time.RFC3339),
	}
	if jobErr != nil {
		ev.ErrorCode = string(jobErr.Code)
	}
	if job.ResultID != nil {
		ev.ResultID = *job.ResultID
	}
	return ev
}

// Adapter publishes completion events to one downstream system.
// Implementations must respect context cancellation and deadlines.
type Adapter interface {
	// Publish sends one completion event.
	Publish(ctx context.Context, event *JobCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}

// Bus fans one completion event out to every configured adapter. It
// implements the worker's notifier hook.
type Bus struct {
	adapters []Adapter
	log      *zap.Logger
}

// NewBus creates a bus over the given adapters. A nil logger discards.
func NewBus(log *zap.Logger, adapters ...Adapter) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{adapters: adapters, log: log}
}

// NotifyCompletion publishes to all adapters. Publish failures are
// logged; they never propagate to the caller.
func (b *Bus) NotifyCompletion(ctx context.Context, job *types.Job, status types.JobStatus, jobErr *types.JobError) {
	if len(b.adapters) == 0 {
		return
	}
	event := FromJob(job, status, jobErr, time.Now())
	for _, a := range b.adapters {
		if err := a.Publish(ctx, event); err != nil {
			b.log.Warn("completion publish failed",
				zap.String("job_id", job.ID),
				zap.String("tenant", job.Tenant),
				zap.Error(err),
			)
		}
	}
}

// Close closes every adapter, returning the first error.
func (b *Bus) Close() error {
	var first error
	for _, a := range b.adapters {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Verify Bus implements the worker's notifier hook.
var _ worker.Notifier = (*Bus)(nil)
