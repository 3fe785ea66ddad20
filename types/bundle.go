package types

import (
	"errors"
	"fmt"
	"time"
)

// BundleVersion is the pinned request-bundle envelope version.
const BundleVersion = "1.0"

// MaxBundleRequests bounds the number of requests per bundle.
const MaxBundleRequests = 100

// JobRequest is one requested child job inside a bundle.
type JobRequest struct {
	// ID is the request identifier, unique within the bundle.
	ID string `json:"id" yaml:"id"`
	// JobType is the handler tag to enqueue.
	JobType string `json:"job_type" yaml:"job_type"`
	// Tenant must agree with the bundle tenant.
	Tenant string `json:"tenant" yaml:"tenant"`
	// Project must agree with the bundle project when both are set.
	Project *string `json:"project,omitempty" yaml:"project,omitempty"`
	// Payload is the child job input.
	Payload map[string]any `json:"payload" yaml:"payload"`
	// IdempotencyKey dedupes the enqueue within (tenant, job_type).
	IdempotencyKey *string `json:"idempotency_key,omitempty" yaml:"idempotency_key,omitempty"`
	// RequiredScopes are the capability scopes an action request needs.
	RequiredScopes []string `json:"required_scopes" yaml:"required_scopes"`
	// IsActionJob marks write-class jobs gated by policy tokens.
	IsActionJob bool `json:"is_action_job" yaml:"is_action_job"`
}

// BundleMetadata carries provenance for a bundle.
type BundleMetadata struct {
	// Source identifies what produced the bundle.
	Source string `json:"source" yaml:"source"`
	// TriggeredAt is when the bundle was produced.
	TriggeredAt time.Time `json:"triggered_at" yaml:"triggered_at"`
	// CorrelationID optionally links the bundle to an external request.
	CorrelationID *string `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
}

// RequestBundle is an ordered set of 1..100 job requests submitted or
// fired together under a shared tenant and trace.
type RequestBundle struct {
	// Version is the pinned envelope version, always "1.0".
	Version string `json:"version" yaml:"version"`
	// BundleID is the bundle identifier.
	BundleID string `json:"bundle_id" yaml:"bundle_id"`
	// Tenant is the owning tenant for every request in the bundle.
	Tenant string `json:"tenant" yaml:"tenant"`
	// Project optionally narrows the bundle to a project.
	Project *string `json:"project,omitempty" yaml:"project,omitempty"`
	// TraceID correlates all child jobs.
	TraceID string `json:"trace_id" yaml:"trace_id"`
	// Requests are the ordered child job requests.
	Requests []JobRequest `json:"requests" yaml:"requests"`
	// Metadata carries provenance.
	Metadata BundleMetadata `json:"metadata" yaml:"metadata"`
}

// Validate checks the pinned bundle envelope rules.
func (b *RequestBundle) Validate() error {
	if b.Version != BundleVersion {
		return fmt.Errorf("unsupported bundle version %q", b.Version)
	}
	if b.BundleID == "" {
		return errors.New("bundle_id must be non-empty")
	}
	if b.Tenant == "" {
		return errors.New("bundle tenant must be non-empty")
	}
	if b.TraceID == "" {
		return errors.New("bundle trace_id must be non-empty")
	}
	if len(b.Requests) < 1 || len(b.Requests) > MaxBundleRequests {
		return fmt.Errorf("bundle must carry 1..%d requests, got %d", MaxBundleRequests, len(b.Requests))
	}
	for i := range b.Requests {
		req := &b.Requests[i]
		if req.ID == "" {
			return fmt.Errorf("request %d: id must be non-empty", i)
		}
		if req.JobType == "" {
			return fmt.Errorf("request %q: job_type must be non-empty", req.ID)
		}
		if req.Tenant == "" {
			return fmt.Errorf("request %q: tenant must be non-empty", req.ID)
		}
		if req.IsActionJob && len(req.RequiredScopes) == 0 {
			return fmt.Errorf("request %q: action job must declare required_scopes", req.ID)
		}
	}
	return nil
}

// ChildStatus is the per-request outcome reported by the bundle executor.
type ChildStatus string

const (
	// ChildAccepted means the request was (or would be) enqueued.
	ChildAccepted ChildStatus = "accepted"
	// ChildSkipped means the request was suppressed as a duplicate.
	ChildSkipped ChildStatus = "skipped"
	// ChildDenied means a gate refused the request.
	ChildDenied ChildStatus = "denied"
	// ChildError means the enqueue itself failed.
	ChildError ChildStatus = "error"
)

// ChildResult reports the outcome for one request in a bundle.
type ChildResult struct {
	// RequestID is the request this result belongs to.
	RequestID string `json:"request_id"`
	// Status is the admission outcome.
	Status ChildStatus `json:"status"`
	// Reason explains skips and denials.
	Reason string `json:"reason,omitempty"`
	// JobID is the enqueued job, present for accepted execute-mode
	// requests.
	JobID *string `json:"job_id,omitempty"`
}

// BundleSummary aggregates per-request outcomes for a processed bundle.
type BundleSummary struct {
	// Total is the number of requests in the bundle.
	Total int `json:"total"`
	// Accepted counts enqueued (or would-be enqueued) requests.
	Accepted int `json:"accepted"`
	// Skipped counts duplicate-suppressed requests.
	Skipped int `json:"skipped"`
	// Denied counts gate-refused requests.
	Denied int `json:"denied"`
	// ActionJobsBlocked counts action requests refused for want of a
	// valid policy token.
	ActionJobsBlocked int `json:"action_jobs_blocked"`
	// Children are the per-request results in bundle order.
	Children []ChildResult `json:"children"`
	// DryRun reports whether the bundle was processed in rehearsal mode.
	DryRun bool `json:"dry_run"`
}
