package types

import "time"

// AuditAction identifies the admission point an audit entry records.
type AuditAction string

const (
	// AuditEventIngest records an event entering the plane.
	AuditEventIngest AuditAction = "event_ingest"
	// AuditJobRequest records a direct or bundled enqueue request.
	AuditJobRequest AuditAction = "job_request"
	// AuditJobCancel records a cancel request.
	AuditJobCancel AuditAction = "job_cancel"
	// AuditPolicyCheck records a policy token verification.
	AuditPolicyCheck AuditAction = "policy_check"
	// AuditTriggerFire records a trigger rule firing.
	AuditTriggerFire AuditAction = "trigger_fire"
)

// AuditEntry is one append-only record of an admission decision. Entries
// are written in the same transaction as the decision's primary write;
// a failed audit write fails the enclosing decision.
type AuditEntry struct {
	// ID is the entry identifier.
	ID string `json:"id"`
	// Tenant is the owning tenant.
	Tenant string `json:"tenant"`
	// Project optionally narrows the entry to a project.
	Project *string `json:"project,omitempty"`
	// Action is the admission point.
	Action AuditAction `json:"action"`
	// Actor identifies the caller, when known.
	Actor *string `json:"actor,omitempty"`
	// EventID links the entry to an event, when applicable.
	EventID *string `json:"event_id,omitempty"`
	// JobID links the entry to a job, when applicable.
	JobID *string `json:"job_id,omitempty"`
	// TemplateKey names the trigger rule or bundle builder involved.
	TemplateKey *string `json:"template_key,omitempty"`
	// RequestPayload is a summary of the admitted request.
	RequestPayload map[string]any `json:"request_payload,omitempty"`
	// ResponseSummary is a summary of the decision outcome.
	ResponseSummary map[string]any `json:"response_summary,omitempty"`
	// ScopesGranted lists scopes granted at the boundary.
	ScopesGranted []string `json:"scopes_granted,omitempty"`
	// PolicyTokenUsed references the token presented, when any.
	PolicyTokenUsed *string `json:"policy_token_used,omitempty"`
	// PolicyCheckResult records the token verification outcome.
	PolicyCheckResult *bool `json:"policy_check_result,omitempty"`
	// CreatedAt is the entry time.
	CreatedAt time.Time `json:"created_at"`
	// DurationMs is the decision duration, when measured.
	DurationMs *int64 `json:"duration_ms,omitempty"`
}
