package types

import (
	"errors"
	"fmt"
	"time"
)

// BundleSource says where a firing rule obtains its request bundle.
type BundleSource string

const (
	// BundleSourceInline embeds the bundle literal in the rule.
	BundleSourceInline BundleSource = "inline"
	// BundleSourceRef resolves the bundle through a registered builder.
	BundleSourceRef BundleSource = "ref"
)

// TriggerMode selects between rehearsal and real execution.
type TriggerMode string

const (
	// ModeDryRun evaluates and reports without enqueuing.
	ModeDryRun TriggerMode = "dry_run"
	// ModeExecute enqueues the fired bundle's requests.
	ModeExecute TriggerMode = "execute"
)

// TriggerMatch is the matching half of a rule. An event matches when its
// type is allowlisted AND, when specified, its source module is
// allowlisted and severity/priority thresholds are met.
type TriggerMatch struct {
	// EventTypeAllowlist is the set of event types this rule fires on.
	EventTypeAllowlist []string `json:"event_type_allowlist" yaml:"event_type_allowlist"`
	// SourceModuleAllowlist optionally restricts source modules.
	SourceModuleAllowlist []string `json:"source_module_allowlist,omitempty" yaml:"source_module_allowlist,omitempty"`
	// Severity is an optional minimum severity the event payload must meet.
	Severity *int `json:"severity,omitempty" yaml:"severity,omitempty"`
	// Priority is an optional minimum priority the event payload must meet.
	Priority *int `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// TriggerAction is the action half of a rule.
type TriggerAction struct {
	// BundleSource selects inline vs builder-resolved bundles.
	BundleSource BundleSource `json:"bundle_source" yaml:"bundle_source"`
	// BundleRef names the registered bundle builder for ref sources.
	BundleRef *string `json:"bundle_ref,omitempty" yaml:"bundle_ref,omitempty"`
	// Bundle is the inline bundle literal for inline sources.
	Bundle *RequestBundle `json:"bundle,omitempty" yaml:"bundle,omitempty"`
	// Mode selects dry_run vs execute for fired bundles.
	Mode TriggerMode `json:"mode" yaml:"mode"`
}

// TriggerSafety is the safety half of a rule.
type TriggerSafety struct {
	// CooldownSeconds is the minimum time between consecutive fires.
	CooldownSeconds int `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	// MaxRunsPerHour bounds fires within a sliding one hour window.
	MaxRunsPerHour int `json:"max_runs_per_hour" yaml:"max_runs_per_hour"`
	// DedupeKeyTemplate renders a dedupe key from the event; repeated
	// keys within the dedupe window suppress new fires.
	DedupeKeyTemplate *string `json:"dedupe_key_template,omitempty" yaml:"dedupe_key_template,omitempty"`
	// AllowActionJobs permits this rule to fire bundles that contain
	// write-class jobs.
	AllowActionJobs bool `json:"allow_action_jobs" yaml:"allow_action_jobs"`
}

// TriggerRule maps matching events to a request bundle under safety gates.
// A rule is eligible only when Enabled is true.
type TriggerRule struct {
	// ID is the rule identifier. Evaluation order is by ID.
	ID string `json:"id"`
	// Tenant is the owning tenant.
	Tenant string `json:"tenant"`
	// Project optionally narrows the rule to a project.
	Project *string `json:"project,omitempty"`
	// Name is the operator-facing rule name.
	Name string `json:"name"`
	// Enabled gates evaluation. Disabled rules never fire.
	Enabled bool `json:"enabled"`
	// Match is the matching predicate.
	Match TriggerMatch `json:"match"`
	// Action is the fired bundle description.
	Action TriggerAction `json:"action"`
	// Safety holds the cooldown, rate, and dedupe gates.
	Safety TriggerSafety `json:"safety"`
	// FireCount is the lifetime number of fires.
	FireCount int64 `json:"fire_count"`
	// LastFiredAt is the most recent fire time.
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	// CreatedAt is the row creation time.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is the last mutation time.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks rule shape before persistence.
func (r *TriggerRule) Validate() error {
	if r.Tenant == "" {
		return errors.New("rule tenant must be non-empty")
	}
	if r.Name == "" {
		return errors.New("rule name must be non-empty")
	}
	if len(r.Match.EventTypeAllowlist) == 0 {
		return errors.New("rule must allowlist at least one event type")
	}
	switch r.Action.BundleSource {
	case BundleSourceInline:
		if r.Action.Bundle == nil {
			return errors.New("inline rule must embed a bundle")
		}
	case BundleSourceRef:
		if r.Action.BundleRef == nil || *r.Action.BundleRef == "" {
			return errors.New("ref rule must name a bundle_ref")
		}
	default:
		return fmt.Errorf("unknown bundle_source %q", r.Action.BundleSource)
	}
	if r.Action.Mode != ModeDryRun && r.Action.Mode != ModeExecute {
		return fmt.Errorf("unknown trigger mode %q", r.Action.Mode)
	}
	if r.Safety.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown_seconds must be >= 0, got %d", r.Safety.CooldownSeconds)
	}
	if r.Safety.MaxRunsPerHour < 0 {
		return fmt.Errorf("max_runs_per_hour must be >= 0, got %d", r.Safety.MaxRunsPerHour)
	}
	return nil
}

// TriggerDecision is the outcome of evaluating one rule for one event.
type TriggerDecision string

const (
	// DecisionFire means all gates passed and the bundle was handed off.
	DecisionFire TriggerDecision = "fire"
	// DecisionSkip means the event did not match or was a duplicate.
	DecisionSkip TriggerDecision = "skip"
	// DecisionDisabled means the rule is not enabled.
	DecisionDisabled TriggerDecision = "disabled"
	// DecisionCooldown means the cooldown window has not elapsed.
	DecisionCooldown TriggerDecision = "cooldown"
	// DecisionRateLimited means the sliding hourly window is full.
	DecisionRateLimited TriggerDecision = "rate_limited"
)

// SafetyChecks records the individual gate outcomes for observability.
type SafetyChecks struct {
	// CooldownPassed reports the cooldown gate.
	CooldownPassed bool `json:"cooldown_passed"`
	// RateLimitPassed reports the sliding window gate.
	RateLimitPassed bool `json:"rate_limit_passed"`
	// DedupePassed reports the rendered dedupe key gate.
	DedupePassed bool `json:"dedupe_passed"`
}

// TriggerEvaluationResult is the recorded outcome of one rule evaluation.
type TriggerEvaluationResult struct {
	// RuleID is the evaluated rule.
	RuleID string `json:"rule_id"`
	// EventID is the evaluated event.
	EventID string `json:"event_id"`
	// Decision is the evaluation outcome.
	Decision TriggerDecision `json:"decision"`
	// Reason is a human-readable explanation of the decision.
	Reason string `json:"reason,omitempty"`
	// SafetyChecks records the individual gate outcomes.
	SafetyChecks SafetyChecks `json:"safety_checks"`
	// BundleID is the fired bundle, present when Decision is fire.
	BundleID *string `json:"bundle_id,omitempty"`
	// DryRun reports whether the fire was a rehearsal.
	DryRun bool `json:"dry_run"`
	// EvaluatedAt is when the evaluation happened.
	EvaluatedAt time.Time `json:"evaluated_at"`
}
