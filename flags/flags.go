// Package flags provides the enumerated feature-flag registry.
//
// Flags form process-wide state initialized once at startup. The registry
// rejects unknown names; changes after initialization require a restart.
package flags

import (
	"errors"
	"fmt"
	"sort"
)

// Flag is an enumerated runtime switch name.
type Flag string

// The full set of legal flags. Defaults are off unless stated.
const (
	// EventsEnabled permits event ingestion and trigger evaluation.
	EventsEnabled Flag = "events_enabled"
	// TriggersEnabled permits trigger rule evaluation; off short-circuits
	// the evaluator with skip.
	TriggersEnabled Flag = "triggers_enabled"
	// AutopilotJobsEnabled permits the bundle executor to accept
	// requests; off rejects with Disabled.
	AutopilotJobsEnabled Flag = "autopilot_jobs_enabled"
	// ActionJobsEnabled makes write-class jobs admissible.
	ActionJobsEnabled Flag = "action_jobs_enabled"
	// RequirePolicyTokens refuses action jobs without a valid token.
	// Default on.
	RequirePolicyTokens Flag = "require_policy_tokens"
	// ManifestsEnabled produces a manifest for each run.
	ManifestsEnabled Flag = "manifests_enabled"
	// ReplayPackEnabled exports replay bundles.
	ReplayPackEnabled Flag = "replay_pack_enabled"
	// BundleTriggersEnabled lets trigger rules fire bundles.
	BundleTriggersEnabled Flag = "bundle_triggers_enabled"
	// AuditLoggingEnabled writes audit entries at admission points.
	AuditLoggingEnabled Flag = "audit_logging_enabled"
	// RateLimitingEnabled enforces per-tenant enqueue caps.
	RateLimitingEnabled Flag = "rate_limiting_enabled"
	// SecurityValidationEnabled enforces payload-size and field-shape
	// limits. Default on.
	SecurityValidationEnabled Flag = "security_validation_enabled"
)

// defaults holds the legal flag set with its safe default values.
var defaults = map[Flag]bool{
	EventsEnabled:             false,
	TriggersEnabled:           false,
	AutopilotJobsEnabled:      false,
	ActionJobsEnabled:         false,
	RequirePolicyTokens:       true,
	ManifestsEnabled:          false,
	ReplayPackEnabled:         false,
	BundleTriggersEnabled:     false,
	AuditLoggingEnabled:       false,
	RateLimitingEnabled:       false,
	SecurityValidationEnabled: true,
}

// ErrUnknownFlag is returned when a name outside the enumerated set is
// supplied.
var ErrUnknownFlag = errors.New("unknown feature flag")

// Registry is an immutable snapshot of flag values, built once at
// startup. The registry is a hint cache for callers; the enumerated set
// is the truth.
type Registry struct {
	values map[Flag]bool
	// secretConfigured reports whether a policy-token signing secret was
	// supplied at initialization.
	secretConfigured bool
}

// Options configures registry construction.
type Options struct {
	// Overrides are the flag values to apply over the defaults.
	Overrides map[string]bool
	// PolicySecretConfigured reports whether a signing secret is
	// available for policy tokens.
	PolicySecretConfigured bool
}

// New builds a registry from the defaults plus the given overrides.
// Unknown flag names fail with ErrUnknownFlag. If action jobs and policy
// tokens are both on without a configured signing secret, initialization
// fails fast.
func New(opts Options) (*Registry, error) {
	values := make(map[Flag]bool, len(defaults))
	for f, v := range defaults {
		values[f] = v
	}

	for name, v := range opts.Overrides {
		f := Flag(name)
		if _, ok := defaults[f]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownFlag, name)
		}
		values[f] = v
	}

	r := &Registry{values: values, secretConfigured: opts.PolicySecretConfigured}

	if r.Enabled(ActionJobsEnabled) && r.Enabled(RequirePolicyTokens) && !r.secretConfigured {
		return nil, errors.New("action_jobs_enabled with require_policy_tokens requires a policy token secret")
	}
	return r, nil
}

// Defaults returns a registry with every flag at its default value.
func Defaults() *Registry {
	r, err := New(Options{})
	if err != nil {
		// Defaults are internally consistent.
		panic(err)
	}
	return r
}

// Enabled reports the value of a known flag. Unknown flags are false.
func (r *Registry) Enabled(f Flag) bool {
	return r.values[f]
}

// All returns the flag values sorted by name, for diagnostics.
func (r *Registry) All() []State {
	out := make([]State, 0, len(r.values))
	for f, v := range r.values {
		out = append(out, State{Flag: f, Enabled: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Flag < out[j].Flag })
	return out
}

// State is one flag's resolved value.
type State struct {
	// Flag is the switch name.
	Flag Flag
	// Enabled is the resolved value.
	Enabled bool
}
