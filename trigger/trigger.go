// Package trigger evaluates ingested events against trigger rules and
// emits request bundles for the ones that fire. Every evaluation passes
// the same gate sequence: match, enabled, cooldown, rate limit, dedupe.
package trigger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/jobforge/audit"
	"github.com/pithecene-io/jobforge/backoff"
	"github.com/pithecene-io/jobforge/flags"
	"github.com/pithecene-io/jobforge/types"
)

// DefaultDedupeWindow suppresses repeated dedupe keys for this long.
const DefaultDedupeWindow = time.Hour

// rateWindow is the sliding window for max_runs_per_hour.
const rateWindow = time.Hour

// BundleBuilder resolves a ref-sourced rule into a concrete bundle.
type BundleBuilder func(ctx context.Context, event *types.Event, rule *types.TriggerRule) (*types.RequestBundle, error)

// Options configure an Evaluator.
type Options struct {
	// Flags gates evaluation on triggers_enabled and bundle_triggers_enabled.
	Flags *flags.Registry
	// Clock drives cooldown, rate, and dedupe windows.
	Clock backoff.Clock
	// Audit receives a trigger_fire entry for every fire, atomically with
	// the fire bookkeeping.
	Audit audit.Recorder
	// DedupeWindow overrides DefaultDedupeWindow when > 0.
	DedupeWindow time.Duration
}

// Evaluator matches events against rules and fires bundles. Fire history
// for rate limiting and the dedupe key set are kept in memory; the rule's
// own fire_count and last_fired_at are mutated on the rule for the caller
// to persist.
type Evaluator struct {
	flags        *flags.Registry
	clock        backoff.Clock
	audit        audit.Recorder
	dedupeWindow time.Duration

	mu       sync.Mutex
	builders map[string]BundleBuilder
	fires    map[string][]time.Time
	seen     map[string]time.Time
}

// New creates an evaluator.
func New(opts Options) *Evaluator {
	if opts.Clock == nil {
		opts.Clock = backoff.SystemClock{}
	}
	if opts.Audit == nil {
		opts.Audit = audit.NopRecorder{}
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = DefaultDedupeWindow
	}
	return &Evaluator{
		flags:        opts.Flags,
		clock:        opts.Clock,
		audit:        opts.Audit,
		dedupeWindow: opts.DedupeWindow,
		builders:     map[string]BundleBuilder{},
		fires:        map[string][]time.Time{},
		seen:         map[string]time.Time{},
	}
}

// RegisterBuilder installs the builder behind a bundle_ref name.
func (e *Evaluator) RegisterBuilder(name string, b BundleBuilder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.builders[name] = b
}

// EvaluateAll evaluates every rule against the event, ordered by rule ID,
// and returns one result per rule plus the fired bundles in order.
func (e *Evaluator) EvaluateAll(ctx context.Context, event *types.Event, rules []*types.TriggerRule) ([]*types.TriggerEvaluationResult, []*types.RequestBundle, error) {
	ordered := make([]*types.TriggerRule, len(rules))
	copy(ordered, rules)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	var results []*types.TriggerEvaluationResult
	var bundles []*types.RequestBundle
	for _, rule := range ordered {
		res, bundle, err := e.Evaluate(ctx, event, rule)
		if err != nil {
			return results, bundles, err
		}
		results = append(results, res)
		if bundle != nil {
			bundles = append(bundles, bundle)
		}
	}
	return results, bundles, nil
}

// Evaluate runs one rule against one event through the full gate
// sequence. On fire the rule's fire_count and last_fired_at are updated
// and a trigger_fire audit entry is recorded; an audit failure voids the
// fire.
func (e *Evaluator) Evaluate(ctx context.Context, event *types.Event, rule *types.TriggerRule) (*types.TriggerEvaluationResult, *types.RequestBundle, error) {
	now := e.clock.Now()
	res := &types.TriggerEvaluationResult{
		RuleID:      rule.ID,
		EventID:     event.ID,
		EvaluatedAt: now,
	}

	if e.flags != nil && !e.flags.Enabled(flags.TriggersEnabled) {
		res.Decision = types.DecisionSkip
		res.Reason = "trigger evaluation disabled"
		return res, nil, nil
	}

	if reason, ok := matches(event, &rule.Match); !ok {
		res.Decision = types.DecisionSkip
		res.Reason = reason
		return res, nil, nil
	}

	if !rule.Enabled {
		res.Decision = types.DecisionDisabled
		res.Reason = "rule disabled"
		return res, nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if rule.Safety.CooldownSeconds > 0 && rule.LastFiredAt != nil {
		cooldown := time.Duration(rule.Safety.CooldownSeconds) * time.Second
		if now.Sub(*rule.LastFiredAt) < cooldown {
			res.Decision = types.DecisionCooldown
			res.Reason = fmt.Sprintf("cooldown until %s", rule.LastFiredAt.Add(cooldown).UTC().Format(time.RFC3339))
			return res, nil, nil
		}
	}
	res.SafetyChecks.CooldownPassed = true

	if rule.Safety.MaxRunsPerHour > 0 {
		recent := e.pruneFires(rule.ID, now)
		if len(recent) >= rule.Safety.MaxRunsPerHour {
			res.Decision = types.DecisionRateLimited
			res.Reason = fmt.Sprintf("%d fires in the last hour", len(recent))
			return res, nil, nil
		}
	}
	res.SafetyChecks.RateLimitPassed = true

	var dedupeKey string
	if rule.Safety.DedupeKeyTemplate != nil && *rule.Safety.DedupeKeyTemplate != "" {
		dedupeKey = RenderDedupeKey(*rule.Safety.DedupeKeyTemplate, event)
		if seenAt, ok := e.seen[rule.ID+"\x00"+dedupeKey]; ok && now.Sub(seenAt) < e.dedupeWindow {
			res.Decision = types.DecisionSkip
			res.Reason = "duplicate"
			return res, nil, nil
		}
	}
	res.SafetyChecks.DedupePassed = true

	bundle, err := e.buildBundle(ctx, event, rule)
	if err != nil {
		return res, nil, err
	}
	if hasActionRequests(bundle) && !rule.Safety.AllowActionJobs {
		res.Decision = types.DecisionSkip
		res.Reason = "rule does not allow action jobs"
		return res, nil, nil
	}
	if e.flags != nil && !e.flags.Enabled(flags.BundleTriggersEnabled) {
		res.Decision = types.DecisionDisabled
		res.Reason = "bundle triggers disabled"
		return res, nil, nil
	}

	entry := audit.NewEntry(types.AuditTriggerFire, event.Tenant, now)
	entry.EventID = &event.ID
	entry.ResponseSummary = map[string]any{
		"rule_id":   rule.ID,
		"bundle_id": bundle.BundleID,
		"dry_run":   rule.Action.Mode == types.ModeDryRun,
	}
	if err := e.audit.Record(ctx, entry); err != nil {
		return res, nil, fmt.Errorf("audit trigger_fire: %w", err)
	}

	rule.FireCount++
	fired := now
	rule.LastFiredAt = &fired
	e.fires[rule.ID] = append(e.pruneFires(rule.ID, now), now)
	if dedupeKey != "" {
		e.seen[rule.ID+"\x00"+dedupeKey] = now
	}

	res.Decision = types.DecisionFire
	res.BundleID = &bundle.BundleID
	res.DryRun = rule.Action.Mode == types.ModeDryRun
	return res, bundle, nil
}

// pruneFires drops fire timestamps older than the rate window. Caller
// holds the mutex.
func (e *Evaluator) pruneFires(ruleID string, now time.Time) []time.Time {
	cutoff := now.Add(-rateWindow)
	kept := e.fires[ruleID][:0]
	for _, t := range e.fires[ruleID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.fires[ruleID] = kept
	return kept
}

func (e *Evaluator) buildBundle(ctx context.Context, event *types.Event, rule *types.TriggerRule) (*types.RequestBundle, error) {
	switch rule.Action.BundleSource {
	case types.BundleSourceInline:
		if rule.Action.Bundle == nil {
			return nil, fmt.Errorf("rule %s: inline rule without a bundle", rule.ID)
		}
		b := *rule.Action.Bundle
		b.Version = types.BundleVersion
		b.BundleID = uuid.NewString()
		b.Tenant = event.Tenant
		b.Project = event.Project
		b.TraceID = event.TraceID
		b.Metadata.Source = "trigger:" + rule.ID
		b.Metadata.TriggeredAt = e.clock.Now()
		reqs := make([]types.JobRequest, len(rule.Action.Bundle.Requests))
		copy(reqs, rule.Action.Bundle.Requests)
		for i := range reqs {
			reqs[i].Tenant = event.Tenant
			reqs[i].Project = event.Project
		}
		b.Requests = reqs
		return &b, nil
	case types.BundleSourceRef:
		builder, ok := e.builders[*rule.Action.BundleRef]
		if !ok {
			return nil, fmt.Errorf("rule %s: no builder registered for bundle_ref %q", rule.ID, *rule.Action.BundleRef)
		}
		return builder(ctx, event, rule)
	default:
		return nil, fmt.Errorf("rule %s: unknown bundle_source %q", rule.ID, rule.Action.BundleSource)
	}
}

// matches applies the rule's match predicate. Returns a skip reason when
// the event does not match.
func matches(event *types.Event, m *types.TriggerMatch) (string, bool) {
	if !containsString(m.EventTypeAllowlist, event.Type) {
		return fmt.Sprintf("event type %q not allowlisted", event.Type), false
	}
	if len(m.SourceModuleAllowlist) > 0 {
		if event.SourceModule == nil || !containsString(m.SourceModuleAllowlist, string(*event.SourceModule)) {
			return "source module not allowlisted", false
		}
	}
	if m.Severity != nil && payloadInt(event.Payload, "severity") < *m.Severity {
		return "severity below threshold", false
	}
	if m.Priority != nil && payloadInt(event.Payload, "priority") < *m.Priority {
		return "priority below threshold", false
	}
	return "", true
}

// RenderDedupeKey substitutes {placeholders} in a dedupe key template.
// Supported paths: event.id, event.type, event.tenant, subject.type,
// subject.id, and payload.<dotted path>. Unresolvable placeholders render
// empty.
func RenderDedupeKey(template string, event *types.Event) string {
	var b strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		close := strings.IndexByte(rest[open:], '}')
		if close < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:open])
		b.WriteString(resolvePlaceholder(rest[open+1:open+close], event))
		rest = rest[open+close+1:]
	}
}

func resolvePlaceholder(path string, event *types.Event) string {
	switch path {
	case "event.id":
		return event.ID
	case "event.type":
		return event.Type
	case "event.tenant":
		return event.Tenant
	case "subject.type":
		if event.Subject != nil {
			return event.Subject.Type
		}
		return ""
	case "subject.id":
		if event.Subject != nil {
			return event.Subject.ID
		}
		return ""
	}
	if rest, ok := strings.CutPrefix(path, "payload."); ok {
		return payloadString(event.Payload, rest)
	}
	return ""
}

func payloadString(payload map[string]any, dotted string) string {
	var cur any = payload
	for _, part := range strings.Split(dotted, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[part]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func hasActionRequests(b *types.RequestBundle) bool {
	for _, r := range b.Requests {
		if r.IsActionJob {
			return true
		}
	}
	return false
}
