package trigger_test

import (
	"context"
	"testing"
	"time"

	"github.com/pithecene-io/jobforge/audit"
	"github.com/pithecene-io/jobforge/backoff"
	"github.com/pithecene-io/jobforge/flags"
	"github.com/pithecene-io/jobforge/trigger"
	"github.com/pithecene-io/jobforge/types"
)

func testFlags(t *testing.T, overrides map[string]bool) *flags.Registry {
	t.Helper()
	base := map[string]bool{
		string(flags.TriggersEnabled):       true,
		string(flags.BundleTriggersEnabled): true,
	}
	for k, v := range overrides {
		base[k] = v
	}
	reg, err := flags.New(flags.Options{Overrides: base})
	if err != nil {
		t.Fatalf("flags.New: %v", err)
	}
	return reg
}

func inlineRule(id string) *types.TriggerRule {
	return &types.TriggerRule{
		ID:      id,
		Tenant:  "acme",
		Name:    "disk alert remediation",
		Enabled: true,
		Match: types.TriggerMatch{
			EventTypeAllowlist: []string{"disk.full"},
		},
		Action: types.TriggerAction{
			BundleSource: types.BundleSourceInline,
			Mode:         types.ModeExecute,
			Bundle: &types.RequestBundle{
				Requests: []types.JobRequest{
					{ID: "req-1", JobType: "disk.cleanup", Tenant: "acme", Payload: map[string]any{"path": "/var"}},
				},
			},
		},
	}
}

func diskEvent(id string) *types.Event {
	mod := types.ModuleOps
	return &types.Event{
		ID:           id,
		Tenant:       "acme",
		Type:         "disk.full",
		TraceID:      "trace-" + id,
		SourceApp:    types.SourceSettler,
		SourceModule: &mod,
		Subject:      &types.EventSubject{Type: "host", ID: "web-1"},
		Payload:      map[string]any{"severity": 7, "host": "web-1"},
		OccurredAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestEvaluator(t *testing.T, fl *flags.Registry) (*trigger.Evaluator, *backoff.VirtualClock, *audit.MemRecorder) {
	t.Helper()
	clock := backoff.NewVirtualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := audit.NewMemRecorder()
	if fl == nil {
		fl = testFlags(t, nil)
	}
	return trigger.New(trigger.Options{Flags: fl, Clock: clock, Audit: rec}), clock, rec
}

func TestEvaluate_FireBuildsBundleAndAudits(t *testing.T) {
	ev, _, rec := newTestEvaluator(t, nil)
	rule := inlineRule("r1")

	res, bundle, err := ev.Evaluate(t.Context(), diskEvent("e1"), rule)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != types.DecisionFire {
		t.Fatalf("decision = %s (%s), want fire", res.Decision, res.Reason)
	}
	if !res.SafetyChecks.CooldownPassed || !res.SafetyChecks.RateLimitPassed || !res.SafetyChecks.DedupePassed {
		t.Errorf("safety checks = %+v, want all passed", res.SafetyChecks)
	}
	if bundle == nil {
		t.Fatal("fire returned no bundle")
	}
	if bundle.Tenant != "acme" || bundle.TraceID != "trace-e1" {
		t.Errorf("bundle carries tenant=%s trace=%s", bundle.Tenant, bundle.TraceID)
	}
	if err := bundle.Validate(); err != nil {
		t.Errorf("fired bundle invalid: %v", err)
	}
	if rule.FireCount != 1 || rule.LastFiredAt == nil {
		t.Errorf("rule bookkeeping: fire_count=%d last_fired_at=%v", rule.FireCount, rule.LastFiredAt)
	}
	if got := rec.ByAction(types.AuditTriggerFire); len(got) != 1 {
		t.Errorf("trigger_fire audit entries = %d, want 1", len(got))
	}
}

func TestEvaluate_NonMatchSkips(t *testing.T) {
	ev, _, _ := newTestEvaluator(t, nil)
	rule := inlineRule("r1")

	event := diskEvent("e1")
	event.Type = "cpu.hot"
	res, bundle, err := ev.Evaluate(t.Context(), event, rule)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != types.DecisionSkip || bundle != nil {
		t.Fatalf("decision = %s, want skip with no bundle", res.Decision)
	}
	if rule.FireCount != 0 {
		t.Error("skip must not count as a fire")
	}
}

func TestEvaluate_SeverityThreshold(t *testing.T) {
	ev, _, _ := newTestEvaluator(t, nil)
	rule := inlineRule("r1")
	min := 9
	rule.Match.Severity = &min

	res, _, err := ev.Evaluate(t.Context(), diskEvent("e1"), rule)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != types.DecisionSkip {
		t.Fatalf("severity 7 under threshold 9: decision = %s, want skip", res.Decision)
	}
}

func TestEvaluate_DisabledRuleNeverFires(t *testing.T) {
	ev, _, _ := newTestEvaluator(t, nil)
	rule := inlineRule("r1")
	rule.Enabled = false

	res, bundle, err := ev.Evaluate(t.Context(), diskEvent("e1"), rule)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != types.DecisionDisabled || bundle != nil {
		t.Fatalf("decision = %s, want disabled", res.Decision)
	}
}

func TestEvaluate_CooldownBlocksSecondFire(t *testing.T) {
	ev, clock, _ := newTestEvaluator(t, nil)
	rule := inlineRule("r1")
	rule.Safety.CooldownSeconds = 300

	if res, _, _ := ev.Evaluate(t.Context(), diskEvent("e1"), rule); res.Decision != types.DecisionFire {
		t.Fatalf("first evaluation: %s", res.Decision)
	}

	clock.Advance(1 * time.Minute)
	res, _, err := ev.Evaluate(t.Context(), diskEvent("e2"), rule)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != types.DecisionCooldown {
		t.Fatalf("within cooldown: decision = %s, want cooldown", res.Decision)
	}

	clock.Advance(5 * time.Minute)
	if res, _, _ := ev.Evaluate(t.Context(), diskEvent("e3"), rule); res.Decision != types.DecisionFire {
		t.Fatalf("after cooldown: decision = %s, want fire", res.Decision)
	}
}

func TestEvaluate_RateLimitSlidingWindow(t *testing.T) {
	ev, clock, _ := newTestEvaluator(t, nil)
	rule := inlineRule("r1")
	rule.Safety.MaxRunsPerHour = 2

	for i, want := range []types.TriggerDecision{types.DecisionFire, types.DecisionFire, types.DecisionRateLimited} {
		res, _, err := ev.Evaluate(t.Context(), diskEvent("e"+string(rune('1'+i))), rule)
		if err != nil {
			t.Fatalf("Evaluate %d: %v", i, err)
		}
		if res.Decision != want {
			t.Fatalf("evaluation %d: decision = %s, want %s", i, res.Decision, want)
		}
		clock.Advance(time.Minute)
	}

	// The window slides: an hour after the first fire, capacity returns.
	clock.Advance(time.Hour)
	if res, _, _ := ev.Evaluate(t.Context(), diskEvent("e9"), rule); res.Decision != types.DecisionFire {
		t.Fatalf("after window slid: decision = %s, want fire", res.Decision)
	}
}

func TestEvaluate_DedupeSuppressesRepeatedKeys(t *testing.T) {
	ev, clock, _ := newTestEvaluator(t, nil)
	rule := inlineRule("r1")
	tmpl := "{event.type}:{subject.id}"
	rule.Safety.DedupeKeyTemplate = &tmpl

	if res, _, _ := ev.Evaluate(t.Context(), diskEvent("e1"), rule); res.Decision != types.DecisionFire {
		t.Fatalf("first: %s", res.Decision)
	}

	res, _, err := ev.Evaluate(t.Context(), diskEvent("e2"), rule)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != types.DecisionSkip || res.Reason != "duplicate" {
		t.Fatalf("same subject: decision = %s (%s), want skip(duplicate)", res.Decision, res.Reason)
	}

	// A different subject renders a different key.
	other := diskEvent("e3")
	other.Subject.ID = "web-2"
	if res, _, _ := ev.Evaluate(t.Context(), other, rule); res.Decision != types.DecisionFire {
		t.Fatalf("different subject: decision = %s, want fire", res.Decision)
	}

	// Outside the window the key is forgotten.
	clock.Advance(2 * time.Hour)
	if res, _, _ := ev.Evaluate(t.Context(), diskEvent("e4"), rule); res.Decision != types.DecisionFire {
		t.Fatalf("after dedupe window: decision = %s, want fire", res.Decision)
	}
}

func TestEvaluate_TriggersDisabledShortCircuits(t *testing.T) {
	fl := testFlags(t, map[string]bool{string(flags.TriggersEnabled): false})
	ev, _, _ := newTestEvaluator(t, fl)

	res, bundle, err := ev.Evaluate(t.Context(), diskEvent("e1"), inlineRule("r1"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != types.DecisionSkip || bundle != nil {
		t.Fatalf("decision = %s, want skip", res.Decision)
	}
}

func TestEvaluate_ActionJobsNeedRulePermission(t *testing.T) {
	ev, _, _ := newTestEvaluator(t, nil)
	rule := inlineRule("r1")
	rule.Action.Bundle.Requests[0].IsActionJob = true
	rule.Action.Bundle.Requests[0].RequiredScopes = []string{"disk:write"}

	res, _, err := ev.Evaluate(t.Context(), diskEvent("e1"), rule)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != types.DecisionSkip {
		t.Fatalf("action bundle without allow_action_jobs: decision = %s, want skip", res.Decision)
	}

	rule.Safety.AllowActionJobs = true
	if res, _, _ := ev.Evaluate(t.Context(), diskEvent("e2"), rule); res.Decision != types.DecisionFire {
		t.Fatalf("action bundle with allow_action_jobs: decision = %s, want fire", res.Decision)
	}
}

func TestEvaluate_AuditFailureVoidsFire(t *testing.T) {
	ev, _, rec := newTestEvaluator(t, nil)
	rec.FailWith = errTest
	rule := inlineRule("r1")

	_, bundle, err := ev.Evaluate(t.Context(), diskEvent("e1"), rule)
	if err == nil {
		t.Fatal("audit failure did not fail the evaluation")
	}
	if bundle != nil {
		t.Error("bundle handed off despite audit failure")
	}
	if rule.FireCount != 0 || rule.LastFiredAt != nil {
		t.Error("fire bookkeeping advanced despite audit failure")
	}
}

func TestEvaluateAll_OrdersByRuleID(t *testing.T) {
	ev, _, _ := newTestEvaluator(t, nil)
	rules := []*types.TriggerRule{inlineRule("r2"), inlineRule("r1")}

	results, bundles, err := ev.EvaluateAll(t.Context(), diskEvent("e1"), rules)
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if len(results) != 2 || results[0].RuleID != "r1" || results[1].RuleID != "r2" {
		t.Fatalf("evaluation order: %+v", results)
	}
	if len(bundles) != 2 {
		t.Fatalf("fired bundles = %d, want 2", len(bundles))
	}
}

func TestEvaluate_RefBuilder(t *testing.T) {
	ev, _, _ := newTestEvaluator(t, nil)
	ref := "cleanup-builder"
	rule := inlineRule("r1")
	rule.Action.BundleSource = types.BundleSourceRef
	rule.Action.Bundle = nil
	rule.Action.BundleRef = &ref

	// Unregistered builder is an evaluation error, not a skip.
	if _, _, err := ev.Evaluate(t.Context(), diskEvent("e1"), rule); err == nil {
		t.Fatal("missing builder accepted")
	}

	ev.RegisterBuilder(ref, func(_ context.Context, event *types.Event, r *types.TriggerRule) (*types.RequestBundle, error) {
		return &types.RequestBundle{
			Version:  types.BundleVersion,
			BundleID: "b-built",
			Tenant:   event.Tenant,
			TraceID:  event.TraceID,
			Requests: []types.JobRequest{{ID: "req-1", JobType: "disk.cleanup", Tenant: event.Tenant}},
			Metadata: types.BundleMetadata{Source: "builder:" + r.ID, TriggeredAt: event.OccurredAt},
		}, nil
	})

	res, bundle, err := ev.Evaluate(t.Context(), diskEvent("e2"), rule)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != types.DecisionFire || bundle == nil || bundle.BundleID != "b-built" {
		t.Fatalf("ref fire: decision=%s bundle=%+v", res.Decision, bundle)
	}
}

func TestRenderDedupeKey(t *testing.T) {
	event := diskEvent("e1")
	cases := []struct {
		template string
		want     string
	}{
		{"{event.type}:{subject.id}", "disk.full:web-1"},
		{"{event.tenant}/{payload.host}", "acme/web-1"},
		{"static", "static"},
		{"{unknown.path}", ""},
		{"{payload.missing}x", "x"},
	}
	for _, tc := range cases {
		if got := trigger.RenderDedupeKey(tc.template, event); got != tc.want {
			t.Errorf("RenderDedupeKey(%q) = %q, want %q", tc.template, got, tc.want)
		}
	}
}

var errTest = errorString("audit store down")

type errorString string

func (e errorString) Error() string { return string(e) }
