// Package ingest is the event admission pipeline: envelope validation,
// flag and payload-limit gates, durable persistence with its audit entry,
// then trigger evaluation and bundle hand-off.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pithecene-io/jobforge/backoff"
	"github.com/pithecene-io/jobforge/bundle"
	"github.com/pithecene-io/jobforge/flags"
	"github.com/pithecene-io/jobforge/policy"
	"github.com/pithecene-io/jobforge/trigger"
	"github.com/pithecene-io/jobforge/types"
)

// Store is the persistence boundary the pipeline writes through.
// Implementations write the event_ingest audit entry in the same
// transaction as the event row; an audit failure fails SaveEvent.
type Store interface {
	// SaveEvent persists one event atomically with its audit entry.
	SaveEvent(ctx context.Context, event *types.Event) error
	// MarkEventProcessed records that trigger evaluation ran, linking the
	// owning processing job when a fire produced one.
	MarkEventProcessed(ctx context.Context, tenant, eventID string, processedAt time.Time, processingJobID *string) error
	// ListRules returns the tenant's trigger rules, enabled or not.
	ListRules(ctx context.Context, tenant string) ([]*types.TriggerRule, error)
	// SaveRuleFireState persists a rule's fire_count and last_fired_at
	// after a fire.
	SaveRuleFireState(ctx context.Context, rule *types.TriggerRule) error
}

// Options configure a Pipeline.
type Options struct {
	// Store is the persistence boundary. Required.
	Store Store
	// Flags gates ingestion on events_enabled and evaluation on
	// triggers_enabled.
	Flags *flags.Registry
	// Evaluator runs trigger rules against admitted events.
	Evaluator *trigger.Evaluator
	// Executor receives fired bundles.
	Executor *bundle.Executor
	// Validator enforces payload limits when security validation is on.
	Validator *policy.Validator
	// Clock stamps admissions.
	Clock backoff.Clock
	// Logger reports admissions and fires.
	Logger *zap.Logger
}

// Pipeline admits events and drives trigger evaluation.
type Pipeline struct {
	store     Store
	flags     *flags.Registry
	evaluator *trigger.Evaluator
	executor  *bundle.Executor
	validator *policy.Validator
	clock     backoff.Clock
	log       *zap.Logger
}

// New creates a pipeline.
func New(opts Options) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = backoff.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Validator == nil {
		opts.Validator = policy.NewValidator(policy.Limits{})
	}
	return &Pipeline{
		store:     opts.Store,
		flags:     opts.Flags,
		evaluator: opts.Evaluator,
		executor:  opts.Executor,
		validator: opts.Validator,
		clock:     opts.Clock,
		log:       opts.Logger,
	}
}

// Result reports what one ingestion did.
type Result struct {
	// Event is the admitted event, with identity filled in.
	Event *types.Event
	// Evaluations are the per-rule outcomes, ordered by rule ID. Empty
	// when trigger evaluation was skipped.
	Evaluations []*types.TriggerEvaluationResult
	// Bundles summarize each fired bundle's execution, in fire order.
	Bundles []*types.BundleSummary
}

// Ingest admits one event and evaluates the tenant's trigger rules
// against it.
func (p *Pipeline) Ingest(ctx context.Context, event *types.Event) (*Result, error) {
	if p.flags != nil && !p.flags.Enabled(flags.EventsEnabled) {
		return nil, fmt.Errorf("event ingestion: %w", types.ErrDisabled)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.TraceID == "" {
		event.TraceID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = p.clock.Now()
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w: %w", types.ErrBadInput, err)
	}
	if p.flags == nil || p.flags.Enabled(flags.SecurityValidationEnabled) {
		if err := p.validator.ValidatePayload(event.Payload); err != nil {
			return nil, err
		}
	}

	if err := p.store.SaveEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("save event: %w", err)
	}
	p.log.Info("event admitted",
		zap.String("event_id", event.ID),
		zap.String("tenant", event.Tenant),
		zap.String("event_type", event.Type),
		zap.String("trace_id", event.TraceID),
	)

	res := &Result{Event: event}
	if p.evaluator == nil || (p.flags != nil && !p.flags.Enabled(flags.TriggersEnabled)) {
		return res, nil
	}

	rules, err := p.store.ListRules(ctx, event.Tenant)
	if err != nil {
		return res, fmt.Errorf("list rules: %w", err)
	}

	evals, bundles, err := p.evaluator.EvaluateAll(ctx, event, rules)
	res.Evaluations = evals
	if err != nil {
		return res, fmt.Errorf("evaluate triggers: %w", err)
	}

	// Persist fire bookkeeping for every rule that fired.
	fired := map[string]bool{}
	for _, ev := range evals {
		if ev.Decision == types.DecisionFire {
			fired[ev.RuleID] = true
		}
	}
	for _, rule := range rules {
		if fired[rule.ID] {
			if err := p.store.SaveRuleFireState(ctx, rule); err != nil {
				return res, fmt.Errorf("save rule %s fire state: %w", rule.ID, err)
			}
		}
	}

	var processingJobID *string
	if p.executor != nil {
		for _, b := range bundles {
			mode := types.ModeExecute
			if dryRunBundle(evals, b.BundleID) {
				mode = types.ModeDryRun
			}
			summary, err := p.executor.Execute(ctx, bundle.Params{
				Bundle:            b,
				Mode:              mode,
				TriggeringEventID: &event.ID,
			})
			if err != nil {
				return res, fmt.Errorf("execute bundle %s: %w", b.BundleID, err)
			}
			res.Bundles = append(res.Bundles, summary)
			if processingJobID == nil {
				processingJobID = firstAcceptedJob(summary)
			}
		}
	}

	processedAt := p.clock.Now()
	if err := p.store.MarkEventProcessed(ctx, event.Tenant, event.ID, processedAt, processingJobID); err != nil {
		return res, fmt.Errorf("mark processed: %w", err)
	}
	event.Processed = true
	event.ProcessedAt = &processedAt
	event.ProcessingJobID = processingJobID
	return res, nil
}

func dryRunBundle(evals []*types.TriggerEvaluationResult, bundleID string) bool {
	for _, ev := range evals {
		if ev.BundleID != nil && *ev.BundleID == bundleID {
			return ev.DryRun
		}
	}
	return false
}

func firstAcceptedJob(summary *types.BundleSummary) *string {
	for _, child := range summary.Children {
		if child.Status == types.ChildAccepted && child.JobID != nil {
			return child.JobID
		}
	}
	return nil
}
