// Package bundle fans request bundles out to child jobs. The executor is
// the single admission path for bundled work: tenant agreement, duplicate
// suppression, the policy-token gate for action jobs, and flag gates all
// run here before anything reaches the queue.
package bundle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pithecene-io/jobforge/audit"
	"github.com/pithecene-io/jobforge/backoff"
	"github.com/pithecene-io/jobforge/flags"
	"github.com/pithecene-io/jobforge/policy"
	"github.com/pithecene-io/jobforge/queue"
	"github.com/pithecene-io/jobforge/types"
)

// Options configure an Executor.
type Options struct {
	// Flags gates admission on autopilot_jobs_enabled, action_jobs_enabled,
	// require_policy_tokens, and security_validation_enabled.
	Flags *flags.Registry
	// Signer verifies policy tokens for action requests.
	Signer *policy.Signer
	// Validator enforces payload limits when security validation is on.
	Validator *policy.Validator
	// Queue receives accepted requests in execute mode.
	Queue queue.Queue
	// Audit receives the policy_check entry for each processed bundle.
	Audit audit.Recorder
	// Clock stamps decisions.
	Clock backoff.Clock
	// Logger reports per-bundle outcomes.
	Logger *zap.Logger
}

// Executor processes request bundles.
type Executor struct {
	flags     *flags.Registry
	signer    *policy.Signer
	validator *policy.Validator
	queue     queue.Queue
	audit     audit.Recorder
	clock     backoff.Clock
	log       *zap.Logger
}

// New creates an executor.
func New(opts Options) *Executor {
	if opts.Clock == nil {
		opts.Clock = backoff.SystemClock{}
	}
	if opts.Audit == nil {
		opts.Audit = audit.NopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Validator == nil {
		opts.Validator = policy.NewValidator(policy.Limits{})
	}
	return &Executor{
		flags:     opts.Flags,
		signer:    opts.Signer,
		validator: opts.Validator,
		queue:     opts.Queue,
		audit:     opts.Audit,
		clock:     opts.Clock,
		log:       opts.Logger,
	}
}

// Params are the inputs to Execute.
type Params struct {
	// Bundle is the request bundle to process.
	Bundle *types.RequestBundle
	// Mode selects dry_run vs execute.
	Mode types.TriggerMode
	// Token is the presented policy token, when any.
	Token *types.PolicyToken
	// Actor identifies the caller for audit, when known.
	Actor *string
	// TriggeringEventID links child jobs back to the firing event.
	TriggeringEventID *string
}

// Execute processes one bundle and returns the per-request outcomes.
//
// Processing order per request: duplicate suppression, the action-token
// gate, the autopilot flag gate, then enqueue (execute) or report
// (dry_run). When any action request in the bundle lacks a valid token,
// every request in the bundle is denied: a bundle is admitted whole or
// not at all once write-class work is involved.
func (x *Executor) Execute(ctx context.Context, p Params) (*types.BundleSummary, error) {
	b := p.Bundle
	if b == nil {
		return nil, fmt.Errorf("no bundle: %w", types.ErrBadInput)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bundle: %w", types.ErrBadInput)
	}
	for i := range b.Requests {
		req := &b.Requests[i]
		if req.Tenant != b.Tenant {
			return nil, fmt.Errorf("request %q tenant %q disagrees with bundle tenant %q: %w",
				req.ID, req.Tenant, b.Tenant, types.ErrBadInput)
		}
		if b.Project != nil && req.Project != nil && *req.Project != *b.Project {
			return nil, fmt.Errorf("request %q project disagrees with bundle project: %w",
				req.ID, types.ErrBadInput)
		}
	}

	dryRun := p.Mode == types.ModeDryRun
	summary := &types.BundleSummary{
		Total:    len(b.Requests),
		Children: make([]types.ChildResult, len(b.Requests)),
		DryRun:   dryRun,
	}

	// Duplicate suppression: first occurrence of each request id and each
	// idempotency key wins, later ones are skipped.
	seenIDs := map[string]bool{}
	seenKeys := map[string]bool{}
	duplicate := make([]bool, len(b.Requests))
	for i := range b.Requests {
		req := &b.Requests[i]
		if seenIDs[req.ID] {
			duplicate[i] = true
			continue
		}
		seenIDs[req.ID] = true
		if req.IdempotencyKey != nil {
			if seenKeys[*req.IdempotencyKey] {
				duplicate[i] = true
				continue
			}
			seenKeys[*req.IdempotencyKey] = true
		}
	}

	// Action-token gate. A single invalid or missing token voids every
	// request in the bundle.
	tokenDenial, blocked := x.checkActionTokens(b, duplicate, p.Token)

	if err := x.auditPolicyCheck(ctx, b, p, tokenDenial); err != nil {
		return nil, err
	}

	autopilotOff := x.flags != nil && !x.flags.Enabled(flags.AutopilotJobsEnabled)

	for i := range b.Requests {
		req := &b.Requests[i]
		child := &summary.Children[i]
		child.RequestID = req.ID

		switch {
		case duplicate[i]:
			child.Status = types.ChildSkipped
			child.Reason = "duplicate request"
			summary.Skipped++
		case tokenDenial != "":
			child.Status = types.ChildDenied
			child.Reason = tokenDenial
			summary.Denied++
		case autopilotOff:
			child.Status = types.ChildDenied
			child.Reason = "autopilot jobs disabled"
			summary.Denied++
		case req.IsActionJob && x.flags != nil && !x.flags.Enabled(flags.ActionJobsEnabled):
			child.Status = types.ChildDenied
			child.Reason = "action jobs disabled"
			summary.Denied++
		default:
			x.admit(ctx, b, req, p, child, summary, dryRun)
		}
	}
	summary.ActionJobsBlocked = blocked

	x.log.Info("bundle processed",
		zap.String("bundle_id", b.BundleID),
		zap.String("tenant", b.Tenant),
		zap.Bool("dry_run", dryRun),
		zap.Int("total", summary.Total),
		zap.Int("accepted", summary.Accepted),
		zap.Int("skipped", summary.Skipped),
		zap.Int("denied", summary.Denied),
	)
	return summary, nil
}

// checkActionTokens verifies the presented token against every
// non-duplicate action request. Returns the bundle-wide denial reason
// (empty when the bundle passes) and the count of action requests the
// gate blocked.
func (x *Executor) checkActionTokens(b *types.RequestBundle, duplicate []bool, token *types.PolicyToken) (string, int) {
	actionsEnabled := x.flags == nil || x.flags.Enabled(flags.ActionJobsEnabled)
	tokensRequired := x.flags == nil || x.flags.Enabled(flags.RequirePolicyTokens)
	if !actionsEnabled || !tokensRequired {
		return "", 0
	}

	actions := 0
	for i := range b.Requests {
		req := &b.Requests[i]
		if duplicate[i] || !req.IsActionJob {
			continue
		}
		actions++
		err := x.signer.Verify(token, policy.VerifyParams{
			Tenant:         b.Tenant,
			Action:         req.JobType,
			RequiredScopes: req.RequiredScopes,
		})
		if err != nil {
			return fmt.Sprintf("bundle denied: action request %q lacks a valid policy token (%v)", req.ID, err), actions
		}
	}
	return "", 0
}

// admit enqueues (or, in dry_run, would enqueue) one request.
func (x *Executor) admit(ctx context.Context, b *types.RequestBundle, req *types.JobRequest, p Params, child *types.ChildResult, summary *types.BundleSummary, dryRun bool) {
	if x.flags == nil || x.flags.Enabled(flags.SecurityValidationEnabled) {
		if err := x.validator.ValidatePayload(req.Payload); err != nil {
			child.Status = types.ChildDenied
			child.Reason = err.Error()
			summary.Denied++
			return
		}
	}

	if dryRun {
		child.Status = types.ChildAccepted
		child.Reason = "dry_run: would enqueue"
		summary.Accepted++
		return
	}

	job, err := x.queue.Enqueue(ctx, queue.EnqueueParams{
		Tenant:            b.Tenant,
		Project:           req.Project,
		Type:              req.JobType,
		Payload:           req.Payload,
		IdempotencyKey:    req.IdempotencyKey,
		CreatedBy:         p.Actor,
		TraceID:           b.TraceID,
		TriggeringEventID: p.TriggeringEventID,
		ParentBundleID:    &b.BundleID,
	})
	if err != nil {
		child.Status = types.ChildError
		child.Reason = err.Error()
		x.log.Warn("bundle child enqueue failed",
			zap.String("bundle_id", b.BundleID),
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
		return
	}
	child.Status = types.ChildAccepted
	child.JobID = &job.ID
	summary.Accepted++
}

// auditPolicyCheck records the bundle's policy decision atomically with
// admission: an audit failure fails the whole bundle.
func (x *Executor) auditPolicyCheck(ctx context.Context, b *types.RequestBundle, p Params, tokenDenial string) error {
	entry := audit.NewEntry(types.AuditPolicyCheck, b.Tenant, x.clock.Now())
	entry.Project = b.Project
	entry.Actor = p.Actor
	passed := tokenDenial == ""
	entry.PolicyCheckResult = &passed
	if p.Token != nil {
		entry.PolicyTokenUsed = &p.Token.ID
		entry.ScopesGranted = p.Token.Scopes
	}
	entry.RequestPayload = map[string]any{
		"bundle_id": b.BundleID,
		"trace_id":  b.TraceID,
		"requests":  len(b.Requests),
		"mode":      string(p.Mode),
	}
	if tokenDenial != "" {
		entry.ResponseSummary = map[string]any{"denied": tokenDenial}
	}
	if err := x.audit.Record(ctx, entry); err != nil {
		return fmt.Errorf("audit policy_check: %w", err)
	}
	return nil
}
