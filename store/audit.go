package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pithecene-io/jobforge/audit"
	"github.com/pithecene-io/jobforge/types"
)

// insertAudit writes one audit entry inside the caller's transaction.
// Used by every admission path so the entry commits or rolls back with
// the decision's primary row.
func insertAudit(ctx context.Context, tx pgx.Tx, entry *types.AuditEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_log (
			id, tenant, project, action, actor, event_id, job_id,
			template_key, request_payload, response_summary, scopes_granted,
			policy_token_used, policy_check_result, duration_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		entry.ID, entry.Tenant, entry.Project, entry.Action, entry.Actor,
		entry.EventID, entry.JobID, entry.TemplateKey, entry.RequestPayload,
		entry.ResponseSummary, entry.ScopesGranted, entry.PolicyTokenUsed,
		entry.PolicyCheckResult, entry.DurationMs, entry.CreatedAt,
	)
	return err
}

// Record implements audit.Recorder for admission points that do not own
// a wider transaction (policy checks, trigger fires). Queue and event
// mutations write their entries inside their own transactions instead.
func (s *PGStore) Record(ctx context.Context, entry *types.AuditEntry) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return insertAudit(ctx, tx, entry)
	})
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	// Action filters to one admission point when non-empty.
	Action types.AuditAction
	// Since excludes entries created before it when non-zero.
	Since time.Time
	// Limit caps the result size. Zero means 100.
	Limit int
}

// ListAudit returns a tenant's audit entries, newest first.
func (s *PGStore) ListAudit(ctx context.Context, tenant string, f AuditFilter) ([]*types.AuditEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT id, tenant, project, action, actor, event_id, job_id,
		template_key, request_payload, response_summary, scopes_granted,
		policy_token_used, policy_check_result, duration_ms, created_at
	FROM audit_log WHERE tenant = $1`
	args := []any{tenant}
	if f.Action != "" {
		args = append(args, f.Action)
		q += fmt.Sprintf(" AND action = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		q += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []*types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		err := rows.Scan(
			&e.ID, &e.Tenant, &e.Project, &e.Action, &e.Actor, &e.EventID,
			&e.JobID, &e.TemplateKey, &e.RequestPayload, &e.ResponseSummary,
			&e.ScopesGranted, &e.PolicyTokenUsed, &e.PolicyCheckResult,
			&e.DurationMs, &e.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

var _ audit.Recorder = (*PGStore)(nil)
