package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pithecene-io/jobforge/audit"
	"github.com/pithecene-io/jobforge/ingest"
	"github.com/pithecene-io/jobforge/types"
)

const eventColumns = `id, tenant, project, event_type, trace_id, source_app,
	source_module, subject_type, subject_id, payload, contains_pii,
	redaction_hints, occurred_at, processed, processed_at, processing_job_id,
	created_at`

func scanEvent(row pgx.Row) (*types.Event, error) {
	var e types.Event
	var subjectType, subjectID *string
	err := row.Scan(
		&e.ID, &e.Tenant, &e.Project, &e.Type, &e.TraceID, &e.SourceApp,
		&e.SourceModule, &subjectType, &subjectID, &e.Payload, &e.ContainsPII,
		&e.RedactionHints, &e.OccurredAt, &e.Processed, &e.ProcessedAt,
		&e.ProcessingJobID, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if subjectType != nil && subjectID != nil {
		e.Subject = &types.EventSubject{Type: *subjectType, ID: *subjectID}
	}
	return &e, nil
}

// SaveEvent implements ingest.Store. The event row and its event_ingest
// audit entry commit together.
func (s *PGStore) SaveEvent(ctx context.Context, event *types.Event) error {
	var subjectType, subjectID *string
	if event.Subject != nil {
		subjectType = &event.Subject.Type
		subjectID = &event.Subject.ID
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO events (
				id, tenant, project, event_type, trace_id, source_app,
				source_module, subject_type, subject_id, payload,
				contains_pii, redaction_hints, occurred_at, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			event.ID, event.Tenant, event.Project, event.Type, event.TraceID,
			event.SourceApp, event.SourceModule, subjectType, subjectID,
			event.Payload, event.ContainsPII, event.RedactionHints,
			event.OccurredAt, event.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		entry := audit.NewEntry(types.AuditEventIngest, event.Tenant, event.CreatedAt)
		entry.Project = event.Project
		entry.EventID = &event.ID
		entry.RequestPayload = map[string]any{
			"event_type": event.Type,
			"source_app": string(event.SourceApp),
		}
		if err := insertAudit(ctx, tx, entry); err != nil {
			return fmt.Errorf("audit event_ingest: %w", err)
		}
		return nil
	})
}

// MarkEventProcessed implements ingest.Store.
func (s *PGStore) MarkEventProcessed(ctx context.Context, tenant, eventID string, processedAt time.Time, processingJobID *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE events SET processed = true, processed_at = $1, processing_job_id = $2
		WHERE id = $3 AND tenant = $4`,
		processedAt, processingJobID, eventID, tenant,
	)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// GetEvent returns one event within the tenant scope.
func (s *PGStore) GetEvent(ctx context.Context, tenant, eventID string) (*types.Event, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1 AND tenant = $2`,
		eventID, tenant,
	)
	e, err := scanEvent(row)
	if err != nil {
		return nil, noRows(err, types.ErrNotFound)
	}
	return e, nil
}

// ListRules implements ingest.Store. Rules come back ordered by ID, the
// evaluation order.
func (s *PGStore) ListRules(ctx context.Context, tenant string) ([]*types.TriggerRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant, project, name, enabled, match, action, safety,
			fire_count, last_fired_at, created_at, updated_at
		FROM trigger_rules WHERE tenant = $1 ORDER BY id ASC`,
		tenant,
	)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []*types.TriggerRule
	for rows.Next() {
		var r types.TriggerRule
		err := rows.Scan(
			&r.ID, &r.Tenant, &r.Project, &r.Name, &r.Enabled, &r.Match,
			&r.Action, &r.Safety, &r.FireCount, &r.LastFiredAt,
			&r.CreatedAt, &r.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SaveRuleFireState implements ingest.Store.
func (s *PGStore) SaveRuleFireState(ctx context.Context, rule *types.TriggerRule) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trigger_rules SET fire_count = $1, last_fired_at = $2, updated_at = $3
		WHERE id = $4 AND tenant = $5`,
		rule.FireCount, rule.LastFiredAt, s.clock.Now(), rule.ID, rule.Tenant,
	)
	if err != nil {
		return fmt.Errorf("save fire state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// PutRule inserts or replaces a trigger rule.
func (s *PGStore) PutRule(ctx context.Context, rule *types.TriggerRule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrBadInput, err)
	}
	now := s.clock.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trigger_rules (
			id, tenant, project, name, enabled, match, action, safety,
			fire_count, last_fired_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (id) DO UPDATE SET
			project = EXCLUDED.project,
			name = EXCLUDED.name,
			enabled = EXCLUDED.enabled,
			match = EXCLUDED.match,
			action = EXCLUDED.action,
			safety = EXCLUDED.safety,
			updated_at = EXCLUDED.updated_at`,
		rule.ID, rule.Tenant, rule.Project, rule.Name, rule.Enabled,
		rule.Match, rule.Action, rule.Safety, rule.FireCount,
		rule.LastFiredAt, now,
	)
	if err != nil {
		return fmt.Errorf("put rule: %w", err)
	}
	return nil
}

// DeleteRule removes a trigger rule.
func (s *PGStore) DeleteRule(ctx context.Context, tenant, ruleID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM trigger_rules WHERE id = $1 AND tenant = $2`,
		ruleID, tenant,
	)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

var _ ingest.Store = (*PGStore)(nil)
