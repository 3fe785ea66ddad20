package store

import (
	"context"
	"fmt"

	"github.com/pithecene-io/jobforge/types"
	"github.com/pithecene-io/jobforge/worker"
)

// SaveManifest implements worker.ManifestSink. Manifests are keyed by
// (tenant, run_id); a re-save replaces the document, which only happens
// when a worker retries a failed export of the same finalized run.
func (s *PGStore) SaveManifest(ctx context.Context, m *types.Manifest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO manifests (tenant, run_id, status, doc, created_at, finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant, run_id) DO UPDATE SET
			status = EXCLUDED.status,
			doc = EXCLUDED.doc,
			finalized_at = EXCLUDED.finalized_at`,
		m.Tenant, m.RunID, m.Status, m, m.CreatedAt, m.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

// GetManifest returns one finalized manifest document.
func (s *PGStore) GetManifest(ctx context.Context, tenant, runID string) (*types.Manifest, error) {
	var m types.Manifest
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM manifests WHERE tenant = $1 AND run_id = $2`,
		tenant, runID,
	).Scan(&m)
	if err != nil {
		return nil, noRows(err, types.ErrNotFound)
	}
	return &m, nil
}

var _ worker.ManifestSink = (*PGStore)(nil)
