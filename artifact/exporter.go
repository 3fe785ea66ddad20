package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pithecene-io/jobforge/canonical"
	"github.com/pithecene-io/jobforge/envelope"
	"github.com/pithecene-io/jobforge/types"
	"github.com/pithecene-io/jobforge/worker"
)

// Exporter writes finalized manifests and replay bundles into a Store,
// partitioned as <tenant>/<day>/<run_id>/. Documents are written in
// canonical form so a re-export of the same run is byte-identical.
type Exporter struct {
	store Store
}

// NewExporter creates an exporter over the given store.
func NewExporter(store Store) *Exporter {
	return &Exporter{store: store}
}

// ManifestKey is the store key a run's manifest document lands at.
func ManifestKey(tenant string, createdAt time.Time, runID string) string {
	return runKey(tenant, createdAt, runID, "manifest.json")
}

// ReplayKey is the store key a run's replay bundle lands at.
func ReplayKey(tenant string, createdAt time.Time, runID string) string {
	return runKey(tenant, createdAt, runID, "replay.json")
}

func runKey(tenant string, createdAt time.Time, runID, name string) string {
	return fmt.Sprintf("%s/%s/%s/%s", tenant, DeriveDay(createdAt), runID, name)
}

// SaveManifest implements worker.ManifestSink.
func (e *Exporter) SaveManifest(ctx context.Context, m *types.Manifest) error {
	data, err := canonical.Canonicalize(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if _, err := e.store.Put(ctx, ManifestKey(m.Tenant, m.CreatedAt, m.RunID), data); err != nil {
		return fmt.Errorf("export manifest %s: %w", m.RunID, err)
	}
	return nil
}

// SaveReplayBundle implements worker.ReplaySink.
func (e *Exporter) SaveReplayBundle(ctx context.Context, b *envelope.ReplayBundle) error {
	data, err := canonical.Canonicalize(b)
	if err != nil {
		return fmt.Errorf("encode replay bundle: %w", err)
	}
	if _, err := e.store.Put(ctx, ReplayKey(b.Tenant, b.Manifest.CreatedAt, b.RunID), data); err != nil {
		return fmt.Errorf("export replay bundle %s: %w", b.RunID, err)
	}
	return nil
}

// LoadReplayBundle reads a previously exported bundle back for replay
// comparison.
func (e *Exporter) LoadReplayBundle(ctx context.Context, tenant string, createdAt time.Time, runID string) (*envelope.ReplayBundle, error) {
	data, err := e.store.Get(ctx, ReplayKey(tenant, createdAt, runID))
	if err != nil {
		return nil, err
	}
	var b envelope.ReplayBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode replay bundle %s: %w", runID, err)
	}
	return &b, nil
}

var (
	_ worker.ManifestSink = (*Exporter)(nil)
	_ worker.ReplaySink   = (*Exporter)(nil)
)
