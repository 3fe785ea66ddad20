package types

import (
	"errors"
	"fmt"
	"time"
)

// ManifestVersion is the pinned manifest document version.
const ManifestVersion = "1.0"

// ManifestStatus is the lifecycle status of a manifest.
type ManifestStatus string

const (
	// ManifestPending is the status at run start.
	ManifestPending ManifestStatus = "pending"
	// ManifestComplete is the status after a successful run. Immutable.
	ManifestComplete ManifestStatus = "complete"
	// ManifestFailed is the status after a failed run. Immutable.
	ManifestFailed ManifestStatus = "failed"
)

// ManifestOutput describes one output produced by a run.
type ManifestOutput struct {
	// Name is the output's logical name.
	Name string `json:"name"`
	// Type classifies the output (e.g. "document", "artifact").
	Type string `json:"type"`
	// Ref locates the output. Must be non-empty on a valid manifest.
	Ref string `json:"ref"`
	// Size is the output size in bytes, when known.
	Size *int64 `json:"size,omitempty"`
	// Checksum is the output content hash, when known.
	Checksum *string `json:"checksum,omitempty"`
	// MimeType is the output media type, when known.
	MimeType *string `json:"mime_type,omitempty"`
}

// Manifest is the durable record of a run's inputs, outputs, decisions,
// and fingerprints. Created pending at run start, finalized exactly once
// at run end, immutable thereafter.
type Manifest struct {
	// Version is the pinned document version, always "1.0".
	Version string `json:"version"`
	// RunID keys the manifest within the tenant namespace.
	RunID string `json:"run_id"`
	// Tenant is the owning tenant.
	Tenant string `json:"tenant"`
	// Project optionally narrows the manifest to a project.
	Project *string `json:"project,omitempty"`
	// JobType is the handler tag of the run.
	JobType string `json:"job_type"`
	// CreatedAt is when the manifest was opened.
	CreatedAt time.Time `json:"created_at"`
	// FinalizedAt is when the manifest was closed.
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	// InputsSnapshotRef locates the canonical input snapshot.
	InputsSnapshotRef *string `json:"inputs_snapshot_ref,omitempty"`
	// InputHash is the SHA-256 of the canonical input, lowercase hex.
	InputHash string `json:"input_hash,omitempty"`
	// LogsRef locates captured run logs.
	LogsRef *string `json:"logs_ref,omitempty"`
	// Outputs are the run's produced outputs.
	Outputs []ManifestOutput `json:"outputs"`
	// Metrics are run-scoped numeric observations.
	Metrics map[string]float64 `json:"metrics"`
	// EnvFingerprint captures environment identity at run time.
	EnvFingerprint map[string]string `json:"env_fingerprint"`
	// ToolVersions captures component versions at run time.
	ToolVersions map[string]string `json:"tool_versions"`
	// FinalDecision is the closing decision of the run's trace. Required
	// on a valid completed manifest.
	FinalDecision *string `json:"final_decision,omitempty"`
	// Status is the manifest lifecycle status.
	Status ManifestStatus `json:"status"`
	// Error is the failure description for failed manifests.
	Error *string `json:"error,omitempty"`
}

// Verify checks the validity rules for a finalized manifest: a completed
// manifest carries a final decision, and every output has a non-empty ref.
// Input-hash recomputability is checked by the envelope, which holds the
// canonical bytes.
func (m *Manifest) Verify() error {
	if m.Version != ManifestVersion {
		return fmt.Errorf("unsupported manifest version %q", m.Version)
	}
	if m.RunID == "" {
		return errors.New("manifest run_id must be non-empty")
	}
	switch m.Status {
	case ManifestPending:
		return errors.New("manifest not finalized")
	case ManifestComplete:
		if m.FinalDecision == nil || *m.FinalDecision == "" {
			return errors.New("completed manifest must carry a final decision")
		}
	case ManifestFailed:
		if m.Error == nil || *m.Error == "" {
			return errors.New("failed manifest must carry an error")
		}
	default:
		return fmt.Errorf("unknown manifest status %q", m.Status)
	}
	for i, out := range m.Outputs {
		if out.Ref == "" {
			return fmt.Errorf("output %d (%s) has empty ref", i, out.Name)
		}
	}
	return nil
}
