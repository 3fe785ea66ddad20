package envelope

import (
	"errors"
	"sync"

	"github.com/pithecene-io/jobforge/backoff"
	"github.com/pithecene-io/jobforge/canonical"
	"github.com/pithecene-io/jobforge/types"
)

// ErrFinalized indicates a mutation on an already-finalized envelope.
var ErrFinalized = errors.New("envelope already finalized")

// Params describe the run an envelope wraps.
type Params struct {
	// RunID keys the envelope. Usually the job ID.
	RunID string
	// Tenant is the owning tenant.
	Tenant string
	// Project optionally narrows the run to a project.
	Project *string
	// JobType is the handler tag.
	JobType string
	// Payload is the run input, snapshotted at open.
	Payload map[string]any
	// RedactPaths are dotted key paths to redact before snapshotting.
	RedactPaths []string
	// EnvFingerprint captures environment identity at run time.
	EnvFingerprint map[string]string
	// ToolVersions captures component versions at run time.
	ToolVersions map[string]string
}

// Envelope binds a run's input snapshot, decision trace, and manifest.
// Opened pending at run start, finalized exactly once at run end.
type Envelope struct {
	mu        sync.Mutex
	snapshot  *canonical.Snapshot
	trace     *Trace
	manifest  types.Manifest
	clock     backoff.Clock
	finalized bool
}

// Open snapshots the input and creates a pending manifest for the run.
func Open(p Params, clock backoff.Clock) (*Envelope, error) {
	if p.RunID == "" {
		return nil, errors.New("envelope requires a run_id")
	}
	if p.Tenant == "" {
		return nil, errors.New("envelope requires a tenant")
	}

	snap, err := canonical.NewSnapshot(p.Payload, p.RedactPaths)
	if err != nil {
		return nil, err
	}

	env := p.EnvFingerprint
	if env == nil {
		env = map[string]string{}
	}
	tools := p.ToolVersions
	if tools == nil {
		tools = map[string]string{"jobforge": types.Version}
	}

	return &Envelope{
		snapshot: snap,
		trace:    NewTrace(clock),
		clock:    clock,
		manifest: types.Manifest{
			Version:        types.ManifestVersion,
			RunID:          p.RunID,
			Tenant:         p.Tenant,
			Project:        p.Project,
			JobType:        p.JobType,
			CreatedAt:      clock.Now(),
			InputHash:      snap.Hash,
			Outputs:        []types.ManifestOutput{},
			Metrics:        map[string]float64{},
			EnvFingerprint: env,
			ToolVersions:   tools,
			Status:         types.ManifestPending,
		},
	}, nil
}

// Snapshot returns the run's input snapshot.
func (e *Envelope) Snapshot() *canonical.Snapshot {
	return e.snapshot
}

// Trace returns the run's decision trace for handler appends.
func (e *Envelope) Trace() *Trace {
	return e.trace
}

// RecordOutput appends one output to the pending manifest.
func (e *Envelope) RecordOutput(out types.ManifestOutput) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return ErrFinalized
	}
	if out.Ref == "" {
		return errors.New("output ref must be non-empty")
	}
	e.manifest.Outputs = append(e.manifest.Outputs, out)
	return nil
}

// RecordMetric sets one run-scoped metric on the pending manifest.
func (e *Envelope) RecordMetric(name string, value float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return ErrFinalized
	}
	e.manifest.Metrics[name] = value
	return nil
}

// Complete seals the trace with the final decision and finalizes the
// manifest as complete. Finalization happens at most once.
func (e *Envelope) Complete(finalDecision string) (*types.Manifest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return nil, ErrFinalized
	}
	if finalDecision == "" {
		return nil, errors.New("completed run requires a final decision")
	}

	e.trace.CloseWithDecision(finalDecision)
	now := e.clock.Now()
	e.manifest.FinalizedAt = &now
	e.manifest.FinalDecision = &finalDecision
	e.manifest.Status = types.ManifestComplete
	e.finalized = true

	m := e.manifest
	return &m, m.Verify()
}

// Fail seals the trace with the run error and finalizes the manifest as
// failed. Finalization happens at most once.
func (e *Envelope) Fail(errMsg string) (*types.Manifest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return nil, ErrFinalized
	}
	if errMsg == "" {
		errMsg = "run failed"
	}

	e.trace.CloseWithError(errMsg)
	now := e.clock.Now()
	e.manifest.FinalizedAt = &now
	e.manifest.Status = types.ManifestFailed
	e.manifest.Error = &errMsg
	e.finalized = true

	m := e.manifest
	return &m, m.Verify()
}

// Manifest returns a copy of the manifest in its current state.
func (e *Envelope) Manifest() types.Manifest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manifest
}

// Verify recomputes the snapshot hash against the manifest's recorded
// input hash and runs the manifest validity rules.
func (e *Envelope) Verify() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if got := e.snapshot.Recompute(); got != e.manifest.InputHash {
		return errors.New("input hash mismatch: snapshot bytes do not match manifest")
	}
	return e.manifest.Verify()
}
