// Package audit defines the append-only admission log boundary.
//
// Every admission point (event ingest, job request, cancel, policy check,
// trigger fire) emits exactly one entry, written atomically with the
// decision's primary write. Audit failures are fatal to the enclosing
// decision: there is no silent decision.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/jobforge/types"
)

// Recorder persists audit entries. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// Record persists one entry. A non-nil error must fail the caller's
	// enclosing decision.
	Record(ctx context.Context, entry *types.AuditEntry) error
}

// NewEntry stamps identity and time onto a partially filled entry.
func NewEntry(action types.AuditAction, tenant string, now time.Time) *types.AuditEntry {
	return &types.AuditEntry{
		ID:        uuid.New().String(),
		Tenant:    tenant,
		Action:    action,
		CreatedAt: now,
	}
}

// MemRecorder is an in-memory recorder for tests and embedded mode.
type MemRecorder struct {
	mu      sync.Mutex
	entries []*types.AuditEntry
	// FailWith, when set, is returned from Record to exercise the
	// audit-failure-fails-decision contract.
	FailWith error
}

// NewMemRecorder creates an empty in-memory recorder.
func NewMemRecorder() *MemRecorder {
	return &MemRecorder{}
}

// Record appends the entry.
func (r *MemRecorder) Record(_ context.Context, entry *types.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return r.FailWith
	}
	r.entries = append(r.entries, entry)
	return nil
}

// Entries returns a copy of all recorded entries in order.
func (r *MemRecorder) Entries() []*types.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.AuditEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// ByAction returns recorded entries matching the given action.
func (r *MemRecorder) ByAction(action types.AuditAction) []*types.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.AuditEntry
	for _, e := range r.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// NopRecorder discards entries. Used when audit logging is disabled.
type NopRecorder struct{}

// Record discards the entry.
func (NopRecorder) Record(context.Context, *types.AuditEntry) error { return nil }

var (
	_ Recorder = (*MemRecorder)(nil)
	_ Recorder = NopRecorder{}
)
