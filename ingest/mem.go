package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pithecene-io/jobforge/audit"
	"github.com/pithecene-io/jobforge/types"
)

// MemStore is an in-memory Store for tests and embedded mode. The
// event_ingest audit entry shares the save's atomicity: no entry, no
// event.
type MemStore struct {
	mu       sync.Mutex
	events   map[string]*types.Event
	rules    map[string]*types.TriggerRule
	recorder audit.Recorder
}

// NewMemStore creates an empty in-memory store. A nil recorder disables
// audit writes.
func NewMemStore(recorder audit.Recorder) *MemStore {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &MemStore{
		events:   map[string]*types.Event{},
		rules:    map[string]*types.TriggerRule{},
		recorder: recorder,
	}
}

// SaveEvent implements Store.
func (s *MemStore) SaveEvent(ctx context.Context, event *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[event.ID]; ok {
		return fmt.Errorf("event %s already ingested", event.ID)
	}
	stored := *event
	s.events[event.ID] = &stored

	entry := audit.NewEntry(types.AuditEventIngest, event.Tenant, event.CreatedAt)
	entry.Project = event.Project
	entry.EventID = &event.ID
	entry.RequestPayload = map[string]any{
		"event_type": event.Type,
		"source_app": string(event.SourceApp),
	}
	if err := s.recorder.Record(ctx, entry); err != nil {
		delete(s.events, event.ID)
		return fmt.Errorf("audit event_ingest: %w", err)
	}
	return nil
}

// MarkEventProcessed implements Store.
func (s *MemStore) MarkEventProcessed(_ context.Context, tenant, eventID string, processedAt time.Time, processingJobID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[eventID]
	if !ok || event.Tenant != tenant {
		return fmt.Errorf("event %s: %w", eventID, types.ErrNotFound)
	}
	event.Processed = true
	event.ProcessedAt = &processedAt
	event.ProcessingJobID = processingJobID
	return nil
}

// ListRules implements Store.
func (s *MemStore) ListRules(_ context.Context, tenant string) ([]*types.TriggerRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.TriggerRule
	for _, r := range s.rules {
		if r.Tenant == tenant {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveRuleFireState implements Store.
func (s *MemStore) SaveRuleFireState(_ context.Context, rule *types.TriggerRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.rules[rule.ID]
	if !ok {
		return fmt.Errorf("rule %s: %w", rule.ID, types.ErrNotFound)
	}
	stored.FireCount = rule.FireCount
	stored.LastFiredAt = rule.LastFiredAt
	stored.UpdatedAt = rule.UpdatedAt
	return nil
}

// PutRule installs or replaces a rule.
func (s *MemStore) PutRule(rule *types.TriggerRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *rule
	s.rules[rule.ID] = &stored
	return nil
}

// Event returns one stored event.
func (s *MemStore) Event(eventID string) (*types.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[eventID]
	if !ok {
		return nil, false
	}
	copied := *event
	return &copied, true
}

var _ Store = (*MemStore)(nil)
