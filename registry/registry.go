// Package registry maps job types to handlers and validates payloads and
// results against the registered JSON schemas.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pithecene-io/jobforge/canonical"
	"github.com/pithecene-io/jobforge/envelope"
	"github.com/pithecene-io/jobforge/types"
)

// Run is the execution context handed to a handler. Cancellation arrives
// through the ctx passed to Execute; Heartbeat extends the job lock during
// long steps.
type Run struct {
	// JobID is the running job.
	JobID string
	// Tenant is the owning tenant.
	Tenant string
	// AttemptNo is the current attempt, starting at 1.
	AttemptNo int
	// TraceID correlates logs and audit entries for this run.
	TraceID string
	// Envelope carries the run's snapshot, decision trace, and manifest.
	Envelope *envelope.Envelope
	// Heartbeat refreshes the job lock. Long-running handlers call it
	// between steps; the worker also heartbeats on a timer.
	Heartbeat func(ctx context.Context) error
}

// Handler executes one job attempt. The returned map is the job result,
// validated against the registered output schema.
type Handler interface {
	Execute(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error) {
	return f(ctx, run, payload)
}

// Registration binds a job type to its handler and schemas.
type Registration struct {
	// Type is the handler tag, unique within the registry.
	Type string
	// Handler executes jobs of this type.
	Handler Handler
	// InputSchema validates payloads before execution. Optional.
	InputSchema *openapi3.Schema
	// OutputSchema validates results after execution. Optional.
	OutputSchema *openapi3.Schema
	// MaxAttempts overrides the queue default for this type when > 0.
	MaxAttempts int
	// TimeoutMs bounds one attempt's execution when > 0.
	TimeoutMs int

	inputHash  string
	outputHash string
}

// Registry holds the job-type registrations. Registration is idempotent:
// re-registering a type with identical schemas is a no-op, while changed
// schemas are refused so deployed workers cannot silently diverge.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Registration
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handlers: map[string]*Registration{}}
}

// Register adds or re-confirms one job-type registration.
func (r *Registry) Register(reg Registration) error {
	if reg.Type == "" {
		return fmt.Errorf("registration requires a job type")
	}
	if reg.Handler == nil {
		return fmt.Errorf("registration for %q requires a handler", reg.Type)
	}

	inHash, err := schemaHash(reg.InputSchema)
	if err != nil {
		return fmt.Errorf("input schema for %q: %w", reg.Type, err)
	}
	outHash, err := schemaHash(reg.OutputSchema)
	if err != nil {
		return fmt.Errorf("output schema for %q: %w", reg.Type, err)
	}
	reg.inputHash = inHash
	reg.outputHash = outHash

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.handlers[reg.Type]; ok {
		if existing.inputHash != inHash || existing.outputHash != outHash {
			return fmt.Errorf("job type %q already registered with different schemas", reg.Type)
		}
		// Idempotent re-registration: keep the existing entry but take
		// the new handler so restarts can swap implementations.
		existing.Handler = reg.Handler
		return nil
	}
	r.handlers[reg.Type] = &reg
	return nil
}

// Lookup returns the registration for a job type.
func (r *Registry) Lookup(jobType string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %q: %w", jobType, types.ErrNotFound)
	}
	return reg, nil
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ValidateInput checks a payload against the type's input schema. A
// mismatch is terminal: the job fails without retries.
func (reg *Registration) ValidateInput(payload map[string]any) error {
	if reg.InputSchema == nil {
		return nil
	}
	if err := reg.InputSchema.VisitJSON(normalize(payload)); err != nil {
		return types.NewJobError(types.CodeBadInput, fmt.Sprintf("payload failed schema for %s: %v", reg.Type, err))
	}
	return nil
}

// ValidateOutput checks a handler result against the type's output
// schema. A mismatch fails the attempt without retries: the handler is
// deterministic with respect to its declared contract.
func (reg *Registration) ValidateOutput(result map[string]any) error {
	if reg.OutputSchema == nil {
		return nil
	}
	if err := reg.OutputSchema.VisitJSON(normalize(result)); err != nil {
		return types.NewJobError(types.CodeBadInput, fmt.Sprintf("result failed schema for %s: %v", reg.Type, err))
	}
	return nil
}

// SchemaFromJSON parses a raw JSON schema document.
func SchemaFromJSON(raw []byte) (*openapi3.Schema, error) {
	s := &openapi3.Schema{}
	if err := s.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return s, nil
}

// schemaHash canonicalizes a schema document for change detection.
func schemaHash(s *openapi3.Schema) (string, error) {
	if s == nil {
		return "", nil
	}
	raw, err := s.MarshalJSON()
	if err != nil {
		return "", err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", err
	}
	return canonical.Hash(doc)
}

// normalize round-trips a value through encoding/json so schema
// validation sees plain JSON types regardless of how the payload was
// built.
func normalize(v map[string]any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
