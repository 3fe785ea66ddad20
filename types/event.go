package types

import (
	"errors"
	"fmt"
	"time"
)

// EventVersion is the pinned event envelope version.
const EventVersion = "1.0"

// SourceApp identifies the system an event originated from.
type SourceApp string

// Known source applications. The envelope rejects anything else.
const (
	SourceSettler    SourceApp = "settler"
	SourceAias       SourceApp = "aias"
	SourceKeys       SourceApp = "keys"
	SourceReadylayer SourceApp = "readylayer"
	SourceJobforge   SourceApp = "jobforge"
	SourceExternal   SourceApp = "external"
)

// SourceModule identifies the functional area an event originated from.
type SourceModule string

// Known source modules.
const (
	ModuleOps     SourceModule = "ops"
	ModuleSupport SourceModule = "support"
	ModuleGrowth  SourceModule = "growth"
	ModuleFinops  SourceModule = "finops"
	ModuleCore    SourceModule = "core"
)

var knownSourceApps = map[SourceApp]bool{
	SourceSettler:    true,
	SourceAias:       true,
	SourceKeys:       true,
	SourceReadylayer: true,
	SourceJobforge:   true,
	SourceExternal:   true,
}

var knownSourceModules = map[SourceModule]bool{
	ModuleOps:     true,
	ModuleSupport: true,
	ModuleGrowth:  true,
	ModuleFinops:  true,
	ModuleCore:    true,
}

// EventSubject identifies the entity an event is about.
type EventSubject struct {
	// Type is the subject entity type.
	Type string `json:"type"`
	// ID is the subject entity identifier.
	ID string `json:"id"`
}

// Event is an ingested external occurrence. PII flag and redaction hints
// are advisory to the canonical codec.
type Event struct {
	// ID is the event identifier.
	ID string `json:"id"`
	// Tenant is the owning tenant.
	Tenant string `json:"tenant"`
	// Project optionally narrows the event to a project.
	Project *string `json:"project,omitempty"`
	// Type is the event type discriminator, matched against trigger
	// rule allowlists.
	Type string `json:"event_type"`
	// TraceID correlates the event with downstream jobs.
	TraceID string `json:"trace_id"`
	// SourceApp is the originating system.
	SourceApp SourceApp `json:"source_app"`
	// SourceModule is the originating functional area, when known.
	SourceModule *SourceModule `json:"source_module,omitempty"`
	// Subject identifies the entity the event is about.
	Subject *EventSubject `json:"subject,omitempty"`
	// Payload is the opaque event body.
	Payload map[string]any `json:"payload"`
	// ContainsPII flags the payload for redaction before snapshotting.
	ContainsPII bool `json:"contains_pii"`
	// RedactionHints lists dotted key paths to redact before hashing.
	RedactionHints []string `json:"redaction_hints,omitempty"`
	// OccurredAt is when the event happened at the source.
	OccurredAt time.Time `json:"occurred_at"`
	// Processed reports whether trigger evaluation has run.
	Processed bool `json:"processed"`
	// ProcessedAt is when trigger evaluation ran.
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	// ProcessingJobID is the job this event owns, when a trigger fired.
	// The event->job link is the authoritative owner; job->event is a
	// lookup key only.
	ProcessingJobID *string `json:"processing_job_id,omitempty"`
	// CreatedAt is the row creation time.
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the pinned envelope rules.
func (e *Event) Validate() error {
	if e.Tenant == "" {
		return errors.New("event tenant must be non-empty")
	}
	if e.Type == "" {
		return errors.New("event_type must be non-empty")
	}
	if e.TraceID == "" {
		return errors.New("trace_id must be non-empty")
	}
	if !knownSourceApps[e.SourceApp] {
		return fmt.Errorf("unknown source_app %q", e.SourceApp)
	}
	if e.SourceModule != nil && !knownSourceModules[*e.SourceModule] {
		return fmt.Errorf("unknown source_module %q", *e.SourceModule)
	}
	if e.OccurredAt.IsZero() {
		return errors.New("occurred_at must be set")
	}
	if e.Subject != nil && (e.Subject.Type == "" || e.Subject.ID == "") {
		return errors.New("subject requires both type and id")
	}
	return nil
}
