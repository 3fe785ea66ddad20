// Package envelope produces the determinism envelope for each run: the
// canonical input snapshot, the ordered decision trace, the manifest, and
// the replay bundle that together make a run auditable and replayable.
package envelope

import (
	"sync"
	"time"

	"github.com/pithecene-io/jobforge/backoff"
)

// DecisionKind classifies one step in a decision trace.
type DecisionKind string

const (
	// DecisionAllow records a permitted step.
	DecisionAllow DecisionKind = "allow"
	// DecisionDeny records a refused step.
	DecisionDeny DecisionKind = "deny"
	// DecisionConditional records a step whose outcome depended on input.
	DecisionConditional DecisionKind = "conditional"
	// DecisionError records a step that failed.
	DecisionError DecisionKind = "error"
)

// Decision is one ordered entry in a run's decision trace.
type Decision struct {
	// StepID names the step within the handler.
	StepID string `json:"step_id"`
	// Timestamp is when the decision was logged.
	Timestamp time.Time `json:"timestamp"`
	// Kind classifies the decision.
	Kind DecisionKind `json:"kind"`
	// Reason is the human-readable ground for the decision.
	Reason string `json:"reason"`
	// InputContext is the input state the decision saw.
	InputContext map[string]any `json:"input_context,omitempty"`
	// OutputContext is the state the decision produced.
	OutputContext map[string]any `json:"output_context,omitempty"`
	// DurationMs is the step duration.
	DurationMs int64 `json:"duration_ms"`
}

// Trace is the ordered decision log for one run. Safe for concurrent
// appends; closed exactly once at completion with a final decision or an
// error.
type Trace struct {
	mu        sync.Mutex
	decisions []Decision
	final     *string
	err       *string
	clock     backoff.Clock
}

// NewTrace creates an empty trace.
func NewTrace(clock backoff.Clock) *Trace {
	return &Trace{clock: clock}
}

// Append logs one decision. Appends after close are dropped: the trace
// is sealed with the run.
func (t *Trace) Append(stepID string, kind DecisionKind, reason string, inputCtx, outputCtx map[string]any, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.final != nil || t.err != nil {
		return
	}
	t.decisions = append(t.decisions, Decision{
		StepID:        stepID,
		Timestamp:     t.clock.Now(),
		Kind:          kind,
		Reason:        reason,
		InputContext:  inputCtx,
		OutputContext: outputCtx,
		DurationMs:    duration.Milliseconds(),
	})
}

// CloseWithDecision seals the trace with the run's final decision.
func (t *Trace) CloseWithDecision(final string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.final == nil && t.err == nil {
		t.final = &final
	}
}

// CloseWithError seals the trace with a run error.
func (t *Trace) CloseWithError(errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.final == nil && t.err == nil {
		t.err = &errMsg
	}
}

// Decisions returns a copy of the logged decisions in order.
func (t *Trace) Decisions() []Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Decision, len(t.decisions))
	copy(out, t.decisions)
	return out
}

// FinalDecision returns the sealed final decision, when any.
func (t *Trace) FinalDecision() *string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final
}

// Err returns the sealed run error, when any.
func (t *Trace) Err() *string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Sequence returns the ordered (step_id, kind) pairs, the comparison key
// for replay equivalence.
func (t *Trace) Sequence() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.decisions))
	for i, d := range t.decisions {
		out[i] = d.StepID + ":" + string(d.Kind)
	}
	return out
}
