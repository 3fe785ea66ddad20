package envelope

import (
	"fmt"

	"github.com/pithecene-io/jobforge/canonical"
	"github.com/pithecene-io/jobforge/types"
)

// ReplayBundle packages everything needed to re-execute a run and compare
// the outcome against the original: the canonical input, the decision
// sequence, the manifest, and the environment fingerprint.
type ReplayBundle struct {
	// RunID is the original run.
	RunID string `json:"run_id"`
	// Tenant is the owning tenant.
	Tenant string `json:"tenant"`
	// JobType is the handler tag.
	JobType string `json:"job_type"`
	// Snapshot is the canonical (redacted) input.
	Snapshot *canonical.Snapshot `json:"snapshot"`
	// Decisions is the ordered decision trace.
	Decisions []Decision `json:"decisions"`
	// Manifest is the finalized manifest.
	Manifest types.Manifest `json:"manifest"`
	// OutputHash is the SHA-256 of the canonical output listing.
	OutputHash string `json:"output_hash"`
}

// Bundle builds a replay bundle from a finalized envelope.
func (e *Envelope) Bundle() (*ReplayBundle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.finalized {
		return nil, fmt.Errorf("run %s not finalized", e.manifest.RunID)
	}

	outHash, err := outputHash(e.manifest.Outputs)
	if err != nil {
		return nil, err
	}

	return &ReplayBundle{
		RunID:      e.manifest.RunID,
		Tenant:     e.manifest.Tenant,
		JobType:    e.manifest.JobType,
		Snapshot:   e.snapshot,
		Decisions:  e.trace.Decisions(),
		Manifest:   e.manifest,
		OutputHash: outHash,
	}, nil
}

// Difference is one divergence found when comparing a replay against the
// original run.
type Difference struct {
	// Field names the diverging envelope component.
	Field string `json:"field"`
	// Original is the original run's value.
	Original string `json:"original"`
	// Replayed is the replayed run's value.
	Replayed string `json:"replayed"`
}

// Compare diffs a replayed bundle against the original. Runs are
// equivalent when the input hash, output hash, and decision sequence all
// match; an empty result means equivalent.
func Compare(original, replayed *ReplayBundle) []Difference {
	var diffs []Difference

	if original.Snapshot.Hash != replayed.Snapshot.Hash {
		diffs = append(diffs, Difference{
			Field:    "input_hash",
			Original: original.Snapshot.Hash,
			Replayed: replayed.Snapshot.Hash,
		})
	}
	if original.OutputHash != replayed.OutputHash {
		diffs = append(diffs, Difference{
			Field:    "output_hash",
			Original: original.OutputHash,
			Replayed: replayed.OutputHash,
		})
	}

	origSeq := decisionSequence(original.Decisions)
	replSeq := decisionSequence(replayed.Decisions)
	if len(origSeq) != len(replSeq) {
		diffs = append(diffs, Difference{
			Field:    "decision_count",
			Original: fmt.Sprintf("%d", len(origSeq)),
			Replayed: fmt.Sprintf("%d", len(replSeq)),
		})
	}
	for i := 0; i < len(origSeq) && i < len(replSeq); i++ {
		if origSeq[i] != replSeq[i] {
			diffs = append(diffs, Difference{
				Field:    fmt.Sprintf("decision[%d]", i),
				Original: origSeq[i],
				Replayed: replSeq[i],
			})
		}
	}

	origFinal := derefOr(original.Manifest.FinalDecision, "")
	replFinal := derefOr(replayed.Manifest.FinalDecision, "")
	if origFinal != replFinal {
		diffs = append(diffs, Difference{
			Field:    "final_decision",
			Original: origFinal,
			Replayed: replFinal,
		})
	}

	return diffs
}

func decisionSequence(decisions []Decision) []string {
	out := make([]string, len(decisions))
	for i, d := range decisions {
		out[i] = d.StepID + ":" + string(d.Kind)
	}
	return out
}

// outputHash canonicalizes the output listing (name, ref, checksum per
// output) and hashes it. Timestamps and sizes are excluded so replays on
// different clocks can still compare equal.
func outputHash(outputs []types.ManifestOutput) (string, error) {
	listing := make([]any, len(outputs))
	for i, out := range outputs {
		entry := map[string]any{
			"name": out.Name,
			"type": out.Type,
			"ref":  out.Ref,
		}
		if out.Checksum != nil {
			entry["checksum"] = *out.Checksum
		}
		listing[i] = entry
	}
	canon, err := canonical.Canonicalize(map[string]any{"outputs": listing})
	if err != nil {
		return "", err
	}
	return canonical.HashBytes(canon), nil
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
