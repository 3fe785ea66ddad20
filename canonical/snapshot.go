package canonical

import "encoding/json"

// Snapshot is the recorded canonical form of a run's input. Redaction is
// applied before canonicalization, so Hash covers the redacted bytes.
type Snapshot struct {
	// CanonicalJSON is the canonical byte form of the (redacted) input.
	CanonicalJSON []byte `json:"canonical_json"`
	// Hash is the SHA-256 of CanonicalJSON, lowercase hex.
	Hash string `json:"hash"`
	// OriginalSizeBytes is the size of the input as received.
	OriginalSizeBytes int `json:"original_size_bytes"`
	// CanonicalSizeBytes is the size of the canonical form.
	CanonicalSizeBytes int `json:"canonical_size_bytes"`
	// InputKeys are the dotted key paths present in the input.
	InputKeys []string `json:"input_keys"`
	// RedactedKeys are the key paths that were redacted, when any.
	RedactedKeys []string `json:"redacted_keys,omitempty"`
}

// NewSnapshot canonicalizes payload after applying the redaction hints
// and records the sizes, key paths, and hash.
func NewSnapshot(payload map[string]any, redactPaths []string) (*Snapshot, error) {
	original, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	redacted, redactedKeys := Redact(payload, redactPaths)
	canon, err := Canonicalize(redacted)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		CanonicalJSON:      canon,
		Hash:               HashBytes(canon),
		OriginalSizeBytes:  len(original),
		CanonicalSizeBytes: len(canon),
		InputKeys:          ExtractKeys(payload),
		RedactedKeys:       redactedKeys,
	}, nil
}

// Recompute re-hashes the stored canonical bytes. A snapshot is internally
// consistent when Recompute equals Hash.
func (s *Snapshot) Recompute() string {
	return HashBytes(s.CanonicalJSON)
}
