package policy

import (
	"encoding/json"
	"fmt"

	"github.com/pithecene-io/jobforge/types"
)

// Security validation defaults. Applied to inbound payloads when
// security_validation_enabled is on.
const (
	// DefaultMaxPayloadBytes bounds the JSON-encoded payload size.
	DefaultMaxPayloadBytes = 256 * 1024
	// DefaultMaxDepth bounds object/array nesting.
	DefaultMaxDepth = 16
	// DefaultMaxKeys bounds the total key count across the payload.
	DefaultMaxKeys = 1000
	// DefaultMaxStringBytes bounds any single string value.
	DefaultMaxStringBytes = 64 * 1024
	// DefaultMaxKeyBytes bounds any single object key.
	DefaultMaxKeyBytes = 256
)

// Limits are the payload-shape bounds enforced by the validator.
type Limits struct {
	// MaxPayloadBytes bounds the encoded payload size.
	MaxPayloadBytes int
	// MaxDepth bounds nesting depth.
	MaxDepth int
	// MaxKeys bounds the total key count.
	MaxKeys int
	// MaxStringBytes bounds any single string value.
	MaxStringBytes int
	// MaxKeyBytes bounds any single object key.
	MaxKeyBytes int
}

// DefaultLimits returns the default payload bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		MaxDepth:        DefaultMaxDepth,
		MaxKeys:         DefaultMaxKeys,
		MaxStringBytes:  DefaultMaxStringBytes,
		MaxKeyBytes:     DefaultMaxKeyBytes,
	}
}

// Validator enforces payload-size and field-shape limits at the
// admission boundary. Violations are BadInput: terminal, never retried.
type Validator struct {
	limits Limits
}

// NewValidator creates a validator, filling zero limits from defaults.
func NewValidator(limits Limits) *Validator {
	d := DefaultLimits()
	if limits.MaxPayloadBytes <= 0 {
		limits.MaxPayloadBytes = d.MaxPayloadBytes
	}
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = d.MaxDepth
	}
	if limits.MaxKeys <= 0 {
		limits.MaxKeys = d.MaxKeys
	}
	if limits.MaxStringBytes <= 0 {
		limits.MaxStringBytes = d.MaxStringBytes
	}
	if limits.MaxKeyBytes <= 0 {
		limits.MaxKeyBytes = d.MaxKeyBytes
	}
	return &Validator{limits: limits}
}

// ValidatePayload checks one payload against the limits.
func (v *Validator) ValidatePayload(payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return types.NewJobError(types.CodeBadInput, fmt.Sprintf("payload not encodable: %v", err))
	}
	if len(raw) > v.limits.MaxPayloadBytes {
		return types.NewJobError(types.CodeBadInput,
			fmt.Sprintf("payload %d bytes exceeds limit %d", len(raw), v.limits.MaxPayloadBytes))
	}

	keys := 0
	return v.walk(payload, 1, &keys)
}

func (v *Validator) walk(val any, depth int, keys *int) error {
	if depth > v.limits.MaxDepth {
		return types.NewJobError(types.CodeBadInput,
			fmt.Sprintf("payload nesting exceeds depth limit %d", v.limits.MaxDepth))
	}

	switch t := val.(type) {
	case map[string]any:
		for k, child := range t {
			if len(k) > v.limits.MaxKeyBytes {
				return types.NewJobError(types.CodeBadInput,
					fmt.Sprintf("key %q exceeds %d bytes", truncate(k, 32), v.limits.MaxKeyBytes))
			}
			*keys++
			if *keys > v.limits.MaxKeys {
				return types.NewJobError(types.CodeBadInput,
					fmt.Sprintf("payload exceeds key limit %d", v.limits.MaxKeys))
			}
			if err := v.walk(child, depth+1, keys); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range t {
			if err := v.walk(child, depth+1, keys); err != nil {
				return err
			}
		}
	case string:
		if len(t) > v.limits.MaxStringBytes {
			return types.NewJobError(types.CodeBadInput,
				fmt.Sprintf("string value exceeds %d bytes", v.limits.MaxStringBytes))
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
