package types

import "time"

// TokenVersion is the pinned policy-token version.
const TokenVersion = "1.0"

// PolicyToken is an HMAC-signed capability grant for write-class jobs.
// The signature covers the canonical serialization of every field except
// Signature itself.
type PolicyToken struct {
	// ID is the token identifier.
	ID string `json:"id"`
	// Version is the pinned token version, always "1.0".
	Version string `json:"version"`
	// IssuedAt is the issuance time.
	IssuedAt time.Time `json:"issued_at"`
	// ExpiresAt bounds the token lifetime. Nil means no expiry.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// Tenant is the tenant the grant is scoped to.
	Tenant string `json:"tenant"`
	// Project optionally narrows the grant to a project.
	Project *string `json:"project,omitempty"`
	// Actor identifies who the grant was issued to.
	Actor string `json:"actor"`
	// Scopes are the granted capability scopes.
	Scopes []string `json:"scopes"`
	// Action is the job type the grant authorizes.
	Action string `json:"action"`
	// Resource optionally narrows the grant to one resource.
	Resource *string `json:"resource,omitempty"`
	// Context carries optional issuance context.
	Context map[string]any `json:"context,omitempty"`
	// Signature is the base64url-encoded HMAC-SHA256 over the canonical
	// encoding of the preceding fields.
	Signature string `json:"signature"`
}

// HasScopes reports whether the token's scopes cover all required scopes.
func (t *PolicyToken) HasScopes(required []string) bool {
	granted := make(map[string]bool, len(t.Scopes))
	for _, s := range t.Scopes {
		granted[s] = true
	}
	for _, s := range required {
		if !granted[s] {
			return false
		}
	}
	return true
}
