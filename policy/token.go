// Package policy implements the capability layer for write-class jobs:
// HMAC-signed policy tokens and the security validation limits applied to
// inbound payloads.
package policy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/jobforge/backoff"
	"github.com/pithecene-io/jobforge/canonical"
	"github.com/pithecene-io/jobforge/types"
)

// DefaultTokenTTL is the issuance expiry applied when the caller does not
// set one.
const DefaultTokenTTL = time.Hour

// RejectionCause classifies why a token was refused.
type RejectionCause string

const (
	// RejectExpired: the token's expiry has passed.
	RejectExpired RejectionCause = "Expired"
	// RejectTenantMismatch: the token grants a different tenant.
	RejectTenantMismatch RejectionCause = "TenantMismatch"
	// RejectScopeInsufficient: the token lacks a required scope.
	RejectScopeInsufficient RejectionCause = "ScopeInsufficient"
	// RejectActionMismatch: the token authorizes a different job type.
	RejectActionMismatch RejectionCause = "ActionMismatch"
	// RejectBadSignature: the MAC does not verify.
	RejectBadSignature RejectionCause = "BadSignature"
	// RejectSecretMissing: no signing secret is configured.
	RejectSecretMissing RejectionCause = "SecretMissing"
)

// Rejection is a typed token refusal.
type Rejection struct {
	// Cause classifies the refusal.
	Cause RejectionCause
	// Detail is the human-readable specifics.
	Detail string
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("policy token rejected: %s", r.Cause)
	}
	return fmt.Sprintf("policy token rejected: %s: %s", r.Cause, r.Detail)
}

// Is reports sentinel equivalence: every rejection is an ErrForbidden.
func (r *Rejection) Is(target error) bool {
	return target == types.ErrForbidden
}

// Signer mints and verifies policy tokens. The secret is injected, never
// persisted.
type Signer struct {
	secret []byte
	clock  backoff.Clock
}

// NewSigner creates a signer over the given secret. An empty secret
// yields a signer that refuses everything with SecretMissing; the flags
// registry fails fast before that matters in configured deployments.
func NewSigner(secret []byte, clock backoff.Clock) *Signer {
	if clock == nil {
		clock = backoff.SystemClock{}
	}
	return &Signer{secret: secret, clock: clock}
}

// IssueParams are the inputs to Issue.
type IssueParams struct {
	// Tenant scopes the grant. Required.
	Tenant string
	// Project optionally narrows the grant.
	Project *string
	// Actor identifies the grantee. Required.
	Actor string
	// Scopes are the granted capability scopes.
	Scopes []string
	// Action is the job type being authorized. Required.
	Action string
	// Resource optionally narrows the grant to one resource.
	Resource *string
	// TTL bounds the token lifetime. Zero means DefaultTokenTTL.
	TTL time.Duration
	// Context carries optional issuance context.
	Context map[string]any
}

// Issue mints a signed token.
func (s *Signer) Issue(p IssueParams) (*types.PolicyToken, error) {
	if len(s.secret) == 0 {
		return nil, &Rejection{Cause: RejectSecretMissing, Detail: "no signing secret configured"}
	}
	if p.Tenant == "" || p.Actor == "" || p.Action == "" {
		return nil, errors.New("token issuance requires tenant, actor, and action")
	}

	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := s.clock.Now().UTC()
	exp := now.Add(ttl)

	tok := &types.PolicyToken{
		ID:        uuid.NewString(),
		Version:   types.TokenVersion,
		IssuedAt:  now,
		ExpiresAt: &exp,
		Tenant:    p.Tenant,
		Project:   p.Project,
		Actor:     p.Actor,
		Scopes:    p.Scopes,
		Action:    p.Action,
		Resource:  p.Resource,
		Context:   p.Context,
	}

	mac, err := s.mac(tok)
	if err != nil {
		return nil, err
	}
	tok.Signature = mac
	return tok, nil
}

// VerifyParams describe the admission the token must cover.
type VerifyParams struct {
	// Tenant is the admitting tenant.
	Tenant string
	// Action is the job type being admitted.
	Action string
	// RequiredScopes must all be granted by the token.
	RequiredScopes []string
}

// Verify checks a token against an admission. The MAC comparison is
// constant time. Returns a typed *Rejection on refusal.
func (s *Signer) Verify(tok *types.PolicyToken, p VerifyParams) error {
	if len(s.secret) == 0 {
		return &Rejection{Cause: RejectSecretMissing, Detail: "no signing secret configured"}
	}
	if tok == nil {
		return &Rejection{Cause: RejectBadSignature, Detail: "no token presented"}
	}

	want, err := s.mac(tok)
	if err != nil {
		return &Rejection{Cause: RejectBadSignature, Detail: err.Error()}
	}
	if !hmac.Equal([]byte(want), []byte(tok.Signature)) {
		return &Rejection{Cause: RejectBadSignature}
	}

	// Signature verified; the claims are authentic. Check them.
	if tok.ExpiresAt != nil && !tok.ExpiresAt.After(s.clock.Now()) {
		return &Rejection{Cause: RejectExpired, Detail: fmt.Sprintf("expired at %s", tok.ExpiresAt.UTC().Format(time.RFC3339))}
	}
	if tok.Tenant != p.Tenant {
		return &Rejection{Cause: RejectTenantMismatch, Detail: fmt.Sprintf("token tenant %q", tok.Tenant)}
	}
	if p.Action != "" && tok.Action != p.Action {
		return &Rejection{Cause: RejectActionMismatch, Detail: fmt.Sprintf("token action %q, admission %q", tok.Action, p.Action)}
	}
	if !tok.HasScopes(p.RequiredScopes) {
		return &Rejection{Cause: RejectScopeInsufficient, Detail: fmt.Sprintf("granted %v", tok.Scopes)}
	}
	return nil
}

// mac computes the base64url HMAC-SHA256 over the canonical encoding of
// every token field except the signature.
func (s *Signer) mac(tok *types.PolicyToken) (string, error) {
	unsigned := *tok
	unsigned.Signature = ""

	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return "", err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", err
	}
	delete(doc, "signature")

	canon, err := canonical.Canonicalize(doc)
	if err != nil {
		return "", err
	}

	h := hmac.New(sha256.New, s.secret)
	h.Write(canon)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)), nil
}
