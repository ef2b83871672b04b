// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package delegation implements the delegation token engine (spec.md
// §4.5, C5): issuing scope-attenuated bearer tokens along a bounded
// chain, verifying a presented token's signature and ancestry, and
// listing a token's chain for audit.
package delegation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/control-plane/internal/apierr"
	"github.com/agenthub/control-plane/internal/cryptoutil"
	"github.com/agenthub/control-plane/internal/identity"
	"github.com/agenthub/control-plane/internal/store"
	"github.com/agenthub/control-plane/lib/clock"
)

// MaxChainDepth is the maximum number of delegation hops (spec.md §3:
// "chain_depth: int ∈ [0,5]").
const MaxChainDepth = 5

// MaxTTL bounds a single token's lifetime (spec.md §4.5: "ttl_seconds
// ≤ min(parent.ttl_remaining, 30d)").
const MaxTTL = 30 * 24 * time.Hour

// Engine issues and verifies delegation tokens.
type Engine struct {
	store    *store.Store
	identity *identity.Service
	clock    clock.Clock
	secret   []byte // identity signing secret
}

// New constructs a delegation Engine.
func New(st *store.Store, identitySvc *identity.Service, clk clock.Clock, identitySigningSecret []byte) *Engine {
	return &Engine{store: st, identity: identitySvc, clock: clk, secret: identitySigningSecret}
}

// envelope is the canonical signed payload for a delegation token,
// matching spec.md §3's signature coverage exactly: {token_id, issuer,
// subject, scopes, issued_at, expires_at, parent_token_id, chain_depth}.
type envelope struct {
	TokenID       string   `json:"token_id"`
	Issuer        string   `json:"issuer"`
	Subject       string   `json:"subject"`
	Scopes        []string `json:"scopes"`
	IssuedAt      int64    `json:"issued_at"`
	ExpiresAt     int64    `json:"expires_at"`
	ParentTokenID string   `json:"parent_token_id,omitempty"`
	ChainDepth    int      `json:"chain_depth"`
}

func envelopeFor(tok store.DelegationToken) envelope {
	return envelope{
		TokenID:       tok.TokenID,
		Issuer:        tok.IssuerAgentID,
		Subject:       tok.SubjectAgentID,
		Scopes:        tok.Scopes,
		IssuedAt:      tok.IssuedAt.Unix(),
		ExpiresAt:     tok.ExpiresAt.Unix(),
		ParentTokenID: tok.ParentTokenID,
		ChainDepth:    tok.ChainDepth,
	}
}

func (e *Engine) sign(tok store.DelegationToken) (string, error) {
	payload, err := cryptoutil.Canonical(envelopeFor(tok))
	if err != nil {
		return "", fmt.Errorf("delegation: canonicalizing envelope: %w", err)
	}
	return cryptoutil.Sign(e.secret, payload)
}

// IssueInput is the request to mint a new delegation token.
type IssueInput struct {
	IssuerAgentID   string // the Principal minting the token (spec.md §4.5)
	SubjectAgentID  string
	DelegatedScopes []string
	TTL             time.Duration
	ParentTokenID   string
}

// Issued is the response returned to the caller: the wire-format
// signed token plus metadata.
type Issued struct {
	TokenID     string    `json:"token_id"`
	SignedToken string    `json:"signed_token"` // "<token_id>.<hex signature>"
	ChainDepth  int       `json:"chain_depth"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Issue mints a new delegation token per spec.md §4.5.
func (e *Engine) Issue(ctx context.Context, in IssueInput) (Issued, error) {
	if in.SubjectAgentID == "" {
		return Issued{}, apierr.Validation("schema.missing_field", "subject_agent_id is required")
	}
	if len(in.DelegatedScopes) == 0 {
		return Issued{}, apierr.Validation("schema.missing_field", "delegated_scopes must be non-empty")
	}
	if in.TTL <= 0 {
		return Issued{}, apierr.Validation("schema.invalid_field", "ttl_seconds must be positive")
	}
	if in.TTL > MaxTTL {
		in.TTL = MaxTTL
	}

	if _, err := e.identity.RequireActiveAgent(ctx, in.IssuerAgentID); err != nil {
		return Issued{}, err
	}
	if _, err := e.identity.RequireActiveAgent(ctx, in.SubjectAgentID); err != nil {
		return Issued{}, err
	}

	now := e.clock.Now()
	expiresAt := now.Add(in.TTL)
	chainDepth := 0
	effectiveParentScopes := identity.ScopeSet(nil)
	owner := in.SubjectAgentID

	if in.ParentTokenID != "" {
		parent, found, err := e.store.GetDelegationToken(ctx, in.ParentTokenID)
		if err != nil {
			return Issued{}, fmt.Errorf("delegation: issue: loading parent: %w", err)
		}
		if !found {
			return Issued{}, apierr.ChainInvalid("delegation.chain_invalid: parent token %q not found", in.ParentTokenID)
		}
		if parent.Revoked {
			return Issued{}, apierr.ChainInvalid("delegation.chain_invalid: parent token %q is revoked", in.ParentTokenID)
		}
		if !now.Before(parent.ExpiresAt) {
			return Issued{}, apierr.ChainInvalid("delegation.chain_invalid: parent token %q has expired", in.ParentTokenID)
		}
		if parent.SubjectAgentID != in.IssuerAgentID {
			return Issued{}, apierr.Auth("auth.not_token_holder", "only the holder of the parent token may re-delegate it")
		}
		if parent.ChainDepth+1 > MaxChainDepth {
			return Issued{}, apierr.ChainTooDeep("identity.chain_too_deep: chain depth would exceed %d", MaxChainDepth)
		}

		effectiveParentScopes = identity.NewScopeSet(parent.Scopes)
		if missing := identity.MissingScopes(effectiveParentScopes, in.DelegatedScopes); len(missing) > 0 {
			return Issued{}, apierr.ScopeNotAttenuated("identity.scope_not_attenuated: scopes %s are not covered by the parent token", strings.Join(missing, ", "))
		}

		if expiresAt.After(parent.ExpiresAt) {
			expiresAt = parent.ExpiresAt
		}
		chainDepth = parent.ChainDepth + 1
		owner = parent.Owner
	}

	tok := store.DelegationToken{
		TokenID:        "dtk-" + uuid.NewString(),
		IssuerAgentID:  in.IssuerAgentID,
		SubjectAgentID: in.SubjectAgentID,
		Owner:          owner,
		Scopes:         in.DelegatedScopes,
		IssuedAt:       now,
		ExpiresAt:      expiresAt,
		ParentTokenID:  in.ParentTokenID,
		ChainDepth:     chainDepth,
	}

	signature, err := e.sign(tok)
	if err != nil {
		return Issued{}, fmt.Errorf("delegation: issue: signing: %w", err)
	}

	if err := e.store.InsertDelegationToken(ctx, tok); err != nil {
		return Issued{}, fmt.Errorf("delegation: issue: persisting: %w", err)
	}

	return Issued{
		TokenID:     tok.TokenID,
		SignedToken: tok.TokenID + "." + signature,
		ChainDepth:  tok.ChainDepth,
		ExpiresAt:   tok.ExpiresAt,
	}, nil
}

// Verified is the result of a successful token verification (spec.md
// §6: "{valid, effective_scopes, chain}"). Verify only ever constructs
// one on success — a failed verification returns an apierr instead —
// so Valid is always true here.
type Verified struct {
	Valid           bool                    `json:"valid"`
	Token           store.DelegationToken   `json:"token"`
	EffectiveScopes []string                `json:"effective_scopes"`
	Chain           []store.DelegationToken `json:"chain"` // root-first
}

// SplitSignedToken splits the wire format "<token_id>.<signature>".
func SplitSignedToken(signed string) (tokenID, signature string, ok bool) {
	idx := strings.LastIndexByte(signed, '.')
	if idx < 0 || idx == len(signed)-1 {
		return "", "", false
	}
	return signed[:idx], signed[idx+1:], true
}

// Verify implements spec.md §4.5's verification algorithm: recompute
// the signature, then walk the chain to the root asserting that every
// hop is unrevoked, unexpired, scope-narrowing, and issued by an
// active identity. Returns the intersection of every hop's delegated
// scopes as the effective scope set.
func (e *Engine) Verify(ctx context.Context, signedToken string) (Verified, error) {
	tokenID, signature, ok := SplitSignedToken(signedToken)
	if !ok {
		return Verified{}, apierr.ChainInvalid("delegation.chain_invalid: malformed token")
	}

	tok, found, err := e.store.GetDelegationToken(ctx, tokenID)
	if err != nil {
		return Verified{}, fmt.Errorf("delegation: verify: loading token: %w", err)
	}
	if !found {
		return Verified{}, apierr.ChainInvalid("delegation.chain_invalid: token %q not found", tokenID)
	}

	payload, err := cryptoutil.Canonical(envelopeFor(tok))
	if err != nil {
		return Verified{}, fmt.Errorf("delegation: verify: canonicalizing envelope: %w", err)
	}
	if !cryptoutil.Verify(e.secret, payload, signature) {
		return Verified{}, apierr.ChainInvalid("delegation.chain_invalid: signature mismatch for token %q", tokenID)
	}

	chain, err := e.store.GetDelegationChain(ctx, tokenID)
	if err != nil {
		return Verified{}, fmt.Errorf("delegation: verify: loading chain: %w", err)
	}

	now := e.clock.Now()
	effective := identity.ScopeSet(nil)
	for i, hop := range chain {
		if hop.Revoked {
			return Verified{}, apierr.Revoked("identity.revoked: token %q in chain is revoked", hop.TokenID)
		}
		if !now.Before(hop.ExpiresAt) {
			return Verified{}, apierr.ChainInvalid("delegation.chain_invalid: token %q in chain has expired", hop.TokenID)
		}
		if _, err := e.identity.RequireActiveAgent(ctx, hop.IssuerAgentID); err != nil {
			return Verified{}, apierr.ChainInvalid("delegation.chain_invalid: issuer of token %q is not active", hop.TokenID)
		}

		hopScopes := identity.NewScopeSet(hop.Scopes)
		if i == 0 {
			effective = hopScopes
			continue
		}
		if !identity.Attenuates(effective, hop.Scopes) {
			return Verified{}, apierr.ChainInvalid("delegation.chain_invalid: token %q widens scope beyond its parent", hop.TokenID)
		}
		if !effective.IsWildcard() {
			effective = intersect(effective, hopScopes)
		} else {
			effective = hopScopes
		}
	}

	return Verified{
		Valid:           true,
		Token:           tok,
		EffectiveScopes: effective.Slice(),
		Chain:           chain,
	}, nil
}

// GetChain returns the full ancestry of tokenID, root-first, for audit
// display (spec.md §4.5 "chain listing").
func (e *Engine) GetChain(ctx context.Context, tokenID string) ([]store.DelegationToken, error) {
	chain, err := e.store.GetDelegationChain(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("delegation: get chain: %w", err)
	}
	if len(chain) == 0 {
		return nil, apierr.NotFound("not_found.delegation_token", "token %q not found", tokenID)
	}
	return chain, nil
}

func intersect(a, b identity.ScopeSet) identity.ScopeSet {
	if a.IsWildcard() {
		return b
	}
	if b.IsWildcard() {
		return a
	}
	out := make(identity.ScopeSet)
	for scope := range a {
		if b.Contains(scope) {
			out[scope] = struct{}{}
		}
	}
	return out
}
