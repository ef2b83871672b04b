// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package authn implements the control plane's single auth-resolution
// boundary (spec.md §4.3, C3): given an inbound request, walk the four
// recognized credential forms in a fixed order and produce a Principal
// the rest of the request pipeline treats uniformly regardless of which
// form was actually presented.
//
// Exactly one credential form should be presented per request. If more
// than one header is set, the first form found wins; callers that need
// to enforce mutual exclusivity should reject the request before it
// reaches this package.
package authn

import (
	"context"
	"net/http"
	"strings"

	"github.com/agenthub/control-plane/internal/apierr"
	"github.com/agenthub/control-plane/internal/delegation"
	"github.com/agenthub/control-plane/internal/identity"
	"github.com/agenthub/control-plane/internal/secret"
	"github.com/agenthub/control-plane/internal/store"
	"github.com/agenthub/control-plane/lib/clock"
)

// Method names how a Principal was authenticated, surfaced in audit
// logs and the request-scoped logger.
const (
	MethodAPIKey          = "api_key"
	MethodAgentCredential = "agent_credential"
	MethodDelegationToken = "delegation_token"
	MethodBearerToken     = "bearer_token"
)

// Principal is the resolved identity of an inbound request, uniform
// across all four credential forms.
type Principal struct {
	// Owner is the platform tenant this request acts on behalf of.
	Owner string

	// AgentID is set for every form except api_key, which authenticates
	// a platform operator rather than a registered agent.
	AgentID string

	// Scopes are the effective scopes this request is authorized for.
	// A "*" entry grants every scope.
	Scopes []string

	Method string

	// TokenID and Chain are set only for MethodDelegationToken.
	TokenID string
	Chain   []store.DelegationToken
}

// HasScope reports whether the principal's effective scopes cover
// scope, honoring the wildcard.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == identity.WildcardScope || s == scope {
			return true
		}
	}
	return false
}

// Resolver walks the four credential forms in order.
type Resolver struct {
	secrets    *secret.Snapshot
	identity   *identity.Service
	delegation *delegation.Engine
	clock      clock.Clock
}

// New constructs a Resolver.
func New(secrets *secret.Snapshot, identitySvc *identity.Service, delegationEngine *delegation.Engine, clk clock.Clock) *Resolver {
	return &Resolver{secrets: secrets, identity: identitySvc, delegation: delegationEngine, clock: clk}
}

// Resolve implements spec.md §4.3's four-step pipeline: X-API-Key,
// "Authorization: AgentCredential <secret>", "X-Delegation-Token:
// <jti>.<signature>", then "Authorization: Bearer <token>". Returns
// apierr.Auth if none apply or the presented credential is invalid.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (Principal, error) {
	if apiKey := req.Header.Get("X-API-Key"); apiKey != "" {
		return r.resolveAPIKey(apiKey)
	}

	authHeader := req.Header.Get("Authorization")
	if secretPlain, ok := strings.CutPrefix(authHeader, "AgentCredential "); ok {
		return r.resolveAgentCredential(ctx, secretPlain)
	}

	if signed := req.Header.Get("X-Delegation-Token"); signed != "" {
		return r.resolveDelegationToken(ctx, signed)
	}

	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return r.resolveBearerToken(token)
	}

	return Principal{}, apierr.Auth("auth.missing_credentials", "no recognized authentication header present")
}

func (r *Resolver) resolveAPIKey(apiKey string) (Principal, error) {
	principal, ok := r.secrets.ResolveAPIKeyPrincipal(apiKey)
	if !ok {
		return Principal{}, apierr.Auth("auth.invalid_api_key", "no platform owner is registered for the presented API key")
	}
	return Principal{
		Owner:  principal.Tenant,
		Scopes: principal.Scopes,
		Method: MethodAPIKey,
	}, nil
}

func (r *Resolver) resolveAgentCredential(ctx context.Context, secretPlain string) (Principal, error) {
	if secretPlain == "" {
		return Principal{}, apierr.Auth("auth.invalid_credential", "empty AgentCredential secret")
	}
	cred, err := r.identity.VerifyCredential(ctx, secretPlain)
	if err != nil {
		return Principal{}, err
	}
	agent, err := r.identity.GetAgent(ctx, cred.AgentID)
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		Owner:   agent.Owner,
		AgentID: cred.AgentID,
		Scopes:  cred.Scopes,
		Method:  MethodAgentCredential,
	}, nil
}

func (r *Resolver) resolveDelegationToken(ctx context.Context, signed string) (Principal, error) {
	verified, err := r.delegation.Verify(ctx, signed)
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		Owner:   verified.Token.Owner,
		AgentID: verified.Token.SubjectAgentID,
		Scopes:  verified.EffectiveScopes,
		Method:  MethodDelegationToken,
		TokenID: verified.Token.TokenID,
		Chain:   verified.Chain,
	}, nil
}

func (r *Resolver) resolveBearerToken(token string) (Principal, error) {
	claims, err := VerifyBearerToken(r.secrets.BearerSigningSecret(), token, r.clock.Now())
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		Owner:   claims.Owner,
		AgentID: claims.AgentID,
		Scopes:  claims.Scopes,
		Method:  MethodBearerToken,
	}, nil
}
