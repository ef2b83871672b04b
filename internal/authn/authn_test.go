// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authn_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agenthub/control-plane/internal/apierr"
	"github.com/agenthub/control-plane/internal/authn"
	"github.com/agenthub/control-plane/internal/delegation"
	"github.com/agenthub/control-plane/internal/identity"
	"github.com/agenthub/control-plane/internal/secret"
	"github.com/agenthub/control-plane/internal/testutil"
)

const identitySigningSecret = "identity-signing-secret-at-least-32-bytes!"
const bearerSigningSecret = "bearer-signing-secret-at-least-32-bytes!!"

func newSnapshot(t *testing.T) *secret.Snapshot {
	t.Helper()
	t.Setenv(secret.EnvIdentitySigningSecret, identitySigningSecret)
	t.Setenv(secret.EnvBearerSigningSecret, bearerSigningSecret)
	t.Setenv(secret.EnvProvenanceSecret, "provenance-signing-secret-at-least-32-bytes")
	t.Setenv(secret.EnvAPIKeyMap, `[{"api_key":"opk-1234","tenant":"t1","actor":"platform-op","scopes":["*"]}]`)
	t.Setenv(secret.EnvFederationDomainMap, `[]`)

	snapshot, err := secret.Load()
	testutil.RequireNoError(t, err)
	t.Cleanup(func() { _ = snapshot.Close() })
	return snapshot
}

func newResolver(t *testing.T) (*authn.Resolver, *identity.Service, *delegation.Engine) {
	t.Helper()
	st, fake := testutil.NewTempStore(t)
	identitySvc := identity.New(st, fake, []byte(identitySigningSecret))
	delegationEngine := delegation.New(st, identitySvc, fake, []byte(identitySigningSecret))
	snapshot := newSnapshot(t)
	return authn.New(snapshot, identitySvc, delegationEngine, fake), identitySvc, delegationEngine
}

func TestResolveAPIKey(t *testing.T) {
	resolver, _, _ := newResolver(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/identity/agents", nil)
	req.Header.Set("X-API-Key", "opk-1234")

	principal, err := resolver.Resolve(context.Background(), req)
	testutil.RequireNoError(t, err)
	if principal.Method != authn.MethodAPIKey || principal.Owner != "t1" {
		t.Fatalf("unexpected principal: %+v", principal)
	}
	if !principal.HasScope("anything") {
		t.Fatal("expected wildcard scope to cover any requested scope")
	}
}

func TestResolveAPIKeyRejectsUnknownKey(t *testing.T) {
	resolver, _, _ := newResolver(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/identity/agents", nil)
	req.Header.Set("X-API-Key", "does-not-exist")

	_, err := resolver.Resolve(context.Background(), req)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != "auth.invalid_api_key" {
		t.Fatalf("expected auth.invalid_api_key, got %v", err)
	}
}

func TestResolveAgentCredential(t *testing.T) {
	resolver, identitySvc, _ := newResolver(t)
	ctx := context.Background()

	agent, err := identitySvc.CreateAgent(ctx, identity.CreateAgentInput{Owner: "t1"})
	testutil.RequireNoError(t, err)
	cred, err := identitySvc.CreateCredential(ctx, identity.CreateCredentialInput{
		AgentID: agent.AgentID, Scopes: []string{"execute"}, TTL: identity.MinCredentialTTL,
	})
	testutil.RequireNoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/identity/agents", nil)
	req.Header.Set("Authorization", "AgentCredential "+cred.Secret)

	principal, err := resolver.Resolve(ctx, req)
	testutil.RequireNoError(t, err)
	if principal.Method != authn.MethodAgentCredential || principal.AgentID != agent.AgentID {
		t.Fatalf("unexpected principal: %+v", principal)
	}
}

func TestResolveDelegationToken(t *testing.T) {
	resolver, identitySvc, delegationEngine := newResolver(t)
	ctx := context.Background()

	issuer, err := identitySvc.CreateAgent(ctx, identity.CreateAgentInput{Owner: "t1"})
	testutil.RequireNoError(t, err)
	subject, err := identitySvc.CreateAgent(ctx, identity.CreateAgentInput{Owner: "t1"})
	testutil.RequireNoError(t, err)

	issued, err := delegationEngine.Issue(ctx, delegation.IssueInput{
		IssuerAgentID: issuer.AgentID, SubjectAgentID: subject.AgentID,
		DelegatedScopes: []string{"execute"}, TTL: time.Hour,
	})
	testutil.RequireNoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/delegations", nil)
	req.Header.Set("X-Delegation-Token", issued.SignedToken)

	principal, err := resolver.Resolve(ctx, req)
	testutil.RequireNoError(t, err)
	if principal.Method != authn.MethodDelegationToken || principal.AgentID != subject.AgentID {
		t.Fatalf("unexpected principal: %+v", principal)
	}
	if principal.TokenID != issued.TokenID {
		t.Fatalf("expected token id %q, got %q", issued.TokenID, principal.TokenID)
	}
}

func TestResolveBearerToken(t *testing.T) {
	resolver, _, _ := newResolver(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	token, err := authn.MintBearerToken([]byte(bearerSigningSecret), "agt-x", "t1", []string{"reliability.read"}, now, time.Hour)
	testutil.RequireNoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/reliability/slo-dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	principal, err := resolver.Resolve(context.Background(), req)
	testutil.RequireNoError(t, err)
	if principal.Method != authn.MethodBearerToken || principal.AgentID != "agt-x" {
		t.Fatalf("unexpected principal: %+v", principal)
	}
}

func TestResolveMissingCredentials(t *testing.T) {
	resolver, _, _ := newResolver(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	_, err := resolver.Resolve(context.Background(), req)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != "auth.missing_credentials" {
		t.Fatalf("expected auth.missing_credentials, got %v", err)
	}
}
