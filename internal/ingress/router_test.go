// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingress_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agenthub/control-plane/internal/authn"
	"github.com/agenthub/control-plane/internal/budget"
	"github.com/agenthub/control-plane/internal/config"
	"github.com/agenthub/control-plane/internal/delegation"
	"github.com/agenthub/control-plane/internal/federation"
	"github.com/agenthub/control-plane/internal/identity"
	"github.com/agenthub/control-plane/internal/ingress"
	"github.com/agenthub/control-plane/internal/lifecycle"
	"github.com/agenthub/control-plane/internal/policy"
	"github.com/agenthub/control-plane/internal/reliability"
	"github.com/agenthub/control-plane/internal/revocation"
	"github.com/agenthub/control-plane/internal/secret"
	"github.com/agenthub/control-plane/internal/testutil"
	"github.com/agenthub/control-plane/lib/clock"
)

const testIdentitySecret = "identity-signing-secret-at-least-32-bytes!"
const testBearerSecret = "bearer-signing-secret-at-least-32-bytes!!"
const testProvenanceSecret = "provenance-signing-secret-at-least-32-bytes"

func newTestSnapshot(t *testing.T) *secret.Snapshot {
	t.Helper()
	t.Setenv(secret.EnvIdentitySigningSecret, testIdentitySecret)
	t.Setenv(secret.EnvBearerSigningSecret, testBearerSecret)
	t.Setenv(secret.EnvProvenanceSecret, testProvenanceSecret)
	t.Setenv(secret.EnvAPIKeyMap, `[{"api_key":"opk-test","tenant":"tenant-a","actor":"platform-op","scopes":["*"]}]`)
	t.Setenv(secret.EnvFederationDomainMap, `[]`)

	snapshot, err := secret.Load()
	testutil.RequireNoError(t, err)
	t.Cleanup(func() { _ = snapshot.Close() })
	return snapshot
}

// testServer bundles the handler under test with the engines it wraps,
// so tests can seed data (agents, credentials) through the same engines
// the HTTP layer calls.
type testServer struct {
	handler    http.Handler
	identity   *identity.Service
	delegation *delegation.Engine
	clock      *clock.FakeClock
}

func newTestServer(t *testing.T, mode config.AccessMode) testServer {
	t.Helper()
	st, fake := testutil.NewTempStore(t)
	snapshot := newTestSnapshot(t)

	identitySvc := identity.New(st, fake, []byte(testIdentitySecret))
	delegationEngine := delegation.New(st, identitySvc, fake, []byte(testIdentitySecret))
	revocationEngine := revocation.New(st, fake)
	policyEvaluator := policy.New(st, fake, []byte(testIdentitySecret))
	budgetEngine := budget.New(st, fake)
	lifecycleEngine := lifecycle.New(st, policyEvaluator, budgetEngine, fake)
	reliabilityEngine := reliability.New(st, config.DefaultReliability())
	federationRegistry, err := federation.New(st, fake, []byte(testProvenanceSecret))
	testutil.RequireNoError(t, err)
	authResolver := authn.New(snapshot, identitySvc, delegationEngine, fake)

	cfg := config.Default()
	cfg.AccessEnforcementMode = mode
	cfg.RequestTimeout = 5 * time.Second

	handler := ingress.New(ingress.Dependencies{
		Store:       st,
		Secrets:     snapshot,
		Config:      cfg,
		Logger:      testLogger(),
		Auth:        authResolver,
		Identity:    identitySvc,
		Delegation:  delegationEngine,
		Revocation:  revocationEngine,
		Policy:      policyEvaluator,
		Budget:      budgetEngine,
		Lifecycle:   lifecycleEngine,
		Reliability: reliabilityEngine,
		Federation:  federationRegistry,
	})

	return testServer{handler: handler, identity: identitySvc, delegation: delegationEngine, clock: fake}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		testutil.RequireNoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func apiKeyHeader() map[string]string {
	return map[string]string{"X-API-Key": "opk-test"}
}

func TestHealthzRequiresNoAuth(t *testing.T) {
	srv := newTestServer(t, config.Enforce)
	rec := doRequest(t, srv.handler, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateAgentRequiresAuth(t *testing.T) {
	srv := newTestServer(t, config.Enforce)
	rec := doRequest(t, srv.handler, http.MethodPost, "/v1/identity/agents", map[string]string{"owner": "tenant-a"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateAgentWithAPIKey(t *testing.T) {
	srv := newTestServer(t, config.Enforce)
	headers := apiKeyHeader()
	headers["Idempotency-Key"] = "create-agent-1"

	rec := doRequest(t, srv.handler, http.MethodPost, "/v1/identity/agents",
		map[string]string{"owner": "tenant-a", "display_name": "worker"}, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]any
	testutil.RequireNoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	if body["owner"] != "tenant-a" {
		t.Fatalf("unexpected response body: %v", body)
	}
}

func TestIdempotencyReplay(t *testing.T) {
	srv := newTestServer(t, config.Enforce)
	headers := apiKeyHeader()
	headers["Idempotency-Key"] = "same-key"
	payload := map[string]string{"owner": "tenant-a"}

	first := doRequest(t, srv.handler, http.MethodPost, "/v1/identity/agents", payload, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200 on first request, got %d: %s", first.Code, first.Body.String())
	}

	second := doRequest(t, srv.handler, http.MethodPost, "/v1/identity/agents", payload, headers)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d: %s", second.Code, second.Body.String())
	}
	if second.Header().Get("X-Agenthub-Idempotent-Replay") != "true" {
		t.Fatalf("expected replay header on second request")
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replayed body differs from original: %q vs %q", first.Body.String(), second.Body.String())
	}
}

func TestIdempotencyConflictOnDifferentPayload(t *testing.T) {
	srv := newTestServer(t, config.Enforce)
	headers := apiKeyHeader()
	headers["Idempotency-Key"] = "reused-key"

	first := doRequest(t, srv.handler, http.MethodPost, "/v1/identity/agents", map[string]string{"owner": "tenant-a"}, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}

	second := doRequest(t, srv.handler, http.MethodPost, "/v1/identity/agents", map[string]string{"owner": "tenant-b"}, headers)
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", second.Code, second.Body.String())
	}
}

func TestIdempotencyKeyRequired(t *testing.T) {
	srv := newTestServer(t, config.Enforce)
	rec := doRequest(t, srv.handler, http.MethodPost, "/v1/identity/agents", map[string]string{"owner": "tenant-a"}, apiKeyHeader())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCredentialIssuanceExemptFromIdempotency(t *testing.T) {
	srv := newTestServer(t, config.Enforce)
	headers := apiKeyHeader()

	agent, err := srv.identity.CreateAgent(context.Background(), identity.CreateAgentInput{Owner: "tenant-a"})
	testutil.RequireNoError(t, err)

	rec := doRequest(t, srv.handler, http.MethodPost, "/v1/identity/agents/"+agent.AgentID+"/credentials",
		map[string]any{"scopes": []string{"execute"}}, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without an idempotency key, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWarnModeBypassesFailedAuth(t *testing.T) {
	srv := newTestServer(t, config.Warn)
	rec := doRequest(t, srv.handler, http.MethodGet, "/v1/identity/revocations", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 in warn mode, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Agenthub-Warn-Mode-Bypass") != "true" {
		t.Fatalf("expected warn-mode bypass header")
	}
}

func TestCreateDelegationEndToEnd(t *testing.T) {
	srv := newTestServer(t, config.Enforce)
	ctx := context.Background()

	requester, err := srv.identity.CreateAgent(ctx, identity.CreateAgentInput{Owner: "tenant-a"})
	testutil.RequireNoError(t, err)
	cred, err := srv.identity.CreateCredential(ctx, identity.CreateCredentialInput{
		AgentID: requester.AgentID, Scopes: []string{"delegate"}, TTL: identity.MinCredentialTTL,
	})
	testutil.RequireNoError(t, err)
	delegate, err := srv.identity.CreateAgent(ctx, identity.CreateAgentInput{Owner: "tenant-a"})
	testutil.RequireNoError(t, err)

	headers := map[string]string{
		"Authorization":    "AgentCredential " + cred.Secret,
		"Idempotency-Key":  "create-delegation-1",
	}
	rec := doRequest(t, srv.handler, http.MethodPost, "/v1/delegations", map[string]any{
		"delegate_agent_id":  delegate.AgentID,
		"delegated_scopes":   []string{"execute"},
		"estimated_cost_usd": 1.0,
		"max_budget_usd":     5.0,
		"action":             "delegate",
		"resource_tenant_id": "tenant-a",
	}, headers)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDelegationTokenAuth(t *testing.T) {
	srv := newTestServer(t, config.Enforce)
	ctx := context.Background()

	issuer, err := srv.identity.CreateAgent(ctx, identity.CreateAgentInput{Owner: "tenant-a"})
	testutil.RequireNoError(t, err)
	subject, err := srv.identity.CreateAgent(ctx, identity.CreateAgentInput{Owner: "tenant-a"})
	testutil.RequireNoError(t, err)

	issued, err := srv.delegation.Issue(ctx, delegation.IssueInput{
		IssuerAgentID: issuer.AgentID, SubjectAgentID: subject.AgentID,
		DelegatedScopes: []string{"reliability.read"}, TTL: time.Hour,
	})
	testutil.RequireNoError(t, err)

	rec := doRequest(t, srv.handler, http.MethodGet, "/v1/reliability/slo-dashboard", nil,
		map[string]string{"X-Delegation-Token": issued.SignedToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
