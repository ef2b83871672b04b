// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/agenthub/control-plane/internal/authn"
	"github.com/agenthub/control-plane/internal/budget"
	"github.com/agenthub/control-plane/internal/config"
	"github.com/agenthub/control-plane/internal/delegation"
	"github.com/agenthub/control-plane/internal/federation"
	"github.com/agenthub/control-plane/internal/identity"
	"github.com/agenthub/control-plane/internal/lifecycle"
	"github.com/agenthub/control-plane/internal/policy"
	"github.com/agenthub/control-plane/internal/reliability"
	"github.com/agenthub/control-plane/internal/revocation"
	"github.com/agenthub/control-plane/internal/secret"
	"github.com/agenthub/control-plane/internal/store"
)

// Dependencies are every service the ingress layer routes requests
// into. cmd/agenthub-apid constructs one of these at startup and passes
// it to New.
type Dependencies struct {
	Store       *store.Store
	Secrets     *secret.Snapshot
	Config      *config.Config
	Logger      *slog.Logger
	Auth        *authn.Resolver
	Identity    *identity.Service
	Delegation  *delegation.Engine
	Revocation  *revocation.Engine
	Policy      *policy.Evaluator
	Budget      *budget.Engine
	Lifecycle   *lifecycle.Engine
	Reliability *reliability.Engine
	Federation  *federation.Registry
}

// The three token-issuance endpoints exempt from the Idempotency-Key
// requirement: each mints a fresh credential, delegation token, or
// attestation, so replaying the same key with the same body is not
// naturally idempotent the way a resource-scoped write is (spec.md
// §4.2).
const (
	routeIssueCredential  = "POST /v1/identity/agents/{id}/credentials"
	routeIssueDelegation  = "POST /v1/identity/delegation-tokens"
	routeIssueAttestation = "POST /v1/identity/agents/{id}/attest"
)

// New builds the complete HTTP handler: middleware chain plus every
// route named in spec.md §6.
func New(deps Dependencies) http.Handler {
	h := &handlers{deps: deps}
	mux := http.NewServeMux()

	route := func(pattern string, fn func(*http.Request) (any, error), idempotent bool) {
		mux.HandleFunc(pattern, h.route(fn, idempotent, pattern))
	}

	mux.HandleFunc("GET /healthz", h.healthz)
	route("GET /v1/diagnostics/config", h.diagnosticsConfig, false)

	route("POST /v1/identity/agents", h.createAgent, true)
	route(routeIssueCredential, h.createCredential, false)
	route("POST /v1/identity/credentials/{id}/rotate", h.rotateCredential, true)
	route("POST /v1/identity/credentials/{id}/revoke", h.revokeCredential, true)
	route("POST /v1/identity/agents/{id}/revoke", h.revokeAgent, true)
	route("POST /v1/identity/revocations/bulk", h.bulkRevoke, true)
	route("GET /v1/identity/revocations", h.listRevocations, false)

	route(routeIssueDelegation, h.issueDelegationToken, false)
	route("POST /v1/identity/delegation-tokens/verify", h.verifyDelegationToken, false)
	route("GET /v1/identity/delegation-tokens/{id}/chain", h.delegationTokenChain, false)

	route("POST /v1/identity/trust-registry/domains", h.registerDomain, true)
	route(routeIssueAttestation, h.attestAgent, false)
	route("GET /v1/identity/attestations/{id}/verify", h.verifyAttestation, false)

	route("POST /v1/delegations", h.createDelegation, true)
	route("GET /v1/delegations/{id}/status", h.delegationStatus, false)
	route("GET /v1/delegations/contract", h.delegationContract, false)

	route("GET /v1/reliability/slo-dashboard", h.sloDashboard, false)

	var handler http.Handler = mux
	handler = withAuth(deps.Auth, deps.Config.AccessEnforcementMode, deps.Logger, handler)
	handler = withTimeout(deps.Config.RequestTimeout, deps.Logger, handler)
	handler = withLogging(deps.Logger, handler)
	handler = withRecover(deps.Logger, handler)
	handler = withRequestID(handler)
	return handler
}

type handlers struct {
	deps Dependencies
}

// route adapts fn's (result, error) shape into an http.HandlerFunc,
// mapping errors through writeError and a nil result to 204. pattern is
// the exact string the pattern was registered under (its leading verb
// doubles as the method for the idempotency key); when idempotent is
// true the handler requires an Idempotency-Key header per the
// reserve/complete contract in withIdempotency.
func (h *handlers) route(fn func(*http.Request) (any, error), idempotent bool, pattern string) http.HandlerFunc {
	plain := func(w http.ResponseWriter, r *http.Request) {
		result, err := fn(r)
		if err != nil {
			writeError(r.Context(), w, h.deps.Logger, err)
			return
		}
		if result == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
	if !idempotent {
		return plain
	}
	method, _, _ := strings.Cut(pattern, " ")
	return withIdempotency(h.deps.Store, h.deps.Logger, method, pattern, plain)
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
