// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"net/http"
	"time"

	"github.com/agenthub/control-plane/internal/apierr"
	"github.com/agenthub/control-plane/internal/budget"
	"github.com/agenthub/control-plane/internal/delegation"
	"github.com/agenthub/control-plane/internal/lifecycle"
	"github.com/agenthub/control-plane/internal/policy"
	"github.com/agenthub/control-plane/internal/reliability"
)

// createDelegationRequest opens a new delegation. delegated_scopes and
// ttl_seconds mint the token that authorizes the delegate to act; the
// remaining fields feed discovery's policy check and negotiation's
// escrow debit. simulated_actual_cost_usd, when present, drives the
// record synchronously through execution/delivery/settlement/feedback
// for callers exercising the full lifecycle in one round trip — there
// is no sandboxed executor behind this control plane to report a real
// outcome asynchronously.
type createDelegationRequest struct {
	DelegateAgentID       string   `json:"delegate_agent_id"`
	DelegatedScopes       []string `json:"delegated_scopes"`
	TTLSeconds            int64    `json:"ttl_seconds"`
	EstimatedCostUSD      float64  `json:"estimated_cost_usd"`
	MaxBudgetUSD          float64  `json:"max_budget_usd"`
	Action                string   `json:"action"`
	ResourceTenantID      string   `json:"resource_tenant_id"`
	RequiresMFA           bool     `json:"requires_mfa"`
	SimulatedActualCostUSD *float64 `json:"simulated_actual_cost_usd,omitempty"`
}

type createDelegationResponse struct {
	Delegation    any            `json:"delegation"`
	TokenID       string         `json:"token_id"`
	SignedToken   string         `json:"signed_token"`
	PolicyDecision policy.Decision `json:"policy_decision"`
	Settlement    *lifecycle.Settlement `json:"settlement,omitempty"`
}

func (h *handlers) createDelegation(r *http.Request) (any, error) {
	var req createDelegationRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	principal := principalFrom(r.Context())
	if principal.AgentID == "" {
		return nil, apierr.Validation("schema.missing_field", "delegation must be requested by an authenticated agent principal")
	}
	if req.DelegateAgentID == "" {
		return nil, apierr.Validation("schema.missing_field", "delegate_agent_id is required")
	}
	if len(req.DelegatedScopes) == 0 {
		req.DelegatedScopes = []string{"execute"}
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}

	dashboard, err := h.deps.Reliability.Evaluate(r.Context(), 0)
	if err != nil {
		return nil, err
	}
	if dashboard.CircuitBreaker.State == reliability.StateOpen {
		return nil, apierr.BreakerOpen("circuit_breaker.open: delegation requests are currently blocked by the SLO circuit breaker")
	}

	issued, err := h.deps.Delegation.Issue(r.Context(), delegation.IssueInput{
		IssuerAgentID:   principal.AgentID,
		SubjectAgentID:  req.DelegateAgentID,
		DelegatedScopes: req.DelegatedScopes,
		TTL:             ttl,
	})
	if err != nil {
		return nil, err
	}

	rec, err := h.deps.Lifecycle.Create(r.Context(), lifecycle.CreateInput{
		TokenID:          issued.TokenID,
		RequesterAgentID: principal.AgentID,
		DelegateAgentID:  req.DelegateAgentID,
		EstimatedCostUSD: req.EstimatedCostUSD,
		MaxBudgetUSD:     req.MaxBudgetUSD,
	})
	if err != nil {
		return nil, err
	}

	decision, err := h.deps.Lifecycle.Discover(r.Context(), rec.DelegationID, policy.Input{
		Actor: principal.AgentID,
		Principal: policy.Principal{
			TenantID:       principal.Owner,
			AllowedActions: principal.Scopes,
			MFAPresent:     false,
		},
		Resource:    policy.Resource{TenantID: req.ResourceTenantID},
		Environment: policy.Environment{RequiresMFA: req.RequiresMFA},
		Action:      req.Action,
	})
	if err != nil {
		return nil, err
	}

	if err := h.deps.Lifecycle.Negotiate(r.Context(), rec.DelegationID); err != nil {
		return nil, err
	}

	resp := createDelegationResponse{
		TokenID:        issued.TokenID,
		SignedToken:    issued.SignedToken,
		PolicyDecision: decision,
	}

	if req.SimulatedActualCostUSD == nil {
		rec, err = h.deps.Lifecycle.Get(r.Context(), rec.DelegationID)
		if err != nil {
			return nil, err
		}
		resp.Delegation = rec
		return resp, nil
	}

	if _, err := h.deps.Lifecycle.Execute(r.Context(), rec.DelegationID, lifecycle.ExecutionOutcome{Success: true}); err != nil {
		return nil, err
	}
	if err := h.deps.Lifecycle.Deliver(r.Context(), rec.DelegationID, true); err != nil {
		return nil, err
	}
	settlement, err := h.deps.Lifecycle.Settle(r.Context(), rec.DelegationID, *req.SimulatedActualCostUSD)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Lifecycle.Feedback(r.Context(), rec.DelegationID); err != nil {
		return nil, err
	}

	rec, err = h.deps.Lifecycle.Get(r.Context(), rec.DelegationID)
	if err != nil {
		return nil, err
	}
	resp.Delegation = rec
	resp.Settlement = &settlement
	return resp, nil
}

func (h *handlers) delegationStatus(r *http.Request) (any, error) {
	delegationID := r.PathValue("id")
	return h.deps.Lifecycle.Get(r.Context(), delegationID)
}

// delegationContractVersion identifies the shape of delegationContractResponse.
// Bump this whenever a field is added, renamed, or removed, so callers can
// detect a contract change instead of silently misreading a new field set.
const delegationContractVersion = "delegation-contract-v2"

// budgetThresholds mirrors budget.SoftAlertThreshold,
// budget.ReauthorizationRequiredThreshold, and budget.HardStopThreshold
// expressed as spend-ratio percentages for API discovery.
type budgetThresholds struct {
	SoftAlertPercent               int `json:"soft_alert_percent"`
	ReauthorizationRequiredPercent int `json:"reauthorization_required_percent"`
	HardStopPercent                int `json:"hard_stop_percent"`
}

// delegationContractResponse describes the static shape of a
// createDelegation request/response for API discovery, since the
// operation composes several engines into one request.
type delegationContractResponse struct {
	Version            string                 `json:"version"`
	MaxChainDepth      int                    `json:"max_chain_depth"`
	MaxTTLSeconds       float64               `json:"max_ttl_seconds"`
	HardStopMultiplier float64                `json:"hard_stop_multiplier"`
	RetryMatrix        []lifecycle.RetryRule  `json:"retry_matrix"`
	BudgetThresholds   budgetThresholds       `json:"budget_thresholds"`
}

func (h *handlers) delegationContract(r *http.Request) (any, error) {
	return delegationContractResponse{
		Version:            delegationContractVersion,
		MaxChainDepth:      delegation.MaxChainDepth,
		MaxTTLSeconds:      delegation.MaxTTL.Seconds(),
		HardStopMultiplier: lifecycle.HardStopMultiplier,
		RetryMatrix:        lifecycle.RetryMatrix(),
		BudgetThresholds: budgetThresholds{
			SoftAlertPercent:               int(budget.SoftAlertThreshold * 100),
			ReauthorizationRequiredPercent: int(budget.ReauthorizationRequiredThreshold * 100),
			HardStopPercent:                int(budget.HardStopThreshold * 100),
		},
	}, nil
}
