// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"net/http"
	"time"

	"github.com/agenthub/control-plane/internal/apierr"
	"github.com/agenthub/control-plane/internal/delegation"
)

type issueDelegationTokenRequest struct {
	IssuerAgentID   string   `json:"issuer_agent_id"`
	SubjectAgentID  string   `json:"subject_agent_id"`
	DelegatedScopes []string `json:"delegated_scopes"`
	TTLSeconds      int64    `json:"ttl_seconds"`
	ParentTokenID   string   `json:"parent_token_id"`
}

func (h *handlers) issueDelegationToken(r *http.Request) (any, error) {
	var req issueDelegationTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if req.IssuerAgentID == "" {
		req.IssuerAgentID = principalFrom(r.Context()).AgentID
	}
	return h.deps.Delegation.Issue(r.Context(), delegation.IssueInput{
		IssuerAgentID:   req.IssuerAgentID,
		SubjectAgentID:  req.SubjectAgentID,
		DelegatedScopes: req.DelegatedScopes,
		TTL:             time.Duration(req.TTLSeconds) * time.Second,
		ParentTokenID:   req.ParentTokenID,
	})
}

type verifyDelegationTokenRequest struct {
	SignedToken string `json:"signed_token"`
}

func (h *handlers) verifyDelegationToken(r *http.Request) (any, error) {
	var req verifyDelegationTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if req.SignedToken == "" {
		return nil, apierr.Validation("schema.missing_field", "signed_token is required")
	}
	return h.deps.Delegation.Verify(r.Context(), req.SignedToken)
}

func (h *handlers) delegationTokenChain(r *http.Request) (any, error) {
	tokenID := r.PathValue("id")
	chain, err := h.deps.Delegation.GetChain(r.Context(), tokenID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"chain": chain}, nil
}
