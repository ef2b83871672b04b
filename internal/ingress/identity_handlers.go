// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"net/http"
	"time"

	"github.com/agenthub/control-plane/internal/identity"
)

type createAgentRequest struct {
	Owner                 string            `json:"owner"`
	DisplayName           string            `json:"display_name"`
	CredentialType        string            `json:"credential_type"`
	PublicKeyPEM          string            `json:"public_key"`
	HumanPrincipalID      string            `json:"human_principal_id"`
	ConfigurationChecksum string            `json:"configuration_checksum"`
	Metadata              map[string]string `json:"metadata"`
}

func (h *handlers) createAgent(r *http.Request) (any, error) {
	var req createAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	return h.deps.Identity.CreateAgent(r.Context(), identity.CreateAgentInput{
		Owner:                 req.Owner,
		DisplayName:           req.DisplayName,
		CredentialType:        req.CredentialType,
		PublicKeyPEM:          req.PublicKeyPEM,
		HumanPrincipalID:      req.HumanPrincipalID,
		ConfigurationChecksum: req.ConfigurationChecksum,
		Metadata:              req.Metadata,
	})
}

type createCredentialRequest struct {
	CredentialType string   `json:"credential_type"`
	Scopes         []string `json:"scopes"`
	TTLSeconds     int64    `json:"ttl_seconds"`
}

func (h *handlers) createCredential(r *http.Request) (any, error) {
	agentID := r.PathValue("id")
	var req createCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	var ttl time.Duration
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	return h.deps.Identity.CreateCredential(r.Context(), identity.CreateCredentialInput{
		AgentID:        agentID,
		CredentialType: req.CredentialType,
		Scopes:         req.Scopes,
		TTL:            ttl,
	})
}

func (h *handlers) rotateCredential(r *http.Request) (any, error) {
	credentialID := r.PathValue("id")
	return h.deps.Identity.RotateCredential(r.Context(), credentialID)
}

type revokeRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (h *handlers) revokeCredential(r *http.Request) (any, error) {
	credentialID := r.PathValue("id")
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	return h.deps.Revocation.RevokeCredential(r.Context(), credentialID, req.Actor, req.Reason)
}

func (h *handlers) revokeAgent(r *http.Request) (any, error) {
	agentID := r.PathValue("id")
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	return h.deps.Revocation.RevokeAgent(r.Context(), agentID, req.Actor, req.Reason)
}

type bulkRevokeRequest struct {
	Owner  string `json:"owner"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (h *handlers) bulkRevoke(r *http.Request) (any, error) {
	var req bulkRevokeRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	results, err := h.deps.Revocation.RevokeAllForOwner(r.Context(), req.Owner, req.Actor, req.Reason)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results}, nil
}

func (h *handlers) listRevocations(r *http.Request) (any, error) {
	events, err := h.deps.Revocation.ListEvents(r.Context())
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": events}, nil
}
