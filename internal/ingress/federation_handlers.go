// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"encoding/hex"
	"net/http"
	"time"

	"github.com/agenthub/control-plane/internal/federation"
)

type registerDomainRequest struct {
	DomainID      string   `json:"domain_id"`
	DisplayName   string   `json:"display_name"`
	TrustLevel    string   `json:"trust_level"`
	PublicKeyPEM  string   `json:"public_key_pem"`
	AllowedScopes []string `json:"allowed_scopes"`
}

func (h *handlers) registerDomain(r *http.Request) (any, error) {
	var req registerDomainRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	registeredBy := principalFrom(r.Context()).AgentID
	if registeredBy == "" {
		registeredBy = principalFrom(r.Context()).Owner
	}
	return h.deps.Federation.RegisterDomain(r.Context(), federation.RegisterDomainInput{
		DomainID:      req.DomainID,
		DisplayName:   req.DisplayName,
		TrustLevel:    req.TrustLevel,
		PublicKeyPEM:  req.PublicKeyPEM,
		AllowedScopes: req.AllowedScopes,
		RegisteredBy:  registeredBy,
	})
}

type attestAgentRequest struct {
	DomainID   string   `json:"domain_id"`
	Scopes     []string `json:"scopes"`
	TTLSeconds int64    `json:"ttl_seconds"`
}

type attestAgentResponse struct {
	AttestationID string `json:"attestation_id"`
	Signature     string `json:"signature"`
	ExpiresAt     string `json:"expires_at"`
}

func (h *handlers) attestAgent(r *http.Request) (any, error) {
	agentID := r.PathValue("id")
	var req attestAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	attested, err := h.deps.Federation.Attest(r.Context(), federation.AttestInput{
		AgentID:  agentID,
		DomainID: req.DomainID,
		Scopes:   req.Scopes,
		TTL:      ttl,
	})
	if err != nil {
		return nil, err
	}
	return attestAgentResponse{
		AttestationID: attested.AttestationID,
		Signature:     hex.EncodeToString(attested.Signature),
		ExpiresAt:     attested.ExpiresAt.Format(time.RFC3339Nano),
	}, nil
}

func (h *handlers) verifyAttestation(r *http.Request) (any, error) {
	attestationID := r.PathValue("id")
	return h.deps.Federation.VerifyAttestation(r.Context(), attestationID)
}
