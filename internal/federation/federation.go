// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package federation implements the cross-domain trust registry:
// registering federation partner domains and issuing/verifying signed
// attestations that an agent satisfies a domain's trust claims, with
// attested scopes bound to a subset of the domain's allowed_scopes.
//
// Signing uses the module's own provenance-derived Ed25519 keypair,
// deliberately a separate key from identity and delegation token
// signing so that rotating one never invalidates the other.
package federation

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/control-plane/internal/apierr"
	"github.com/agenthub/control-plane/internal/cryptoutil"
	"github.com/agenthub/control-plane/internal/store"
	"github.com/agenthub/control-plane/lib/clock"
)

// Registry manages trusted domains and agent attestations.
type Registry struct {
	store *store.Store
	clock clock.Clock
	pub   ed25519.PublicKey
	priv  ed25519.PrivateKey
}

// New constructs a Registry, deriving the module's Ed25519 attestation
// keypair from the provenance signing secret.
func New(st *store.Store, clk clock.Clock, provenanceSecret []byte) (*Registry, error) {
	pub, priv, err := cryptoutil.DeriveAttestationKeypair(provenanceSecret)
	if err != nil {
		return nil, fmt.Errorf("federation: new: %w", err)
	}
	return &Registry{store: st, clock: clk, pub: pub, priv: priv}, nil
}

// AttestationKey returns the public key that verifies attestations this
// control plane issues. No HTTP route serves it.
func (r *Registry) AttestationKey() ed25519.PublicKey {
	return r.pub
}

// RegisterDomainInput is the admin-only request to register or update a
// federation partner.
type RegisterDomainInput struct {
	DomainID      string
	DisplayName   string
	TrustLevel    string
	PublicKeyPEM  string
	AllowedScopes []string
	RegisteredBy  string
}

// RegisterDomain registers or updates a federation partner domain.
func (r *Registry) RegisterDomain(ctx context.Context, in RegisterDomainInput) (store.TrustedDomain, error) {
	if in.DomainID == "" {
		return store.TrustedDomain{}, apierr.Validation("schema.missing_field", "domain_id is required")
	}
	switch in.TrustLevel {
	case store.TrustLevelVerified, store.TrustLevelProvisional, store.TrustLevelRevoked:
	default:
		return store.TrustedDomain{}, apierr.Validation("schema.invalid_field", "trust_level %q is not recognized", in.TrustLevel)
	}

	now := r.clock.Now()
	existing, found, err := r.store.GetTrustedDomain(ctx, in.DomainID)
	if err != nil {
		return store.TrustedDomain{}, fmt.Errorf("federation: register domain: %w", err)
	}

	registeredAt := now
	registeredBy := in.RegisteredBy
	if found {
		registeredAt = existing.RegisteredAt
		registeredBy = existing.RegisteredBy
	}

	domain := store.TrustedDomain{
		DomainID:      in.DomainID,
		DisplayName:   in.DisplayName,
		TrustLevel:    in.TrustLevel,
		PublicKeyPEM:  in.PublicKeyPEM,
		AllowedScopes: in.AllowedScopes,
		RegisteredBy:  registeredBy,
		RegisteredAt:  registeredAt,
		UpdatedAt:     now,
	}
	if err := r.store.UpsertTrustedDomain(ctx, domain); err != nil {
		return store.TrustedDomain{}, fmt.Errorf("federation: register domain: %w", err)
	}
	return domain, nil
}

// attestationPayload is the canonical signed payload: attestation_id,
// agent_id, domain_id, the attested claims, and the validity window.
type attestationPayload struct {
	AttestationID string   `json:"attestation_id"`
	AgentID       string   `json:"agent_id"`
	DomainID      string   `json:"domain_id"`
	Claims        []string `json:"claims"`
	IssuedAt      int64    `json:"issued_at"`
	ExpiresAt     int64    `json:"expires_at"`
}

// AttestInput is the request to attest an agent's scopes against a
// domain's trust claims.
type AttestInput struct {
	AgentID  string
	DomainID string
	Scopes   []string
	TTL      time.Duration
}

// Attested is the response: the attestation ID and raw signature bytes
// (hex-encoded by the caller for the wire format).
type Attested struct {
	AttestationID string
	Signature     []byte
	ExpiresAt     time.Time
}

// Attest signs an attestation that agentID satisfies domainID's trust
// claims for scopes, after checking scopes is a subset of the domain's
// allowed_scopes.
func (r *Registry) Attest(ctx context.Context, in AttestInput) (Attested, error) {
	domain, found, err := r.store.GetTrustedDomain(ctx, in.DomainID)
	if err != nil {
		return Attested{}, fmt.Errorf("federation: attest: %w", err)
	}
	if !found {
		return Attested{}, apierr.NotFound("not_found.federation_domain", "domain %q is not registered", in.DomainID)
	}
	if domain.TrustLevel == store.TrustLevelRevoked {
		return Attested{}, apierr.Revoked("identity.revoked: domain %q trust has been revoked", in.DomainID)
	}
	if missing := missingScopes(domain.AllowedScopes, in.Scopes); len(missing) > 0 {
		return Attested{}, apierr.ScopeNotAttenuated("identity.scope_not_attenuated: scopes not allowed by domain %q", in.DomainID)
	}

	now := r.clock.Now()
	expiresAt := now.Add(in.TTL)
	att := store.AgentAttestation{
		AttestationID: "att-" + uuid.NewString(),
		DomainID:      in.DomainID,
		AgentID:       in.AgentID,
		Scopes:        in.Scopes,
		IssuedAt:      now,
		ExpiresAt:     expiresAt,
	}

	payload, err := cryptoutil.Canonical(attestationPayload{
		AttestationID: att.AttestationID,
		AgentID:       att.AgentID,
		DomainID:      att.DomainID,
		Claims:        att.Scopes,
		IssuedAt:      att.IssuedAt.Unix(),
		ExpiresAt:     att.ExpiresAt.Unix(),
	})
	if err != nil {
		return Attested{}, fmt.Errorf("federation: attest: canonicalizing payload: %w", err)
	}

	signature := cryptoutil.SignAttestation(r.priv, payload)
	att.Signature = fmt.Sprintf("%x", signature)

	if err := r.store.InsertAttestation(ctx, att); err != nil {
		return Attested{}, fmt.Errorf("federation: attest: %w", err)
	}

	return Attested{AttestationID: att.AttestationID, Signature: signature, ExpiresAt: expiresAt}, nil
}

// VerifyAttestation recomputes the signature, checks expiry, and checks
// the attested scopes remain a subset of the domain's current
// allowed_scopes.
func (r *Registry) VerifyAttestation(ctx context.Context, attestationID string) (store.AgentAttestation, error) {
	att, found, err := r.store.GetAttestation(ctx, attestationID)
	if err != nil {
		return store.AgentAttestation{}, fmt.Errorf("federation: verify attestation: %w", err)
	}
	if !found {
		return store.AgentAttestation{}, apierr.NotFound("not_found.attestation", "attestation %q not found", attestationID)
	}

	payload, err := cryptoutil.Canonical(attestationPayload{
		AttestationID: att.AttestationID,
		AgentID:       att.AgentID,
		DomainID:      att.DomainID,
		Claims:        att.Scopes,
		IssuedAt:      att.IssuedAt.Unix(),
		ExpiresAt:     att.ExpiresAt.Unix(),
	})
	if err != nil {
		return store.AgentAttestation{}, fmt.Errorf("federation: verify attestation: canonicalizing payload: %w", err)
	}

	var signature []byte
	if _, err := fmt.Sscanf(att.Signature, "%x", &signature); err != nil || len(signature) != ed25519.SignatureSize {
		return store.AgentAttestation{}, apierr.ChainInvalid("delegation.chain_invalid: malformed attestation signature")
	}
	if !cryptoutil.VerifyAttestation(r.pub, payload, signature) {
		return store.AgentAttestation{}, apierr.ChainInvalid("delegation.chain_invalid: attestation %q signature mismatch", attestationID)
	}

	now := r.clock.Now()
	if !now.Before(att.ExpiresAt) {
		return store.AgentAttestation{}, apierr.ChainInvalid("delegation.chain_invalid: attestation %q has expired", attestationID)
	}

	domain, found, err := r.store.GetTrustedDomain(ctx, att.DomainID)
	if err != nil {
		return store.AgentAttestation{}, fmt.Errorf("federation: verify attestation: %w", err)
	}
	if !found || domain.TrustLevel == store.TrustLevelRevoked {
		return store.AgentAttestation{}, apierr.Revoked("identity.revoked: domain %q is no longer trusted", att.DomainID)
	}
	if missing := missingScopes(domain.AllowedScopes, att.Scopes); len(missing) > 0 {
		return store.AgentAttestation{}, apierr.ScopeNotAttenuated("identity.scope_not_attenuated: attested scopes no longer covered by domain %q", att.DomainID)
	}

	return att, nil
}

func missingScopes(allowed, requested []string) []string {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		if s == "*" {
			return nil
		}
		allowedSet[s] = struct{}{}
	}
	var missing []string
	for _, s := range requested {
		if _, ok := allowedSet[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}
