// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/control-plane/internal/apierr"
	"github.com/agenthub/control-plane/internal/cryptoutil"
	"github.com/agenthub/control-plane/internal/store"
	"github.com/agenthub/control-plane/lib/clock"
)

// Credential TTL bounds (spec.md §3: "300s ≤ expires_at − issued_at ≤ 30 days").
const (
	MinCredentialTTL = 300 * time.Second
	MaxCredentialTTL = 30 * 24 * time.Hour

	// RotationGrace is the overlap window during which a rotated
	// credential's predecessor remains usable (spec.md §4.4).
	RotationGrace = 5 * time.Minute
)

// Credential types (spec.md §3).
const (
	CredentialTypeAPIKey = "api_key"
	CredentialTypeJWT    = "jwt"
	CredentialTypeSPIFFE = "spiffe"
	CredentialTypeMTLS   = "mtls"
)

var validCredentialTypes = map[string]bool{
	CredentialTypeAPIKey: true,
	CredentialTypeJWT:    true,
	CredentialTypeSPIFFE: true,
	CredentialTypeMTLS:   true,
}

// Service implements agent identity and credential lifecycle
// operations backed by store.Store.
type Service struct {
	store  *store.Store
	clock  clock.Clock
	secret []byte // identity signing secret, used to hash credential secrets
}

// New constructs an identity Service. secret is the identity signing
// secret (internal/secret.Snapshot.IdentitySigningSecret), used as the
// HMAC key for credential-hash lookups.
func New(st *store.Store, clk clock.Clock, identitySigningSecret []byte) *Service {
	return &Service{store: st, clock: clk, secret: identitySigningSecret}
}

// CreateAgentInput are the fields needed to register a new agent.
// PublicKeyPEM, HumanPrincipalID, ConfigurationChecksum, and Metadata
// are optional (spec.md §3): HumanPrincipalID binds the agent to the
// human it acts on behalf of, ConfigurationChecksum records the
// sha256-hex of the agent's deployed configuration manifest for later
// integrity verification.
type CreateAgentInput struct {
	Owner                 string
	DisplayName           string
	CredentialType        string
	PublicKeyPEM          string
	HumanPrincipalID      string
	ConfigurationChecksum string
	Metadata              map[string]string
}

// CreateAgent registers a new AgentIdentity, active by default.
func (s *Service) CreateAgent(ctx context.Context, in CreateAgentInput) (store.AgentIdentity, error) {
	if in.Owner == "" {
		return store.AgentIdentity{}, apierr.Validation("schema.missing_field", "owner is required")
	}
	if in.CredentialType != "" && !validCredentialTypes[in.CredentialType] {
		return store.AgentIdentity{}, apierr.Validation("schema.invalid_enum", "unknown credential_type %q", in.CredentialType)
	}

	now := s.clock.Now()
	agent := store.AgentIdentity{
		AgentID:               "agt-" + uuid.NewString(),
		Owner:                 in.Owner,
		DisplayName:           in.DisplayName,
		CredentialType:        in.CredentialType,
		Status:                store.StatusActive,
		PublicKeyPEM:          in.PublicKeyPEM,
		HumanPrincipalID:      in.HumanPrincipalID,
		ConfigurationChecksum: in.ConfigurationChecksum,
		Metadata:              in.Metadata,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.store.CreateIdentity(ctx, agent); err != nil {
		return store.AgentIdentity{}, fmt.Errorf("identity: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent fetches an agent identity, returning apierr.NotFound if
// absent.
func (s *Service) GetAgent(ctx context.Context, agentID string) (store.AgentIdentity, error) {
	agent, found, err := s.store.GetIdentity(ctx, agentID)
	if err != nil {
		return store.AgentIdentity{}, fmt.Errorf("identity: get agent: %w", err)
	}
	if !found {
		return store.AgentIdentity{}, apierr.NotFound("not_found.agent", "agent %q not found", agentID)
	}
	return agent, nil
}

// RequireActiveAgent fetches an agent and returns apierr.Revoked if it
// is not active.
func (s *Service) RequireActiveAgent(ctx context.Context, agentID string) (store.AgentIdentity, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return store.AgentIdentity{}, err
	}
	if agent.Status != store.StatusActive {
		return store.AgentIdentity{}, apierr.Revoked("identity.revoked: agent %q is %s", agentID, agent.Status)
	}
	return agent, nil
}

// CreateCredentialInput are the fields needed to issue a new
// credential for an agent.
type CreateCredentialInput struct {
	AgentID        string
	CredentialType string
	Scopes         []string
	TTL            time.Duration
}

// CreatedCredential is the one-time response from issuing or rotating a
// credential: the plaintext secret is present here and nowhere else.
type CreatedCredential struct {
	CredentialID string    `json:"credential_id"`
	Secret       string    `json:"secret"` // plaintext, shown once
	Scopes       []string  `json:"scopes"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// CreateCredential issues a new credential for an active agent. The
// plaintext secret is generated, hashed, and the hash alone is
// persisted; the plaintext is returned to the caller exactly once
// (spec.md §4.4).
func (s *Service) CreateCredential(ctx context.Context, in CreateCredentialInput) (CreatedCredential, error) {
	if _, err := s.RequireActiveAgent(ctx, in.AgentID); err != nil {
		return CreatedCredential{}, err
	}
	if in.CredentialType == "" {
		in.CredentialType = CredentialTypeAPIKey
	}
	if !validCredentialTypes[in.CredentialType] {
		return CreatedCredential{}, apierr.Validation("schema.invalid_enum", "unknown credential_type %q", in.CredentialType)
	}
	ttl := in.TTL
	if ttl == 0 {
		ttl = MaxCredentialTTL
	}
	if ttl < MinCredentialTTL || ttl > MaxCredentialTTL {
		return CreatedCredential{}, apierr.Validation("schema.ttl_out_of_bounds",
			"ttl must be between %s and %s", MinCredentialTTL, MaxCredentialTTL)
	}

	secretPlain, err := cryptoutil.RandomSecret()
	if err != nil {
		return CreatedCredential{}, fmt.Errorf("identity: create credential: generating secret: %w", err)
	}
	secretHash := cryptoutil.Hash(s.secret, []byte(secretPlain))

	now := s.clock.Now()
	cred := store.AgentCredential{
		CredentialID:   "cred-" + uuid.NewString(),
		AgentID:        in.AgentID,
		CredentialType: in.CredentialType,
		SecretHash:     secretHash,
		Scopes:         in.Scopes,
		Status:         store.CredentialActive,
		IssuedAt:       now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := s.store.CreateCredential(ctx, cred); err != nil {
		return CreatedCredential{}, fmt.Errorf("identity: create credential: %w", err)
	}

	return CreatedCredential{
		CredentialID: cred.CredentialID,
		Secret:       secretPlain,
		Scopes:       cred.Scopes,
		ExpiresAt:    cred.ExpiresAt,
	}, nil
}

// RotateCredential issues a successor credential and marks the
// predecessor "rotated", leaving a RotationGrace overlap window during
// which the predecessor's hash still verifies (spec.md §4.4). The
// overlap is enforced by VerifyCredential honoring both "active" and
// a "rotated" row whose overlap window has not elapsed.
func (s *Service) RotateCredential(ctx context.Context, predecessorID string) (CreatedCredential, error) {
	predecessor, found, err := s.store.GetCredential(ctx, predecessorID)
	if err != nil {
		return CreatedCredential{}, fmt.Errorf("identity: rotate credential: %w", err)
	}
	if !found {
		return CreatedCredential{}, apierr.NotFound("not_found.credential", "credential %q not found", predecessorID)
	}
	if predecessor.Status == store.CredentialRevoked {
		return CreatedCredential{}, apierr.Revoked("identity.revoked: credential %q is revoked", predecessorID)
	}

	ttl := predecessor.ExpiresAt.Sub(predecessor.IssuedAt)
	successor, err := s.CreateCredential(ctx, CreateCredentialInput{
		AgentID:        predecessor.AgentID,
		CredentialType: predecessor.CredentialType,
		Scopes:         predecessor.Scopes,
		TTL:            ttl,
	})
	if err != nil {
		return CreatedCredential{}, err
	}

	now := s.clock.Now()
	if err := s.store.SetCredentialRotated(ctx, predecessorID, successor.CredentialID, now); err != nil {
		return CreatedCredential{}, fmt.Errorf("identity: rotate credential: marking predecessor rotated: %w", err)
	}
	return successor, nil
}

// VerifyCredential implements the credential verification predicate
// from spec.md §3: constant_time_eq(HMAC(secret), credential_hash) ∧
// status=active ∧ now < expires_at ∧ parent AgentIdentity.status=active,
// with an additional allowance for a "rotated" predecessor inside its
// RotationGrace overlap window.
func (s *Service) VerifyCredential(ctx context.Context, secretPlain string) (store.AgentCredential, error) {
	hash := cryptoutil.Hash(s.secret, []byte(secretPlain))

	cred, found, err := s.store.GetCredentialByHash(ctx, hash)
	if err != nil {
		return store.AgentCredential{}, fmt.Errorf("identity: verify credential: %w", err)
	}
	if !found {
		return store.AgentCredential{}, apierr.Auth("auth.invalid_credential", "no credential matches the presented secret")
	}

	now := s.clock.Now()
	switch cred.Status {
	case store.CredentialActive:
		// falls through to expiry/identity checks below
	case store.CredentialRotated:
		if now.After(cred.ExpiresAt) || !s.withinRotationGrace(ctx, cred, now) {
			return store.AgentCredential{}, apierr.Revoked("identity.revoked: credential %q is rotated and past its grace window", cred.CredentialID)
		}
	default:
		return store.AgentCredential{}, apierr.Revoked("identity.revoked: credential %q is %s", cred.CredentialID, cred.Status)
	}

	if now.After(cred.ExpiresAt) {
		return store.AgentCredential{}, apierr.Auth("auth.credential_expired", "credential %q expired at %s", cred.CredentialID, cred.ExpiresAt)
	}

	if _, err := s.RequireActiveAgent(ctx, cred.AgentID); err != nil {
		return store.AgentCredential{}, err
	}

	return cred, nil
}

func (s *Service) withinRotationGrace(ctx context.Context, cred store.AgentCredential, now time.Time) bool {
	rotatedAt, ok, err := s.store.GetCredentialRotatedAt(ctx, cred.CredentialID)
	if err != nil || !ok {
		return false
	}
	return now.Before(rotatedAt.Add(RotationGrace))
}
