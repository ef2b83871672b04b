// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation_test

import (
	"context"
	"testing"
	"time"

	"github.com/agenthub/control-plane/internal/apierr"
	"github.com/agenthub/control-plane/internal/federation"
	"github.com/agenthub/control-plane/internal/store"
	"github.com/agenthub/control-plane/internal/testutil"
)

const provenanceSecret = "provenance-v1-secret"

func newRegistry(t *testing.T) (*federation.Registry, *store.Store) {
	t.Helper()
	st, fake := testutil.NewTempStore(t)
	reg, err := federation.New(st, fake, []byte(provenanceSecret))
	testutil.RequireNoError(t, err)
	return reg, st
}

func registerDomain(t *testing.T, reg *federation.Registry, scopes []string) {
	t.Helper()
	_, err := reg.RegisterDomain(context.Background(), federation.RegisterDomainInput{
		DomainID:      "partner.example",
		DisplayName:   "Partner Example Corp",
		TrustLevel:    store.TrustLevelVerified,
		AllowedScopes: scopes,
		RegisteredBy:  "agt-admin",
	})
	testutil.RequireNoError(t, err)
}

func TestRegisterDomainPersistsDisplayNameAndRegisteredBy(t *testing.T) {
	reg, st := newRegistry(t)
	registerDomain(t, reg, []string{"agents.read"})

	domain, found, err := st.GetTrustedDomain(context.Background(), "partner.example")
	testutil.RequireNoError(t, err)
	if !found {
		t.Fatal("expected domain to be found")
	}
	if domain.DisplayName != "Partner Example Corp" {
		t.Fatalf("expected display name to round-trip, got %q", domain.DisplayName)
	}
	if domain.RegisteredBy != "agt-admin" {
		t.Fatalf("expected registered_by to round-trip, got %q", domain.RegisteredBy)
	}
}

func TestAttestAndVerifyRoundTrips(t *testing.T) {
	reg, _ := newRegistry(t)
	registerDomain(t, reg, []string{"agents.read", "agents.delegate"})

	attested, err := reg.Attest(context.Background(), federation.AttestInput{
		AgentID:  "agt-remote",
		DomainID: "partner.example",
		Scopes:   []string{"agents.read"},
		TTL:      time.Hour,
	})
	testutil.RequireNoError(t, err)

	att, err := reg.VerifyAttestation(context.Background(), attested.AttestationID)
	testutil.RequireNoError(t, err)
	if att.AgentID != "agt-remote" || att.DomainID != "partner.example" {
		t.Fatalf("unexpected attestation: %+v", att)
	}
}

func TestAttestRejectsScopeOutsideAllowedScopes(t *testing.T) {
	reg, _ := newRegistry(t)
	registerDomain(t, reg, []string{"agents.read"})

	_, err := reg.Attest(context.Background(), federation.AttestInput{
		AgentID:  "agt-remote",
		DomainID: "partner.example",
		Scopes:   []string{"agents.delegate"},
		TTL:      time.Hour,
	})
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != "identity.scope_not_attenuated" {
		t.Fatalf("expected identity.scope_not_attenuated, got %v", err)
	}
}

func TestVerifyRejectsExpiredAttestation(t *testing.T) {
	st, fake := testutil.NewTempStore(t)
	reg, err := federation.New(st, fake, []byte(provenanceSecret))
	testutil.RequireNoError(t, err)
	registerDomain(t, reg, []string{"agents.read"})

	attested, err := reg.Attest(context.Background(), federation.AttestInput{
		AgentID:  "agt-remote",
		DomainID: "partner.example",
		Scopes:   []string{"agents.read"},
		TTL:      time.Minute,
	})
	testutil.RequireNoError(t, err)

	fake.Advance(2 * time.Minute)

	_, err = reg.VerifyAttestation(context.Background(), attested.AttestationID)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != "delegation.chain_invalid" {
		t.Fatalf("expected delegation.chain_invalid for expired attestation, got %v", err)
	}
}

func TestVerifyRejectsWhenDomainScopeNarrowedAfterIssuance(t *testing.T) {
	reg, _ := newRegistry(t)
	registerDomain(t, reg, []string{"agents.read", "agents.delegate"})

	attested, err := reg.Attest(context.Background(), federation.AttestInput{
		AgentID:  "agt-remote",
		DomainID: "partner.example",
		Scopes:   []string{"agents.delegate"},
		TTL:      time.Hour,
	})
	testutil.RequireNoError(t, err)

	// The domain's allowed scopes narrow after the attestation was
	// issued; verification must re-check against the current registry
	// state, not the scopes captured at issuance.
	registerDomain(t, reg, []string{"agents.read"})

	_, err = reg.VerifyAttestation(context.Background(), attested.AttestationID)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != "identity.scope_not_attenuated" {
		t.Fatalf("expected identity.scope_not_attenuated, got %v", err)
	}
}

func TestVerifyRejectsWhenDomainRevoked(t *testing.T) {
	reg, _ := newRegistry(t)
	registerDomain(t, reg, []string{"agents.read"})

	attested, err := reg.Attest(context.Background(), federation.AttestInput{
		AgentID:  "agt-remote",
		DomainID: "partner.example",
		Scopes:   []string{"agents.read"},
		TTL:      time.Hour,
	})
	testutil.RequireNoError(t, err)

	_, err = reg.RegisterDomain(context.Background(), federation.RegisterDomainInput{
		DomainID:      "partner.example",
		DisplayName:   "Partner Example Corp",
		TrustLevel:    store.TrustLevelRevoked,
		AllowedScopes: []string{"agents.read"},
		RegisteredBy:  "agt-admin",
	})
	testutil.RequireNoError(t, err)

	_, err = reg.VerifyAttestation(context.Background(), attested.AttestationID)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != "identity.revoked" {
		t.Fatalf("expected identity.revoked, got %v", err)
	}
}

func TestVerifyUnknownAttestationNotFound(t *testing.T) {
	reg, _ := newRegistry(t)

	_, err := reg.VerifyAttestation(context.Background(), "att-does-not-exist")
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Status != 404 {
		t.Fatalf("expected not found, got %v", err)
	}
}
