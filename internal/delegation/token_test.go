// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delegation_test

import (
	"context"
	"testing"
	"time"

	"github.com/agenthub/control-plane/internal/apierr"
	"github.com/agenthub/control-plane/internal/delegation"
	"github.com/agenthub/control-plane/internal/identity"
	"github.com/agenthub/control-plane/internal/store"
	"github.com/agenthub/control-plane/internal/testutil"
)

const testSecret = "identity-signing-secret"

func newEngine(t *testing.T) (*delegation.Engine, *identity.Service, *store.Store) {
	st, fake := testutil.NewTempStore(t)
	idSvc := identity.New(st, fake, []byte(testSecret))
	return delegation.New(st, idSvc, fake, []byte(testSecret)), idSvc, st
}

func mustAgent(t *testing.T, idSvc *identity.Service, owner string) store.AgentIdentity {
	t.Helper()
	agent, err := idSvc.CreateAgent(context.Background(), identity.CreateAgentInput{Owner: owner})
	testutil.RequireNoError(t, err)
	return agent
}

// TestAttenuationHappyPath implements spec.md §8 scenario S1.
func TestAttenuationHappyPath(t *testing.T) {
	engine, idSvc, _ := newEngine(t)
	ctx := context.Background()

	a := mustAgent(t, idSvc, "owner-a")
	y := mustAgent(t, idSvc, "owner-y")
	z := mustAgent(t, idSvc, "owner-z")

	parent, err := engine.Issue(ctx, delegation.IssueInput{
		IssuerAgentID:   a.AgentID,
		SubjectAgentID:  y.AgentID,
		DelegatedScopes: []string{"read", "execute"},
		TTL:             3600 * time.Second,
	})
	testutil.RequireNoError(t, err)

	child, err := engine.Issue(ctx, delegation.IssueInput{
		IssuerAgentID:   y.AgentID,
		SubjectAgentID:  z.AgentID,
		DelegatedScopes: []string{"read"},
		TTL:             600 * time.Second,
		ParentTokenID:   parent.TokenID,
	})
	testutil.RequireNoError(t, err)
	if child.ChainDepth != 1 {
		t.Fatalf("expected chain depth 1, got %d", child.ChainDepth)
	}

	verified, err := engine.Verify(ctx, child.SignedToken)
	testutil.RequireNoError(t, err)
	if len(verified.EffectiveScopes) != 1 || verified.EffectiveScopes[0] != "read" {
		t.Fatalf("expected effective scopes [read], got %v", verified.EffectiveScopes)
	}

	_, err = engine.Issue(ctx, delegation.IssueInput{
		IssuerAgentID:   y.AgentID,
		SubjectAgentID:  z.AgentID,
		DelegatedScopes: []string{"read", "execute", "admin"},
		TTL:             600 * time.Second,
		ParentTokenID:   parent.TokenID,
	})
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != "identity.scope_not_attenuated" {
		t.Fatalf("expected identity.scope_not_attenuated, got %v", err)
	}
}

// TestChainDepthBound implements spec.md §8 invariant 2: issuing a 6th
// hop fails with identity.chain_too_deep.
func TestChainDepthBound(t *testing.T) {
	engine, idSvc, _ := newEngine(t)
	ctx := context.Background()

	holders := make([]store.AgentIdentity, 7)
	for i := range holders {
		holders[i] = mustAgent(t, idSvc, "owner")
	}

	var parentID string
	for i := 0; i <= delegation.MaxChainDepth; i++ {
		issued, err := engine.Issue(ctx, delegation.IssueInput{
			IssuerAgentID:   holders[i].AgentID,
			SubjectAgentID:  holders[i+1].AgentID,
			DelegatedScopes: []string{"read"},
			TTL:             time.Hour,
			ParentTokenID:   parentID,
		})
		testutil.RequireNoError(t, err)
		if issued.ChainDepth != i {
			t.Fatalf("hop %d: expected chain depth %d, got %d", i, i, issued.ChainDepth)
		}
		parentID = issued.TokenID
	}

	_, err := engine.Issue(ctx, delegation.IssueInput{
		IssuerAgentID:   holders[delegation.MaxChainDepth+1].AgentID,
		SubjectAgentID:  holders[delegation.MaxChainDepth+1].AgentID,
		DelegatedScopes: []string{"read"},
		TTL:             time.Hour,
		ParentTokenID:   parentID,
	})
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != "identity.chain_too_deep" {
		t.Fatalf("expected identity.chain_too_deep, got %v", err)
	}
}

func TestWildcardScopeAttenuatesToAnything(t *testing.T) {
	engine, idSvc, _ := newEngine(t)
	ctx := context.Background()

	a := mustAgent(t, idSvc, "owner-a")
	b := mustAgent(t, idSvc, "owner-b")
	c := mustAgent(t, idSvc, "owner-c")

	parent, err := engine.Issue(ctx, delegation.IssueInput{
		IssuerAgentID:   a.AgentID,
		SubjectAgentID:  b.AgentID,
		DelegatedScopes: []string{"*"},
		TTL:             time.Hour,
	})
	testutil.RequireNoError(t, err)

	_, err = engine.Issue(ctx, delegation.IssueInput{
		IssuerAgentID:   b.AgentID,
		SubjectAgentID:  c.AgentID,
		DelegatedScopes: []string{"read", "execute", "admin"},
		TTL:             time.Minute,
		ParentTokenID:   parent.TokenID,
	})
	testutil.RequireNoError(t, err)
}

func TestVerifyExpiryCappedByParent(t *testing.T) {
	engine, idSvc, _ := newEngine(t)
	ctx := context.Background()

	a := mustAgent(t, idSvc, "owner-a")
	b := mustAgent(t, idSvc, "owner-b")
	c := mustAgent(t, idSvc, "owner-c")

	parent, err := engine.Issue(ctx, delegation.IssueInput{
		IssuerAgentID:   a.AgentID,
		SubjectAgentID:  b.AgentID,
		DelegatedScopes: []string{"read"},
		TTL:             time.Minute,
	})
	testutil.RequireNoError(t, err)

	child, err := engine.Issue(ctx, delegation.IssueInput{
		IssuerAgentID:   b.AgentID,
		SubjectAgentID:  c.AgentID,
		DelegatedScopes: []string{"read"},
		TTL:             time.Hour, // wider than parent's remaining ttl
		ParentTokenID:   parent.TokenID,
	})
	testutil.RequireNoError(t, err)

	if !child.ExpiresAt.Equal(parent.ExpiresAt) {
		t.Fatalf("expected child expiry capped to parent expiry %v, got %v", parent.ExpiresAt, child.ExpiresAt)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	engine, idSvc, _ := newEngine(t)
	ctx := context.Background()

	a := mustAgent(t, idSvc, "owner-a")
	b := mustAgent(t, idSvc, "owner-b")

	issued, err := engine.Issue(ctx, delegation.IssueInput{
		IssuerAgentID:   a.AgentID,
		SubjectAgentID:  b.AgentID,
		DelegatedScopes: []string{"read"},
		TTL:             time.Hour,
	})
	testutil.RequireNoError(t, err)

	tokenID, _, _ := delegation.SplitSignedToken(issued.SignedToken)
	tampered := tokenID + ".0000000000000000000000000000000000000000000000000000000000000000"

	_, err = engine.Verify(ctx, tampered)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != "delegation.chain_invalid" {
		t.Fatalf("expected delegation.chain_invalid, got %v", err)
	}
}
