// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package revocation_test

import (
	"context"
	"testing"
	"time"

	"github.com/agenthub/control-plane/internal/apierr"
	"github.com/agenthub/control-plane/internal/delegation"
	"github.com/agenthub/control-plane/internal/identity"
	"github.com/agenthub/control-plane/internal/revocation"
	"github.com/agenthub/control-plane/internal/testutil"
)

const testSecret = "identity-signing-secret"

// TestKillSwitchCascade implements spec.md §8 scenario S2.
func TestKillSwitchCascade(t *testing.T) {
	st, fake := testutil.NewTempStore(t)
	idSvc := identity.New(st, fake, []byte(testSecret))
	engine := delegation.New(st, idSvc, fake, []byte(testSecret))
	revEngine := revocation.New(st, fake)
	ctx := context.Background()

	x, err := idSvc.CreateAgent(ctx, identity.CreateAgentInput{Owner: "owner"})
	testutil.RequireNoError(t, err)
	y, err := idSvc.CreateAgent(ctx, identity.CreateAgentInput{Owner: "owner"})
	testutil.RequireNoError(t, err)
	z, err := idSvc.CreateAgent(ctx, identity.CreateAgentInput{Owner: "owner"})
	testutil.RequireNoError(t, err)

	cx, err := idSvc.CreateCredential(ctx, identity.CreateCredentialInput{AgentID: x.AgentID, TTL: time.Hour})
	testutil.RequireNoError(t, err)

	tx1, err := engine.Issue(ctx, delegation.IssueInput{
		IssuerAgentID: x.AgentID, SubjectAgentID: y.AgentID, DelegatedScopes: []string{"read"}, TTL: time.Hour,
	})
	testutil.RequireNoError(t, err)

	tx2, err := engine.Issue(ctx, delegation.IssueInput{
		IssuerAgentID: y.AgentID, SubjectAgentID: z.AgentID, DelegatedScopes: []string{"read"}, TTL: time.Hour,
		ParentTokenID: tx1.TokenID,
	})
	testutil.RequireNoError(t, err)

	event, err := revEngine.RevokeAgent(ctx, x.AgentID, "admin", "security_incident")
	testutil.RequireNoError(t, err)
	if event.CascadeCount < 3 {
		t.Fatalf("expected cascade_count >= 3, got %d", event.CascadeCount)
	}

	if _, err := idSvc.VerifyCredential(ctx, cx.Secret); err == nil {
		t.Fatal("expected credential verification to fail after kill switch")
	}

	if _, err := engine.Verify(ctx, tx1.SignedToken); err == nil {
		t.Fatal("expected tx1 verification to fail after kill switch (x is issuer)")
	}

	_, err = engine.Verify(ctx, tx2.SignedToken)
	if err == nil {
		t.Fatal("expected tx2 verification to fail since its ancestor issuer is revoked")
	}
	apiErr, ok := apierr.As(err)
	if !ok {
		t.Fatalf("expected an apierr, got %v", err)
	}
	if apiErr.Status != 401 {
		t.Fatalf("expected 401, got %d", apiErr.Status)
	}
}

func TestRevokeDelegationTokenCascadesToChildren(t *testing.T) {
	st, fake := testutil.NewTempStore(t)
	idSvc := identity.New(st, fake, []byte(testSecret))
	engine := delegation.New(st, idSvc, fake, []byte(testSecret))
	revEngine := revocation.New(st, fake)
	ctx := context.Background()

	a, err := idSvc.CreateAgent(ctx, identity.CreateAgentInput{Owner: "owner"})
	testutil.RequireNoError(t, err)
	b, err := idSvc.CreateAgent(ctx, identity.CreateAgentInput{Owner: "owner"})
	testutil.RequireNoError(t, err)
	c, err := idSvc.CreateAgent(ctx, identity.CreateAgentInput{Owner: "owner"})
	testutil.RequireNoError(t, err)

	parent, err := engine.Issue(ctx, delegation.IssueInput{
		IssuerAgentID: a.AgentID, SubjectAgentID: b.AgentID, DelegatedScopes: []string{"read"}, TTL: time.Hour,
	})
	testutil.RequireNoError(t, err)
	child, err := engine.Issue(ctx, delegation.IssueInput{
		IssuerAgentID: b.AgentID, SubjectAgentID: c.AgentID, DelegatedScopes: []string{"read"}, TTL: time.Hour,
		ParentTokenID: parent.TokenID,
	})
	testutil.RequireNoError(t, err)

	event, err := revEngine.RevokeDelegationToken(ctx, parent.TokenID, "admin", "manual")
	testutil.RequireNoError(t, err)
	if event.CascadeCount != 1 {
		t.Fatalf("expected cascade_count 1 (one child revoked), got %d", event.CascadeCount)
	}

	if _, err := engine.Verify(ctx, child.SignedToken); err == nil {
		t.Fatal("expected child token to fail verification once its parent is revoked")
	}
}

func TestRevokeCredentialIsIdempotentlyRejectedOnSecondCall(t *testing.T) {
	st, fake := testutil.NewTempStore(t)
	idSvc := identity.New(st, fake, []byte(testSecret))
	revEngine := revocation.New(st, fake)
	ctx := context.Background()

	agent, err := idSvc.CreateAgent(ctx, identity.CreateAgentInput{Owner: "owner"})
	testutil.RequireNoError(t, err)
	cred, err := idSvc.CreateCredential(ctx, identity.CreateCredentialInput{AgentID: agent.AgentID, TTL: time.Hour})
	testutil.RequireNoError(t, err)

	_, err = revEngine.RevokeCredential(ctx, cred.CredentialID, "admin", "manual")
	testutil.RequireNoError(t, err)

	_, err = revEngine.RevokeCredential(ctx, cred.CredentialID, "admin", "manual")
	if err == nil {
		t.Fatal("expected second revoke of the same credential to fail")
	}
}

func TestBulkRevokeForOwner(t *testing.T) {
	st, fake := testutil.NewTempStore(t)
	idSvc := identity.New(st, fake, []byte(testSecret))
	revEngine := revocation.New(st, fake)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := idSvc.CreateAgent(ctx, identity.CreateAgentInput{Owner: "bulk-owner"})
		testutil.RequireNoError(t, err)
	}

	results, err := revEngine.RevokeAllForOwner(ctx, "bulk-owner", "admin", "offboarding")
	testutil.RequireNoError(t, err)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Ok {
			t.Fatalf("expected agent %s to revoke cleanly, got error %s", r.AgentID, r.Error)
		}
	}
}
