// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package revocation implements single-target and cascading
// revocation (spec.md §4.6, C6): revoking a credential, a delegation
// token (with recursive child cascade), and the kill switch —
// revoking an entire agent identity together with every credential,
// token, and in-flight delegation record it owns, atomically.
package revocation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agenthub/control-plane/internal/apierr"
	"github.com/agenthub/control-plane/internal/store"
	"github.com/agenthub/control-plane/lib/clock"
)

// Engine performs revocation operations and records the resulting
// audit trail.
type Engine struct {
	store *store.Store
	clock clock.Clock
}

// New constructs a revocation Engine.
func New(st *store.Store, clk clock.Clock) *Engine {
	return &Engine{store: st, clock: clk}
}

// RevokeCredential flips a single credential's status to revoked and
// appends an audit event.
func (e *Engine) RevokeCredential(ctx context.Context, credentialID, actor, reason string) (store.RevocationEvent, error) {
	cred, found, err := e.store.GetCredential(ctx, credentialID)
	if err != nil {
		return store.RevocationEvent{}, fmt.Errorf("revocation: revoke credential: %w", err)
	}
	if !found {
		return store.RevocationEvent{}, apierr.NotFound("not_found.credential", "credential %q not found", credentialID)
	}

	now := e.clock.Now()
	changed, err := e.store.RevokeCredential(ctx, credentialID, reason, now)
	if err != nil {
		return store.RevocationEvent{}, fmt.Errorf("revocation: revoke credential: %w", err)
	}
	if !changed {
		return store.RevocationEvent{}, apierr.Revoked("identity.revoked: credential %q is already revoked", credentialID)
	}

	event := store.RevocationEvent{
		EventID:      "rev-" + uuid.NewString(),
		EventType:    store.RevocationTypeCredential,
		TargetID:     credentialID,
		Owner:        cred.AgentID,
		Actor:        actor,
		CascadeCount: 0,
		Reason:       reason,
		CreatedAt:    now,
	}
	if err := e.store.InsertRevocationEvent(ctx, event); err != nil {
		return store.RevocationEvent{}, fmt.Errorf("revocation: revoke credential: recording event: %w", err)
	}
	return event, nil
}

// RevokeDelegationToken revokes a token and recursively revokes every
// descendant, matching the reference implementation's
// _cascade_revoke (SPEC_FULL.md §4.6).
func (e *Engine) RevokeDelegationToken(ctx context.Context, tokenID, actor, reason string) (store.RevocationEvent, error) {
	tok, found, err := e.store.GetDelegationToken(ctx, tokenID)
	if err != nil {
		return store.RevocationEvent{}, fmt.Errorf("revocation: revoke delegation token: %w", err)
	}
	if !found {
		return store.RevocationEvent{}, apierr.NotFound("not_found.delegation_token", "token %q not found", tokenID)
	}
	if tok.Revoked {
		return store.RevocationEvent{}, apierr.Revoked("identity.revoked: token %q is already revoked", tokenID)
	}

	now := e.clock.Now()
	childCount, err := e.store.RevokeDelegationTokenCascade(ctx, tokenID, now)
	if err != nil {
		return store.RevocationEvent{}, fmt.Errorf("revocation: revoke delegation token: %w", err)
	}

	event := store.RevocationEvent{
		EventID:      "rev-" + uuid.NewString(),
		EventType:    store.RevocationTypeDelegationToken,
		TargetID:     tokenID,
		Owner:        tok.Owner,
		Actor:        actor,
		CascadeCount: childCount,
		Reason:       reason,
		CreatedAt:    now,
	}
	if err := e.store.InsertRevocationEvent(ctx, event); err != nil {
		return store.RevocationEvent{}, fmt.Errorf("revocation: revoke delegation token: recording event: %w", err)
	}
	return event, nil
}

// RevokeAgent is the kill switch (spec.md §4.6): marks the identity
// revoked, revokes every active credential and non-revoked token it
// touches, and cancels every in-flight delegation record it owns — all
// inside one write transaction, so a concurrent verify either observes
// the entire cascade or none of it.
func (e *Engine) RevokeAgent(ctx context.Context, agentID, actor, reason string) (store.RevocationEvent, error) {
	agent, found, err := e.store.GetIdentity(ctx, agentID)
	if err != nil {
		return store.RevocationEvent{}, fmt.Errorf("revocation: revoke agent: %w", err)
	}
	if !found {
		return store.RevocationEvent{}, apierr.NotFound("not_found.agent", "agent %q not found", agentID)
	}
	if agent.Status == store.StatusRevoked {
		return store.RevocationEvent{}, apierr.Revoked("identity.revoked: agent %q is already revoked", agentID)
	}

	now := e.clock.Now()
	counts, err := e.store.RevokeAgentCascade(ctx, agentID, reason, now)
	if err != nil {
		return store.RevocationEvent{}, fmt.Errorf("revocation: revoke agent: %w", err)
	}

	cascadeCount := counts.CredentialsRevoked + counts.TokensRevoked + counts.RecordsCancelled
	event := store.RevocationEvent{
		EventID:      "rev-" + uuid.NewString(),
		EventType:    store.RevocationTypeAgentIdentity,
		TargetID:     agentID,
		Owner:        agent.Owner,
		Actor:        actor,
		CascadeCount: cascadeCount,
		Reason:       reason,
		CreatedAt:    now,
	}
	if err := e.store.InsertRevocationEvent(ctx, event); err != nil {
		return store.RevocationEvent{}, fmt.Errorf("revocation: revoke agent: recording event: %w", err)
	}
	return event, nil
}

// BulkResult is the per-agent outcome of a bulk revocation, matching
// SPEC_FULL.md §11's supplemental detail: partial failures (any error
// from RevokeAgent for one of the owner's agents) are reported
// per-agent rather than aborting the whole batch.
type BulkResult struct {
	AgentID string               `json:"agent_id"`
	Ok      bool                 `json:"ok"`
	Error   string               `json:"error,omitempty"`
	Event   *store.RevocationEvent `json:"event,omitempty"`
}

// RevokeAllForOwner applies the kill switch to every identity owned by
// owner, matching identity/revocation.py:bulk_revoke.
func (e *Engine) RevokeAllForOwner(ctx context.Context, owner, actor, reason string) ([]BulkResult, error) {
	agentIDs, err := e.store.ListAgentIDsForOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("revocation: revoke all for owner: %w", err)
	}

	results := make([]BulkResult, 0, len(agentIDs))
	for _, agentID := range agentIDs {
		event, err := e.RevokeAgent(ctx, agentID, actor, reason)
		if err != nil {
			results = append(results, BulkResult{AgentID: agentID, Ok: false, Error: err.Error()})
			continue
		}
		results = append(results, BulkResult{AgentID: agentID, Ok: true, Event: &event})
	}
	return results, nil
}

// ListEvents returns the full revocation audit trail.
func (e *Engine) ListEvents(ctx context.Context) ([]store.RevocationEvent, error) {
	return e.store.ListRevocationEvents(ctx)
}
