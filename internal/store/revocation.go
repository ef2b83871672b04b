// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Revocation event types.
const (
	RevocationTypeCredential      = "credential"
	RevocationTypeDelegationToken = "delegation_token"
	RevocationTypeAgentIdentity   = "agent_identity"
)

// RevocationEvent is the append-only audit record of a revocation.
type RevocationEvent struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"revoked_type"`
	TargetID     string    `json:"revoked_id"`
	Owner        string    `json:"owner"`
	Actor        string    `json:"actor,omitempty"`
	CascadeCount int       `json:"cascade_count"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// InsertRevocationEvent appends a revocation event. Callers that need
// the insert to participate in a larger cascade transaction should use
// insertRevocationEventLocked on an already-open conn instead.
func (s *Store) InsertRevocationEvent(ctx context.Context, event RevocationEvent) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: insert revocation event: %w", err)
	}
	defer s.pool.Put(conn)
	return insertRevocationEventLocked(conn, event)
}

func insertRevocationEventLocked(conn *sqlite.Conn, event RevocationEvent) error {
	return sqlitex.Execute(conn,
		`INSERT INTO revocation_events(event_id, event_type, target_id, owner, actor, cascade_count, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			event.EventID, event.EventType, event.TargetID, event.Owner, nullableString(event.Actor),
			event.CascadeCount, nullableString(event.Reason), event.CreatedAt.Format(timeLayout),
		}})
}

// ListRevocationEvents returns every revocation event ever recorded,
// most recent first.
func (s *Store) ListRevocationEvents(ctx context.Context) ([]RevocationEvent, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list revocation events: %w", err)
	}
	defer s.pool.Put(conn)

	var events []RevocationEvent
	err = sqlitex.Execute(conn,
		`SELECT event_id, event_type, target_id, owner, actor, cascade_count, reason, created_at
		 FROM revocation_events ORDER BY created_at DESC`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				createdAt, _ := time.Parse(timeLayout, stmt.ColumnText(7))
				events = append(events, RevocationEvent{
					EventID:      stmt.ColumnText(0),
					EventType:    stmt.ColumnText(1),
					TargetID:     stmt.ColumnText(2),
					Owner:        stmt.ColumnText(3),
					Actor:        stmt.ColumnText(4),
					CascadeCount: int(stmt.ColumnInt64(5)),
					Reason:       stmt.ColumnText(6),
					CreatedAt:    createdAt,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list revocation events: %w", err)
	}
	return events, nil
}

// RevokeAgentCascade runs the kill-switch cascade (spec.md §4.6) inside
// a single immediate transaction: mark the identity revoked, revoke
// every active credential owned by it, revoke every non-revoked
// delegation token where it is issuer or subject (and their
// descendants), and cancel every owned, not-yet-terminal delegation
// record. Returns the cascade counts so the caller can compute
// cascade_count = creds + tokens + records. The transaction commits
// before this returns; the caller's RevocationEvent insert is a
// separate write and is not part of it.
type CascadeCounts struct {
	CredentialsRevoked int
	TokensRevoked      int
	RecordsCancelled   int
}

func (s *Store) RevokeAgentCascade(ctx context.Context, agentID, reason string, now time.Time) (CascadeCounts, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return CascadeCounts{}, fmt.Errorf("store: revoke agent cascade: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return CascadeCounts{}, fmt.Errorf("store: revoke agent cascade: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var counts CascadeCounts

	if err = sqlitex.Execute(conn,
		`UPDATE agent_identities SET status = 'revoked', updated_at = ? WHERE agent_id = ?`,
		&sqlitex.ExecOptions{Args: []any{now.Format(timeLayout), agentID}}); err != nil {
		return CascadeCounts{}, fmt.Errorf("store: revoke agent cascade: identity: %w", err)
	}

	counts.CredentialsRevoked, err = revokeAllCredentialsForAgent(conn, agentID, now)
	if err != nil {
		return CascadeCounts{}, fmt.Errorf("store: revoke agent cascade: credentials: %w", err)
	}

	counts.TokensRevoked, err = revokeTokensForAgentLocked(conn, agentID, now)
	if err != nil {
		return CascadeCounts{}, fmt.Errorf("store: revoke agent cascade: tokens: %w", err)
	}

	counts.RecordsCancelled, err = cancelDelegationRecordsForOwnerLocked(conn, agentID, now)
	if err != nil {
		return CascadeCounts{}, fmt.Errorf("store: revoke agent cascade: delegation records: %w", err)
	}

	return counts, nil
}
