// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DelegationToken is the durable record backing a signed delegation
// token. The signed wire token is "<TokenID>.<hex signature>"; the
// record itself never stores the signature, only what is needed to
// recompute and verify it.
type DelegationToken struct {
	TokenID        string    `json:"token_id"`
	IssuerAgentID  string    `json:"issuer_agent_id"`
	SubjectAgentID string    `json:"subject_agent_id"`
	Owner          string    `json:"owner"`
	Scopes         []string  `json:"delegated_scopes"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	ParentTokenID  string    `json:"parent_token_id,omitempty"`
	ChainDepth     int       `json:"chain_depth"`
	Revoked        bool      `json:"revoked"`
	RevokedAt      time.Time `json:"revoked_at,omitzero"`
}

// InsertDelegationToken persists a newly issued delegation token.
func (s *Store) InsertDelegationToken(ctx context.Context, tok DelegationToken) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: insert delegation token: %w", err)
	}
	defer s.pool.Put(conn)

	scopesJSON, err := json.Marshal(tok.Scopes)
	if err != nil {
		return fmt.Errorf("store: insert delegation token: encoding scopes: %w", err)
	}

	return sqlitex.Execute(conn,
		`INSERT INTO delegation_tokens(
			token_id, issuer_agent_id, subject_agent_id, owner, delegated_scopes_json,
			issued_at, issued_at_epoch, expires_at, expires_at_epoch, parent_token_id, chain_depth
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			tok.TokenID, tok.IssuerAgentID, tok.SubjectAgentID, tok.Owner, string(scopesJSON),
			tok.IssuedAt.Format(timeLayout), tok.IssuedAt.Unix(),
			tok.ExpiresAt.Format(timeLayout), tok.ExpiresAt.Unix(),
			nullableString(tok.ParentTokenID), tok.ChainDepth,
		}})
}

// GetDelegationToken fetches a token record by ID.
func (s *Store) GetDelegationToken(ctx context.Context, tokenID string) (DelegationToken, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return DelegationToken{}, false, fmt.Errorf("store: get delegation token: %w", err)
	}
	defer s.pool.Put(conn)

	return getDelegationToken(conn, tokenID)
}

func getDelegationToken(conn *sqlite.Conn, tokenID string) (DelegationToken, bool, error) {
	var (
		found bool
		tok   DelegationToken
		scanErr error
	)
	err := sqlitex.Execute(conn,
		`SELECT token_id, issuer_agent_id, subject_agent_id, owner, delegated_scopes_json,
		        issued_at, expires_at, parent_token_id, chain_depth, revoked, revoked_at
		 FROM delegation_tokens WHERE token_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{tokenID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				tok, scanErr = scanDelegationToken(stmt)
				return scanErr
			},
		})
	if err != nil {
		return DelegationToken{}, false, fmt.Errorf("store: get delegation token: %w", err)
	}
	return tok, found, nil
}

func scanDelegationToken(stmt *sqlite.Stmt) (DelegationToken, error) {
	var scopes []string
	if err := json.Unmarshal([]byte(stmt.ColumnText(4)), &scopes); err != nil {
		return DelegationToken{}, fmt.Errorf("decoding scopes: %w", err)
	}
	issuedAt, _ := time.Parse(timeLayout, stmt.ColumnText(5))
	expiresAt, _ := time.Parse(timeLayout, stmt.ColumnText(6))
	var revokedAt time.Time
	if stmt.ColumnType(10) != sqlite.TypeNull {
		revokedAt, _ = time.Parse(timeLayout, stmt.ColumnText(10))
	}
	return DelegationToken{
		TokenID:        stmt.ColumnText(0),
		IssuerAgentID:  stmt.ColumnText(1),
		SubjectAgentID: stmt.ColumnText(2),
		Owner:          stmt.ColumnText(3),
		Scopes:         scopes,
		IssuedAt:       issuedAt,
		ExpiresAt:      expiresAt,
		ParentTokenID:  stmt.ColumnText(7),
		ChainDepth:     int(stmt.ColumnInt64(8)),
		Revoked:        stmt.ColumnInt64(9) != 0,
		RevokedAt:      revokedAt,
	}, nil
}

// GetDelegationChain walks from tokenID up through parent_token_id to
// the root, returning records ordered root-first (chronological).
func (s *Store) GetDelegationChain(ctx context.Context, tokenID string) ([]DelegationToken, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: get delegation chain: %w", err)
	}
	defer s.pool.Put(conn)

	var mostRecentFirst []DelegationToken
	current := tokenID
	for current != "" {
		tok, found, err := getDelegationToken(conn, current)
		if err != nil {
			return nil, err
		}
		if !found {
			break
		}
		mostRecentFirst = append(mostRecentFirst, tok)
		current = tok.ParentTokenID
	}

	// Reverse into root-to-current chronological order.
	ordered := make([]DelegationToken, len(mostRecentFirst))
	for i, tok := range mostRecentFirst {
		ordered[len(mostRecentFirst)-1-i] = tok
	}
	return ordered, nil
}

// RevokeDelegationTokenCascade revokes tokenID and recursively revokes
// every descendant token, returning the number of tokens revoked
// (excluding tokenID itself, matching the reference cascade_count
// semantics).
func (s *Store) RevokeDelegationTokenCascade(ctx context.Context, tokenID string, now time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: revoke delegation token cascade: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("store: revoke delegation token cascade: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if err := revokeTokenRow(conn, tokenID, now); err != nil {
		return 0, err
	}
	count, err := cascadeRevokeChildren(conn, tokenID, now)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func revokeTokenRow(conn *sqlite.Conn, tokenID string, now time.Time) error {
	return sqlitex.Execute(conn,
		`UPDATE delegation_tokens SET revoked = 1, revoked_at = ? WHERE token_id = ?`,
		&sqlitex.ExecOptions{Args: []any{now.Format(timeLayout), tokenID}})
}

func cascadeRevokeChildren(conn *sqlite.Conn, parentTokenID string, now time.Time) (int, error) {
	var childIDs []string
	err := sqlitex.Execute(conn,
		`SELECT token_id FROM delegation_tokens WHERE parent_token_id = ? AND revoked = 0`,
		&sqlitex.ExecOptions{
			Args: []any{parentTokenID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				childIDs = append(childIDs, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, childID := range childIDs {
		if err := revokeTokenRow(conn, childID, now); err != nil {
			return count, err
		}
		count++
		descendants, err := cascadeRevokeChildren(conn, childID, now)
		if err != nil {
			return count, err
		}
		count += descendants
	}
	return count, nil
}

// revokeTokensForAgentLocked revokes every non-revoked token whose
// subject or issuer is agentID, and every descendant of those tokens,
// as part of a larger revocation transaction. Returns the number of
// tokens revoked.
func revokeTokensForAgentLocked(conn *sqlite.Conn, agentID string, now time.Time) (int, error) {
	err := sqlitex.Execute(conn,
		`WITH RECURSIVE affected(token_id) AS (
		     SELECT token_id FROM delegation_tokens WHERE issuer_agent_id = ? OR subject_agent_id = ?
		     UNION
		     SELECT t.token_id FROM delegation_tokens t JOIN affected a ON t.parent_token_id = a.token_id
		 )
		 UPDATE delegation_tokens SET revoked = 1, revoked_at = ?
		 WHERE token_id IN (SELECT token_id FROM affected) AND revoked = 0`,
		&sqlitex.ExecOptions{Args: []any{agentID, agentID, now.Format(timeLayout)}})
	if err != nil {
		return 0, err
	}
	return int(conn.Changes()), nil
}
