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

// Identity statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusRevoked   = "revoked"
)

// Credential statuses.
const (
	CredentialActive  = "active"
	CredentialRotated = "rotated"
	CredentialRevoked = "revoked"
)

// AgentIdentity is the durable record of a registered agent (spec.md
// §3). PublicKeyPEM, HumanPrincipalID, ConfigurationChecksum, and
// Metadata are optional and empty unless the caller supplied them at
// creation.
type AgentIdentity struct {
	AgentID               string            `json:"agent_id"`
	Owner                 string            `json:"owner"`
	DisplayName           string            `json:"display_name"`
	CredentialType        string            `json:"credential_type,omitempty"`
	Status                string            `json:"status"`
	PublicKeyPEM          string            `json:"public_key,omitempty"`
	HumanPrincipalID      string            `json:"human_principal_id,omitempty"`
	ConfigurationChecksum string            `json:"configuration_checksum,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// AgentCredential is the durable record of a credential issued to an
// agent. SecretHash is an HMAC of the plaintext secret; the plaintext
// itself is never persisted.
type AgentCredential struct {
	CredentialID   string    `json:"credential_id"`
	AgentID        string    `json:"agent_id"`
	CredentialType string    `json:"credential_type"`
	SecretHash     string    `json:"credential_hash"`
	Scopes         []string  `json:"scopes"`
	Status         string    `json:"status"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	RotatedFrom    string    `json:"rotation_parent_id,omitempty"`
}

const timeLayout = time.RFC3339Nano

// CreateIdentity inserts a new agent identity record.
func (s *Store) CreateIdentity(ctx context.Context, identity AgentIdentity) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: create identity: %w", err)
	}
	defer s.pool.Put(conn)

	metadataJSON, err := json.Marshal(identity.Metadata)
	if err != nil {
		return fmt.Errorf("store: create identity: encoding metadata: %w", err)
	}

	return sqlitex.Execute(conn,
		`INSERT INTO agent_identities(
			agent_id, owner, display_name, credential_type, status,
			public_key_pem, human_principal_id, configuration_checksum, metadata_json,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			identity.AgentID, identity.Owner, identity.DisplayName, nullableString(identity.CredentialType), identity.Status,
			nullableString(identity.PublicKeyPEM), nullableString(identity.HumanPrincipalID), nullableString(identity.ConfigurationChecksum), string(metadataJSON),
			identity.CreatedAt.Format(timeLayout), identity.UpdatedAt.Format(timeLayout),
		}})
}

// GetIdentity fetches an agent identity by ID. Returns (AgentIdentity{}, false, nil)
// if no such identity exists.
func (s *Store) GetIdentity(ctx context.Context, agentID string) (AgentIdentity, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return AgentIdentity{}, false, fmt.Errorf("store: get identity: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		found    bool
		identity AgentIdentity
	)
	err = sqlitex.Execute(conn,
		`SELECT agent_id, owner, display_name, credential_type, status,
		        public_key_pem, human_principal_id, configuration_checksum, metadata_json,
		        created_at, updated_at
		 FROM agent_identities WHERE agent_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{agentID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				var scanErr error
				identity, scanErr = scanIdentity(stmt)
				return scanErr
			},
		})
	if err != nil {
		return AgentIdentity{}, false, fmt.Errorf("store: get identity: %w", err)
	}
	return identity, found, nil
}

func scanIdentity(stmt *sqlite.Stmt) (AgentIdentity, error) {
	var metadata map[string]string
	if raw := stmt.ColumnText(8); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return AgentIdentity{}, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	createdAt, _ := time.Parse(timeLayout, stmt.ColumnText(9))
	updatedAt, _ := time.Parse(timeLayout, stmt.ColumnText(10))
	return AgentIdentity{
		AgentID:               stmt.ColumnText(0),
		Owner:                 stmt.ColumnText(1),
		DisplayName:           stmt.ColumnText(2),
		CredentialType:        stmt.ColumnText(3),
		Status:                stmt.ColumnText(4),
		PublicKeyPEM:          stmt.ColumnText(5),
		HumanPrincipalID:      stmt.ColumnText(6),
		ConfigurationChecksum: stmt.ColumnText(7),
		Metadata:              metadata,
		CreatedAt:             createdAt,
		UpdatedAt:             updatedAt,
	}, nil
}

// UpdateIdentityStatus sets an identity's status (active/suspended/revoked).
func (s *Store) UpdateIdentityStatus(ctx context.Context, agentID, status string, now time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: update identity status: %w", err)
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`UPDATE agent_identities SET status = ?, updated_at = ? WHERE agent_id = ?`,
		&sqlitex.ExecOptions{Args: []any{status, now.Format(timeLayout), agentID}})
}

// CreateCredential inserts a new credential record.
func (s *Store) CreateCredential(ctx context.Context, cred AgentCredential) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: create credential: %w", err)
	}
	defer s.pool.Put(conn)

	scopesJSON, err := json.Marshal(cred.Scopes)
	if err != nil {
		return fmt.Errorf("store: create credential: encoding scopes: %w", err)
	}

	return sqlitex.Execute(conn,
		`INSERT INTO agent_credentials(credential_id, agent_id, credential_type, secret_hash, scopes_json, status, issued_at, expires_at, rotated_from)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			cred.CredentialID, cred.AgentID, cred.CredentialType, cred.SecretHash, string(scopesJSON),
			cred.Status, cred.IssuedAt.Format(timeLayout), cred.ExpiresAt.Format(timeLayout), nullableString(cred.RotatedFrom),
		}})
}

// ListActiveCredentials returns every active, non-expired credential
// for an agent.
func (s *Store) ListActiveCredentials(ctx context.Context, agentID string, now time.Time) ([]AgentCredential, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list active credentials: %w", err)
	}
	defer s.pool.Put(conn)

	var creds []AgentCredential
	err = sqlitex.Execute(conn,
		`SELECT credential_id, agent_id, credential_type, secret_hash, scopes_json, status, issued_at, expires_at, rotated_from
		 FROM agent_credentials WHERE agent_id = ? AND status = 'active' AND expires_at > ?`,
		&sqlitex.ExecOptions{
			Args: []any{agentID, now.Format(timeLayout)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cred, err := scanCredential(stmt)
				if err != nil {
					return err
				}
				creds = append(creds, cred)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list active credentials: %w", err)
	}
	return creds, nil
}

// GetCredential fetches a credential by ID.
func (s *Store) GetCredential(ctx context.Context, credentialID string) (AgentCredential, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return AgentCredential{}, false, fmt.Errorf("store: get credential: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		found bool
		cred  AgentCredential
	)
	err = sqlitex.Execute(conn,
		`SELECT credential_id, agent_id, credential_type, secret_hash, scopes_json, status, issued_at, expires_at, rotated_from
		 FROM agent_credentials WHERE credential_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{credentialID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var err error
				cred, err = scanCredential(stmt)
				found = true
				return err
			},
		})
	if err != nil {
		return AgentCredential{}, false, fmt.Errorf("store: get credential: %w", err)
	}
	return cred, found, nil
}

func scanCredential(stmt *sqlite.Stmt) (AgentCredential, error) {
	var scopes []string
	if err := json.Unmarshal([]byte(stmt.ColumnText(4)), &scopes); err != nil {
		return AgentCredential{}, fmt.Errorf("decoding scopes: %w", err)
	}
	issuedAt, _ := time.Parse(timeLayout, stmt.ColumnText(6))
	expiresAt, _ := time.Parse(timeLayout, stmt.ColumnText(7))
	return AgentCredential{
		CredentialID:   stmt.ColumnText(0),
		AgentID:        stmt.ColumnText(1),
		CredentialType: stmt.ColumnText(2),
		SecretHash:     stmt.ColumnText(3),
		Scopes:         scopes,
		Status:         stmt.ColumnText(5),
		IssuedAt:       issuedAt,
		ExpiresAt:      expiresAt,
		RotatedFrom:    stmt.ColumnText(8),
	}, nil
}

// RevokeCredential marks a credential revoked. Returns false if the
// credential does not exist or was already revoked.
func (s *Store) RevokeCredential(ctx context.Context, credentialID, reason string, now time.Time) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: revoke credential: %w", err)
	}
	defer s.pool.Put(conn)

	var changed int
	err = sqlitex.Execute(conn,
		`UPDATE agent_credentials SET status = 'revoked', revoked_at = ?, revocation_reason = ? WHERE credential_id = ? AND status != 'revoked'`,
		&sqlitex.ExecOptions{Args: []any{now.Format(timeLayout), nullableString(reason), credentialID}})
	if err != nil {
		return false, fmt.Errorf("store: revoke credential: %w", err)
	}
	changed = conn.Changes()
	return changed > 0, nil
}

// SetCredentialRotated marks predecessorID "rotated" and links it to
// its successor, recording the moment rotation happened so
// VerifyCredential can enforce the RotationGrace overlap window.
func (s *Store) SetCredentialRotated(ctx context.Context, predecessorID, successorID string, now time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: set credential rotated: %w", err)
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`UPDATE agent_credentials SET status = 'rotated', rotated_to = ?, rotated_at = ? WHERE credential_id = ?`,
		&sqlitex.ExecOptions{Args: []any{successorID, now.Format(timeLayout), predecessorID}})
}

// GetCredentialRotatedAt returns the moment a credential was rotated,
// if it was.
func (s *Store) GetCredentialRotatedAt(ctx context.Context, credentialID string) (time.Time, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: get credential rotated at: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		found bool
		at    time.Time
	)
	err = sqlitex.Execute(conn,
		`SELECT rotated_at FROM agent_credentials WHERE credential_id = ? AND rotated_at IS NOT NULL`,
		&sqlitex.ExecOptions{
			Args: []any{credentialID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				at, _ = time.Parse(timeLayout, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: get credential rotated at: %w", err)
	}
	return at, found, nil
}

// GetCredentialByHash looks up a credential by its HMAC secret hash.
// The index on secret_hash keeps this O(1), as required by spec.md
// §4.4.
func (s *Store) GetCredentialByHash(ctx context.Context, secretHash string) (AgentCredential, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return AgentCredential{}, false, fmt.Errorf("store: get credential by hash: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		found bool
		cred  AgentCredential
	)
	err = sqlitex.Execute(conn,
		`SELECT credential_id, agent_id, credential_type, secret_hash, scopes_json, status, issued_at, expires_at, rotated_from
		 FROM agent_credentials WHERE secret_hash = ?`,
		&sqlitex.ExecOptions{
			Args: []any{secretHash},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var err error
				cred, err = scanCredential(stmt)
				found = true
				return err
			},
		})
	if err != nil {
		return AgentCredential{}, false, fmt.Errorf("store: get credential by hash: %w", err)
	}
	return cred, found, nil
}

// RevokeAllCredentialsForAgent revokes every active credential for an
// agent and returns the number revoked. Caller must already hold an
// open transaction on conn (used by the revocation cascade).
func revokeAllCredentialsForAgent(conn *sqlite.Conn, agentID string, now time.Time) (int, error) {
	err := sqlitex.Execute(conn,
		`UPDATE agent_credentials SET status = 'revoked', revoked_at = ? WHERE agent_id = ? AND status != 'revoked'`,
		&sqlitex.ExecOptions{Args: []any{now.Format(timeLayout), agentID}})
	if err != nil {
		return 0, err
	}
	return int(conn.Changes()), nil
}

// ListAgentIDsForOwner returns every agent ID owned by owner, used by
// bulk revocation.
func (s *Store) ListAgentIDsForOwner(ctx context.Context, owner string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list agent ids for owner: %w", err)
	}
	defer s.pool.Put(conn)

	var ids []string
	err = sqlitex.Execute(conn,
		`SELECT agent_id FROM agent_identities WHERE owner = ?`,
		&sqlitex.ExecOptions{
			Args: []any{owner},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list agent ids for owner: %w", err)
	}
	return ids, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
