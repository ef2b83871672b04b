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

// Trust levels for a federated domain (spec.md §3).
const (
	TrustLevelVerified    = "verified"
	TrustLevelProvisional = "provisional"
	TrustLevelRevoked     = "revoked"
)

// TrustedDomain is a federation partner registered with this control
// plane.
type TrustedDomain struct {
	DomainID      string    `json:"domain_id"`
	DisplayName   string    `json:"display_name,omitempty"`
	TrustLevel    string    `json:"trust_level"`
	PublicKeyPEM  string    `json:"public_key,omitempty"`
	AllowedScopes []string  `json:"allowed_scopes"`
	RegisteredBy  string    `json:"registered_by,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AgentAttestation is a signed claim that agentID satisfies a domain's
// trust claims (spec.md §3, §4.11).
type AgentAttestation struct {
	AttestationID string    `json:"attestation_id"`
	DomainID      string    `json:"domain_id"`
	AgentID       string    `json:"agent_id"`
	Scopes        []string  `json:"claims"`
	Signature     string    `json:"signature"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// UpsertTrustedDomain registers or updates a federation partner.
func (s *Store) UpsertTrustedDomain(ctx context.Context, domain TrustedDomain) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: upsert trusted domain: %w", err)
	}
	defer s.pool.Put(conn)

	scopesJSON, err := json.Marshal(domain.AllowedScopes)
	if err != nil {
		return fmt.Errorf("store: upsert trusted domain: encoding scopes: %w", err)
	}

	return sqlitex.Execute(conn,
		`INSERT INTO trusted_domains(domain, display_name, trust_level, allowed_scopes_json, public_key_pem, registered_by, registered_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(domain) DO UPDATE SET
			display_name = excluded.display_name,
			trust_level = excluded.trust_level,
			allowed_scopes_json = excluded.allowed_scopes_json,
			public_key_pem = excluded.public_key_pem,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{
			domain.DomainID, domain.DisplayName, domain.TrustLevel, string(scopesJSON), nullableString(domain.PublicKeyPEM), domain.RegisteredBy,
			domain.RegisteredAt.Format(timeLayout), domain.UpdatedAt.Format(timeLayout),
		}})
}

// GetTrustedDomain fetches a registered federation partner by ID.
func (s *Store) GetTrustedDomain(ctx context.Context, domainID string) (TrustedDomain, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return TrustedDomain{}, false, fmt.Errorf("store: get trusted domain: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		found  bool
		domain TrustedDomain
	)
	err = sqlitex.Execute(conn,
		`SELECT domain, display_name, trust_level, allowed_scopes_json, public_key_pem, registered_by, registered_at, updated_at
		 FROM trusted_domains WHERE domain = ?`,
		&sqlitex.ExecOptions{
			Args: []any{domainID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				var scopes []string
				if err := json.Unmarshal([]byte(stmt.ColumnText(3)), &scopes); err != nil {
					return err
				}
				registeredAt, _ := time.Parse(timeLayout, stmt.ColumnText(6))
				updatedAt, _ := time.Parse(timeLayout, stmt.ColumnText(7))
				domain = TrustedDomain{
					DomainID:      stmt.ColumnText(0),
					DisplayName:   stmt.ColumnText(1),
					TrustLevel:    stmt.ColumnText(2),
					AllowedScopes: scopes,
					PublicKeyPEM:  stmt.ColumnText(4),
					RegisteredBy:  stmt.ColumnText(5),
					RegisteredAt:  registeredAt,
					UpdatedAt:     updatedAt,
				}
				return nil
			},
		})
	if err != nil {
		return TrustedDomain{}, false, fmt.Errorf("store: get trusted domain: %w", err)
	}
	return domain, found, nil
}

// InsertAttestation persists a signed attestation.
func (s *Store) InsertAttestation(ctx context.Context, att AgentAttestation) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: insert attestation: %w", err)
	}
	defer s.pool.Put(conn)

	scopesJSON, err := json.Marshal(att.Scopes)
	if err != nil {
		return fmt.Errorf("store: insert attestation: encoding scopes: %w", err)
	}

	return sqlitex.Execute(conn,
		`INSERT INTO agent_attestations(attestation_id, domain, agent_id, scopes_json, signature, issued_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			att.AttestationID, att.DomainID, att.AgentID, string(scopesJSON), att.Signature,
			att.IssuedAt.Format(timeLayout), att.ExpiresAt.Format(timeLayout),
		}})
}

// GetAttestation fetches an attestation by ID.
func (s *Store) GetAttestation(ctx context.Context, attestationID string) (AgentAttestation, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return AgentAttestation{}, false, fmt.Errorf("store: get attestation: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		found bool
		att   AgentAttestation
	)
	err = sqlitex.Execute(conn,
		`SELECT attestation_id, domain, agent_id, scopes_json, signature, issued_at, expires_at
		 FROM agent_attestations WHERE attestation_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{attestationID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				var scopes []string
				if err := json.Unmarshal([]byte(stmt.ColumnText(3)), &scopes); err != nil {
					return err
				}
				issuedAt, _ := time.Parse(timeLayout, stmt.ColumnText(5))
				expiresAt, _ := time.Parse(timeLayout, stmt.ColumnText(6))
				att = AgentAttestation{
					AttestationID: stmt.ColumnText(0),
					DomainID:      stmt.ColumnText(1),
					AgentID:       stmt.ColumnText(2),
					Scopes:        scopes,
					Signature:     stmt.ColumnText(4),
					IssuedAt:      issuedAt,
					ExpiresAt:     expiresAt,
				}
				return nil
			},
		})
	if err != nil {
		return AgentAttestation{}, false, fmt.Errorf("store: get attestation: %w", err)
	}
	return att, found, nil
}
