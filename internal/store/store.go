// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the durable SQLite-backed persistence layer for the
// control plane. It owns the schema and every multi-row mutation;
// domain packages (internal/identity, internal/delegation,
// internal/revocation, internal/budget, internal/lifecycle,
// internal/federation) call into Store rather than touching SQL
// directly, so the transactional boundaries described in SPEC_FULL.md
// §8 live in exactly one place.
package store

import (
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/agenthub/control-plane/lib/clock"
	"github.com/agenthub/control-plane/lib/sqlitepool"
)

// Store wraps a pooled SQLite connection and implements every
// persistence operation the control plane needs.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	Path string

	// PoolSize is the number of pooled connections. Defaults to
	// max(runtime.NumCPU(), 4) if zero or negative.
	PoolSize int

	// Clock provides the current time for TTL, expiry, and heartbeat
	// decisions. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Open opens (creating if necessary) the SQLite database at cfg.Path,
// applies the schema, and returns a ready Store.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("store: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("store: Logger is required")
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      cfg.Path,
		PoolSize:  cfg.PoolSize,
		Logger:    cfg.Logger,
		OnConnect: applySchema,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	return &Store{pool: pool, clock: cfg.Clock, logger: cfg.Logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// schema holds every table the control plane persists. Applied once
// per connection on first use via sqlitepool's OnConnect hook, using
// CREATE TABLE IF NOT EXISTS so repeated opens against an existing
// database file are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS agent_identities (
	agent_id                TEXT PRIMARY KEY,
	owner                   TEXT NOT NULL,
	display_name            TEXT NOT NULL,
	credential_type         TEXT,
	status                  TEXT NOT NULL,
	public_key_pem          TEXT,
	human_principal_id      TEXT,
	configuration_checksum  TEXT,
	metadata_json           TEXT,
	created_at              TEXT NOT NULL,
	updated_at              TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_credentials (
	credential_id   TEXT PRIMARY KEY,
	agent_id        TEXT NOT NULL REFERENCES agent_identities(agent_id),
	credential_type TEXT NOT NULL,
	secret_hash     TEXT NOT NULL,
	scopes_json     TEXT NOT NULL,
	status          TEXT NOT NULL,
	issued_at       TEXT NOT NULL,
	expires_at      TEXT NOT NULL,
	rotated_from    TEXT,
	rotated_to      TEXT,
	rotated_at      TEXT,
	revoked_at      TEXT,
	revocation_reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_agent_credentials_agent ON agent_credentials(agent_id);
CREATE INDEX IF NOT EXISTS idx_agent_credentials_hash ON agent_credentials(secret_hash);

CREATE TABLE IF NOT EXISTS delegation_tokens (
	token_id             TEXT PRIMARY KEY,
	issuer_agent_id      TEXT NOT NULL,
	subject_agent_id     TEXT NOT NULL,
	owner                TEXT NOT NULL,
	delegated_scopes_json TEXT NOT NULL,
	issued_at            TEXT NOT NULL,
	issued_at_epoch      INTEGER NOT NULL,
	expires_at           TEXT NOT NULL,
	expires_at_epoch     INTEGER NOT NULL,
	parent_token_id      TEXT,
	chain_depth          INTEGER NOT NULL,
	revoked             INTEGER NOT NULL DEFAULT 0,
	revoked_at          TEXT
);
CREATE INDEX IF NOT EXISTS idx_delegation_tokens_parent ON delegation_tokens(parent_token_id);
CREATE INDEX IF NOT EXISTS idx_delegation_tokens_subject ON delegation_tokens(subject_agent_id);

CREATE TABLE IF NOT EXISTS revocation_events (
	event_id      TEXT PRIMARY KEY,
	event_type    TEXT NOT NULL,
	target_id     TEXT NOT NULL,
	owner         TEXT NOT NULL,
	actor         TEXT,
	cascade_count INTEGER NOT NULL,
	reason        TEXT,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_revocation_events_owner ON revocation_events(owner);

CREATE TABLE IF NOT EXISTS idempotency_requests (
	tenant_id          TEXT NOT NULL,
	actor              TEXT NOT NULL,
	method             TEXT NOT NULL,
	route              TEXT NOT NULL,
	idempotency_key    TEXT NOT NULL,
	request_hash       TEXT NOT NULL,
	status             TEXT NOT NULL,
	http_status        INTEGER,
	content_type       TEXT,
	headers_json       TEXT,
	response_body_b64  TEXT,
	created_at         TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	updated_at         TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	PRIMARY KEY (tenant_id, actor, method, route, idempotency_key)
);

CREATE TABLE IF NOT EXISTS delegation_records (
	delegation_id     TEXT PRIMARY KEY,
	token_id          TEXT NOT NULL,
	owner             TEXT NOT NULL,
	delegate_agent_id TEXT,
	stage             TEXT NOT NULL,
	estimated_cost_usd REAL NOT NULL,
	actual_cost_usd   REAL NOT NULL DEFAULT 0,
	max_budget_usd    REAL NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	success           INTEGER,
	latency_ms        REAL,
	error_code        TEXT,
	attempt_count     INTEGER NOT NULL DEFAULT 0,
	heartbeat_at      TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_delegation_records_token ON delegation_records(token_id);
CREATE INDEX IF NOT EXISTS idx_delegation_records_created ON delegation_records(created_at);

CREATE TABLE IF NOT EXISTS budget_events (
	event_id     TEXT PRIMARY KEY,
	token_id     TEXT NOT NULL,
	delegation_id TEXT,
	cost_usd     REAL NOT NULL,
	max_budget_usd REAL NOT NULL,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_budget_events_token ON budget_events(token_id);

CREATE TABLE IF NOT EXISTS policy_decisions (
	decision_id      TEXT PRIMARY KEY,
	actor            TEXT NOT NULL,
	action           TEXT NOT NULL,
	resource         TEXT NOT NULL,
	decision         TEXT NOT NULL,
	violation_codes_json TEXT NOT NULL,
	warning_codes_json   TEXT NOT NULL,
	signature        TEXT NOT NULL,
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trusted_domains (
	domain          TEXT PRIMARY KEY,
	display_name    TEXT NOT NULL DEFAULT '',
	trust_level     TEXT NOT NULL,
	allowed_scopes_json TEXT NOT NULL,
	public_key_pem  TEXT,
	registered_by   TEXT NOT NULL DEFAULT '',
	registered_at   TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_attestations (
	attestation_id TEXT PRIMARY KEY,
	domain         TEXT NOT NULL REFERENCES trusted_domains(domain),
	agent_id       TEXT NOT NULL,
	scopes_json    TEXT NOT NULL,
	signature      TEXT NOT NULL,
	issued_at      TEXT NOT NULL,
	expires_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_attestations_domain ON agent_attestations(domain);

CREATE TABLE IF NOT EXISTS outbox_events (
	sequence    INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type  TEXT NOT NULL,
	payload_cbor BLOB NOT NULL,
	created_at  TEXT NOT NULL,
	delivered   INTEGER NOT NULL DEFAULT 0
);
`

func applySchema(conn *sqlite.Conn) error {
	return sqlitex.ExecuteScript(conn, schema, nil)
}
