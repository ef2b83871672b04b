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

// Delegation lifecycle stages (spec.md §4.9).
const (
	StageDiscovery    = "discovery"
	StageNegotiation  = "negotiation"
	StageExecution    = "execution"
	StageDelivery     = "delivery"
	StageSettlement   = "settlement"
	StageFeedback     = "feedback"
)

// Delegation record statuses.
const (
	DelegationQueued    = "queued"
	DelegationRunning   = "running"
	DelegationSettled   = "settled"
	DelegationFailed    = "failed"
	DelegationCancelled = "cancelled"
)

// DelegationRecord is the durable row backing one delegation lifecycle
// instance. Owner is the requester who opened the delegation (spec.md
// §3's requester_agent_id) and is also who a kill-switch cascade
// cancels records against.
type DelegationRecord struct {
	DelegationID     string     `json:"delegation_id"`
	TokenID          string     `json:"token_id"`
	Owner            string     `json:"requester_agent_id"`
	DelegateAgentID  string     `json:"delegate_agent_id,omitempty"`
	Stage            string     `json:"stage"`
	EstimatedCostUSD float64    `json:"estimated_cost_usd"`
	ActualCostUSD    float64    `json:"actual_cost_usd"`
	MaxBudgetUSD     float64    `json:"max_budget_usd"`
	Status           string     `json:"status"`
	Success          *bool      `json:"success,omitempty"`
	LatencyMS        *float64   `json:"latency_ms,omitempty"`
	ErrorCode        string     `json:"last_error,omitempty"`
	AttemptCount     int        `json:"attempt_count"`
	HeartbeatAt      time.Time  `json:"heartbeat_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// InsertDelegationRecord creates a new delegation record in the queued
// stage.
func (s *Store) InsertDelegationRecord(ctx context.Context, rec DelegationRecord) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: insert delegation record: %w", err)
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`INSERT INTO delegation_records(
			delegation_id, token_id, owner, delegate_agent_id, stage, estimated_cost_usd, actual_cost_usd, max_budget_usd,
			status, heartbeat_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			rec.DelegationID, rec.TokenID, rec.Owner, nullableString(rec.DelegateAgentID), rec.Stage, rec.EstimatedCostUSD, rec.ActualCostUSD, rec.MaxBudgetUSD,
			rec.Status, rec.HeartbeatAt.Format(timeLayout), rec.CreatedAt.Format(timeLayout), rec.UpdatedAt.Format(timeLayout),
		}})
}

// GetDelegationRecord fetches a delegation record by ID.
func (s *Store) GetDelegationRecord(ctx context.Context, delegationID string) (DelegationRecord, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return DelegationRecord{}, false, fmt.Errorf("store: get delegation record: %w", err)
	}
	defer s.pool.Put(conn)
	return getDelegationRecord(conn, delegationID)
}

func getDelegationRecord(conn *sqlite.Conn, delegationID string) (DelegationRecord, bool, error) {
	var (
		found bool
		rec   DelegationRecord
	)
	err := sqlitex.Execute(conn,
		`SELECT delegation_id, token_id, owner, delegate_agent_id, stage, estimated_cost_usd, actual_cost_usd, max_budget_usd,
		        status, success, latency_ms, error_code, attempt_count, heartbeat_at, created_at, updated_at
		 FROM delegation_records WHERE delegation_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{delegationID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				rec = scanDelegationRecord(stmt)
				return nil
			},
		})
	if err != nil {
		return DelegationRecord{}, false, err
	}
	return rec, found, nil
}

// scanDelegationRecord expects the column order:
// delegation_id, token_id, owner, delegate_agent_id, stage, estimated_cost_usd, actual_cost_usd, max_budget_usd,
// status, success, latency_ms, error_code, attempt_count, heartbeat_at, created_at, updated_at
func scanDelegationRecord(stmt *sqlite.Stmt) DelegationRecord {
	heartbeatAt, _ := time.Parse(timeLayout, stmt.ColumnText(13))
	createdAt, _ := time.Parse(timeLayout, stmt.ColumnText(14))
	updatedAt, _ := time.Parse(timeLayout, stmt.ColumnText(15))

	rec := DelegationRecord{
		DelegationID:     stmt.ColumnText(0),
		TokenID:          stmt.ColumnText(1),
		Owner:            stmt.ColumnText(2),
		DelegateAgentID:  stmt.ColumnText(3),
		Stage:            stmt.ColumnText(4),
		EstimatedCostUSD: stmt.ColumnFloat(5),
		ActualCostUSD:    stmt.ColumnFloat(6),
		MaxBudgetUSD:     stmt.ColumnFloat(7),
		Status:           stmt.ColumnText(8),
		ErrorCode:        stmt.ColumnText(11),
		AttemptCount:     int(stmt.ColumnInt64(12)),
		HeartbeatAt:      heartbeatAt,
		CreatedAt:        createdAt,
		UpdatedAt:        updatedAt,
	}
	if stmt.ColumnType(9) != sqlite.TypeNull {
		success := stmt.ColumnInt64(9) != 0
		rec.Success = &success
	}
	if stmt.ColumnType(10) != sqlite.TypeNull {
		latency := stmt.ColumnFloat(10)
		rec.LatencyMS = &latency
	}
	return rec
}

// UpdateDelegationStage advances a delegation record's stage/status and
// bumps its heartbeat. Used by every lifecycle transition (spec.md
// §4.9): one transactional write per stage.
func (s *Store) UpdateDelegationStage(ctx context.Context, delegationID, stage, status string, actualCostUSD *float64, now time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: update delegation stage: %w", err)
	}
	defer s.pool.Put(conn)

	if actualCostUSD != nil {
		return sqlitex.Execute(conn,
			`UPDATE delegation_records SET stage = ?, status = ?, actual_cost_usd = ?, heartbeat_at = ?, updated_at = ?
			 WHERE delegation_id = ?`,
			&sqlitex.ExecOptions{Args: []any{stage, status, *actualCostUSD, now.Format(timeLayout), now.Format(timeLayout), delegationID}})
	}
	return sqlitex.Execute(conn,
		`UPDATE delegation_records SET stage = ?, status = ?, heartbeat_at = ?, updated_at = ?
		 WHERE delegation_id = ?`,
		&sqlitex.ExecOptions{Args: []any{stage, status, now.Format(timeLayout), now.Format(timeLayout), delegationID}})
}

// RecordDelegationOutcome finalizes a delegation record's terminal
// status, success flag, latency, and error code (used by the breaker's
// sliding window and the settlement stage).
func (s *Store) RecordDelegationOutcome(ctx context.Context, delegationID, status string, success bool, latencyMS float64, errorCode string, now time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: record delegation outcome: %w", err)
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`UPDATE delegation_records SET status = ?, success = ?, latency_ms = ?, error_code = ?, updated_at = ?
		 WHERE delegation_id = ?`,
		&sqlitex.ExecOptions{Args: []any{status, boolToInt(success), latencyMS, nullableString(errorCode), now.Format(timeLayout), delegationID}})
}

// IncrementAttemptCount bumps the attempt counter, used by the
// execution-stage retry matrix.
func (s *Store) IncrementAttemptCount(ctx context.Context, delegationID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: increment attempt count: %w", err)
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`UPDATE delegation_records SET attempt_count = attempt_count + 1 WHERE delegation_id = ?`,
		&sqlitex.ExecOptions{Args: []any{delegationID}})
}

// TouchHeartbeat refreshes heartbeat_at for a running delegation record.
func (s *Store) TouchHeartbeat(ctx context.Context, delegationID string, now time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: touch heartbeat: %w", err)
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`UPDATE delegation_records SET heartbeat_at = ? WHERE delegation_id = ?`,
		&sqlitex.ExecOptions{Args: []any{now.Format(timeLayout), delegationID}})
}

// ReclaimStaleRunning finds every "running" delegation record whose
// heartbeat is older than staleAfter and resumes it from its last
// persisted stage: status flips back to queued, leaving `stage`
// untouched, so a caller can pick the record back up and continue
// driving it forward from where the crashed execution left off, and
// the heartbeat is refreshed so a just-reclaimed record isn't
// immediately reclaimed again on the reaper's next tick. Returns the
// reclaimed delegation IDs (spec.md §4.9, §5).
func (s *Store) ReclaimStaleRunning(ctx context.Context, staleAfter time.Duration, now time.Time) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: reclaim stale running: %w", err)
	}
	defer s.pool.Put(conn)

	cutoff := now.Add(-staleAfter).Format(timeLayout)

	var ids []string
	err = sqlitex.Execute(conn,
		`SELECT delegation_id FROM delegation_records WHERE status = 'running' AND heartbeat_at < ?`,
		&sqlitex.ExecOptions{
			Args: []any{cutoff},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: reclaim stale running: select: %w", err)
	}

	for _, id := range ids {
		if err := sqlitex.Execute(conn,
			`UPDATE delegation_records SET status = 'queued', attempt_count = attempt_count + 1, heartbeat_at = ?, updated_at = ?
			 WHERE delegation_id = ?`,
			&sqlitex.ExecOptions{Args: []any{now.Format(timeLayout), now.Format(timeLayout), id}}); err != nil {
			return nil, fmt.Errorf("store: reclaim stale running: update %s: %w", id, err)
		}
	}
	return ids, nil
}

// RecentDelegationRecords returns the most recent windowSize delegation
// records that have a recorded outcome (success set), newest first. Used
// by the reliability breaker's sliding window (spec.md §4.10).
func (s *Store) RecentDelegationRecords(ctx context.Context, windowSize int) ([]DelegationRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: recent delegation records: %w", err)
	}
	defer s.pool.Put(conn)

	var records []DelegationRecord
	err = sqlitex.Execute(conn,
		`SELECT delegation_id, token_id, owner, delegate_agent_id, stage, estimated_cost_usd, actual_cost_usd, max_budget_usd,
		        status, success, latency_ms, error_code, attempt_count, heartbeat_at, created_at, updated_at
		 FROM delegation_records WHERE success IS NOT NULL ORDER BY created_at DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{windowSize},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, scanDelegationRecord(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: recent delegation records: %w", err)
	}
	return records, nil
}

// cancelDelegationRecordsForOwnerLocked transitions every non-terminal
// delegation record owned by agentID to cancelled, as part of the
// kill-switch cascade. Matches spec.md §4.6 step 4: "signal any
// lease/delegation-lifecycle records owned by X to transition to
// cancelled on next touch" — this implementation cancels immediately
// under the same transaction rather than deferring to next touch,
// which is strictly stronger (no in-flight grant can outlive the
// revoke, satisfying the <1s target with no read caches above the
// store).
func cancelDelegationRecordsForOwnerLocked(conn *sqlite.Conn, ownerAgentID string, now time.Time) (int, error) {
	err := sqlitex.Execute(conn,
		`UPDATE delegation_records SET status = 'cancelled', updated_at = ?
		 WHERE owner = ? AND status IN ('queued', 'running')`,
		&sqlitex.ExecOptions{Args: []any{now.Format(timeLayout), ownerAgentID}})
	if err != nil {
		return 0, err
	}
	return int(conn.Changes()), nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
