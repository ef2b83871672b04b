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

// PolicyDecisionRecord is the persisted audit copy of a PolicyDecision
// (spec.md §3, §4.7). The ephemeral decision is always returned to the
// caller synchronously; this row exists so operators can reconstruct
// "why" without replaying state.
type PolicyDecisionRecord struct {
	DecisionID      string
	Actor           string
	Action          string
	Resource        string
	Decision        string
	ViolationCodes  []string
	WarningCodes    []string
	Signature       string
	CreatedAt       time.Time
}

// InsertPolicyDecision appends an audit record of a policy evaluation.
func (s *Store) InsertPolicyDecision(ctx context.Context, rec PolicyDecisionRecord) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: insert policy decision: %w", err)
	}
	defer s.pool.Put(conn)

	violationsJSON, err := json.Marshal(rec.ViolationCodes)
	if err != nil {
		return fmt.Errorf("store: insert policy decision: encoding violations: %w", err)
	}
	warningsJSON, err := json.Marshal(rec.WarningCodes)
	if err != nil {
		return fmt.Errorf("store: insert policy decision: encoding warnings: %w", err)
	}

	return sqlitex.Execute(conn,
		`INSERT INTO policy_decisions(decision_id, actor, action, resource, decision, violation_codes_json, warning_codes_json, signature, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			rec.DecisionID, rec.Actor, rec.Action, rec.Resource, rec.Decision,
			string(violationsJSON), string(warningsJSON), rec.Signature, rec.CreatedAt.Format(timeLayout),
		}})
}

// ListPolicyDecisionsForActor returns the audit trail of policy
// decisions evaluated for a given actor, most recent first.
func (s *Store) ListPolicyDecisionsForActor(ctx context.Context, actor string) ([]PolicyDecisionRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list policy decisions: %w", err)
	}
	defer s.pool.Put(conn)

	var records []PolicyDecisionRecord
	err = sqlitex.Execute(conn,
		`SELECT decision_id, actor, action, resource, decision, violation_codes_json, warning_codes_json, signature, created_at
		 FROM policy_decisions WHERE actor = ? ORDER BY created_at DESC`,
		&sqlitex.ExecOptions{
			Args: []any{actor},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var violations, warnings []string
				if err := json.Unmarshal([]byte(stmt.ColumnText(5)), &violations); err != nil {
					return err
				}
				if err := json.Unmarshal([]byte(stmt.ColumnText(6)), &warnings); err != nil {
					return err
				}
				createdAt, _ := time.Parse(timeLayout, stmt.ColumnText(8))
				records = append(records, PolicyDecisionRecord{
					DecisionID:     stmt.ColumnText(0),
					Actor:          stmt.ColumnText(1),
					Action:         stmt.ColumnText(2),
					Resource:       stmt.ColumnText(3),
					Decision:       stmt.ColumnText(4),
					ViolationCodes: violations,
					WarningCodes:   warnings,
					Signature:      stmt.ColumnText(7),
					CreatedAt:      createdAt,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list policy decisions: %w", err)
	}
	return records, nil
}
