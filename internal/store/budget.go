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

// BudgetEvent is one cost-bearing debit against a delegation token's
// budget (spec.md §3).
type BudgetEvent struct {
	EventID      string    `json:"event_id"`
	TokenID      string    `json:"token_id"`
	DelegationID string    `json:"delegation_id,omitempty"`
	CostUSD      float64   `json:"cost_usd"`
	MaxBudgetUSD float64   `json:"max_budget_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// InsertBudgetEventAndSum inserts a budget event and returns the total
// spend for tokenID after the insert, in one transaction so concurrent
// writers against the same token can never both observe a ratio below
// hard_stop and then both commit (spec.md §4.8).
func (s *Store) InsertBudgetEventAndSum(ctx context.Context, event BudgetEvent) (totalUSD float64, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: insert budget event: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("store: insert budget event: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if err = sqlitex.Execute(conn,
		`INSERT INTO budget_events(event_id, token_id, delegation_id, cost_usd, max_budget_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			event.EventID, event.TokenID, nullableString(event.DelegationID), event.CostUSD, event.MaxBudgetUSD,
			event.CreatedAt.Format(timeLayout),
		}}); err != nil {
		return 0, fmt.Errorf("store: insert budget event: %w", err)
	}

	total, sumErr := sumBudgetEventsLocked(conn, event.TokenID)
	if sumErr != nil {
		err = sumErr
		return 0, fmt.Errorf("store: insert budget event: sum: %w", err)
	}
	return total, nil
}

// SumBudgetEvents returns the total spend recorded against tokenID.
func (s *Store) SumBudgetEvents(ctx context.Context, tokenID string) (float64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: sum budget events: %w", err)
	}
	defer s.pool.Put(conn)
	return sumBudgetEventsLocked(conn, tokenID)
}

func sumBudgetEventsLocked(conn *sqlite.Conn, tokenID string) (float64, error) {
	var total float64
	err := sqlitex.Execute(conn,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM budget_events WHERE token_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{tokenID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				total = stmt.ColumnFloat(0)
				return nil
			},
		})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// ListBudgetEvents returns every budget event recorded against tokenID,
// oldest first (audit trail).
func (s *Store) ListBudgetEvents(ctx context.Context, tokenID string) ([]BudgetEvent, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list budget events: %w", err)
	}
	defer s.pool.Put(conn)

	var events []BudgetEvent
	err = sqlitex.Execute(conn,
		`SELECT event_id, token_id, delegation_id, cost_usd, max_budget_usd, created_at
		 FROM budget_events WHERE token_id = ? ORDER BY created_at ASC`,
		&sqlitex.ExecOptions{
			Args: []any{tokenID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				createdAt, _ := time.Parse(timeLayout, stmt.ColumnText(5))
				events = append(events, BudgetEvent{
					EventID:      stmt.ColumnText(0),
					TokenID:      stmt.ColumnText(1),
					DelegationID: stmt.ColumnText(2),
					CostUSD:      stmt.ColumnFloat(3),
					MaxBudgetUSD: stmt.ColumnFloat(4),
					CreatedAt:    createdAt,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list budget events: %w", err)
	}
	return events, nil
}
