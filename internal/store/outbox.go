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

// OutboxEvent is a durable, CBOR-encoded event awaiting delivery to a
// downstream consumer (billing, trust scoring, federation audit). The
// only writer in this module is lifecycle's Feedback, which inserts
// the usage-signal row as a standalone write via InsertOutboxEvent.
type OutboxEvent struct {
	Sequence    int64
	EventType   string
	PayloadCBOR []byte
	CreatedAt   time.Time
	Delivered   bool
}

// InsertOutboxEventLocked writes an outbox row using an already-open
// connection, so callers can include it inside their own transaction.
func InsertOutboxEventLocked(conn *sqlite.Conn, eventType string, payloadCBOR []byte, now time.Time) error {
	return sqlitex.Execute(conn,
		`INSERT INTO outbox_events(event_type, payload_cbor, created_at) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{eventType, payloadCBOR, now.Format(timeLayout)}})
}

// InsertOutboxEvent writes an outbox row in its own transaction, for
// callers that have no enclosing transaction of their own.
func (s *Store) InsertOutboxEvent(ctx context.Context, eventType string, payloadCBOR []byte, now time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: insert outbox event: %w", err)
	}
	defer s.pool.Put(conn)
	return InsertOutboxEventLocked(conn, eventType, payloadCBOR, now)
}

// PendingOutboxEvents returns up to limit undelivered events, oldest
// first, for the dispatcher to drain.
func (s *Store) PendingOutboxEvents(ctx context.Context, limit int) ([]OutboxEvent, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: pending outbox events: %w", err)
	}
	defer s.pool.Put(conn)

	var events []OutboxEvent
	err = sqlitex.Execute(conn,
		`SELECT sequence, event_type, payload_cbor, created_at, delivered
		 FROM outbox_events WHERE delivered = 0 ORDER BY sequence ASC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				createdAt, _ := time.Parse(timeLayout, stmt.ColumnText(3))
				payload := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, payload)
				events = append(events, OutboxEvent{
					Sequence:    stmt.ColumnInt64(0),
					EventType:   stmt.ColumnText(1),
					PayloadCBOR: payload,
					CreatedAt:   createdAt,
					Delivered:   stmt.ColumnInt64(4) != 0,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: pending outbox events: %w", err)
	}
	return events, nil
}

// MarkOutboxDelivered flags a set of sequences as delivered. Delivery
// is at-least-once: a dispatcher crash between a successful downstream
// send and this call causes a harmless redelivery.
func (s *Store) MarkOutboxDelivered(ctx context.Context, sequences []int64) error {
	if len(sequences) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: mark outbox delivered: %w", err)
	}
	defer s.pool.Put(conn)

	for _, seq := range sequences {
		if err := sqlitex.Execute(conn,
			`UPDATE outbox_events SET delivered = 1 WHERE sequence = ?`,
			&sqlitex.ExecOptions{Args: []any{seq}}); err != nil {
			return fmt.Errorf("store: mark outbox delivered: sequence %d: %w", seq, err)
		}
	}
	return nil
}
