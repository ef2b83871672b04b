// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// IdempotencyState is the outcome of a reservation attempt.
type IdempotencyState string

const (
	// IdempotencyReserved means this is the first request with this
	// key; the caller should proceed to handle it and call Complete.
	IdempotencyReserved IdempotencyState = "reserved"
	// IdempotencyMismatch means the key was reused with a different
	// request body.
	IdempotencyMismatch IdempotencyState = "mismatch"
	// IdempotencyPending means a request with this key is still being
	// processed (no response recorded yet).
	IdempotencyPending IdempotencyState = "pending"
	// IdempotencyResponse means a completed response is available for
	// replay.
	IdempotencyResponse IdempotencyState = "response"
)

// IdempotencyKey identifies a single idempotent write slot.
type IdempotencyKey struct {
	TenantID string
	Actor    string
	Method   string
	Route    string
	Key      string
}

// StoredResponse is a previously recorded HTTP response, replayed
// verbatim on a duplicate request.
type StoredResponse struct {
	StatusCode  int
	ContentType string
	Headers     map[string]string
	Body        []byte
}

// ReserveResult is the outcome of ReserveIdempotency.
type ReserveResult struct {
	State    IdempotencyState
	Response *StoredResponse // set only when State == IdempotencyResponse
}

// ReserveIdempotency attempts to reserve the write slot identified by
// key for a request whose canonical body hash is requestHash. Mirrors
// the reserve/finalize contract of the original idempotency store: a
// first-seen key reserves the slot (IdempotencyReserved); a replay with
// the same hash returns either IdempotencyPending (still in flight) or
// IdempotencyResponse (replay the stored response); a replay with a
// different hash returns IdempotencyMismatch.
func (s *Store) ReserveIdempotency(ctx context.Context, key IdempotencyKey, requestHash string) (ReserveResult, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return ReserveResult{}, fmt.Errorf("store: reserve idempotency: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return ReserveResult{}, fmt.Errorf("store: reserve idempotency: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var (
		found                                                    bool
		existingHash, status, contentType, headersJSON, bodyB64 string
		httpStatus                                              int64
	)
	err = sqlitex.Execute(conn,
		`SELECT request_hash, status, http_status, content_type, headers_json, response_body_b64
		 FROM idempotency_requests
		 WHERE tenant_id = ? AND actor = ? AND method = ? AND route = ? AND idempotency_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key.TenantID, key.Actor, key.Method, key.Route, key.Key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				existingHash = stmt.ColumnText(0)
				status = stmt.ColumnText(1)
				httpStatus = stmt.ColumnInt64(2)
				contentType = stmt.ColumnText(3)
				headersJSON = stmt.ColumnText(4)
				bodyB64 = stmt.ColumnText(5)
				return nil
			},
		})
	if err != nil {
		return ReserveResult{}, fmt.Errorf("store: reserve idempotency: lookup: %w", err)
	}

	if !found {
		err = sqlitex.Execute(conn,
			`INSERT INTO idempotency_requests(tenant_id, actor, method, route, idempotency_key, request_hash, status)
			 VALUES (?, ?, ?, ?, ?, ?, 'pending')`,
			&sqlitex.ExecOptions{Args: []any{key.TenantID, key.Actor, key.Method, key.Route, key.Key, requestHash}})
		if err != nil {
			return ReserveResult{}, fmt.Errorf("store: reserve idempotency: insert: %w", err)
		}
		return ReserveResult{State: IdempotencyReserved}, nil
	}

	if existingHash != requestHash {
		return ReserveResult{State: IdempotencyMismatch}, nil
	}

	if status != "completed" || bodyB64 == "" {
		return ReserveResult{State: IdempotencyPending}, nil
	}

	headers := map[string]string{}
	if headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
			return ReserveResult{}, fmt.Errorf("store: reserve idempotency: decoding headers: %w", err)
		}
	}
	body, err := base64.StdEncoding.DecodeString(bodyB64)
	if err != nil {
		return ReserveResult{}, fmt.Errorf("store: reserve idempotency: decoding body: %w", err)
	}
	if contentType == "" {
		contentType = "application/json"
	}
	if httpStatus == 0 {
		httpStatus = 200
	}

	return ReserveResult{
		State: IdempotencyResponse,
		Response: &StoredResponse{
			StatusCode:  int(httpStatus),
			ContentType: contentType,
			Headers:     headers,
			Body:        body,
		},
	}, nil
}

// filteredIdempotencyHeaders excludes response headers that legitimately
// vary between an original response and a replay (Date, Server,
// Content-Length) so they are never persisted and never compared.
var filteredIdempotencyHeaders = map[string]bool{
	"date":           true,
	"server":         true,
	"content-length": true,
}

// CompleteIdempotency records the final response for a reserved slot so
// future requests with the same key replay it instead of re-executing
// the write.
func (s *Store) CompleteIdempotency(ctx context.Context, key IdempotencyKey, resp StoredResponse) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: complete idempotency: %w", err)
	}
	defer s.pool.Put(conn)

	filtered := make(map[string]string, len(resp.Headers))
	for name, value := range resp.Headers {
		if filteredIdempotencyHeaders[lowerASCII(name)] {
			continue
		}
		filtered[name] = value
	}
	headersJSON, err := json.Marshal(filtered)
	if err != nil {
		return fmt.Errorf("store: complete idempotency: encoding headers: %w", err)
	}
	bodyB64 := base64.StdEncoding.EncodeToString(resp.Body)

	return sqlitex.Execute(conn,
		`UPDATE idempotency_requests
		 SET status = 'completed', http_status = ?, content_type = ?, headers_json = ?, response_body_b64 = ?,
		     updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE tenant_id = ? AND actor = ? AND method = ? AND route = ? AND idempotency_key = ?`,
		&sqlitex.ExecOptions{Args: []any{
			resp.StatusCode, resp.ContentType, string(headersJSON), bodyB64,
			key.TenantID, key.Actor, key.Method, key.Route, key.Key,
		}})
}

// ClearIdempotency removes a reservation, used to unblock a slot after
// a request handler panics or fails before completing.
func (s *Store) ClearIdempotency(ctx context.Context, key IdempotencyKey) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: clear idempotency: %w", err)
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`DELETE FROM idempotency_requests
		 WHERE tenant_id = ? AND actor = ? AND method = ? AND route = ? AND idempotency_key = ?`,
		&sqlitex.ExecOptions{Args: []any{key.TenantID, key.Actor, key.Method, key.Route, key.Key}})
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
