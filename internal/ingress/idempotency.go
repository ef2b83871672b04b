// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/agenthub/control-plane/internal/apierr"
	"github.com/agenthub/control-plane/internal/cryptoutil"
	"github.com/agenthub/control-plane/internal/store"
)

// replayHeader marks a response served from the idempotency store
// instead of freshly executed (spec.md §4.2).
const replayHeader = "X-Agenthub-Idempotent-Replay"

// withIdempotency requires an Idempotency-Key header on route and
// enforces the reserve/complete contract from store.ReserveIdempotency
// (spec.md §4.2): a first-seen key executes normally and its response
// is recorded for replay; a replay with an identical body replays the
// recorded response; a replay with a different body is rejected as
// idempotency.key_reused_with_different_payload.
func withIdempotency(st *store.Store, logger *slog.Logger, method, route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			writeError(ctx, w, logger, apierr.Validation("schema.missing_idempotency_key", "Idempotency-Key header is required on %s %s", method, route))
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(ctx, w, logger, apierr.Validation("schema.malformed_json", "could not read request body: %v", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		requestHash := hashRequestBody(body)
		principal := principalFrom(ctx)
		actor := principal.AgentID
		if actor == "" {
			actor = principal.Owner
		}
		idemKey := store.IdempotencyKey{
			TenantID: principal.Owner,
			Actor:    actor,
			Method:   method,
			Route:    route,
			Key:      key,
		}

		result, err := st.ReserveIdempotency(ctx, idemKey, requestHash)
		if err != nil {
			writeError(ctx, w, logger, apierr.Internal(err))
			return
		}

		switch result.State {
		case store.IdempotencyMismatch:
			writeError(ctx, w, logger, apierr.IdempotencyConflict("idempotency.key_reused_with_different_payload: %q was used with a different request body", key))
			return
		case store.IdempotencyPending:
			writeError(ctx, w, logger, apierr.IdempotencyConflict("idempotency.request_in_progress: a request with key %q is still being processed", key))
			return
		case store.IdempotencyResponse:
			replayStoredResponse(w, result.Response)
			return
		}

		// withTimeout races this handler against ctx's deadline and
		// abandons it (still running) on expiry. Rather than relying on
		// this still-running handler to eventually clear the
		// reservation itself, arrange for it to be cleared the instant
		// ctx is done, so a retry with the same key after a 504 gets a
		// fresh reservation instead of idempotency.request_in_progress.
		stopClearOnExpiry := context.AfterFunc(ctx, func() {
			if err := st.ClearIdempotency(context.WithoutCancel(ctx), idemKey); err != nil {
				logger.ErrorContext(context.WithoutCancel(ctx), "idempotency: failed to clear reservation after timeout", "error", err)
			}
		})

		rec := &captureRecorder{ResponseWriter: w, status: http.StatusOK, header: make(http.Header)}
		next(rec, r)

		if !stopClearOnExpiry() {
			// ctx was already done by the time the handler returned: the
			// AfterFunc above owns clearing the reservation, so don't
			// also complete or clear it here on top of that.
			return
		}

		if rec.status >= 500 {
			if err := st.ClearIdempotency(ctx, idemKey); err != nil {
				logger.ErrorContext(ctx, "idempotency: failed to clear reservation after handler error", "error", err)
			}
			return
		}

		headers := make(map[string]string, len(rec.header))
		for name := range rec.header {
			headers[name] = rec.header.Get(name)
		}
		if err := st.CompleteIdempotency(ctx, idemKey, store.StoredResponse{
			StatusCode:  rec.status,
			ContentType: rec.header.Get("Content-Type"),
			Headers:     headers,
			Body:        rec.body.Bytes(),
		}); err != nil {
			logger.ErrorContext(ctx, "idempotency: failed to record completed response", "error", err)
		}
	}
}

func hashRequestBody(body []byte) string {
	// The idempotency store doesn't need a keyed MAC, only a stable
	// content fingerprint; reuse cryptoutil.Hash with a fixed domain
	// separator instead of adding a second hashing primitive.
	return cryptoutil.Hash([]byte("agenthub-idempotency-request-hash"), body)
}

func replayStoredResponse(w http.ResponseWriter, resp *store.StoredResponse) {
	if resp == nil {
		return
	}
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set(replayHeader, "true")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// captureRecorder buffers a handler's response so it can be persisted
// for idempotent replay after the fact.
type captureRecorder struct {
	http.ResponseWriter
	header    http.Header
	status    int
	body      bytes.Buffer
	wroteHead bool
}

func (r *captureRecorder) Header() http.Header { return r.header }

func (r *captureRecorder) WriteHeader(status int) {
	if r.wroteHead {
		return
	}
	r.wroteHead = true
	r.status = status
	for name, values := range r.header {
		for _, v := range values {
			r.ResponseWriter.Header().Add(name, v)
		}
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *captureRecorder) Write(b []byte) (int, error) {
	if !r.wroteHead {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
