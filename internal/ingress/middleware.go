// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/control-plane/internal/apierr"
	"github.com/agenthub/control-plane/internal/authn"
	"github.com/agenthub/control-plane/internal/config"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	principalKey
)

// requestID returns the request ID stashed in ctx, or "" if none.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// principalFrom returns the authn.Principal stashed in ctx by
// withAuth. Handlers registered without withAuth never call this.
func principalFrom(ctx context.Context) authn.Principal {
	p, _ := ctx.Value(principalKey).(authn.Principal)
	return p
}

// withRequestID assigns every request a UUID, echoed back on
// X-Request-Id and threaded through the request-scoped logger.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withLogging logs one structured line per request: method, path,
// status, duration, and request id. Grounded on the reference
// implementation's access-log middleware (SPEC_FULL.md §5).
func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.InfoContext(r.Context(), "request",
			"request_id", requestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

// statusRecorder captures the status code written by a downstream
// handler for access logging, since http.ResponseWriter has no getter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withRecover converts a panicking handler into a 500 response instead
// of crashing the process, logging the panic value.
func withRecover(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.ErrorContext(r.Context(), "handler panic", "request_id", requestID(r.Context()), "panic", rec)
				writeError(r.Context(), w, logger, apierr.Internal(nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// timeoutWriter mediates access to the real http.ResponseWriter between
// withTimeout's timeout branch and the handler goroutine it raced
// against. Once markTimedOut is called, every subsequent Header/Write/
// WriteHeader from the still-running handler is redirected to a scratch
// header or dropped instead of touching the real ResponseWriter, so the
// timeout branch's own write of the 504 body never races with it.
type timeoutWriter struct {
	mu          sync.Mutex
	underlying  http.ResponseWriter
	timedOut    bool
	wroteHeader bool
	deadHeader  http.Header
}

func (tw *timeoutWriter) Header() http.Header {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		if tw.deadHeader == nil {
			tw.deadHeader = make(http.Header)
		}
		return tw.deadHeader
	}
	return tw.underlying.Header()
}

func (tw *timeoutWriter) WriteHeader(status int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	tw.underlying.WriteHeader(status)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return len(b), nil
	}
	if !tw.wroteHeader {
		tw.wroteHeader = true
		tw.underlying.WriteHeader(http.StatusOK)
	}
	return tw.underlying.Write(b)
}

func (tw *timeoutWriter) markTimedOut() {
	tw.mu.Lock()
	tw.timedOut = true
	tw.mu.Unlock()
}

// withTimeout bounds request handling to timeout, mapping an exceeded
// deadline to timeout.request_exceeded / 504 (spec.md §5). The handler
// keeps running in its own goroutine past the deadline (Go gives no way
// to preempt it), so its writes are routed through timeoutWriter to
// avoid racing with the 504 response, and downstream idempotency
// handling (withIdempotency) observes ctx.Done() itself to fail the
// reservation rather than leaving it pending (spec.md §5, §7).
func withTimeout(timeout time.Duration, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		tw := &timeoutWriter{underlying: w}

		done := make(chan struct{})
		go func() {
			defer close(done)
			next.ServeHTTP(tw, r.WithContext(ctx))
		}()

		select {
		case <-done:
		case <-ctx.Done():
			tw.markTimedOut()
			writeError(r.Context(), w, logger, apierr.Timeout("timeout.request_exceeded: request exceeded %s", timeout))
		}
	})
}

// withAuth resolves the caller's Principal and stashes it in the
// request context. In config.Warn mode a resolution failure is logged
// and the request proceeds as an unauthenticated, wildcard-scoped
// principal with an advisory header attached, matching the rollout
// posture spec.md §5 describes for access_enforcement_mode.
func withAuth(resolver *authn.Resolver, mode config.AccessMode, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := resolver.Resolve(r.Context(), r)
		if err != nil {
			if mode == config.Warn {
				logger.WarnContext(r.Context(), "auth resolution failed in warn mode, allowing request",
					"request_id", requestID(r.Context()), "error", err)
				w.Header().Set("X-Agenthub-Warn-Mode-Bypass", "true")
				principal = authn.Principal{Method: "warn_bypass", Scopes: []string{"*"}}
			} else {
				writeError(r.Context(), w, logger, err)
				return
			}
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
