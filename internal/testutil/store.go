// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for the control
// plane's packages: a temp-file SQLite store and a fake clock wired
// together the way production wires store.Store to lib/clock.Clock.
package testutil

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/agenthub/control-plane/internal/store"
	"github.com/agenthub/control-plane/lib/clock"
)

// NewTempStore opens a Store backed by a SQLite file in t.TempDir(),
// closed automatically via t.Cleanup. fakeClock lets tests control
// TTL/expiry/heartbeat behavior deterministically.
func NewTempStore(t *testing.T) (*store.Store, *clock.FakeClock) {
	t.Helper()

	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "agenthub.db")

	st, err := store.Open(store.Config{
		Path:     path,
		PoolSize: 1,
		Clock:    fake,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("testutil: opening store: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("testutil: closing store: %v", err)
		}
	})
	return st, fake
}

// RequireNoError fails the test immediately if err is non-nil.
func RequireNoError(t *testing.T, err error, msgAndArgs ...any) {
	t.Helper()
	if err == nil {
		return
	}
	if len(msgAndArgs) > 0 {
		t.Fatalf("%v: %v", msgAndArgs[0], err)
	}
	t.Fatalf("unexpected error: %v", err)
}
