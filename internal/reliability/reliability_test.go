// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reliability_test

import (
	"context"
	"testing"
	"time"

	"github.com/agenthub/control-plane/internal/config"
	"github.com/agenthub/control-plane/internal/reliability"
	"github.com/agenthub/control-plane/internal/store"
	"github.com/agenthub/control-plane/internal/testutil"
)

func seedRecord(t *testing.T, st *store.Store, now time.Time, success bool, errorCode string) {
	t.Helper()
	rec := store.DelegationRecord{
		DelegationID: "del-" + randSuffix(),
		TokenID:      "dtk-seed",
		Owner:        "agt-owner",
		Stage:        store.StageFeedback,
		MaxBudgetUSD: 10,
		Status:       store.DelegationSettled,
		HeartbeatAt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	testutil.RequireNoError(t, st.InsertDelegationRecord(context.Background(), rec))
	testutil.RequireNoError(t, st.RecordDelegationOutcome(context.Background(), rec.DelegationID, rec.Status, success, 50, errorCode, now))
}

var seedCounter int

func randSuffix() string {
	seedCounter++
	return time.Duration(seedCounter).String()
}

// TestBreakerOpensOnErrorRate implements spec.md §8 scenario S5: seed
// 12 delegations with 4 failures (error rate ~0.33) and expect the
// breaker to open.
func TestBreakerOpensOnErrorRate(t *testing.T) {
	st, fake := testutil.NewTempStore(t)
	engine := reliability.New(st, config.DefaultReliability())
	ctx := context.Background()
	now := fake.Now()

	for i := 0; i < 8; i++ {
		seedRecord(t, st, now, true, "")
	}
	for i := 0; i < 4; i++ {
		seedRecord(t, st, now, false, "delegate_timeout")
	}

	dash, err := engine.Evaluate(ctx, 50)
	testutil.RequireNoError(t, err)
	if dash.CircuitBreaker.State != reliability.StateOpen {
		t.Fatalf("expected open, got %s (error_rate=%v)", dash.CircuitBreaker.State, dash.ErrorRate)
	}
}

func TestBreakerClosedBelowMinSamples(t *testing.T) {
	st, fake := testutil.NewTempStore(t)
	engine := reliability.New(st, config.DefaultReliability())
	ctx := context.Background()
	now := fake.Now()

	for i := 0; i < 3; i++ {
		seedRecord(t, st, now, false, "delegate_timeout")
	}

	dash, err := engine.Evaluate(ctx, 50)
	testutil.RequireNoError(t, err)
	if dash.CircuitBreaker.State != reliability.StateClosed {
		t.Fatalf("expected closed below min samples, got %s", dash.CircuitBreaker.State)
	}
	if dash.EnforcementActive {
		t.Fatal("expected enforcement inactive below min samples")
	}
}

func TestBreakerOpensOnHardStopRate(t *testing.T) {
	st, fake := testutil.NewTempStore(t)
	engine := reliability.New(st, config.DefaultReliability())
	ctx := context.Background()
	now := fake.Now()

	for i := 0; i < 8; i++ {
		seedRecord(t, st, now, true, "")
	}
	for i := 0; i < 3; i++ {
		seedRecord(t, st, now, false, "hard_stop_budget")
	}

	dash, err := engine.Evaluate(ctx, 50)
	testutil.RequireNoError(t, err)
	if dash.CircuitBreaker.State != reliability.StateOpen {
		t.Fatalf("expected open on hard stop rate, got %s (hard_stop_rate=%v)", dash.CircuitBreaker.State, dash.HardStopRate)
	}

	found := false
	for _, alert := range dash.Alerts {
		if alert == reliability.AlertCircuitBreakerHardStop {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected circuit_breaker.hard_stop_rate alert, got %v", dash.Alerts)
	}
}

func TestHalfOpenRequiresPriorOpenAndFiveCleanSamples(t *testing.T) {
	st, fake := testutil.NewTempStore(t)
	engine := reliability.New(st, config.DefaultReliability())
	ctx := context.Background()
	now := fake.Now()

	for i := 0; i < 8; i++ {
		seedRecord(t, st, now, true, "")
	}
	for i := 0; i < 4; i++ {
		seedRecord(t, st, now, false, "delegate_timeout")
	}
	dash, err := engine.Evaluate(ctx, 50)
	testutil.RequireNoError(t, err)
	if dash.CircuitBreaker.State != reliability.StateOpen {
		t.Fatalf("expected open first, got %s", dash.CircuitBreaker.State)
	}

	for i := 0; i < 5; i++ {
		seedRecord(t, st, now, true, "")
	}
	dash, err = engine.Evaluate(ctx, 50)
	testutil.RequireNoError(t, err)
	if dash.CircuitBreaker.State != reliability.StateHalfOpen {
		t.Fatalf("expected half_open after 5 clean samples, got %s", dash.CircuitBreaker.State)
	}
}
