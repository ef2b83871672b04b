// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/agenthub/control-plane/internal/apierr"
	"github.com/agenthub/control-plane/internal/budget"
	"github.com/agenthub/control-plane/internal/lifecycle"
	"github.com/agenthub/control-plane/internal/policy"
	"github.com/agenthub/control-plane/internal/store"
	"github.com/agenthub/control-plane/internal/testutil"
)

const policySecret = "policy-signing-secret"

func newEngine(t *testing.T) *lifecycle.Engine {
	st, fake := testutil.NewTempStore(t)
	evaluator := policy.New(st, fake, []byte(policySecret))
	budgetEngine := budget.New(st, fake)
	return lifecycle.New(st, evaluator, budgetEngine, fake)
}

func allowPolicyInput() policy.Input {
	return policy.Input{
		Actor: "agt-requester",
		Principal: policy.Principal{
			TenantID:       "t1",
			AllowedActions: []string{"*"},
			MFAPresent:     true,
		},
		Resource: policy.Resource{TenantID: "t1"},
		Action:   "agents.delegate",
	}
}

func TestHappyPathThroughSettlement(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	rec, err := engine.Create(ctx, lifecycle.CreateInput{
		TokenID: "dtk-a", RequesterAgentID: "agt-requester", DelegateAgentID: "agt-delegate",
		EstimatedCostUSD: 5.00, MaxBudgetUSD: 10.00,
	})
	testutil.RequireNoError(t, err)

	_, err = engine.Discover(ctx, rec.DelegationID, allowPolicyInput())
	testutil.RequireNoError(t, err)

	testutil.RequireNoError(t, engine.Negotiate(ctx, rec.DelegationID))

	result, err := engine.Execute(ctx, rec.DelegationID, lifecycle.ExecutionOutcome{Success: true})
	testutil.RequireNoError(t, err)
	if result.Record.Stage != store.StageDelivery {
		t.Fatalf("expected stage delivery, got %s", result.Record.Stage)
	}

	testutil.RequireNoError(t, engine.Deliver(ctx, rec.DelegationID, true))

	settlement, err := engine.Settle(ctx, rec.DelegationID, 3.00)
	testutil.RequireNoError(t, err)
	if settlement.RefundUSD != 2.00 {
		t.Fatalf("expected refund 2.00, got %v", settlement.RefundUSD)
	}

	testutil.RequireNoError(t, engine.Feedback(ctx, rec.DelegationID))

	final, err := engine.Get(ctx, rec.DelegationID)
	testutil.RequireNoError(t, err)
	if final.Status != store.DelegationSettled {
		t.Fatalf("expected settled, got %s", final.Status)
	}
}

func TestDiscoveryFailsFastOnPolicyDeny(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	rec, err := engine.Create(ctx, lifecycle.CreateInput{
		TokenID: "dtk-b", RequesterAgentID: "agt-requester", DelegateAgentID: "agt-delegate",
		EstimatedCostUSD: 1.00, MaxBudgetUSD: 10.00,
	})
	testutil.RequireNoError(t, err)

	denyInput := policy.Input{
		Actor:     "agt-requester",
		Principal: policy.Principal{TenantID: "t1", AllowedActions: []string{}, MFAPresent: true},
		Resource:  policy.Resource{TenantID: "t1"},
		Action:    "agents.delegate",
	}

	_, err = engine.Discover(ctx, rec.DelegationID, denyInput)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != policy.CodeActionNotAllowed {
		t.Fatalf("expected abac.action_not_allowed, got %v", err)
	}

	final, err := engine.Get(ctx, rec.DelegationID)
	testutil.RequireNoError(t, err)
	if final.Status != store.DelegationFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
}

func TestCreateRejectsEstimatedOverMaxBudget(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	_, err := engine.Create(ctx, lifecycle.CreateInput{
		TokenID: "dtk-c", RequesterAgentID: "agt-requester", DelegateAgentID: "agt-delegate",
		EstimatedCostUSD: 20.00, MaxBudgetUSD: 10.00,
	})
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Status != 400 {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestExecutionRetriesTransientNetworkError(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	rec, err := engine.Create(ctx, lifecycle.CreateInput{
		TokenID: "dtk-d", RequesterAgentID: "agt-requester", DelegateAgentID: "agt-delegate",
		EstimatedCostUSD: 1.00, MaxBudgetUSD: 10.00,
	})
	testutil.RequireNoError(t, err)
	_, err = engine.Discover(ctx, rec.DelegationID, allowPolicyInput())
	testutil.RequireNoError(t, err)
	testutil.RequireNoError(t, engine.Negotiate(ctx, rec.DelegationID))

	result, err := engine.Execute(ctx, rec.DelegationID, lifecycle.ExecutionOutcome{
		Success: false, FailureClass: lifecycle.FailureTransientNetworkError,
	})
	testutil.RequireNoError(t, err)
	if !result.ShouldRetry || result.Backoff != 100*time.Millisecond {
		t.Fatalf("expected first retry with 100ms backoff, got %+v", result)
	}

	result, err = engine.Execute(ctx, rec.DelegationID, lifecycle.ExecutionOutcome{
		Success: false, FailureClass: lifecycle.FailureTransientNetworkError,
	})
	testutil.RequireNoError(t, err)
	if !result.ShouldRetry || result.Backoff != 250*time.Millisecond {
		t.Fatalf("expected second retry with 250ms backoff, got %+v", result)
	}

	result, err = engine.Execute(ctx, rec.DelegationID, lifecycle.ExecutionOutcome{
		Success: false, FailureClass: lifecycle.FailureTransientNetworkError,
	})
	testutil.RequireNoError(t, err)
	if result.ShouldRetry {
		t.Fatalf("expected retries exhausted, got %+v", result)
	}
	if result.Record.Status != store.DelegationFailed {
		t.Fatalf("expected failed after exhausting retries, got %s", result.Record.Status)
	}
}

func TestExecutionDoesNotRetryPolicyDenied(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	rec, err := engine.Create(ctx, lifecycle.CreateInput{
		TokenID: "dtk-e", RequesterAgentID: "agt-requester", DelegateAgentID: "agt-delegate",
		EstimatedCostUSD: 1.00, MaxBudgetUSD: 10.00,
	})
	testutil.RequireNoError(t, err)
	_, err = engine.Discover(ctx, rec.DelegationID, allowPolicyInput())
	testutil.RequireNoError(t, err)
	testutil.RequireNoError(t, engine.Negotiate(ctx, rec.DelegationID))

	result, err := engine.Execute(ctx, rec.DelegationID, lifecycle.ExecutionOutcome{
		Success: false, FailureClass: lifecycle.FailurePolicyDenied,
	})
	testutil.RequireNoError(t, err)
	if result.ShouldRetry {
		t.Fatal("expected no retry for policy_denied")
	}
}

func TestSettlementBlocksBeyondHardStopMultiplier(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	rec, err := engine.Create(ctx, lifecycle.CreateInput{
		TokenID: "dtk-f", RequesterAgentID: "agt-requester", DelegateAgentID: "agt-delegate",
		EstimatedCostUSD: 5.00, MaxBudgetUSD: 10.00,
	})
	testutil.RequireNoError(t, err)
	_, err = engine.Discover(ctx, rec.DelegationID, allowPolicyInput())
	testutil.RequireNoError(t, err)
	testutil.RequireNoError(t, engine.Negotiate(ctx, rec.DelegationID))
	_, err = engine.Execute(ctx, rec.DelegationID, lifecycle.ExecutionOutcome{Success: true})
	testutil.RequireNoError(t, err)
	testutil.RequireNoError(t, engine.Deliver(ctx, rec.DelegationID, true))

	_, err = engine.Settle(ctx, rec.DelegationID, 13.00) // > 1.2 * 10.00
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != "budget.hard_stop" {
		t.Fatalf("expected budget.hard_stop, got %v", err)
	}
}

func TestReclaimStaleRunning(t *testing.T) {
	st, fake := testutil.NewTempStore(t)
	evaluator := policy.New(st, fake, []byte(policySecret))
	budgetEngine := budget.New(st, fake)
	engine := lifecycle.New(st, evaluator, budgetEngine, fake)
	ctx := context.Background()

	rec, err := engine.Create(ctx, lifecycle.CreateInput{
		TokenID: "dtk-g", RequesterAgentID: "agt-requester", DelegateAgentID: "agt-delegate",
		EstimatedCostUSD: 1.00, MaxBudgetUSD: 10.00,
	})
	testutil.RequireNoError(t, err)
	_, err = engine.Discover(ctx, rec.DelegationID, allowPolicyInput())
	testutil.RequireNoError(t, err)
	testutil.RequireNoError(t, engine.Negotiate(ctx, rec.DelegationID))

	fake.Advance(lifecycle.HeartbeatStaleAfter + time.Second)

	reclaimed, err := st.ReclaimStaleRunning(ctx, lifecycle.HeartbeatStaleAfter, fake.Now())
	testutil.RequireNoError(t, err)
	if len(reclaimed) != 1 || reclaimed[0] != rec.DelegationID {
		t.Fatalf("expected %s reclaimed, got %v", rec.DelegationID, reclaimed)
	}

	final, err := engine.Get(ctx, rec.DelegationID)
	testutil.RequireNoError(t, err)
	if final.Status != store.DelegationQueued {
		t.Fatalf("expected queued (resumed), got %s", final.Status)
	}
	if final.Stage != store.StageExecution {
		t.Fatalf("expected resumption to preserve the last persisted stage (execution), got %s", final.Stage)
	}
	if final.AttemptCount != 1 {
		t.Fatalf("expected attempt count bumped by the reclaim, got %d", final.AttemptCount)
	}
}
