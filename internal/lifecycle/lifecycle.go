// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle implements the delegation lifecycle engine (spec.md
// §4.9, C9): a six-stage durable state machine
// (discovery→negotiation→execution→delivery→settlement→feedback) with
// one transactional transition per stage, an escrow/refund ledger built
// on C8's budget events, a failure-class retry matrix, and a heartbeat
// reaper for crashed execution stages.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/agenthub/control-plane/internal/apierr"
	"github.com/agenthub/control-plane/internal/budget"
	"github.com/agenthub/control-plane/internal/policy"
	"github.com/agenthub/control-plane/internal/store"
	"github.com/agenthub/control-plane/lib/clock"
)

// HeartbeatStaleAfter is how long a "running" record may go without a
// heartbeat before the reaper reclaims it (spec.md §4.9: "running rows
// with no heartbeat for 30s are reclaimed").
const HeartbeatStaleAfter = 30 * time.Second

// HardStopMultiplier bounds actual cost against max budget at
// settlement (spec.md §4.9: "block if actual > 1.2 × max_budget").
const HardStopMultiplier = 1.2

// Engine drives delegation records through their lifecycle stages.
type Engine struct {
	store  *store.Store
	policy *policy.Evaluator
	budget *budget.Engine
	clock  clock.Clock
}

// New constructs a lifecycle Engine.
func New(st *store.Store, policyEvaluator *policy.Evaluator, budgetEngine *budget.Engine, clk clock.Clock) *Engine {
	return &Engine{store: st, policy: policyEvaluator, budget: budgetEngine, clock: clk}
}

// CreateInput is the request to open a new delegation.
type CreateInput struct {
	TokenID          string
	RequesterAgentID string
	DelegateAgentID  string
	EstimatedCostUSD float64
	MaxBudgetUSD     float64
}

// Create opens a new delegation record in the discovery stage, queued.
func (e *Engine) Create(ctx context.Context, in CreateInput) (store.DelegationRecord, error) {
	if in.MaxBudgetUSD < in.EstimatedCostUSD {
		return store.DelegationRecord{}, apierr.Validation("schema.invalid_field", "max_budget_usd must be >= estimated_cost_usd")
	}

	now := e.clock.Now()
	rec := store.DelegationRecord{
		DelegationID:     "del-" + uuid.NewString(),
		TokenID:          in.TokenID,
		Owner:            in.RequesterAgentID,
		DelegateAgentID:  in.DelegateAgentID,
		Stage:            store.StageDiscovery,
		EstimatedCostUSD: in.EstimatedCostUSD,
		MaxBudgetUSD:     in.MaxBudgetUSD,
		Status:           store.DelegationQueued,
		HeartbeatAt:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.InsertDelegationRecord(ctx, rec); err != nil {
		return store.DelegationRecord{}, fmt.Errorf("lifecycle: create: %w", err)
	}
	return rec, nil
}

// Discover resolves and policy-checks the delegate agent, advancing to
// negotiation on allow and failing fast on any abac.* violation (spec.md
// §4.9: "discovery: resolve delegate agent; check policy; fail fast on
// abac.*").
func (e *Engine) Discover(ctx context.Context, delegationID string, policyInput policy.Input) (policy.Decision, error) {
	decision, err := e.policy.Evaluate(ctx, policyInput)
	if err != nil {
		return policy.Decision{}, fmt.Errorf("lifecycle: discover: %w", err)
	}

	now := e.clock.Now()
	if decision.Outcome == policy.OutcomeDeny {
		if err := e.store.RecordDelegationOutcome(ctx, delegationID, store.DelegationFailed, false, 0, firstOr(decision.ViolationCodes, "abac.denied"), now); err != nil {
			return decision, fmt.Errorf("lifecycle: discover: recording failure: %w", err)
		}
		return decision, apierr.Policy(firstOr(decision.ViolationCodes, "abac.denied"), "delegation %q denied at discovery", delegationID)
	}

	if err := e.store.UpdateDelegationStage(ctx, delegationID, store.StageNegotiation, store.DelegationQueued, nil, now); err != nil {
		return decision, fmt.Errorf("lifecycle: discover: advancing stage: %w", err)
	}
	return decision, nil
}

// Negotiate computes escrow and debits it from the requester's budget
// ledger via C8's budget events, rejecting on insufficient remaining
// budget (spec.md §4.9: "reject on insufficient balance or estimated >
// max_budget").
func (e *Engine) Negotiate(ctx context.Context, delegationID string) error {
	rec, found, err := e.store.GetDelegationRecord(ctx, delegationID)
	if err != nil {
		return fmt.Errorf("lifecycle: negotiate: %w", err)
	}
	if !found {
		return apierr.NotFound("not_found.delegation", "delegation %q not found", delegationID)
	}
	if rec.EstimatedCostUSD > rec.MaxBudgetUSD {
		return apierr.BudgetHardStop("budget.hard_stop: estimated cost %.2f exceeds max budget %.2f", rec.EstimatedCostUSD, rec.MaxBudgetUSD)
	}

	now := e.clock.Now()
	_, err = e.budget.RecordCost(ctx, budget.RecordCostInput{
		TokenID:      rec.TokenID,
		DelegationID: delegationID,
		CostUSD:      rec.EstimatedCostUSD,
		MaxBudgetUSD: rec.MaxBudgetUSD,
	})
	if err != nil {
		// Escrow debit itself hit hard_stop/reauth: fail the negotiation.
		if apiErr, ok := apierr.As(err); ok && apiErr.Code == "budget.hard_stop" {
			if recErr := e.store.RecordDelegationOutcome(ctx, delegationID, store.DelegationFailed, false, 0, "hard_stop_budget", now); recErr != nil {
				return fmt.Errorf("lifecycle: negotiate: recording failure: %w", recErr)
			}
		}
		return err
	}

	if err := e.store.UpdateDelegationStage(ctx, delegationID, store.StageExecution, store.DelegationRunning, nil, now); err != nil {
		return fmt.Errorf("lifecycle: negotiate: advancing stage: %w", err)
	}
	return nil
}

// ExecutionOutcome is reported by the caller after invoking the
// sandboxed delegate for one attempt.
type ExecutionOutcome struct {
	Success      bool
	FailureClass FailureClass
	LatencyMS    float64
}

// ExecutionResult tells the caller whether to retry and, if so, after
// what backoff.
type ExecutionResult struct {
	ShouldRetry bool
	Backoff     time.Duration
	Record      store.DelegationRecord
}

// Execute applies one execution attempt's outcome against the retry
// matrix, advancing to delivery on success or failing the record once
// retries are exhausted (spec.md §4.9 "execution").
func (e *Engine) Execute(ctx context.Context, delegationID string, outcome ExecutionOutcome) (ExecutionResult, error) {
	now := e.clock.Now()
	if err := e.store.TouchHeartbeat(ctx, delegationID, now); err != nil {
		return ExecutionResult{}, fmt.Errorf("lifecycle: execute: heartbeat: %w", err)
	}

	if outcome.Success {
		if err := e.store.UpdateDelegationStage(ctx, delegationID, store.StageDelivery, store.DelegationRunning, nil, now); err != nil {
			return ExecutionResult{}, fmt.Errorf("lifecycle: execute: advancing stage: %w", err)
		}
		rec, _, err := e.store.GetDelegationRecord(ctx, delegationID)
		if err != nil {
			return ExecutionResult{}, fmt.Errorf("lifecycle: execute: reloading record: %w", err)
		}
		return ExecutionResult{Record: rec}, nil
	}

	rec, found, err := e.store.GetDelegationRecord(ctx, delegationID)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("lifecycle: execute: %w", err)
	}
	if !found {
		return ExecutionResult{}, apierr.NotFound("not_found.delegation", "delegation %q not found", delegationID)
	}

	attempt := rec.AttemptCount + 1
	if backoff, ok := BackoffFor(outcome.FailureClass, attempt); ok {
		if err := e.store.IncrementAttemptCount(ctx, delegationID); err != nil {
			return ExecutionResult{}, fmt.Errorf("lifecycle: execute: incrementing attempts: %w", err)
		}
		rec.AttemptCount = attempt
		return ExecutionResult{ShouldRetry: true, Backoff: backoff, Record: rec}, nil
	}

	if err := e.store.RecordDelegationOutcome(ctx, delegationID, store.DelegationFailed, false, outcome.LatencyMS, string(outcome.FailureClass), now); err != nil {
		return ExecutionResult{}, fmt.Errorf("lifecycle: execute: recording failure: %w", err)
	}
	rec.Status = store.DelegationFailed
	return ExecutionResult{Record: rec}, nil
}

// Deliver validates the structured output contract marker, advancing to
// settlement on match or failing (and letting the caller decide whether
// to retry execution) on mismatch (spec.md §4.9 "delivery").
func (e *Engine) Deliver(ctx context.Context, delegationID string, outputMarkerValid bool) error {
	now := e.clock.Now()
	if !outputMarkerValid {
		return apierr.Validation("schema.invalid_output_contract", "delegation %q delivery failed output contract validation", delegationID)
	}
	if err := e.store.UpdateDelegationStage(ctx, delegationID, store.StageSettlement, store.DelegationRunning, nil, now); err != nil {
		return fmt.Errorf("lifecycle: deliver: advancing stage: %w", err)
	}
	return nil
}

// Settlement is the outcome of the settlement stage: the refund issued
// to the requester and whether the delegation was blocked for exceeding
// the hard-stop multiplier.
type Settlement struct {
	ActualCostUSD float64 `json:"actual_cost_usd"`
	RefundUSD     float64 `json:"refund_usd"`
	Blocked       bool    `json:"blocked"`
}

// Settle computes actual cost, refunds the unused escrow, and blocks
// the delegation if actual cost exceeds 1.2x the max budget (spec.md
// §4.9 "settlement").
func (e *Engine) Settle(ctx context.Context, delegationID string, actualCostUSD float64) (Settlement, error) {
	rec, found, err := e.store.GetDelegationRecord(ctx, delegationID)
	if err != nil {
		return Settlement{}, fmt.Errorf("lifecycle: settle: %w", err)
	}
	if !found {
		return Settlement{}, apierr.NotFound("not_found.delegation", "delegation %q not found", delegationID)
	}

	now := e.clock.Now()
	if actualCostUSD > HardStopMultiplier*rec.MaxBudgetUSD {
		if err := e.store.RecordDelegationOutcome(ctx, delegationID, store.DelegationFailed, false, 0, "hard_stop_budget", now); err != nil {
			return Settlement{}, fmt.Errorf("lifecycle: settle: recording failure: %w", err)
		}
		return Settlement{ActualCostUSD: actualCostUSD, Blocked: true}, apierr.BudgetHardStop("budget.hard_stop: actual cost %.2f exceeds %.1fx max budget %.2f", actualCostUSD, HardStopMultiplier, rec.MaxBudgetUSD)
	}

	refund := rec.EstimatedCostUSD - actualCostUSD
	if refund < 0 {
		refund = 0
	}
	actual := actualCostUSD
	if err := e.store.UpdateDelegationStage(ctx, delegationID, store.StageFeedback, store.DelegationSettled, &actual, now); err != nil {
		return Settlement{}, fmt.Errorf("lifecycle: settle: advancing stage: %w", err)
	}
	if err := e.store.RecordDelegationOutcome(ctx, delegationID, store.DelegationSettled, true, 0, "", now); err != nil {
		return Settlement{}, fmt.Errorf("lifecycle: settle: recording outcome: %w", err)
	}

	return Settlement{ActualCostUSD: actualCostUSD, RefundUSD: refund}, nil
}

// usageSignal is the CBOR-encoded outbox payload emitted at feedback,
// consumed downstream by trust scoring (spec.md §4.9 "feedback").
type usageSignal struct {
	DelegationID string  `cbor:"delegation_id"`
	Owner        string  `cbor:"owner"`
	ActualCost   float64 `cbor:"actual_cost_usd"`
	EmittedAt    int64   `cbor:"emitted_at"`
}

// Feedback emits the terminal usage signal event to the outbox,
// completing the lifecycle (spec.md §4.9 "feedback").
func (e *Engine) Feedback(ctx context.Context, delegationID string) error {
	rec, found, err := e.store.GetDelegationRecord(ctx, delegationID)
	if err != nil {
		return fmt.Errorf("lifecycle: feedback: %w", err)
	}
	if !found {
		return apierr.NotFound("not_found.delegation", "delegation %q not found", delegationID)
	}

	now := e.clock.Now()
	payload, err := cbor.Marshal(usageSignal{
		DelegationID: rec.DelegationID,
		Owner:        rec.Owner,
		ActualCost:   rec.ActualCostUSD,
		EmittedAt:    now.Unix(),
	})
	if err != nil {
		return fmt.Errorf("lifecycle: feedback: encoding usage signal: %w", err)
	}
	if err := e.store.InsertOutboxEvent(ctx, "delegation.usage_signal", payload, now); err != nil {
		return fmt.Errorf("lifecycle: feedback: %w", err)
	}
	return nil
}

// Get returns a delegation record by ID.
func (e *Engine) Get(ctx context.Context, delegationID string) (store.DelegationRecord, error) {
	rec, found, err := e.store.GetDelegationRecord(ctx, delegationID)
	if err != nil {
		return store.DelegationRecord{}, fmt.Errorf("lifecycle: get: %w", err)
	}
	if !found {
		return store.DelegationRecord{}, apierr.NotFound("not_found.delegation", "delegation %q not found", delegationID)
	}
	return rec, nil
}

func firstOr(codes []string, fallback string) string {
	if len(codes) == 0 {
		return fallback
	}
	return codes[0]
}
