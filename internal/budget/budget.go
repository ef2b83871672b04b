// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package budget implements the cost & budget state machine (spec.md
// §4.8, C8): classifying a delegation token's cumulative spend against
// its max budget into ok/soft_alert/reauthorization_required/hard_stop,
// with the event insert and re-evaluation happening atomically so
// concurrent writers cannot race past hard_stop.
package budget

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agenthub/control-plane/internal/apierr"
	"github.com/agenthub/control-plane/internal/store"
	"github.com/agenthub/control-plane/lib/clock"
)

// State is the classification of a token's spend ratio (spec.md §4.8).
type State string

const (
	StateOK                      State = "ok"
	StateSoftAlert               State = "soft_alert"
	StateReauthorizationRequired State = "reauthorization_required"
	StateHardStop                State = "hard_stop"
)

// Thresholds from spec.md §4.8, identical to
// cost_governance/service.py:budget_state_from_ratio.
const (
	SoftAlertThreshold               = 0.80
	ReauthorizationRequiredThreshold = 1.00
	HardStopThreshold                = 1.20
)

// StateFromRatio classifies a spend ratio into its budget State.
func StateFromRatio(ratio float64) State {
	switch {
	case ratio >= HardStopThreshold:
		return StateHardStop
	case ratio >= ReauthorizationRequiredThreshold:
		return StateReauthorizationRequired
	case ratio >= SoftAlertThreshold:
		return StateSoftAlert
	default:
		return StateOK
	}
}

// Evaluation is the result of evaluating a token's budget state.
type Evaluation struct {
	TokenID      string  `json:"token_id"`
	State        State   `json:"state"`
	SpendRatio   float64 `json:"spend_ratio"`
	TotalUSD     float64 `json:"total_usd"`
	MaxBudgetUSD float64 `json:"max_budget_usd"`
}

func classify(tokenID string, totalUSD, maxBudgetUSD float64) Evaluation {
	var ratio float64
	if maxBudgetUSD > 0 {
		ratio = totalUSD / maxBudgetUSD
	} else if totalUSD > 0 {
		ratio = HardStopThreshold // no budget granted but spend exists: fail closed
	}
	return Evaluation{
		TokenID:      tokenID,
		State:        StateFromRatio(ratio),
		SpendRatio:   ratio,
		TotalUSD:     totalUSD,
		MaxBudgetUSD: maxBudgetUSD,
	}
}

// Engine tracks cost events against delegation tokens and classifies
// their budget state.
type Engine struct {
	store *store.Store
	clock clock.Clock
}

// New constructs a budget Engine.
func New(st *store.Store, clk clock.Clock) *Engine {
	return &Engine{store: st, clock: clk}
}

// Evaluate returns the current budget state for tokenID without
// recording a new event.
func (e *Engine) Evaluate(ctx context.Context, tokenID string, maxBudgetUSD float64) (Evaluation, error) {
	total, err := e.store.SumBudgetEvents(ctx, tokenID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("budget: evaluate: %w", err)
	}
	return classify(tokenID, total, maxBudgetUSD), nil
}

// RecordCostInput is a single cost-bearing debit against a delegation
// token's budget.
type RecordCostInput struct {
	TokenID      string
	DelegationID string
	CostUSD      float64
	MaxBudgetUSD float64
}

// RecordCost inserts a budget event and re-evaluates the token's state
// in the same store transaction (spec.md §4.8: "Event insertion and
// ratio re-evaluation happen under the same transaction as the
// cost-bearing operation so concurrent writers cannot race past
// hard_stop"). When the resulting state is hard_stop, the event is
// still persisted (the spend already happened) but the call returns
// apierr.BudgetHardStop so the caller rejects the request; likewise
// reauthorization_required returns apierr.BudgetReauthRequired (402).
// ok and soft_alert are returned without an error so the caller can
// attach a warning to the response envelope.
func (e *Engine) RecordCost(ctx context.Context, in RecordCostInput) (Evaluation, error) {
	event := store.BudgetEvent{
		EventID:      "bev-" + uuid.NewString(),
		TokenID:      in.TokenID,
		DelegationID: in.DelegationID,
		CostUSD:      in.CostUSD,
		MaxBudgetUSD: in.MaxBudgetUSD,
		CreatedAt:    e.clock.Now(),
	}

	total, err := e.store.InsertBudgetEventAndSum(ctx, event)
	if err != nil {
		return Evaluation{}, fmt.Errorf("budget: record cost: %w", err)
	}

	eval := classify(in.TokenID, total, in.MaxBudgetUSD)
	switch eval.State {
	case StateHardStop:
		return eval, apierr.BudgetHardStop("budget.hard_stop: token %q spend ratio %.2f exceeds hard stop threshold", in.TokenID, eval.SpendRatio)
	case StateReauthorizationRequired:
		return eval, apierr.BudgetReauthRequired("budget.reauth_required: token %q spend ratio %.2f requires reauthorization", in.TokenID, eval.SpendRatio)
	default:
		return eval, nil
	}
}

// History returns every budget event recorded against tokenID, oldest
// first, for audit display.
func (e *Engine) History(ctx context.Context, tokenID string) ([]store.BudgetEvent, error) {
	return e.store.ListBudgetEvents(ctx, tokenID)
}
