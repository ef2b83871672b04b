// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package budget_test

import (
	"context"
	"testing"

	"github.com/agenthub/control-plane/internal/apierr"
	"github.com/agenthub/control-plane/internal/budget"
	"github.com/agenthub/control-plane/internal/testutil"
)

// TestHardStop implements spec.md §8 scenario S4.
func TestHardStop(t *testing.T) {
	st, fake := testutil.NewTempStore(t)
	engine := budget.New(st, fake)
	ctx := context.Background()

	const tokenID = "dtk-s4"
	const maxBudget = 10.00

	_, err := engine.RecordCost(ctx, budget.RecordCostInput{TokenID: tokenID, CostUSD: 7.50, MaxBudgetUSD: maxBudget})
	testutil.RequireNoError(t, err)

	eval, err := engine.RecordCost(ctx, budget.RecordCostInput{TokenID: tokenID, CostUSD: 5.00, MaxBudgetUSD: maxBudget})
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != "budget.hard_stop" {
		t.Fatalf("expected budget.hard_stop, got %v", err)
	}
	if apiErr.Status != 402 {
		t.Fatalf("expected 402, got %d", apiErr.Status)
	}
	if eval.SpendRatio != 1.25 {
		t.Fatalf("expected spend_ratio 1.25, got %v", eval.SpendRatio)
	}
}

func TestStateFromRatioThresholds(t *testing.T) {
	cases := []struct {
		ratio float64
		want  budget.State
	}{
		{0.0, budget.StateOK},
		{0.79, budget.StateOK},
		{0.80, budget.StateSoftAlert},
		{0.99, budget.StateSoftAlert},
		{1.00, budget.StateReauthorizationRequired},
		{1.19, budget.StateReauthorizationRequired},
		{1.20, budget.StateHardStop},
		{5.00, budget.StateHardStop},
	}
	for _, c := range cases {
		if got := budget.StateFromRatio(c.ratio); got != c.want {
			t.Errorf("StateFromRatio(%v) = %v, want %v", c.ratio, got, c.want)
		}
	}
}

func TestRatioMonotonicallyIncreasesWithEachEvent(t *testing.T) {
	st, fake := testutil.NewTempStore(t)
	engine := budget.New(st, fake)
	ctx := context.Background()

	const tokenID = "dtk-monotonic"
	var last float64
	for i := 0; i < 5; i++ {
		eval, err := engine.Evaluate(ctx, tokenID, 100.0)
		testutil.RequireNoError(t, err)
		if eval.SpendRatio < last {
			t.Fatalf("spend ratio decreased: %v < %v", eval.SpendRatio, last)
		}
		last = eval.SpendRatio

		_, err = engine.RecordCost(ctx, budget.RecordCostInput{TokenID: tokenID, CostUSD: 3.0, MaxBudgetUSD: 100.0})
		testutil.RequireNoError(t, err)
	}
}

func TestSoftAlertDoesNotReturnError(t *testing.T) {
	st, fake := testutil.NewTempStore(t)
	engine := budget.New(st, fake)
	ctx := context.Background()

	eval, err := engine.RecordCost(ctx, budget.RecordCostInput{TokenID: "dtk-soft", CostUSD: 0.85, MaxBudgetUSD: 1.0})
	testutil.RequireNoError(t, err)
	if eval.State != budget.StateSoftAlert {
		t.Fatalf("expected soft_alert, got %s", eval.State)
	}
}
