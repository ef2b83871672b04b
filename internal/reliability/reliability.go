// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package reliability implements the SLO circuit breaker (spec.md
// §4.10, C10): a sliding window over the most recent N delegation
// records, deriving closed/half_open/open and a structured set of
// severity-tagged alerts.
package reliability

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agenthub/control-plane/internal/config"
	"github.com/agenthub/control-plane/internal/store"
)

// BreakerState is the derived circuit-breaker state (spec.md §4.10).
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// Alert codes, matching reliability/service.py:_build_alerts
// (SPEC_FULL.md §11 supplemental detail).
const (
	AlertErrorBudgetExhausted   = "error_budget.exhausted"
	AlertErrorBudgetBurnHigh    = "error_budget.burn_rate_high"
	AlertLatencySLOBreach       = "latency.slo_breach"
	AlertLatencySLOCritical     = "latency.slo_critical"
	AlertCircuitBreakerHardStop = "circuit_breaker.hard_stop_rate"
)

// Dashboard is the full SLO snapshot over the sliding window.
type Dashboard struct {
	WindowSize        int         `json:"window_size"`
	SampleCount       int         `json:"sample_count"`
	SuccessRate       float64     `json:"success_rate"`
	ErrorRate         float64     `json:"error_rate"`
	HardStopRate      float64     `json:"hard_stop_rate"`
	LatencyP95MS      float64     `json:"latency_p95_ms"`
	CircuitBreaker    CircuitInfo `json:"circuit_breaker"`
	AllowedErrors     int         `json:"allowed_errors"`
	ConsumedRatio     float64     `json:"consumed_ratio"`
	Alerts            []string    `json:"alerts"`
	EnforcementActive bool        `json:"enforcement_active"`
}

// CircuitInfo is the circuit-breaker sub-object of the dashboard.
type CircuitInfo struct {
	State BreakerState `json:"state"`
}

// Engine computes the SLO dashboard and circuit breaker state.
type Engine struct {
	store      *store.Store
	thresholds config.ReliabilityConfig

	// mu guards priorOpen: unlike every other engine in this package
	// set, Engine carries in-memory state mutated by Evaluate, and
	// Evaluate is called concurrently from both GET
	// /v1/reliability/slo-dashboard and the breaker check inside POST
	// /v1/delegations.
	mu sync.Mutex

	// priorOpen tracks whether the breaker was open as of the last
	// call to Evaluate, since half_open requires "previously open"
	// (spec.md §4.10).
	priorOpen bool
}

// New constructs a reliability Engine.
func New(st *store.Store, thresholds config.ReliabilityConfig) *Engine {
	return &Engine{store: st, thresholds: thresholds}
}

// Evaluate computes the dashboard over the most recent windowSize
// delegation records. Per SPEC_FULL.md §4.10's frozen Open Question
// resolution, half_open reuses the same recent-N window (not a
// post-open-only sample set): half_open fires when the breaker was
// previously open and the 5 most recent samples in that same window
// are all successful.
func (e *Engine) Evaluate(ctx context.Context, windowSize int) (Dashboard, error) {
	if windowSize <= 0 {
		windowSize = e.thresholds.WindowSize
	}

	records, err := e.store.RecentDelegationRecords(ctx, windowSize)
	if err != nil {
		return Dashboard{}, fmt.Errorf("reliability: evaluate: %w", err)
	}

	dash := Dashboard{WindowSize: windowSize, SampleCount: len(records)}
	dash.EnforcementActive = len(records) >= e.thresholds.MinSamplesForEnforcement

	var successes, errors, hardStops int
	latencies := make([]float64, 0, len(records))
	for _, rec := range records {
		if rec.Success != nil {
			if *rec.Success {
				successes++
			} else {
				errors++
			}
		}
		if rec.ErrorCode == "hard_stop_budget" {
			hardStops++
		}
		if rec.LatencyMS != nil {
			latencies = append(latencies, *rec.LatencyMS)
		}
	}

	if len(records) > 0 {
		dash.SuccessRate = float64(successes) / float64(len(records))
		dash.ErrorRate = float64(errors) / float64(len(records))
		dash.HardStopRate = float64(hardStops) / float64(len(records))
	}
	dash.LatencyP95MS = percentile95(latencies)

	allowedErrorRatio := 1 - e.thresholds.SuccessRateSLO
	dash.AllowedErrors = int(allowedErrorRatio * float64(len(records)))
	if allowedErrorRatio > 0 {
		dash.ConsumedRatio = dash.ErrorRate / allowedErrorRatio
	}

	e.mu.Lock()
	state := e.deriveStateLocked(dash, records)
	e.priorOpen = state == StateOpen || (state == StateHalfOpen && e.priorOpen)
	e.mu.Unlock()

	dash.CircuitBreaker = CircuitInfo{State: state}
	dash.Alerts = e.buildAlerts(dash)
	return dash, nil
}

// deriveStateLocked reads and derives from e.priorOpen; callers must
// hold e.mu.
func (e *Engine) deriveStateLocked(dash Dashboard, records []store.DelegationRecord) BreakerState {
	if !dash.EnforcementActive {
		return StateClosed
	}

	open := dash.ErrorRate >= e.thresholds.OpenErrorRateThreshold ||
		dash.HardStopRate >= e.thresholds.OpenHardStopRateThreshold ||
		dash.LatencyP95MS > e.thresholds.OpenLatencyMultiplier*e.thresholds.LatencyP95MsSLO

	if open {
		return StateOpen
	}

	if e.priorOpen && last5AllSuccessful(records) {
		return StateHalfOpen
	}

	return StateClosed
}

// last5AllSuccessful reports whether the 5 most recent samples (records
// is newest-first) all succeeded. Fewer than 5 samples never qualifies.
func last5AllSuccessful(records []store.DelegationRecord) bool {
	if len(records) < 5 {
		return false
	}
	for i := 0; i < 5; i++ {
		if records[i].Success == nil || !*records[i].Success {
			return false
		}
	}
	return true
}

func (e *Engine) buildAlerts(dash Dashboard) []string {
	var alerts []string
	if dash.ConsumedRatio >= 1.0 {
		alerts = append(alerts, AlertErrorBudgetExhausted)
	} else if dash.ConsumedRatio >= e.thresholds.ErrorBudgetWarningRatio {
		alerts = append(alerts, AlertErrorBudgetBurnHigh)
	}
	if dash.LatencyP95MS > e.thresholds.OpenLatencyMultiplier*e.thresholds.LatencyP95MsSLO {
		alerts = append(alerts, AlertLatencySLOCritical)
	} else if dash.LatencyP95MS > e.thresholds.LatencyP95MsSLO {
		alerts = append(alerts, AlertLatencySLOBreach)
	}
	if dash.HardStopRate >= e.thresholds.OpenHardStopRateThreshold {
		alerts = append(alerts, AlertCircuitBreakerHardStop)
	}
	return alerts
}

// percentile95 returns the 95th percentile of samples as the sorted
// element at index int(0.95*(n-1)), without interpolation. Returns 0
// for an empty slice.
func percentile95(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(0.95 * float64(len(sorted)-1))
	return sorted[idx]
}
