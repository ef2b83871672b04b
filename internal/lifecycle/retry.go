// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import "time"

// FailureClass categorizes an execution-stage failure for the retry
// matrix (spec.md §4.9).
type FailureClass string

const (
	FailureTransientNetworkError FailureClass = "transient_network_error"
	FailureDelegateTimeout       FailureClass = "delegate_timeout"
	FailurePolicyDenied          FailureClass = "policy_denied"
	FailureHardStopBudget        FailureClass = "hard_stop_budget"
)

// retryPlan is the max retry count and per-attempt backoff for a
// failure class.
type retryPlan struct {
	maxRetries int
	backoff    []time.Duration
}

// retryMatrix is identical to DELEGATION_CONTRACT_V2.retry_matrix in
// delegation/service.py (SPEC_FULL.md §4.9).
var retryMatrix = map[FailureClass]retryPlan{
	FailureTransientNetworkError: {maxRetries: 2, backoff: []time.Duration{100 * time.Millisecond, 250 * time.Millisecond}},
	FailureDelegateTimeout:       {maxRetries: 1, backoff: []time.Duration{200 * time.Millisecond}},
	FailurePolicyDenied:          {maxRetries: 0, backoff: nil},
	FailureHardStopBudget:        {maxRetries: 0, backoff: nil},
}

// MaxRetries returns the maximum retry count for a failure class.
// Unknown classes get zero retries (fail closed).
func MaxRetries(class FailureClass) int {
	return retryMatrix[class].maxRetries
}

// BackoffFor returns the backoff duration before the given attempt
// number (1-indexed: the delay before the first retry is attempt 1).
// ok is false if attempt exceeds the class's max retries.
func BackoffFor(class FailureClass, attempt int) (time.Duration, bool) {
	plan, known := retryMatrix[class]
	if !known || attempt < 1 || attempt > plan.maxRetries {
		return 0, false
	}
	return plan.backoff[attempt-1], true
}

// Retryable reports whether class permits any retry at all.
func Retryable(class FailureClass) bool {
	return MaxRetries(class) > 0
}

// RetryRule is the retry policy for one failure class, in a shape
// suitable for API discovery responses (spec.md §6 delegation-contract-v2).
type RetryRule struct {
	FailureClass  FailureClass    `json:"failure_class"`
	MaxRetries    int             `json:"max_retries"`
	BackoffMillis []int64         `json:"backoff_millis,omitempty"`
}

// RetryMatrix returns the full retry policy table in a stable order,
// for embedding in the delegation contract response.
func RetryMatrix() []RetryRule {
	classes := []FailureClass{
		FailureTransientNetworkError,
		FailureDelegateTimeout,
		FailurePolicyDenied,
		FailureHardStopBudget,
	}
	rules := make([]RetryRule, 0, len(classes))
	for _, class := range classes {
		plan := retryMatrix[class]
		backoff := make([]int64, len(plan.backoff))
		for i, d := range plan.backoff {
			backoff[i] = d.Milliseconds()
		}
		rules = append(rules, RetryRule{
			FailureClass:  class,
			MaxRetries:    plan.maxRetries,
			BackoffMillis: backoff,
		})
	}
	return rules
}
