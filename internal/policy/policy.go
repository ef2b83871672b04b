// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy implements the ABAC evaluator (spec.md §4.7, C7): a
// deterministic, ordered set of checks over a principal/resource/
// environment triple, producing a signed, explainable Decision.
package policy

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agenthub/control-plane/internal/cryptoutil"
	"github.com/agenthub/control-plane/internal/store"
	"github.com/agenthub/control-plane/lib/clock"
)

// Outcome is the allow/deny verdict of a policy evaluation.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
)

// Violation codes, in evaluation order (spec.md §4.7).
const (
	CodeTenantMismatch   = "abac.tenant_mismatch"
	CodeActionNotAllowed = "abac.action_not_allowed"
	CodeMFARequired      = "abac.mfa_required"
)

// Principal is the actor side of an ABAC evaluation.
type Principal struct {
	TenantID       string
	AllowedActions []string
	MFAPresent     bool
}

// Resource is the target side of an ABAC evaluation.
type Resource struct {
	TenantID string
}

// Environment carries contextual requirements independent of the
// principal and resource.
type Environment struct {
	RequiresMFA bool
}

// Input is the full evaluation request.
type Input struct {
	Actor       string // identity performing the evaluation, for audit
	Principal   Principal
	Resource    Resource
	Environment Environment
	Action      string
}

// Decision is the signed, explainable outcome of Evaluate.
type Decision struct {
	DecisionID      string   `json:"decision_id"`
	Outcome         Outcome  `json:"outcome"`
	ViolationCodes  []string `json:"violation_codes"`
	WarningCodes    []string `json:"warning_codes"`
	AllowCodes      []string `json:"allow_codes"`
	EvaluatedFields []string `json:"evaluated_fields"`
	Signature       string   `json:"decision_signature"`
}

// signaturePayload is the decision without its signature — the exact
// bytes over which decision_signature is computed (spec.md §4.7:
// "HMAC(policy_secret, canonical(decision_payload_without_signature))").
type signaturePayload struct {
	DecisionID      string   `json:"decision_id"`
	Outcome         Outcome  `json:"outcome"`
	ViolationCodes  []string `json:"violation_codes"`
	WarningCodes    []string `json:"warning_codes"`
	AllowCodes      []string `json:"allow_codes"`
	EvaluatedFields []string `json:"evaluated_fields"`
}

// Evaluator runs ABAC decisions and persists an audit copy of each.
type Evaluator struct {
	store  *store.Store
	clock  clock.Clock
	secret []byte // policy signing secret
}

// New constructs an Evaluator.
func New(st *store.Store, clk clock.Clock, policySigningSecret []byte) *Evaluator {
	return &Evaluator{store: st, clock: clk, secret: policySigningSecret}
}

// Evaluate runs the three ordered checks from spec.md §4.7 and returns
// a signed Decision. The first violation short-circuits the remaining
// checks, matching the reference implementation's fail-fast ordering;
// every evaluated field is still reported for explainability.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (Decision, error) {
	evaluatedFields := []string{
		"principal.tenant_id", "resource.tenant_id",
		"action", "principal.allowed_actions",
		"environment.requires_mfa", "principal.mfa_present",
	}

	var violations, warnings, allows []string

	if in.Principal.TenantID != in.Resource.TenantID {
		violations = append(violations, CodeTenantMismatch)
	} else {
		allows = append(allows, "tenant_match")
	}

	if len(violations) == 0 {
		if !actionAllowed(in.Principal.AllowedActions, in.Action) {
			violations = append(violations, CodeActionNotAllowed)
		} else {
			allows = append(allows, "action_allowed")
		}
	}

	if len(violations) == 0 {
		if in.Environment.RequiresMFA && !in.Principal.MFAPresent {
			violations = append(violations, CodeMFARequired)
		} else {
			allows = append(allows, "mfa_satisfied")
		}
	}

	outcome := OutcomeAllow
	if len(violations) > 0 {
		outcome = OutcomeDeny
	}

	decision := Decision{
		DecisionID:      "pdec-" + uuid.NewString(),
		Outcome:         outcome,
		ViolationCodes:  violations,
		WarningCodes:    warnings,
		AllowCodes:      allows,
		EvaluatedFields: evaluatedFields,
	}

	signature, err := e.sign(decision)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: evaluate: signing decision: %w", err)
	}
	decision.Signature = signature

	record := store.PolicyDecisionRecord{
		DecisionID:     decision.DecisionID,
		Actor:          in.Actor,
		Action:         in.Action,
		Resource:       in.Resource.TenantID,
		Decision:       string(decision.Outcome),
		ViolationCodes: decision.ViolationCodes,
		WarningCodes:   decision.WarningCodes,
		Signature:      decision.Signature,
		CreatedAt:      e.clock.Now(),
	}
	if err := e.store.InsertPolicyDecision(ctx, record); err != nil {
		return Decision{}, fmt.Errorf("policy: evaluate: recording decision: %w", err)
	}

	return decision, nil
}

func (e *Evaluator) sign(d Decision) (string, error) {
	payload, err := cryptoutil.Canonical(signaturePayload{
		DecisionID:      d.DecisionID,
		Outcome:         d.Outcome,
		ViolationCodes:  d.ViolationCodes,
		WarningCodes:    d.WarningCodes,
		AllowCodes:      d.AllowCodes,
		EvaluatedFields: d.EvaluatedFields,
	})
	if err != nil {
		return "", err
	}
	return cryptoutil.Sign(e.secret, payload)
}

// VerifyDecisionSignature recomputes decision_signature and compares it
// against d.Signature, matching spec.md §4.7's "verification helper
// deterministic" requirement.
func (e *Evaluator) VerifyDecisionSignature(d Decision) (bool, error) {
	payload, err := cryptoutil.Canonical(signaturePayload{
		DecisionID:      d.DecisionID,
		Outcome:         d.Outcome,
		ViolationCodes:  d.ViolationCodes,
		WarningCodes:    d.WarningCodes,
		AllowCodes:      d.AllowCodes,
		EvaluatedFields: d.EvaluatedFields,
	})
	if err != nil {
		return false, err
	}
	return cryptoutil.Verify(e.secret, payload, d.Signature), nil
}

func actionAllowed(allowed []string, action string) bool {
	for _, a := range allowed {
		if a == action || a == "*" {
			return true
		}
	}
	return false
}

// History returns the audit trail of policy decisions evaluated for a
// given actor, most recent first.
func (e *Evaluator) History(ctx context.Context, actor string) ([]store.PolicyDecisionRecord, error) {
	return e.store.ListPolicyDecisionsForActor(ctx, actor)
}
