// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy_test

import (
	"context"
	"testing"

	"github.com/agenthub/control-plane/internal/policy"
	"github.com/agenthub/control-plane/internal/testutil"
)

const testSecret = "policy-signing-secret"

// TestMFARequiredDeny implements spec.md §8 scenario S6.
func TestMFARequiredDeny(t *testing.T) {
	st, fake := testutil.NewTempStore(t)
	evaluator := policy.New(st, fake, []byte(testSecret))
	ctx := context.Background()

	decision, err := evaluator.Evaluate(ctx, policy.Input{
		Actor: "agt-test",
		Principal: policy.Principal{
			TenantID:       "t1",
			AllowedActions: []string{"agents.publish"},
			MFAPresent:     false,
		},
		Resource:    policy.Resource{TenantID: "t1"},
		Environment: policy.Environment{RequiresMFA: true},
		Action:      "agents.publish",
	})
	testutil.RequireNoError(t, err)

	if decision.Outcome != policy.OutcomeDeny {
		t.Fatalf("expected deny, got %s", decision.Outcome)
	}
	if len(decision.ViolationCodes) != 1 || decision.ViolationCodes[0] != policy.CodeMFARequired {
		t.Fatalf("expected violation_codes=[abac.mfa_required], got %v", decision.ViolationCodes)
	}

	ok, err := evaluator.VerifyDecisionSignature(decision)
	testutil.RequireNoError(t, err)
	if !ok {
		t.Fatal("expected decision_signature to verify")
	}
}

func TestTenantMismatchShortCircuits(t *testing.T) {
	st, fake := testutil.NewTempStore(t)
	evaluator := policy.New(st, fake, []byte(testSecret))
	ctx := context.Background()

	decision, err := evaluator.Evaluate(ctx, policy.Input{
		Actor: "agt-test",
		Principal: policy.Principal{
			TenantID:       "t1",
			AllowedActions: []string{},
		},
		Resource: policy.Resource{TenantID: "t2"},
		Action:   "agents.publish",
	})
	testutil.RequireNoError(t, err)

	if len(decision.ViolationCodes) != 1 || decision.ViolationCodes[0] != policy.CodeTenantMismatch {
		t.Fatalf("expected only tenant_mismatch to fire, got %v", decision.ViolationCodes)
	}
}

func TestActionNotAllowedDeny(t *testing.T) {
	st, fake := testutil.NewTempStore(t)
	evaluator := policy.New(st, fake, []byte(testSecret))
	ctx := context.Background()

	decision, err := evaluator.Evaluate(ctx, policy.Input{
		Actor: "agt-test",
		Principal: policy.Principal{
			TenantID:       "t1",
			AllowedActions: []string{"agents.read"},
			MFAPresent:     true,
		},
		Resource: policy.Resource{TenantID: "t1"},
		Action:   "agents.publish",
	})
	testutil.RequireNoError(t, err)

	if len(decision.ViolationCodes) != 1 || decision.ViolationCodes[0] != policy.CodeActionNotAllowed {
		t.Fatalf("expected action_not_allowed, got %v", decision.ViolationCodes)
	}
}

func TestAllowWhenAllChecksPass(t *testing.T) {
	st, fake := testutil.NewTempStore(t)
	evaluator := policy.New(st, fake, []byte(testSecret))
	ctx := context.Background()

	decision, err := evaluator.Evaluate(ctx, policy.Input{
		Actor: "agt-test",
		Principal: policy.Principal{
			TenantID:       "t1",
			AllowedActions: []string{"agents.publish"},
			MFAPresent:     true,
		},
		Resource:    policy.Resource{TenantID: "t1"},
		Environment: policy.Environment{RequiresMFA: true},
		Action:      "agents.publish",
	})
	testutil.RequireNoError(t, err)

	if decision.Outcome != policy.OutcomeAllow {
		t.Fatalf("expected allow, got %s: %v", decision.Outcome, decision.ViolationCodes)
	}
	if len(decision.ViolationCodes) != 0 {
		t.Fatalf("expected no violations, got %v", decision.ViolationCodes)
	}
}

func TestTamperedSignatureFailsVerification(t *testing.T) {
	st, fake := testutil.NewTempStore(t)
	evaluator := policy.New(st, fake, []byte(testSecret))
	ctx := context.Background()

	decision, err := evaluator.Evaluate(ctx, policy.Input{
		Actor: "agt-test",
		Principal: policy.Principal{
			TenantID:       "t1",
			AllowedActions: []string{"agents.publish"},
			MFAPresent:     true,
		},
		Resource: policy.Resource{TenantID: "t1"},
		Action:   "agents.publish",
	})
	testutil.RequireNoError(t, err)

	decision.ViolationCodes = append(decision.ViolationCodes, "abac.tampered")
	ok, err := evaluator.VerifyDecisionSignature(decision)
	testutil.RequireNoError(t, err)
	if ok {
		t.Fatal("expected tampered decision to fail signature verification")
	}
}
