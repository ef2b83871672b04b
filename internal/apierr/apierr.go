// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package apierr defines the closed set of errors the control plane can
// return to a caller, each carrying the HTTP status and dotted error
// code that internal/ingress maps into the wire error envelope. Domain
// packages return these (often wrapped with fmt.Errorf's %w) instead of
// writing to an http.ResponseWriter directly; internal/ingress is the
// single place an error becomes an HTTP response.
//
// Codes follow the dotted namespace convention named throughout the
// design: "schema.*" for validation, "auth.*" for authentication,
// "abac.*"/"policy.*" for authorization, "identity.*" for identity and
// delegation-chain violations, "budget.*" for cost governance,
// "breaker.*" for the reliability circuit breaker, and
// "idempotency.*" for the idempotency store.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a tagged API error with a stable dotted code and HTTP
// status. Fields is optional structured detail surfaced under
// detail.fields in the wire envelope (e.g. which request fields failed
// validation).
type Error struct {
	Code    string
	Status  int
	Message string
	Fields  map[string]string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithFields attaches field-level validation detail and returns the
// same *Error for chaining at the call site.
func (e *Error) WithFields(fields map[string]string) *Error {
	e.Fields = fields
	return e
}

func newErr(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// Validation reports a malformed or semantically invalid request body.
// code should be a "schema.*" dotted code (e.g. "schema.missing_field").
func Validation(code, format string, args ...any) *Error {
	return newErr(code, http.StatusBadRequest, format, args...)
}

// Auth reports a failed authentication step (missing, malformed, or
// unrecognized credential). code should be an "auth.*" dotted code.
func Auth(code, format string, args ...any) *Error {
	return newErr(code, http.StatusUnauthorized, format, args...)
}

// Policy reports a denied ABAC or policy decision. code should be an
// "abac.*" or "policy.*" dotted code.
func Policy(code, format string, args ...any) *Error {
	return newErr(code, http.StatusForbidden, format, args...)
}

// NotFound reports a missing resource.
func NotFound(code, format string, args ...any) *Error {
	return newErr(code, http.StatusNotFound, format, args...)
}

// IdempotencyConflict reports a replayed idempotency key whose request
// hash does not match the original request.
func IdempotencyConflict(format string, args ...any) *Error {
	return newErr("idempotency.key_reused_with_different_payload", http.StatusConflict, format, args...)
}

// BudgetReauthRequired reports a budget ratio at or above the
// reauthorization threshold (1.00) but below hard stop (1.20).
func BudgetReauthRequired(format string, args ...any) *Error {
	return newErr("budget.reauth_required", http.StatusPaymentRequired, format, args...)
}

// BudgetHardStop reports a budget ratio at or above the hard-stop
// threshold (1.20).
func BudgetHardStop(format string, args ...any) *Error {
	return newErr("budget.hard_stop", http.StatusPaymentRequired, format, args...)
}

// BreakerOpen reports that the reliability breaker is open and is
// rejecting new delegation work.
func BreakerOpen(format string, args ...any) *Error {
	return newErr("breaker.open", http.StatusServiceUnavailable, format, args...)
}

// Timeout reports a request that exceeded the ingress deadline.
func Timeout(format string, args ...any) *Error {
	return newErr("timeout.request_exceeded", http.StatusGatewayTimeout, format, args...)
}

// Revoked reports an operation attempted against a revoked identity or
// credential.
func Revoked(format string, args ...any) *Error {
	return newErr("identity.revoked", http.StatusUnauthorized, format, args...)
}

// ChainInvalid reports a broken, expired, or revoked delegation chain
// discovered during token verification.
func ChainInvalid(format string, args ...any) *Error {
	return newErr("delegation.chain_invalid", http.StatusUnauthorized, format, args...)
}

// ChainTooDeep reports an attempt to issue a 6th delegation hop.
func ChainTooDeep(format string, args ...any) *Error {
	return newErr("identity.chain_too_deep", http.StatusBadRequest, format, args...)
}

// ScopeNotAttenuated reports a child token or credential requesting a
// scope outside its parent's effective scopes.
func ScopeNotAttenuated(format string, args ...any) *Error {
	return newErr("identity.scope_not_attenuated", http.StatusBadRequest, format, args...)
}

// RateLimited reports a caller that exceeded its request rate budget.
func RateLimited(format string, args ...any) *Error {
	return newErr("rate_limit.exceeded", http.StatusTooManyRequests, format, args...)
}

// Internal wraps an unexpected error that should not leak detail to the
// caller. The cause is logged by the ingress layer but never rendered
// in the response body.
func Internal(cause error) *Error {
	return &Error{
		Code:    "internal.error",
		Status:  http.StatusInternalServerError,
		Message: "internal error",
		Cause:   cause,
	}
}

// As extracts an *Error from err, following wrapped error chains.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
