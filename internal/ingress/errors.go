// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingress is the control plane's HTTP surface (spec.md §6, §7):
// route handlers, the request-id/logging/timeout/auth-resolve/
// idempotency middleware chain, and writeError, the single boundary
// that turns a domain *apierr.Error into the wire error envelope.
// Handlers never write to an http.ResponseWriter on the error path
// directly — they return an error and let writeError map it.
package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/agenthub/control-plane/internal/apierr"
)

// errorEnvelope is the wire shape of every non-2xx response body,
// matching the reference implementation's error contract
// (SPEC_FULL.md §7): {"detail": {"code", "message", "fields"?}}.
type errorEnvelope struct {
	Detail errorDetail `json:"detail"`
}

type errorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// writeError maps err to an HTTP response, logging internal errors at
// error level and everything else at info level (spec.md §9: internal
// errors never leak their cause to the caller).
func writeError(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Internal(err)
	}

	if apiErr.Status >= 500 {
		logger.ErrorContext(ctx, "request failed", "code", apiErr.Code, "error", apiErr.Cause)
	} else {
		logger.InfoContext(ctx, "request denied", "code", apiErr.Code, "status", apiErr.Status)
	}

	writeJSON(w, apiErr.Status, errorEnvelope{Detail: errorDetail{
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Fields:  apiErr.Fields,
	}})
}

// writeJSON writes v as a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes r's body into v, returning a schema.malformed_json
// validation error on failure.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierr.Validation("schema.malformed_json", "request body is not valid JSON: %v", err)
	}
	return nil
}
