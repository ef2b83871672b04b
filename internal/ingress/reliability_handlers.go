// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"net/http"
	"strconv"

	"github.com/agenthub/control-plane/internal/apierr"
)

func (h *handlers) sloDashboard(r *http.Request) (any, error) {
	windowSize := 0
	if raw := r.URL.Query().Get("window_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, apierr.Validation("schema.invalid_field", "window_size must be an integer")
		}
		windowSize = parsed
	}
	return h.deps.Reliability.Evaluate(r.Context(), windowSize)
}
