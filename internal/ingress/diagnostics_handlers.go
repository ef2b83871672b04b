// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingress

import "net/http"

type diagnosticsConfigResponse struct {
	Environment           string          `json:"environment"`
	AccessEnforcementMode string          `json:"access_enforcement_mode"`
	Secrets               map[string]bool `json:"secrets_loaded"`
}

func (h *handlers) diagnosticsConfig(r *http.Request) (any, error) {
	return diagnosticsConfigResponse{
		Environment:           string(h.deps.Config.Environment),
		AccessEnforcementMode: string(h.deps.Config.AccessEnforcementMode),
		Secrets:               h.deps.Secrets.DiagnosticStatus(),
	}, nil
}
