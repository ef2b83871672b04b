// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret loads the control plane's required secret material
// from environment variables into mlock-protected, core-dump-excluded
// buffers (lib/secret.Buffer) at process startup, and fails the process
// closed if any required secret is missing or empty.
//
// There is no reload path. A secret rotation requires restarting the
// process with new environment variables, matching the design note
// that the signing secrets have no hot-reload mechanism.
package secret

import (
	"encoding/json"
	"fmt"
	"os"

	lsecret "github.com/agenthub/control-plane/lib/secret"
)

// Env names for the five required secret environment variables.
const (
	EnvIdentitySigningSecret = "AGENTHUB_IDENTITY_SIGNING_SECRET"
	EnvBearerSigningSecret   = "AGENTHUB_BEARER_SIGNING_SECRET"
	EnvProvenanceSecret      = "AGENTHUB_PROVENANCE_SIGNING_SECRET"
	EnvAPIKeyMap             = "AGENTHUB_API_KEY_MAP"
	EnvFederationDomainMap   = "AGENTHUB_FEDERATION_DOMAIN_MAP"
)

// APIKeyPrincipal is one entry of the API key map: the tenant and actor
// identity a bearer API key resolves to.
type APIKeyPrincipal struct {
	APIKey string   `json:"api_key"`
	Tenant string   `json:"tenant"`
	Actor  string   `json:"actor"`
	Scopes []string `json:"scopes"`
}

// FederationDomainSecret is one entry of the federation domain map: a
// partner domain and the shared secret configured for it. The map is
// loaded and reported by DiagnosticStatus; no code in this module
// verifies inbound attestations with these secrets.
type FederationDomainSecret struct {
	Domain string `json:"domain"`
	Secret string `json:"secret"`
}

// Snapshot holds every secret the control plane needs for the lifetime
// of the process. All byte-slice fields are backed by mlock-protected
// memory; Close releases them.
type Snapshot struct {
	identitySigning *lsecret.Buffer
	bearerSigning   *lsecret.Buffer
	provenance      *lsecret.Buffer

	apiKeys           map[string]APIKeyPrincipal // api key -> principal
	federationDomains map[string]string          // domain -> shared secret
}

// Load reads all required secrets from the environment and returns a
// Snapshot, or an error naming every missing/invalid secret if any are
// absent. This is the fail-closed startup gate described by the
// configuration contract: the process must not bind its listener if
// Load returns an error.
func Load() (*Snapshot, error) {
	var missing []string

	identityRaw := os.Getenv(EnvIdentitySigningSecret)
	bearerRaw := os.Getenv(EnvBearerSigningSecret)
	provenanceRaw := os.Getenv(EnvProvenanceSecret)
	apiKeyRaw := os.Getenv(EnvAPIKeyMap)
	federationRaw := os.Getenv(EnvFederationDomainMap)

	if identityRaw == "" {
		missing = append(missing, EnvIdentitySigningSecret)
	}
	if bearerRaw == "" {
		missing = append(missing, EnvBearerSigningSecret)
	}
	if provenanceRaw == "" {
		missing = append(missing, EnvProvenanceSecret)
	}
	if apiKeyRaw == "" {
		missing = append(missing, EnvAPIKeyMap)
	}
	if federationRaw == "" {
		missing = append(missing, EnvFederationDomainMap)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("secret: required environment variables not set: %v", missing)
	}

	identityBuf, err := lsecret.NewFromBytes([]byte(identityRaw))
	if err != nil {
		return nil, fmt.Errorf("secret: %s: %w", EnvIdentitySigningSecret, err)
	}
	bearerBuf, err := lsecret.NewFromBytes([]byte(bearerRaw))
	if err != nil {
		identityBuf.Close()
		return nil, fmt.Errorf("secret: %s: %w", EnvBearerSigningSecret, err)
	}
	provenanceBuf, err := lsecret.NewFromBytes([]byte(provenanceRaw))
	if err != nil {
		identityBuf.Close()
		bearerBuf.Close()
		return nil, fmt.Errorf("secret: %s: %w", EnvProvenanceSecret, err)
	}

	var apiKeyEntries []APIKeyPrincipal
	if err := json.Unmarshal([]byte(apiKeyRaw), &apiKeyEntries); err != nil {
		identityBuf.Close()
		bearerBuf.Close()
		provenanceBuf.Close()
		return nil, fmt.Errorf("secret: %s: invalid JSON: %w", EnvAPIKeyMap, err)
	}
	apiKeys := make(map[string]APIKeyPrincipal, len(apiKeyEntries))
	for _, entry := range apiKeyEntries {
		apiKeys[entry.APIKey] = entry
	}

	var federationEntries []FederationDomainSecret
	if err := json.Unmarshal([]byte(federationRaw), &federationEntries); err != nil {
		identityBuf.Close()
		bearerBuf.Close()
		provenanceBuf.Close()
		return nil, fmt.Errorf("secret: %s: invalid JSON: %w", EnvFederationDomainMap, err)
	}
	federationDomains := make(map[string]string, len(federationEntries))
	for _, entry := range federationEntries {
		federationDomains[entry.Domain] = entry.Secret
	}

	return &Snapshot{
		identitySigning:   identityBuf,
		bearerSigning:     bearerBuf,
		provenance:        provenanceBuf,
		apiKeys:           apiKeys,
		federationDomains: federationDomains,
	}, nil
}

// IdentitySigningSecret returns the secret used to sign and verify
// delegation tokens and credential lookup hashes (C1, C4, C5), and to
// sign policy decisions (C7).
func (s *Snapshot) IdentitySigningSecret() []byte { return s.identitySigning.Bytes() }

// BearerSigningSecret returns the secret used to verify bearer tokens
// presented by agents on the API (C3).
func (s *Snapshot) BearerSigningSecret() []byte { return s.bearerSigning.Bytes() }

// ProvenanceSecret returns the secret used to derive the federation
// attestation Ed25519 keypair (C11).
func (s *Snapshot) ProvenanceSecret() []byte { return s.provenance.Bytes() }

// ResolveAPIKeyPrincipal looks up the tenant/actor an API key resolves
// to, keyed by the raw key string. Returns ok=false if the key is not
// present in the configured map.
func (s *Snapshot) ResolveAPIKeyPrincipal(apiKey string) (APIKeyPrincipal, bool) {
	principal, ok := s.apiKeys[apiKey]
	return principal, ok
}

// FederationSecretForDomain returns the shared secret configured for a
// partner domain, or ok=false if the domain has no shared secret
// configured.
func (s *Snapshot) FederationSecretForDomain(domain string) (string, bool) {
	secret, ok := s.federationDomains[domain]
	return secret, ok
}

// DiagnosticStatus reports presence (never the values) of each required
// secret, for the admin-scoped /v1/diagnostics/config endpoint.
func (s *Snapshot) DiagnosticStatus() map[string]bool {
	return map[string]bool{
		EnvIdentitySigningSecret: s.identitySigning.Len() > 0,
		EnvBearerSigningSecret:   s.bearerSigning.Len() > 0,
		EnvProvenanceSecret:      s.provenance.Len() > 0,
		EnvAPIKeyMap:             len(s.apiKeys) > 0,
		EnvFederationDomainMap:   len(s.federationDomains) > 0,
	}
}

// Close zeros and releases all secret memory. Call during graceful
// shutdown.
func (s *Snapshot) Close() error {
	var firstErr error
	if err := s.identitySigning.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.bearerSigning.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.provenance.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
