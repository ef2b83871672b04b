// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authn

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agenthub/control-plane/internal/apierr"
	"github.com/agenthub/control-plane/internal/cryptoutil"
)

// BearerClaims are the fields carried by a scoped bearer token. Unlike
// delegation tokens, bearer tokens are not persisted anywhere: they are
// self-contained, minted out of band by whatever operator tooling holds
// the bearer signing secret, and verified here without a store lookup.
type BearerClaims struct {
	AgentID string   `json:"agent_id"`
	Owner   string   `json:"owner"`
	Scopes  []string `json:"scopes"`
	Expiry  int64    `json:"exp"`
}

// encodeBearerToken returns "<base64url(canonical claims json)>.<hex hmac
// signature over the decoded payload bytes>".
func encodeBearerToken(secret []byte, claims BearerClaims) (string, error) {
	payload, err := cryptoutil.Canonical(claims)
	if err != nil {
		return "", fmt.Errorf("authn: encode bearer token: %w", err)
	}
	signature, err := cryptoutil.Sign(secret, payload)
	if err != nil {
		return "", fmt.Errorf("authn: encode bearer token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(payload) + "." + signature, nil
}

// MintBearerToken signs a bearer token for agentID scoped to scopes,
// expiring after ttl. Used by operator-facing tooling (not exposed over
// HTTP — bearer tokens are provisioned out of band, per spec.md §4.3).
func MintBearerToken(secret []byte, agentID, owner string, scopes []string, now time.Time, ttl time.Duration) (string, error) {
	return encodeBearerToken(secret, BearerClaims{
		AgentID: agentID,
		Owner:   owner,
		Scopes:  scopes,
		Expiry:  now.Add(ttl).Unix(),
	})
}

// VerifyBearerToken recomputes the signature and checks expiry.
func VerifyBearerToken(secret []byte, token string, now time.Time) (BearerClaims, error) {
	idx := strings.LastIndexByte(token, '.')
	if idx < 0 || idx == len(token)-1 {
		return BearerClaims{}, apierr.Auth("auth.malformed_bearer_token", "bearer token is not in <payload>.<signature> form")
	}
	payloadPart, signature := token[:idx], token[idx+1:]

	payload, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return BearerClaims{}, apierr.Auth("auth.malformed_bearer_token", "bearer token payload is not valid base64url")
	}
	if !cryptoutil.Verify(secret, payload, signature) {
		return BearerClaims{}, apierr.Auth("auth.invalid_bearer_token", "bearer token signature mismatch")
	}

	var claims BearerClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return BearerClaims{}, apierr.Auth("auth.malformed_bearer_token", "bearer token payload is not valid JSON")
	}
	if now.Unix() >= claims.Expiry {
		return BearerClaims{}, apierr.Auth("auth.bearer_token_expired", "bearer token expired at %d", claims.Expiry)
	}
	return claims, nil
}
