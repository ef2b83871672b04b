// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cryptoutil provides the signing, canonicalization, and secret
// generation primitives shared by every component that mints or verifies
// a signed artifact: delegation tokens, policy decisions, and federation
// attestations.
//
// Every signer in this package (HMAC-SHA256, and Ed25519 for federation
// attestations) signs a canonical byte encoding of the signed payload,
// never a struct's default JSON
// encoding — field ordering in Go's encoding/json is stable for a given
// type but is not a cross-language, cross-version contract, and this
// package is the one place that contract is pinned down.
package cryptoutil

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// SecretByteLength is the number of random bytes generated for a new
// credential secret or signing key, matching the identity subsystem's
// secret generation policy.
const SecretByteLength = 32

// Sign computes the HMAC-SHA256 of payload keyed by secret, returning
// the hex-encoded digest. Both secret and payload must be non-empty.
func Sign(secret, payload []byte) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("cryptoutil: sign: secret is empty")
	}
	if len(payload) == 0 {
		return "", fmt.Errorf("cryptoutil: sign: payload is empty")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature is the correct hex-encoded
// HMAC-SHA256 of payload under secret. Comparison is constant-time.
func Verify(secret, payload []byte, signature string) bool {
	expected, err := Sign(secret, payload)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Hash returns the hex-encoded HMAC-SHA256 of data under secret. Used
// to derive lookup hashes for credential secrets: the plaintext secret
// is shown to the caller exactly once at creation time and never
// persisted, only its hash is stored for later verification.
func Hash(secret, data []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// RandomSecret generates a new cryptographically random secret of
// SecretByteLength bytes, returned as a URL-safe base64 string suitable
// for embedding in API responses and Authorization headers.
func RandomSecret() (string, error) {
	buf := make([]byte, SecretByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("cryptoutil: generating random secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// RandomToken is an alias for RandomSecret kept distinct for call sites
// that mint bearer tokens rather than credential secrets; the two have
// identical entropy requirements but different semantic roles.
func RandomToken() (string, error) {
	return RandomSecret()
}
