package cryptoutil

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

func newSHA256() hash.Hash { return sha256.New() }

// DeriveAttestationKeypair derives a stable Ed25519 keypair from the
// provenance signing secret using HKDF-SHA256. The process never
// persists the private key to disk: it is re-derived from the same
// secret on every restart, so a single secret snapshot is sufficient
// to both sign outgoing attestations and reproduce the corresponding
// public key.
func DeriveAttestationKeypair(provenanceSecret []byte) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if len(provenanceSecret) == 0 {
		return nil, nil, fmt.Errorf("cryptoutil: derive attestation keypair: secret is empty")
	}

	reader := hkdf.New(newSHA256, provenanceSecret, nil, []byte("agenthub-federation-attestation-v1"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, nil, fmt.Errorf("cryptoutil: derive attestation keypair: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return pub, priv, nil
}

// SignAttestation signs payload with priv, returning the raw 64-byte
// Ed25519 signature.
func SignAttestation(priv ed25519.PrivateKey, payload []byte) []byte {
	return ed25519.Sign(priv, payload)
}

// VerifyAttestation reports whether signature is a valid Ed25519
// signature of payload under pub. Returns false (never panics) for
// malformed keys or signatures.
func VerifyAttestation(pub ed25519.PublicKey, payload, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, payload, signature)
}
