// Package pkce implements Proof Key for Code Exchange (RFC 7636) with the
// S256 challenge method. It is a pure function library with no storage.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// RFC 7636 section 4.1 bounds on the code verifier length.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128

	verifierBytes = 48 // encodes to 64 base64url characters
)

// ErrInvalidVerifier is returned when a verifier falls outside the
// RFC 7636 length bounds.
var ErrInvalidVerifier = fmt.Errorf("pkce: code verifier length must be %d-%d characters", MinVerifierLength, MaxVerifierLength)

// GenerateVerifier returns a high-entropy base64url code verifier.
func GenerateVerifier() (string, error) {
	buf := make([]byte, verifierBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("pkce: generating verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ChallengeFromVerifier derives the S256 code challenge for a verifier:
// base64url(SHA-256(verifier)) without padding.
func ChallengeFromVerifier(verifier string) (string, error) {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return "", ErrInvalidVerifier
	}
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// Verify recomputes the challenge for verifier and compares it against the
// stored challenge in constant time.
func Verify(verifier, challenge string) bool {
	computed, err := ChallengeFromVerifier(verifier)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
