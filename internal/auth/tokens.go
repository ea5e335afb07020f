// Package auth resolves opaque bearer tokens to Principals and owns every
// credential pathway: password login, OAuth ID-token exchange, password
// reset, context switching. Tokens are 256-bit CSPRNG values; only their
// SHA-256 digests are persisted.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// NewToken mints a 32-byte random token, hex-encoded.
func NewToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("auth: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// HashToken is the at-rest form of a token. One-way; the cleartext exists
// only in the response that issued it.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
