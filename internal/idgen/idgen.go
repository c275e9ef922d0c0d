// Package idgen generates random identifiers for requests and provider
// idempotency keys.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// RequestID returns a request correlation id such as "req_3f9a...".
func RequestID() string {
	return WithPrefix("req_")
}

// WithPrefix returns prefix followed by 24 random hex chars.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns numBytes random bytes hex-encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
