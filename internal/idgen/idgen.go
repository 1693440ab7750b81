// Package idgen provides random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New generates a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "esc_", "dsp_", "evt_").
// Result is prefix + 32 hex chars taken from a v4 UUID.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
