package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a prefixed 128-bit random identifier, e.g. "brd_4f0a…".
func NewID(prefix string) string {
	return NewToken(prefix, 16)
}

// NewToken returns a prefixed random string with n bytes of entropy.
// Secrets handed to clients use a wider n than plain identifiers.
func NewToken(prefix string, n int) string {
	bytes := make([]byte, n)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
