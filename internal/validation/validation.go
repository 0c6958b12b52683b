// Package validation provides input validation for the coordinator API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxLabelLength bounds participant display labels.
const MaxLabelLength = 128

var (
	// hexRegex validates hex strings (encoded public keys)
	hexRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
	// sessionIDRegex validates 128-bit lowercase hex session IDs
	sessionIDRegex = regexp.MustCompile(`^[a-f0-9]{32}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSessionID checks the session identifier shape without touching
// the store.
func IsValidSessionID(id string) bool {
	return sessionIDRegex.MatchString(id)
}

// IsValidPublicKey loosely checks an encoded Hedera public key: hex, with
// or without the DER prefix. The signature verifier does the real parse;
// this gate just keeps junk out of store lookups.
func IsValidPublicKey(key string) bool {
	k := strings.TrimPrefix(strings.TrimSpace(key), "0x")
	if !hexRegex.MatchString(k) {
		return false
	}
	// Raw ed25519 (64 hex), raw/compressed ECDSA (66 hex), or DER-wrapped.
	switch len(k) {
	case 64, 66, 88, 100:
		return true
	}
	return len(k) >= 64 && len(k) <= 120
}

// SanitizeLabel trims, bounds, and strips null bytes from a participant
// label.
func SanitizeLabel(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > MaxLabelLength {
		s = s[:MaxLabelLength]
	}
	return strings.ReplaceAll(s, "\x00", "")
}
