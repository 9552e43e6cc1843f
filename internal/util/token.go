package util

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// Session tokens double as QR payloads and as match tokens for QR matches,
// so they carry 256 random bits.
const tokenBytes = 32

// TokenLength is the length of a GenerateToken result.
const TokenLength = tokenBytes * 2

func GenerateToken() (string, error) {
	var buf [tokenBytes]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskToken keeps a short prefix so log lines of one match can be joined.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "********"
	}
	return token[:8] + "…"
}
