package util

import (
	"regexp"
)

var (
	sessionIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	tokenRegex     = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// IsValidSessionID accepts client-generated opaque ids.
func IsValidSessionID(s string) bool {
	return sessionIDRegex.MatchString(s)
}

func IsValidToken(s string) bool {
	return tokenRegex.MatchString(s)
}
