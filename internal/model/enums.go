package model

import "fmt"

type SharingCategory string

const (
	SharingAll      SharingCategory = "All"
	SharingPersonal SharingCategory = "Personal"
	SharingWork     SharingCategory = "Work"
)

// ParseSharingCategory treats an empty value as All.
func ParseSharingCategory(s string) (SharingCategory, error) {
	switch SharingCategory(s) {
	case "":
		return SharingAll, nil
	case SharingAll, SharingPersonal, SharingWork:
		return SharingCategory(s), nil
	default:
		return "", fmt.Errorf("unknown sharing category %q", s)
	}
}

type SessionStatus string

const (
	SessionStatusOpen        SessionStatus = "open"
	SessionStatusPendingAuth SessionStatus = "pending_auth"
	SessionStatusMatched     SessionStatus = "matched"
	SessionStatusExpired     SessionStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusMatched || s == SessionStatusExpired
}

type Role string

const (
	RoleA Role = "A"
	RoleB Role = "B"
)

func (r Role) Other() Role {
	if r == RoleA {
		return RoleB
	}
	return RoleA
}

type MatchVia string

const (
	MatchViaMotion MatchVia = "motion"
	MatchViaQR     MatchVia = "qr"
)
