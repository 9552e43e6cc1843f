package model

import "time"

type ExchangeSession struct {
	ID              string          `json:"id"`
	SharingCategory SharingCategory `json:"sharingCategory"`
	Token           string          `json:"token"`
	Status          SessionStatus   `json:"status"`
	ProfileID       string          `json:"profileId,omitempty"`
	PendingScanner  string          `json:"pendingScanner,omitempty"`
	LastHit         int64           `json:"lastHit"`
	MatchToken      string          `json:"matchToken,omitempty"`
	Role            Role            `json:"role,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	MatchedAt       *time.Time      `json:"matchedAt,omitempty"`
}

// EffectiveStatus reports expired for an unmatched session past its window.
// It never writes; expiry is evaluated at read time.
func (s *ExchangeSession) EffectiveStatus(now time.Time) SessionStatus {
	if s.Status == SessionStatusMatched || s.Status == SessionStatusExpired {
		return s.Status
	}
	if !now.Before(s.ExpiresAt) {
		return SessionStatusExpired
	}
	return s.Status
}

type CreateSessionParams struct {
	ID              string
	SharingCategory SharingCategory
	Token           string
	ProfileID       string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}
