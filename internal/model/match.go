package model

import "time"

type MatchRecord struct {
	Token     string    `json:"token"`
	SessionA  string    `json:"sessionA"`
	SessionB  string    `json:"sessionB"`
	Via       MatchVia  `json:"via"`
	MatchedAt time.Time `json:"matchedAt"`
}

// RoleOf returns the role held by sessionID, or false if it is not a participant.
func (m *MatchRecord) RoleOf(sessionID string) (Role, bool) {
	switch sessionID {
	case m.SessionA:
		return RoleA, true
	case m.SessionB:
		return RoleB, true
	}
	return "", false
}

func (m *MatchRecord) Counterpart(sessionID string) (string, bool) {
	switch sessionID {
	case m.SessionA:
		return m.SessionB, true
	case m.SessionB:
		return m.SessionA, true
	}
	return "", false
}

// NewMotionMatch orders two sessions so the lexicographically smaller id holds role A.
func NewMotionMatch(token, s1, s2 string, at time.Time) MatchRecord {
	a, b := s1, s2
	if b < a {
		a, b = b, a
	}
	return MatchRecord{Token: token, SessionA: a, SessionB: b, Via: MatchViaMotion, MatchedAt: at}
}
