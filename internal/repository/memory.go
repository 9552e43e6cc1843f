package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bumpxchange/exchange-server/internal/model"
)

// MemoryStore is a single-process ExchangeStore used in development when no
// Redis is configured, and in tests. One mutex serializes every write.
type MemoryStore struct {
	mu       sync.Mutex
	opts     StoreOptions
	sessions map[string]*model.ExchangeSession
	tokens   map[string]string // session token -> session id
	matches  map[string]*model.MatchRecord
	hits     []model.HitRecord // ordered by TS
}

func NewMemoryStore(opts StoreOptions) *MemoryStore {
	return &MemoryStore{
		opts:     opts.withDefaults(),
		sessions: make(map[string]*model.ExchangeSession),
		tokens:   make(map[string]string),
		matches:  make(map[string]*model.MatchRecord),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateSession(ctx context.Context, params model.CreateSessionParams) (*model.ExchangeSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[params.ID]; ok {
		return nil, ErrSessionExists
	}

	session := &model.ExchangeSession{
		ID:              params.ID,
		SharingCategory: params.SharingCategory,
		Token:           params.Token,
		Status:          model.SessionStatusOpen,
		ProfileID:       params.ProfileID,
		CreatedAt:       params.CreatedAt,
		ExpiresAt:       params.ExpiresAt,
	}
	s.sessions[session.ID] = session
	s.tokens[session.Token] = session.ID

	return copySession(session), nil
}

func (s *MemoryStore) FindSession(ctx context.Context, id string) (*model.ExchangeSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return copySession(s.sessions[id]), nil
}

func (s *MemoryStore) FindSessionByToken(ctx context.Context, token string) (*model.ExchangeSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.tokens[token]
	if !ok {
		return nil, nil
	}
	return copySession(s.sessions[id]), nil
}

func (s *MemoryStore) AppendHit(ctx context.Context, hit model.HitRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[hit.SessionID]
	if !ok {
		return false, ErrSessionNotFound
	}
	if hit.HitNumber <= session.LastHit {
		return false, nil
	}
	session.LastHit = hit.HitNumber

	i := sort.Search(len(s.hits), func(i int) bool { return s.hits[i].TS > hit.TS })
	s.hits = append(s.hits, model.HitRecord{})
	copy(s.hits[i+1:], s.hits[i:])
	s.hits[i] = hit

	return true, nil
}

func (s *MemoryStore) RecentHits(ctx context.Context, fromMillis, toMillis int64) ([]model.HitRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := sort.Search(len(s.hits), func(i int) bool { return s.hits[i].TS >= fromMillis })
	var out []model.HitRecord
	for _, h := range s.hits[start:] {
		if h.TS > toMillis {
			break
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *MemoryStore) BindMatch(ctx context.Context, match model.MatchRecord, self string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	peer, ok := match.Counterpart(self)
	if !ok {
		return ErrSelfUnavailable
	}
	selfRole, _ := match.RoleOf(self)

	s.mu.Lock()
	defer s.mu.Unlock()

	selfSession := s.sessions[self]
	peerSession := s.sessions[peer]
	if !available(selfSession, peer, match.MatchedAt) {
		return ErrSelfUnavailable
	}
	if !available(peerSession, self, match.MatchedAt) {
		return ErrPeerUnavailable
	}
	if _, exists := s.matches[match.Token]; exists {
		return ErrTokenInUse
	}

	matchedAt := match.MatchedAt
	for _, bound := range []struct {
		session *model.ExchangeSession
		role    model.Role
	}{{selfSession, selfRole}, {peerSession, selfRole.Other()}} {
		bound.session.Status = model.SessionStatusMatched
		bound.session.MatchToken = match.Token
		bound.session.Role = bound.role
		bound.session.PendingScanner = ""
		bound.session.MatchedAt = &matchedAt
	}

	stored := match
	s.matches[match.Token] = &stored
	return nil
}

func (s *MemoryStore) MarkPendingAuth(ctx context.Context, sessionID, scannerID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if session.EffectiveStatus(now) == model.SessionStatusExpired {
		return ErrSessionExpired
	}

	switch {
	case session.Status == model.SessionStatusOpen:
		session.Status = model.SessionStatusPendingAuth
		session.PendingScanner = scannerID
		return nil
	case session.Status == model.SessionStatusPendingAuth && session.PendingScanner == scannerID:
		return nil
	default:
		return ErrSelfUnavailable
	}
}

func (s *MemoryStore) FindMatch(ctx context.Context, token string) (*model.MatchRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[token]
	if !ok {
		return nil, nil
	}
	out := *m
	return &out, nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64

	cutoff := now.Add(-s.opts.HitRetention).UnixMilli()
	keep := sort.Search(len(s.hits), func(i int) bool { return s.hits[i].TS >= cutoff })
	purged += int64(keep)
	s.hits = append([]model.HitRecord(nil), s.hits[keep:]...)

	for id, session := range s.sessions {
		var deadline time.Time
		if session.MatchedAt != nil {
			deadline = session.MatchedAt.Add(s.opts.MatchRetention)
		} else {
			deadline = session.ExpiresAt.Add(s.opts.ExpiredGrace)
		}
		if now.After(deadline) {
			delete(s.sessions, id)
			delete(s.tokens, session.Token)
			purged++
		}
	}

	for token, m := range s.matches {
		if now.After(m.MatchedAt.Add(s.opts.MatchRetention)) {
			delete(s.matches, token)
			purged++
		}
	}

	return purged, nil
}

func copySession(s *model.ExchangeSession) *model.ExchangeSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.MatchedAt != nil {
		t := *s.MatchedAt
		out.MatchedAt = &t
	}
	return &out
}
