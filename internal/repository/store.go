package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bumpxchange/exchange-server/internal/model"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	// ErrSelfUnavailable means the session driving the write is matched, expired,
	// missing or reserved by another scanner.
	ErrSelfUnavailable = errors.New("session unavailable for matching")
	ErrPeerUnavailable = errors.New("peer session unavailable for matching")
	ErrTokenInUse      = errors.New("match token already bound")
)

// ExchangeStore is the session store contract. BindMatch and MarkPendingAuth are
// single atomic conditional writes; "not yet matched" is the serialization point.
type ExchangeStore interface {
	CreateSession(ctx context.Context, params model.CreateSessionParams) (*model.ExchangeSession, error)
	// FindSession returns nil without error when the session is unknown or purged.
	FindSession(ctx context.Context, id string) (*model.ExchangeSession, error)
	FindSessionByToken(ctx context.Context, token string) (*model.ExchangeSession, error)
	// AppendHit records a hit when its number is beyond the session's last one.
	// It reports false for stale or duplicate hit numbers.
	AppendHit(ctx context.Context, hit model.HitRecord) (bool, error)
	// RecentHits returns hits whose client timestamp lies in [fromMillis, toMillis].
	RecentHits(ctx context.Context, fromMillis, toMillis int64) ([]model.HitRecord, error)
	// BindMatch marks both sessions matched and writes the match record, or nothing.
	// self names the session whose request drives the bind.
	BindMatch(ctx context.Context, match model.MatchRecord, self string) error
	MarkPendingAuth(ctx context.Context, sessionID, scannerID string, now time.Time) error
	FindMatch(ctx context.Context, token string) (*model.MatchRecord, error)
	// PurgeExpired drops stale hits and sessions no longer readable.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	Close() error
}

type StoreOptions struct {
	// ExpiredGrace keeps an expired session readable so polls see session-expired
	// instead of not-found.
	ExpiredGrace   time.Duration
	MatchRetention time.Duration
	HitRetention   time.Duration
}

func (o StoreOptions) withDefaults() StoreOptions {
	if o.ExpiredGrace <= 0 {
		o.ExpiredGrace = 5 * time.Minute
	}
	if o.MatchRetention <= 0 {
		o.MatchRetention = 10 * time.Minute
	}
	if o.HitRetention <= 0 {
		o.HitRetention = time.Minute
	}
	return o
}

// available mirrors the bind predicate the Redis script evaluates.
func available(s *model.ExchangeSession, other string, now time.Time) bool {
	if s == nil || s.MatchToken != "" {
		return false
	}
	switch s.Status {
	case model.SessionStatusOpen:
	case model.SessionStatusPendingAuth:
		if s.PendingScanner != other {
			return false
		}
	default:
		return false
	}
	return now.Before(s.ExpiresAt)
}
