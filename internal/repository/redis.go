package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/bumpxchange/exchange-server/internal/model"
	redisclient "github.com/bumpxchange/exchange-server/internal/redis"
)

var createSessionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end

redis.call('HSET', KEYS[1],
    'id', ARGV[1],
    'category', ARGV[2],
    'token', ARGV[3],
    'status', 'open',
    'profile_id', ARGV[4],
    'pending_scanner', '',
    'last_hit', '0',
    'match_token', '',
    'role', '',
    'created_at', ARGV[5],
    'expires_at', ARGV[6],
    'matched_at', '')
redis.call('PEXPIRE', KEYS[1], ARGV[7])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[7])

return 1
`)

var appendHitScript = redis.NewScript(`
local last = redis.call('HGET', KEYS[1], 'last_hit')
if not last then
    return -1
end

if tonumber(ARGV[1]) <= tonumber(last) then
    return 0
end

redis.call('HSET', KEYS[1], 'last_hit', ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])

return 1
`)

// bindMatchScript is the compare-and-swap on "neither session matched yet".
// KEYS[4] and KEYS[5] are the token lookups of both sessions; they get the
// match retention so a rescan of a bound QR code still finds its session.
var bindMatchScript = redis.NewScript(`
local now = tonumber(ARGV[6])

local function available(key, other)
    local f = redis.call('HMGET', key, 'status', 'expires_at', 'match_token', 'pending_scanner')
    local status, expires, matchToken, scanner = f[1], f[2], f[3], f[4]
    if not status then
        return false
    end
    if matchToken and matchToken ~= '' then
        return false
    end
    if status == 'pending_auth' then
        if scanner ~= other then
            return false
        end
    elseif status ~= 'open' then
        return false
    end
    return tonumber(expires) > now
end

if not available(KEYS[1], ARGV[3]) then
    return 'SELF'
end
if not available(KEYS[2], ARGV[2]) then
    return 'PEER'
end
if redis.call('EXISTS', KEYS[3]) == 1 then
    return 'TOKEN'
end

redis.call('HSET', KEYS[1], 'status', 'matched', 'match_token', ARGV[1], 'role', ARGV[4], 'matched_at', ARGV[6], 'pending_scanner', '')
redis.call('HSET', KEYS[2], 'status', 'matched', 'match_token', ARGV[1], 'role', ARGV[5], 'matched_at', ARGV[6], 'pending_scanner', '')
redis.call('HSET', KEYS[3], 'token', ARGV[1], 'session_a', ARGV[8], 'session_b', ARGV[9], 'via', ARGV[10], 'matched_at', ARGV[6])

for i = 1, #KEYS do
    redis.call('PEXPIRE', KEYS[i], ARGV[7])
end

return 'OK'
`)

var markPendingAuthScript = redis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'status', 'expires_at', 'pending_scanner')
local status, expires, scanner = f[1], f[2], f[3]
if not status then
    return 'MISSING'
end
if status ~= 'matched' and tonumber(expires) <= tonumber(ARGV[2]) then
    return 'EXPIRED'
end
if status == 'open' then
    redis.call('HSET', KEYS[1], 'status', 'pending_auth', 'pending_scanner', ARGV[1])
    return 'OK'
end
if status == 'pending_auth' and scanner == ARGV[1] then
    return 'OK'
end

return 'UNAVAILABLE'
`)

// RedisStore keeps each session in a hash, the token lookup in a string key,
// matches in hashes keyed by match token and recent hits in one sorted set.
// All conditional writes run as Lua scripts so they are atomic on the server.
type RedisStore struct {
	client *redis.Client
	opts   StoreOptions
}

func NewRedisStore(client *redisclient.Client, opts StoreOptions) *RedisStore {
	return &RedisStore{client: client.Client, opts: opts.withDefaults()}
}

func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) CreateSession(ctx context.Context, params model.CreateSessionParams) (*model.ExchangeSession, error) {
	ttl := params.ExpiresAt.Sub(params.CreatedAt) + s.opts.ExpiredGrace

	created, err := createSessionScript.Run(ctx, s.client,
		[]string{redisclient.SessionKey(params.ID), redisclient.TokenKey(params.Token)},
		params.ID,
		string(params.SharingCategory),
		params.Token,
		params.ProfileID,
		params.CreatedAt.UnixMilli(),
		params.ExpiresAt.UnixMilli(),
		ttl.Milliseconds(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if created == 0 {
		return nil, ErrSessionExists
	}

	return &model.ExchangeSession{
		ID:              params.ID,
		SharingCategory: params.SharingCategory,
		Token:           params.Token,
		Status:          model.SessionStatusOpen,
		ProfileID:       params.ProfileID,
		CreatedAt:       time.UnixMilli(params.CreatedAt.UnixMilli()),
		ExpiresAt:       time.UnixMilli(params.ExpiresAt.UnixMilli()),
	}, nil
}

func (s *RedisStore) FindSession(ctx context.Context, id string) (*model.ExchangeSession, error) {
	fields, err := s.client.HGetAll(ctx, redisclient.SessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseSession(fields)
}

func (s *RedisStore) FindSessionByToken(ctx context.Context, token string) (*model.ExchangeSession, error) {
	id, err := s.client.Get(ctx, redisclient.TokenKey(token)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session by token: %w", err)
	}
	return s.FindSession(ctx, id)
}

func (s *RedisStore) AppendHit(ctx context.Context, hit model.HitRecord) (bool, error) {
	member, err := json.Marshal(hit)
	if err != nil {
		return false, fmt.Errorf("encode hit: %w", err)
	}

	result, err := appendHitScript.Run(ctx, s.client,
		[]string{redisclient.SessionKey(hit.SessionID), redisclient.HitIndexKey()},
		hit.HitNumber,
		hit.TS,
		string(member),
	).Int()
	if err != nil {
		return false, fmt.Errorf("append hit: %w", err)
	}

	switch result {
	case -1:
		return false, ErrSessionNotFound
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

func (s *RedisStore) RecentHits(ctx context.Context, fromMillis, toMillis int64) ([]model.HitRecord, error) {
	members, err := s.client.ZRangeByScore(ctx, redisclient.HitIndexKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(fromMillis, 10),
		Max: strconv.FormatInt(toMillis, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("recent hits: %w", err)
	}

	hits := make([]model.HitRecord, 0, len(members))
	for _, member := range members {
		var hit model.HitRecord
		if err := json.Unmarshal([]byte(member), &hit); err != nil {
			log.Warn().Err(err).Msg("skipping undecodable hit index member")
			continue
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (s *RedisStore) BindMatch(ctx context.Context, match model.MatchRecord, self string) error {
	peer, ok := match.Counterpart(self)
	if !ok {
		return ErrSelfUnavailable
	}
	selfRole, _ := match.RoleOf(self)

	selfToken, peerToken, err := s.sessionTokens(ctx, self, peer)
	if err != nil {
		return fmt.Errorf("bind match: %w", err)
	}

	result, err := bindMatchScript.Run(ctx, s.client,
		[]string{
			redisclient.SessionKey(self),
			redisclient.SessionKey(peer),
			redisclient.MatchKey(match.Token),
			redisclient.TokenKey(selfToken),
			redisclient.TokenKey(peerToken),
		},
		match.Token,
		self,
		peer,
		string(selfRole),
		string(selfRole.Other()),
		match.MatchedAt.UnixMilli(),
		s.opts.MatchRetention.Milliseconds(),
		match.SessionA,
		match.SessionB,
		string(match.Via),
	).Text()
	if err != nil {
		return fmt.Errorf("bind match: %w", err)
	}

	switch result {
	case "OK":
		return nil
	case "SELF":
		return ErrSelfUnavailable
	case "PEER":
		return ErrPeerUnavailable
	case "TOKEN":
		return ErrTokenInUse
	default:
		return fmt.Errorf("bind match: unexpected script result %q", result)
	}
}

// sessionTokens reads the token field of two sessions. Tokens never change
// after creation, so reading them ahead of the bind script is safe. A missing
// session yields an empty token and the script reports it unavailable.
func (s *RedisStore) sessionTokens(ctx context.Context, a, b string) (string, string, error) {
	pipe := s.client.Pipeline()
	ta := pipe.HGet(ctx, redisclient.SessionKey(a), "token")
	tb := pipe.HGet(ctx, redisclient.SessionKey(b), "token")
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return "", "", err
	}
	return ta.Val(), tb.Val(), nil
}

func (s *RedisStore) MarkPendingAuth(ctx context.Context, sessionID, scannerID string, now time.Time) error {
	result, err := markPendingAuthScript.Run(ctx, s.client,
		[]string{redisclient.SessionKey(sessionID)},
		scannerID,
		now.UnixMilli(),
	).Text()
	if err != nil {
		return fmt.Errorf("mark pending auth: %w", err)
	}

	switch result {
	case "OK":
		return nil
	case "MISSING":
		return ErrSessionNotFound
	case "EXPIRED":
		return ErrSessionExpired
	default:
		return ErrSelfUnavailable
	}
}

func (s *RedisStore) FindMatch(ctx context.Context, token string) (*model.MatchRecord, error) {
	fields, err := s.client.HGetAll(ctx, redisclient.MatchKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("find match: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	matchedAt, err := strconv.ParseInt(fields["matched_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("find match: parse matched_at: %w", err)
	}

	return &model.MatchRecord{
		Token:     fields["token"],
		SessionA:  fields["session_a"],
		SessionB:  fields["session_b"],
		Via:       model.MatchVia(fields["via"]),
		MatchedAt: time.UnixMilli(matchedAt),
	}, nil
}

// PurgeExpired trims the hit index. Session and match keys expire through TTLs.
func (s *RedisStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.opts.HitRetention).UnixMilli()
	removed, err := s.client.ZRemRangeByScore(ctx, redisclient.HitIndexKey(), "-inf", "("+strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("purge hits: %w", err)
	}
	return removed, nil
}

func parseSession(fields map[string]string) (*model.ExchangeSession, error) {
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	lastHit, err := strconv.ParseInt(fields["last_hit"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse last_hit: %w", err)
	}

	session := &model.ExchangeSession{
		ID:              fields["id"],
		SharingCategory: model.SharingCategory(fields["category"]),
		Token:           fields["token"],
		Status:          model.SessionStatus(fields["status"]),
		ProfileID:       fields["profile_id"],
		PendingScanner:  fields["pending_scanner"],
		LastHit:         lastHit,
		MatchToken:      fields["match_token"],
		Role:            model.Role(fields["role"]),
		CreatedAt:       time.UnixMilli(createdAt),
		ExpiresAt:       time.UnixMilli(expiresAt),
	}

	if raw := fields["matched_at"]; raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse matched_at: %w", err)
		}
		t := time.UnixMilli(ms)
		session.MatchedAt = &t
	}

	return session, nil
}
