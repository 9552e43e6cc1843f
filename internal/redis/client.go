// Package redis wraps the go-redis client and owns the exchange key layout.
package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/bumpxchange/exchange-server/internal/config"
)

const namespace = "xs"

type Client struct {
	*redis.Client
}

// NewClient dials redisURL and fails unless the server answers a PING within
// config.RedisPingTimeout.
func NewClient(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	c := &Client{redis.NewClient(opts)}
	if err := c.ping(ctx); err != nil {
		c.Client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return c, nil
}

func (c *Client) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, config.RedisPingTimeout)
	defer cancel()
	return c.Ping(ctx).Err()
}

func (c *Client) Healthy(ctx context.Context) bool {
	return c.ping(ctx) == nil
}

func key(parts ...string) string {
	return namespace + ":" + strings.Join(parts, ":")
}

func SessionKey(sessionID string) string { return key("session", sessionID) }

// TokenKey maps a QR token to the id of the session that minted it.
func TokenKey(token string) string { return key("token", token) }

func MatchKey(token string) string { return key("match", token) }

// HitIndexKey is the sorted set of recent hits scored by client timestamp.
func HitIndexKey() string { return key("hits") }

func SessionChannel(sessionID string) string { return key("events", sessionID) }

func RateLimitKey(bucket string) string { return key("ratelimit", bucket) }
