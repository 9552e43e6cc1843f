// Package sse fans exchange events out to Server-Sent Events subscribers.
package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/bumpxchange/exchange-server/internal/redis"
)

// HeartbeatInterval keeps idle streams alive through proxies.
const HeartbeatInterval = 15 * time.Second

const (
	EventMatched     = "matched"
	EventPendingAuth = "pending_auth"
)

const clientBuffer = 16

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client is one open stream. Done is closed when the client is removed from
// the broker, either by Unsubscribe or Close.
type Client struct {
	SessionID string
	Events    chan Event
	Done      chan struct{}
}

// subscribeWait bounds how long Subscribe waits for Redis to confirm the
// channel subscription.
const subscribeWait = 2 * time.Second

// topic holds the subscribers of one session. stop and ready are set only
// when the topic relays from Redis; ready closes once SUBSCRIBE is confirmed.
type topic struct {
	clients map[*Client]struct{}
	stop    context.CancelFunc
	ready   chan struct{}
}

// Broker delivers events in-process, or through Redis pub/sub when a client
// is given so that any instance can serve a session's stream.
type Broker struct {
	redis *redisclient.Client

	mu     sync.RWMutex
	topics map[string]*topic

	root   context.Context
	cancel context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	root, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:  redisClient,
		topics: make(map[string]*topic),
		root:   root,
		cancel: cancel,
	}
}

func (b *Broker) Subscribe(sessionID string) *Client {
	c := &Client{
		SessionID: sessionID,
		Events:    make(chan Event, clientBuffer),
		Done:      make(chan struct{}),
	}

	b.mu.Lock()
	t, ok := b.topics[sessionID]
	if !ok {
		t = &topic{clients: make(map[*Client]struct{})}
		if b.redis != nil {
			ctx, stop := context.WithCancel(b.root)
			t.stop = stop
			t.ready = make(chan struct{})
			go b.relay(ctx, sessionID, t.ready)
		}
		b.topics[sessionID] = t
	}
	t.clients[c] = struct{}{}
	n := len(t.clients)
	ready := t.ready
	b.mu.Unlock()

	if ready != nil {
		wait := time.NewTimer(subscribeWait)
		defer wait.Stop()
		select {
		case <-ready:
		case <-wait.C:
			log.Warn().Str("sessionId", sessionID).Msg("redis subscription not confirmed, events may be missed")
		}
	}

	log.Debug().Str("sessionId", sessionID).Int("subscribers", n).Msg("sse subscribe")
	return c
}

// Unsubscribe is safe to call more than once for the same client.
func (b *Broker) Unsubscribe(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[c.SessionID]
	if !ok {
		return
	}
	if _, ok := t.clients[c]; !ok {
		return
	}
	delete(t.clients, c)
	close(c.Done)

	if len(t.clients) == 0 {
		b.dropTopic(c.SessionID, t)
	}
	log.Debug().Str("sessionId", c.SessionID).Int("subscribers", len(t.clients)).Msg("sse unsubscribe")
}

// dropTopic must be called with mu held.
func (b *Broker) dropTopic(sessionID string, t *topic) {
	if t.stop != nil {
		t.stop()
	}
	delete(b.topics, sessionID)
}

func (b *Broker) Publish(ctx context.Context, sessionID string, event Event) error {
	if b.redis == nil {
		b.deliver(sessionID, event)
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, redisclient.SessionChannel(sessionID), payload).Err()
}

// relay forwards a session's Redis channel to the local subscribers until ctx
// is cancelled. It closes ready once the subscription is confirmed, or on
// failure so that Subscribe does not wait out its timer.
func (b *Broker) relay(ctx context.Context, sessionID string, ready chan struct{}) {
	ps := b.redis.Subscribe(ctx, redisclient.SessionChannel(sessionID))
	defer ps.Close()

	_, err := ps.Receive(ctx)
	close(ready)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("redis subscribe failed")
		}
		return
	}

	messages := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Str("sessionId", sessionID).Msg("undecodable sse event on channel")
				continue
			}
			b.deliver(sessionID, event)
		}
	}
}

// deliver never blocks; a subscriber with a full buffer misses the event and
// falls back to polling.
func (b *Broker) deliver(sessionID string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.topics[sessionID]
	if !ok {
		return
	}
	for c := range t.clients {
		select {
		case c.Events <- event:
		default:
			log.Warn().Str("sessionId", sessionID).Str("event", event.Type).Msg("sse buffer full, event dropped")
		}
	}
}

// Close ends every stream and stops all Redis relays.
func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, t := range b.topics {
		for c := range t.clients {
			close(c.Done)
		}
		b.dropTopic(id, t)
	}
}

func (b *Broker) ClientCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.topics[sessionID]; ok {
		return len(t.clients)
	}
	return 0
}
