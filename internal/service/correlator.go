package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/bumpxchange/exchange-server/internal/metrics"
	"github.com/bumpxchange/exchange-server/internal/model"
	"github.com/bumpxchange/exchange-server/internal/repository"
	"github.com/bumpxchange/exchange-server/internal/util"
)

const (
	DefaultMatchWindow  = 1500 * time.Millisecond
	DefaultMinMagnitude = 1.5

	maxTokenAttempts = 3
)

type CorrelatorOptions struct {
	// Window is the widest gap between two client timestamps that still counts
	// as one physical event.
	Window       time.Duration
	MinMagnitude float64
}

// Correlation is the outcome of one correlation attempt. Bound is true only for
// the call whose write created the match.
type Correlation struct {
	Match      *model.MatchRecord
	Bound      bool
	Candidates int
}

type HitCorrelator struct {
	store   repository.ExchangeStore
	opts    CorrelatorOptions
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewHitCorrelator(store repository.ExchangeStore, m *metrics.Metrics, opts CorrelatorOptions) *HitCorrelator {
	if opts.Window <= 0 {
		opts.Window = DefaultMatchWindow
	}
	if opts.MinMagnitude <= 0 {
		opts.MinMagnitude = DefaultMinMagnitude
	}
	return &HitCorrelator{store: store, opts: opts, metrics: m, now: time.Now}
}

func (c *HitCorrelator) Qualifies(hit model.HitRecord) bool {
	return hit.Magnitude >= c.opts.MinMagnitude
}

type candidate struct {
	hit         model.HitRecord
	exactVector bool
}

// Correlate looks for a compatible hit from another open session and binds the
// two sessions. hit must already be stored. A nil Match means the hit stays
// pending for a later arrival to find.
func (c *HitCorrelator) Correlate(ctx context.Context, hit model.HitRecord) (*Correlation, error) {
	attempt := ulid.Make().String()
	window := c.opts.Window.Milliseconds()

	hits, err := c.store.RecentHits(ctx, hit.TS-window, hit.TS+window)
	if err != nil {
		return nil, fmt.Errorf("load recent hits: %w", err)
	}

	candidates := c.rank(hit, hits)
	c.metrics.Candidates.Observe(float64(len(candidates)))

	log.Debug().
		Str("correlationId", attempt).
		Str("sessionId", hit.SessionID).
		Int64("hitNumber", hit.HitNumber).
		Int("candidates", len(candidates)).
		Msg("correlating hit")

	result := &Correlation{Candidates: len(candidates)}
	tried := make(map[string]bool)

	for _, cand := range candidates {
		peerID := cand.hit.SessionID
		if tried[peerID] {
			continue
		}
		tried[peerID] = true

		now := c.now()
		peer, err := c.store.FindSession(ctx, peerID)
		if err != nil {
			return nil, fmt.Errorf("load peer session: %w", err)
		}
		if peer == nil || peer.MatchToken != "" || peer.EffectiveStatus(now) != model.SessionStatusOpen {
			continue
		}

		match, err := c.bind(ctx, hit.SessionID, peerID, now)
		switch {
		case err == nil:
			c.metrics.Matches.WithLabelValues(string(model.MatchViaMotion)).Inc()
			log.Info().
				Str("correlationId", attempt).
				Str("sessionA", match.SessionA).
				Str("sessionB", match.SessionB).
				Str("token", util.MaskToken(match.Token)).
				Bool("exactVector", cand.exactVector).
				Int64("skewMs", abs64(hit.TS-cand.hit.TS)).
				Msg("motion match bound")
			result.Match = match
			result.Bound = true
			return result, nil

		case errors.Is(err, repository.ErrPeerUnavailable):
			c.metrics.BindConflicts.Inc()
			continue

		case errors.Is(err, repository.ErrSelfUnavailable):
			// Lost the race for our own session; report whatever it is bound to.
			c.metrics.BindConflicts.Inc()
			existing, err := c.existingMatch(ctx, hit.SessionID)
			if err != nil {
				return nil, err
			}
			result.Match = existing
			return result, nil

		default:
			return nil, err
		}
	}

	return result, nil
}

// rank filters hits down to compatible candidates and orders them: exact vector
// hash first, then the most recent timestamp, then the lowest combined hit number.
func (c *HitCorrelator) rank(hit model.HitRecord, hits []model.HitRecord) []candidate {
	out := make([]candidate, 0, len(hits))
	for _, h := range hits {
		if h.SessionID == hit.SessionID || !c.Qualifies(h) {
			continue
		}
		if abs64(h.TS-hit.TS) > c.opts.Window.Milliseconds() {
			continue
		}
		out = append(out, candidate{
			hit:         h,
			exactVector: hit.VectorHash != "" && h.VectorHash == hit.VectorHash,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.exactVector != b.exactVector {
			return a.exactVector
		}
		if a.hit.TS != b.hit.TS {
			return a.hit.TS > b.hit.TS
		}
		return a.hit.HitNumber+hit.HitNumber < b.hit.HitNumber+hit.HitNumber
	})
	return out
}

func (c *HitCorrelator) bind(ctx context.Context, self, peer string, now time.Time) (*model.MatchRecord, error) {
	for i := 0; i < maxTokenAttempts; i++ {
		token, err := util.GenerateToken()
		if err != nil {
			return nil, fmt.Errorf("generate match token: %w", err)
		}

		match := model.NewMotionMatch(token, self, peer, now)
		err = c.store.BindMatch(ctx, match, self)
		if errors.Is(err, repository.ErrTokenInUse) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &match, nil
	}
	return nil, fmt.Errorf("bind match: no unused token after %d attempts", maxTokenAttempts)
}

func (c *HitCorrelator) existingMatch(ctx context.Context, sessionID string) (*model.MatchRecord, error) {
	session, err := c.store.FindSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reload session: %w", err)
	}
	if session == nil || session.MatchToken == "" {
		return nil, nil
	}
	match, err := c.store.FindMatch(ctx, session.MatchToken)
	if err != nil {
		return nil, fmt.Errorf("load match: %w", err)
	}
	return match, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
