package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bumpxchange/exchange-server/internal/audit"
	apperrors "github.com/bumpxchange/exchange-server/internal/errors"
	"github.com/bumpxchange/exchange-server/internal/metrics"
	"github.com/bumpxchange/exchange-server/internal/model"
	"github.com/bumpxchange/exchange-server/internal/profile"
	"github.com/bumpxchange/exchange-server/internal/repository"
	"github.com/bumpxchange/exchange-server/internal/sse"
	"github.com/bumpxchange/exchange-server/internal/util"
)

const (
	DefaultSessionTTL = 3 * time.Minute

	ScanStatusPendingAuth = "pending_auth"
)

// EventPublisher delivers push events to a session's subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, sessionID string, event sse.Event) error
}

type ExchangeOptions struct {
	SessionTTL time.Duration
	Correlator CorrelatorOptions
}

type InitiateParams struct {
	SessionID       string
	SharingCategory model.SharingCategory
	ProfileID       string
}

type InitiateResult struct {
	SessionID string
	Token     string
	ExpiresAt time.Time
}

type HitParams struct {
	SessionID       string
	TS              int64
	Magnitude       float64
	VectorHash      string
	SharingCategory model.SharingCategory
	HitNumber       int64
}

// MatchView is one participant's view of a match.
type MatchView struct {
	Token  string     `json:"token"`
	YouAre model.Role `json:"youAre"`
}

type HitResult struct {
	Matched bool
	Match   *MatchView
}

type StatusResult struct {
	HasMatch   bool
	ScanStatus string
	Match      *MatchView
}

// MatchEvent is the payload of a matched push event.
type MatchEvent struct {
	Token  string         `json:"token"`
	YouAre model.Role     `json:"youAre"`
	Via    model.MatchVia `json:"via"`
}

type PendingAuthEvent struct {
	Scanner string `json:"scanner"`
}

type ExchangeService struct {
	store      repository.ExchangeStore
	correlator *HitCorrelator
	pairing    *PairingResolver
	profiles   profile.Fetcher
	events     EventPublisher
	metrics    *metrics.Metrics
	sessionTTL time.Duration
	now        func() time.Time
}

func NewExchangeService(
	store repository.ExchangeStore,
	profiles profile.Fetcher,
	events EventPublisher,
	m *metrics.Metrics,
	opts ExchangeOptions,
) *ExchangeService {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	return &ExchangeService{
		store:      store,
		correlator: NewHitCorrelator(store, m, opts.Correlator),
		pairing:    NewPairingResolver(store, events, m),
		profiles:   profiles,
		events:     events,
		metrics:    m,
		sessionTTL: opts.SessionTTL,
		now:        time.Now,
	}
}

// setClock replaces the time source of the service and its components.
func (s *ExchangeService) setClock(now func() time.Time) {
	s.now = now
	s.correlator.now = now
	s.pairing.now = now
}

func (s *ExchangeService) Initiate(ctx context.Context, params InitiateParams) (*InitiateResult, error) {
	if !util.IsValidSessionID(params.SessionID) {
		return nil, apperrors.InvalidInput("sessionId", "must be 1-128 characters of [A-Za-z0-9_-]")
	}
	category, err := model.ParseSharingCategory(string(params.SharingCategory))
	if err != nil {
		return nil, apperrors.InvalidInput("sharingCategory", "must be one of All, Personal, Work")
	}

	token, err := util.GenerateToken()
	if err != nil {
		return nil, apperrors.Internal("Failed to generate session token").WithCause(err)
	}

	now := s.now()
	session, err := s.store.CreateSession(ctx, model.CreateSessionParams{
		ID:              params.SessionID,
		SharingCategory: category,
		Token:           token,
		ProfileID:       params.ProfileID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.sessionTTL),
	})
	if errors.Is(err, repository.ErrSessionExists) {
		return nil, apperrors.AlreadyExists("Session")
	}
	if err != nil {
		return nil, apperrors.Store(err)
	}

	s.metrics.SessionsInitiated.WithLabelValues(string(category)).Inc()
	log.Info().
		Str("sessionId", session.ID).
		Str("sharingCategory", string(category)).
		Time("expiresAt", session.ExpiresAt).
		Msg("exchange session initiated")

	return &InitiateResult{SessionID: session.ID, Token: session.Token, ExpiresAt: session.ExpiresAt}, nil
}

// SubmitHit stores the hit and makes one synchronous attempt at correlation.
// Hits from a session that is already matched change nothing and report the
// existing match.
func (s *ExchangeService) SubmitHit(ctx context.Context, params HitParams) (*HitResult, error) {
	if err := validateHit(params); err != nil {
		return nil, err
	}

	session, err := s.loadSession(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	if session.MatchToken != "" {
		s.metrics.HitsIgnored.WithLabelValues("already_matched").Inc()
		return &HitResult{Matched: true, Match: viewOf(session)}, nil
	}

	now := s.now()
	if session.EffectiveStatus(now) == model.SessionStatusExpired {
		return nil, apperrors.SessionExpired()
	}

	hit := model.HitRecord{
		SessionID:       session.ID,
		TS:              params.TS,
		Magnitude:       params.Magnitude,
		VectorHash:      params.VectorHash,
		HitNumber:       params.HitNumber,
		SharingCategory: session.SharingCategory,
		ReceivedAt:      now,
	}

	stored, err := s.store.AppendHit(ctx, hit)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil, apperrors.NotFound("Session")
	}
	if err != nil {
		return nil, apperrors.Store(err)
	}
	if !stored {
		s.metrics.HitsIgnored.WithLabelValues("stale_hit_number").Inc()
		log.Debug().
			Str("sessionId", session.ID).
			Int64("hitNumber", params.HitNumber).
			Msg("ignoring stale hit")
		return &HitResult{}, nil
	}
	s.metrics.HitsSubmitted.Inc()

	if !s.correlator.Qualifies(hit) {
		s.metrics.HitsIgnored.WithLabelValues("below_threshold").Inc()
		return &HitResult{}, nil
	}

	correlation, err := s.correlator.Correlate(ctx, hit)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	if correlation.Match == nil {
		return &HitResult{}, nil
	}
	if correlation.Bound {
		notifyMatch(ctx, s.events, correlation.Match)
		audit.Log(ctx, audit.Event{
			Type:      audit.EventMatchBound,
			SessionID: correlation.Match.SessionA,
			PeerID:    correlation.Match.SessionB,
			Details: map[string]interface{}{
				"via":        string(model.MatchViaMotion),
				"candidates": correlation.Candidates,
			},
		})
	}

	role, _ := correlation.Match.RoleOf(session.ID)
	return &HitResult{Matched: true, Match: &MatchView{Token: correlation.Match.Token, YouAre: role}}, nil
}

// Status is a read-only snapshot. Expiry is evaluated, never written.
func (s *ExchangeService) Status(ctx context.Context, sessionID string) (*StatusResult, error) {
	if !util.IsValidSessionID(sessionID) {
		return nil, apperrors.InvalidInput("sessionId", "must be 1-128 characters of [A-Za-z0-9_-]")
	}

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.MatchToken != "" {
		return &StatusResult{HasMatch: true, Match: viewOf(session)}, nil
	}

	switch session.EffectiveStatus(s.now()) {
	case model.SessionStatusExpired:
		return nil, apperrors.SessionExpired()
	case model.SessionStatusPendingAuth:
		return &StatusResult{ScanStatus: ScanStatusPendingAuth}, nil
	default:
		return &StatusResult{}, nil
	}
}

// ResolvePair releases the counterpart's profile to a participant of the match
// named by token, filtered by the sharing category the counterpart chose.
func (s *ExchangeService) ResolvePair(ctx context.Context, token, sessionID string) (*model.Profile, error) {
	if !util.IsValidToken(token) {
		return nil, apperrors.InvalidToken("Malformed match token")
	}
	if sessionID == "" {
		return nil, apperrors.MissingRequired("session")
	}

	match, err := s.store.FindMatch(ctx, token)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	if match == nil {
		caller, err := s.store.FindSession(ctx, sessionID)
		if err != nil {
			return nil, apperrors.Store(err)
		}
		if caller != nil && caller.MatchToken == "" {
			return nil, apperrors.NotMatched()
		}
		return nil, apperrors.NotFound("Match")
	}

	counterpartID, ok := match.Counterpart(sessionID)
	if !ok {
		return nil, apperrors.Forbidden("Session is not a participant of this match")
	}

	counterpart, err := s.loadSession(ctx, counterpartID)
	if err != nil {
		return nil, err
	}

	p, err := s.profiles.ResolveProfile(ctx, model.ProfileRef{
		ProfileID:       counterpart.ProfileID,
		SharingCategory: counterpart.SharingCategory,
	})
	if errors.Is(err, profile.ErrProfileNotFound) {
		return nil, apperrors.NotFound("Profile")
	}
	if err != nil {
		return nil, apperrors.External("profile store", err)
	}

	s.metrics.PairsResolved.Inc()
	audit.Log(ctx, audit.Event{
		Type:      audit.EventPairResolved,
		SessionID: sessionID,
		PeerID:    counterpartID,
		Details:   map[string]interface{}{"sharingCategory": string(counterpart.SharingCategory)},
	})

	return p, nil
}

func (s *ExchangeService) ResolveScan(ctx context.Context, payload, scannerID string, needsAuth bool) (*ScanResult, error) {
	return s.pairing.ResolveScan(ctx, payload, scannerID, needsAuth)
}

func (s *ExchangeService) CompleteAuth(ctx context.Context, payload, scannerID string) (*ScanResult, error) {
	return s.pairing.CompleteAuth(ctx, payload, scannerID)
}

func (s *ExchangeService) loadSession(ctx context.Context, id string) (*model.ExchangeSession, error) {
	session, err := s.store.FindSession(ctx, id)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}
	return session, nil
}

func validateHit(p HitParams) error {
	if !util.IsValidSessionID(p.SessionID) {
		return apperrors.InvalidInput("session", "must be 1-128 characters of [A-Za-z0-9_-]")
	}
	if p.HitNumber < 1 {
		return apperrors.InvalidInput("hitNumber", "must be at least 1")
	}
	if p.TS <= 0 {
		return apperrors.InvalidInput("ts", "must be a unix timestamp in milliseconds")
	}
	if math.IsNaN(p.Magnitude) || math.IsInf(p.Magnitude, 0) || p.Magnitude < 0 {
		return apperrors.InvalidInput("mag", "must be a non-negative number")
	}
	if _, err := model.ParseSharingCategory(string(p.SharingCategory)); err != nil {
		return apperrors.InvalidInput("sharingCategory", "must be one of All, Personal, Work")
	}
	return nil
}

func viewOf(session *model.ExchangeSession) *MatchView {
	return &MatchView{Token: session.MatchToken, YouAre: session.Role}
}

// notifyMatch pushes a matched event to both participants. Push is best effort;
// polling still finds the match.
func notifyMatch(ctx context.Context, events EventPublisher, match *model.MatchRecord) {
	if events == nil {
		return
	}
	for _, id := range []string{match.SessionA, match.SessionB} {
		role, _ := match.RoleOf(id)
		publish(ctx, events, id, sse.EventMatched, MatchEvent{Token: match.Token, YouAre: role, Via: match.Via})
	}
}

func publish(ctx context.Context, events EventPublisher, sessionID, eventType string, payload any) {
	if events == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("eventType", eventType).Msg("failed to encode event")
		return
	}
	if err := events.Publish(ctx, sessionID, sse.Event{Type: eventType, Data: data}); err != nil {
		log.Warn().
			Err(err).
			Str("sessionId", sessionID).
			Str("eventType", eventType).
			Msg("failed to publish event")
	}
}
