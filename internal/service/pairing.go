package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bumpxchange/exchange-server/internal/audit"
	apperrors "github.com/bumpxchange/exchange-server/internal/errors"
	"github.com/bumpxchange/exchange-server/internal/metrics"
	"github.com/bumpxchange/exchange-server/internal/model"
	"github.com/bumpxchange/exchange-server/internal/repository"
	"github.com/bumpxchange/exchange-server/internal/sse"
	"github.com/bumpxchange/exchange-server/internal/util"
)

// ScanResult is the scanner's view of a QR resolution. Pending means the owner
// session is reserved for this scanner until CompleteAuth.
type ScanResult struct {
	Matched bool
	Pending bool
	Match   *MatchView
}

// PairingResolver attaches a scanning session to the session whose token was
// shown as a QR code. The owner takes role A and the match token is the owner's
// session token.
type PairingResolver struct {
	store   repository.ExchangeStore
	events  EventPublisher
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewPairingResolver(store repository.ExchangeStore, events EventPublisher, m *metrics.Metrics) *PairingResolver {
	return &PairingResolver{store: store, events: events, metrics: m, now: time.Now}
}

// ResolveScan binds immediately, or with needsAuth parks the owner session in
// pending_auth so its device extends its timeout while the scanner signs in.
func (r *PairingResolver) ResolveScan(ctx context.Context, payload, scannerID string, needsAuth bool) (*ScanResult, error) {
	owner, scanner, done, err := r.load(ctx, payload, scannerID)
	if err != nil || done != nil {
		return done, err
	}

	if !needsAuth {
		return r.bind(ctx, owner, scanner)
	}

	err = r.store.MarkPendingAuth(ctx, owner.ID, scanner.ID, r.now())
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrSessionNotFound):
		return nil, apperrors.InvalidToken("Unknown exchange token")
	case errors.Is(err, repository.ErrSessionExpired):
		return nil, apperrors.SessionExpired()
	case errors.Is(err, repository.ErrSelfUnavailable):
		return nil, r.unavailable(ctx, owner.ID)
	default:
		return nil, apperrors.Store(err)
	}

	r.metrics.ScansPending.Inc()
	publish(ctx, r.events, owner.ID, sse.EventPendingAuth, PendingAuthEvent{Scanner: scanner.ID})
	audit.Log(ctx, audit.Event{
		Type:      audit.EventScanPending,
		SessionID: owner.ID,
		PeerID:    scanner.ID,
	})
	log.Info().
		Str("sessionId", owner.ID).
		Str("scanner", scanner.ID).
		Msg("qr scan pending auth")

	return &ScanResult{Pending: true}, nil
}

// CompleteAuth finishes a scan parked by ResolveScan. An owner that was never
// parked is bound directly.
func (r *PairingResolver) CompleteAuth(ctx context.Context, payload, scannerID string) (*ScanResult, error) {
	owner, scanner, done, err := r.load(ctx, payload, scannerID)
	if err != nil || done != nil {
		return done, err
	}
	return r.bind(ctx, owner, scanner)
}

// load validates both sides of a scan. A non-nil ScanResult means the scan was
// already bound between these two sessions and is returned as is.
func (r *PairingResolver) load(ctx context.Context, payload, scannerID string) (*model.ExchangeSession, *model.ExchangeSession, *ScanResult, error) {
	token, err := util.ParseQRPayload(payload)
	if err != nil {
		r.rejected(ctx, scannerID, "malformed_payload")
		return nil, nil, nil, apperrors.InvalidToken("Malformed QR payload")
	}
	if !util.IsValidSessionID(scannerID) {
		return nil, nil, nil, apperrors.InvalidInput("session", "must be 1-128 characters of [A-Za-z0-9_-]")
	}

	scanner, err := r.store.FindSession(ctx, scannerID)
	if err != nil {
		return nil, nil, nil, apperrors.Store(err)
	}
	if scanner == nil {
		return nil, nil, nil, apperrors.NotFound("Session")
	}

	owner, err := r.store.FindSessionByToken(ctx, token)
	if err != nil {
		return nil, nil, nil, apperrors.Store(err)
	}
	if owner == nil {
		r.rejected(ctx, scannerID, "unknown_token")
		return nil, nil, nil, apperrors.InvalidToken("Unknown exchange token")
	}
	if owner.ID == scanner.ID {
		return nil, nil, nil, apperrors.ValidationError("A session cannot scan its own code")
	}

	if scanner.MatchToken != "" || owner.MatchToken != "" {
		if util.ConstantTimeEqual(scanner.MatchToken, token) && util.ConstantTimeEqual(owner.MatchToken, token) {
			return nil, nil, &ScanResult{Matched: true, Match: viewOf(scanner)}, nil
		}
		return nil, nil, nil, apperrors.AlreadyMatched()
	}

	now := r.now()
	if owner.EffectiveStatus(now) == model.SessionStatusExpired || scanner.EffectiveStatus(now) == model.SessionStatusExpired {
		return nil, nil, nil, apperrors.SessionExpired()
	}
	if scanner.Status == model.SessionStatusPendingAuth {
		return nil, nil, nil, apperrors.New(apperrors.ErrCodeConflict, "Scanning session is itself awaiting a scan")
	}
	if owner.Status == model.SessionStatusPendingAuth && owner.PendingScanner != scanner.ID {
		return nil, nil, nil, apperrors.New(apperrors.ErrCodeConflict, "Session is reserved by another scanner")
	}

	return owner, scanner, nil, nil
}

func (r *PairingResolver) bind(ctx context.Context, owner, scanner *model.ExchangeSession) (*ScanResult, error) {
	match := model.MatchRecord{
		Token:     owner.Token,
		SessionA:  owner.ID,
		SessionB:  scanner.ID,
		Via:       model.MatchViaQR,
		MatchedAt: r.now(),
	}

	err := r.store.BindMatch(ctx, match, scanner.ID)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrSelfUnavailable):
		r.metrics.BindConflicts.Inc()
		return nil, r.unavailable(ctx, scanner.ID)
	case errors.Is(err, repository.ErrPeerUnavailable), errors.Is(err, repository.ErrTokenInUse):
		r.metrics.BindConflicts.Inc()
		return nil, r.unavailable(ctx, owner.ID)
	default:
		return nil, apperrors.Store(err)
	}

	r.metrics.Matches.WithLabelValues(string(model.MatchViaQR)).Inc()
	notifyMatch(ctx, r.events, &match)
	audit.Log(ctx, audit.Event{
		Type:      audit.EventMatchBound,
		SessionID: owner.ID,
		PeerID:    scanner.ID,
		Details:   map[string]interface{}{"via": string(model.MatchViaQR)},
	})
	log.Info().
		Str("sessionA", owner.ID).
		Str("sessionB", scanner.ID).
		Str("token", util.MaskToken(match.Token)).
		Msg("qr match bound")

	return &ScanResult{Matched: true, Match: &MatchView{Token: match.Token, YouAre: model.RoleB}}, nil
}

// unavailable explains why a session refused a conditional write.
func (r *PairingResolver) unavailable(ctx context.Context, sessionID string) error {
	session, err := r.store.FindSession(ctx, sessionID)
	if err != nil {
		return apperrors.Store(err)
	}
	switch {
	case session == nil:
		return apperrors.NotFound("Session")
	case session.MatchToken != "":
		return apperrors.AlreadyMatched()
	case session.EffectiveStatus(r.now()) == model.SessionStatusExpired:
		return apperrors.SessionExpired()
	default:
		return apperrors.New(apperrors.ErrCodeConflict, "Session is reserved by another scanner")
	}
}

func (r *PairingResolver) rejected(ctx context.Context, scannerID, reason string) {
	audit.Log(ctx, audit.Event{
		Type:      audit.EventScanRejected,
		SessionID: scannerID,
		Details:   map[string]interface{}{"reason": reason},
	})
}
