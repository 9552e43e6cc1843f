// Package client drives one device through an exchange attempt: it creates a
// session, feeds motion hits to the server, polls for a match or a QR scan and
// resolves to exactly one terminal state.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bumpxchange/exchange-server/internal/api"
	"github.com/bumpxchange/exchange-server/internal/config"
	apperrors "github.com/bumpxchange/exchange-server/internal/errors"
	"github.com/bumpxchange/exchange-server/internal/model"
)

type State string

const (
	StateIdle           State = "idle"
	StateWaitingForBump State = "waiting-for-bump"
	StateProcessing     State = "processing"
	StateMatched        State = "matched"
	StateQRScanPending  State = "qr-scan-pending"
	StateQRScanMatched  State = "qr-scan-matched"
	StateTimeout        State = "timeout"
	StateError          State = "error"
)

func (s State) Terminal() bool {
	switch s {
	case StateMatched, StateQRScanMatched, StateTimeout, StateError:
		return true
	}
	return false
}

func (s State) Matched() bool {
	return s == StateMatched || s == StateQRScanMatched
}

var (
	ErrDisconnected      = errors.New("exchange disconnected")
	ErrAttemptInProgress = errors.New("exchange attempt already in progress")
	// ErrAuthRequired means the server held a scan for an auth step the
	// caller has no Authenticator for.
	ErrAuthRequired = errors.New("scan requires an auth step")
)

const scanStatusPendingAuth = "pending_auth"

type SessionInfo struct {
	SessionID string
	Token     string
	QRPayload string
	ExpiresAt time.Time
}

type Options struct {
	PollInterval           time.Duration
	InitialTimeout         time.Duration
	ExtendedTimeout        time.Duration
	HitCooldown            time.Duration
	MaxConsecutiveFailures int
	ProfileID              string

	// OnStateChange runs on the attempt's event loop. It may call Disconnect
	// or Reset.
	OnStateChange func(State)
	// OnSession receives the session once the server issued its token, so the
	// QR code can be shown while the attempt runs.
	OnSession func(SessionInfo)
	// OnMotionError reports, as soon as it happens, that the motion source
	// stopped. With ErrPermissionDenied the attempt can still match by QR.
	// It runs on the event loop like OnStateChange.
	OnMotionError func(error)
	NewSessionID  func() string
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = config.ClientPollInterval
	}
	if o.InitialTimeout <= 0 {
		o.InitialTimeout = config.ClientInitialTimeout
	}
	if o.ExtendedTimeout <= 0 {
		o.ExtendedTimeout = config.ClientExtendedTimeout
	}
	if o.HitCooldown <= 0 {
		o.HitCooldown = config.ClientHitCooldown
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = config.ClientMaxConsecutiveFailures
	}
	if o.NewSessionID == nil {
		o.NewSessionID = uuid.NewString
	}
	return o
}

// Result describes how an attempt ended. Reason and Err explain timeout and
// error outcomes; ProfileErr reports a failed profile fetch after a match.
type Result struct {
	SessionID     string
	State         State
	Match         *api.Match
	Profile       *model.Profile
	ProfileErr    error
	Reason        string
	Err           error
	MotionErr     error
	HitsSubmitted int
}

// Authenticator runs the out-of-band step a scanning device completes before
// its scan is bound, such as signing in.
type Authenticator interface {
	Authenticate(ctx context.Context, sessionID string) error
}

type AuthenticatorFunc func(ctx context.Context, sessionID string) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context, sessionID string) error {
	return f(ctx, sessionID)
}

// Orchestrator runs one exchange attempt at a time. Every attempt gets its own
// session and state; nothing carries over between attempts.
type Orchestrator struct {
	api    API
	motion MotionSource
	opts   Options

	mu      sync.Mutex
	current *attempt
}

// NewOrchestrator builds an orchestrator. motion may be nil on devices without
// a sensor; such attempts can only be matched by a QR scan.
func NewOrchestrator(client API, motion MotionSource, opts Options) *Orchestrator {
	return &Orchestrator{api: client, motion: motion, opts: opts.withDefaults()}
}

// State reports the current attempt's state, or idle when there is none.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	a := o.current
	o.mu.Unlock()
	if a == nil {
		return StateIdle
	}
	return a.getState()
}

// Disconnect abandons the running attempt. It never blocks and may be called
// any number of times.
func (o *Orchestrator) Disconnect() {
	o.mu.Lock()
	a := o.current
	o.mu.Unlock()
	if a != nil {
		a.disconnect()
	}
}

// Reset disconnects and forgets the attempt so State reports idle again.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	a := o.current
	o.current = nil
	o.mu.Unlock()
	if a != nil {
		a.detached.Store(true)
		a.disconnect()
	}
}

// StartExchange creates a session and runs the motion and polling paths until
// the attempt resolves. The error is non-nil only when the attempt was
// abandoned; timeouts and failures are reported in the Result.
func (o *Orchestrator) StartExchange(ctx context.Context, category model.SharingCategory) (*Result, error) {
	a, err := o.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer a.finish()

	if !a.initiate(category) {
		return a.complete(ctx)
	}
	a.setState(StateWaitingForBump)

	var wg sync.WaitGroup
	if o.motion != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.motionLoop(category)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.pollLoop()
	}()

	a.run()
	a.cancel()
	wg.Wait()

	return a.complete(ctx)
}

// ScanExchange pairs this device to the session shown in a QR code. With a
// non-nil auth the server parks the scan until auth succeeds.
func (o *Orchestrator) ScanExchange(ctx context.Context, category model.SharingCategory, payload string, auth Authenticator) (*Result, error) {
	a, err := o.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer a.finish()

	if !a.initiate(category) {
		return a.complete(ctx)
	}
	a.setState(StateProcessing)

	req := api.ScanRequest{Token: payload, Session: a.sessionID, NeedsAuth: auth != nil}

	var resp *api.ScanResponse
	err = a.retry(func(ctx context.Context) error {
		var err error
		resp, err = o.api.Scan(ctx, req)
		return err
	})
	if err != nil {
		a.scanFailure(err)
		return a.complete(ctx)
	}

	if resp.Pending && auth == nil {
		a.resolve(StateError, "server requested an auth step", ErrAuthRequired)
		return a.complete(ctx)
	}
	if resp.Pending {
		a.extended = true
		a.setState(StateQRScanPending)

		authCtx, cancel := context.WithTimeout(a.ctx, o.opts.ExtendedTimeout)
		err := auth.Authenticate(authCtx, a.sessionID)
		cancel()
		switch {
		case err == nil:
		case a.ctx.Err() != nil:
			return a.complete(ctx)
		case errors.Is(err, context.DeadlineExceeded):
			a.resolve(StateTimeout, "auth step did not finish in time", err)
			return a.complete(ctx)
		default:
			a.resolve(StateError, "auth step failed", err)
			return a.complete(ctx)
		}

		err = a.retry(func(ctx context.Context) error {
			var err error
			resp, err = o.api.CompleteScan(ctx, api.ScanRequest{Token: payload, Session: a.sessionID})
			return err
		})
		if err != nil {
			a.scanFailure(err)
			return a.complete(ctx)
		}
	}

	if !resp.Matched {
		a.resolve(StateError, "scan was not bound", nil)
		return a.complete(ctx)
	}
	a.resolveMatch(&api.Match{Token: resp.Token, YouAre: resp.YouAre})
	return a.complete(ctx)
}

func (o *Orchestrator) begin(ctx context.Context) (*attempt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current != nil && !o.current.done.Load() {
		return nil, ErrAttemptInProgress
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	a := &attempt{
		o:      o,
		ctx:    attemptCtx,
		cancel: cancel,
		state:  StateIdle,
		events: make(chan event, 8),
		result: &Result{State: StateIdle},
	}
	o.current = a
	return a, nil
}

type eventKind int

const (
	evHitStarted eventKind = iota
	evHitDone
	evStatus
	evMotionStopped
)

type event struct {
	kind   eventKind
	hit    *api.HitResponse
	status *api.StatusResponse
	err    error
}

// attempt is the state of one exchange attempt. Everything below mu is owned
// by the event loop goroutine; mu only guards state for State readers.
type attempt struct {
	o      *Orchestrator
	ctx    context.Context
	cancel context.CancelFunc

	disconnected atomic.Bool
	detached     atomic.Bool
	done         atomic.Bool

	mu    sync.Mutex
	state State

	sessionID     string
	events        chan event
	timer         *time.Timer
	resolved      bool
	extended      bool
	deadlineMoved bool
	failures      int
	result        *Result
}

func (a *attempt) getState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *attempt) setState(s State) {
	a.mu.Lock()
	if a.state == s {
		a.mu.Unlock()
		return
	}
	a.state = s
	a.mu.Unlock()

	log.Debug().Str("sessionId", a.sessionID).Str("state", string(s)).Msg("exchange state changed")

	if cb := a.o.opts.OnStateChange; cb != nil && !a.detached.Load() {
		cb(s)
	}
}

func (a *attempt) disconnect() {
	a.disconnected.Store(true)
	a.cancel()
}

func (a *attempt) finish() {
	a.cancel()
	a.done.Store(true)
}

func (a *attempt) initiate(category model.SharingCategory) bool {
	a.sessionID = a.o.opts.NewSessionID()
	a.result.SessionID = a.sessionID

	resp, err := a.o.api.Initiate(a.ctx, api.InitiateRequest{
		SessionID:       a.sessionID,
		SharingCategory: string(category),
		ProfileID:       a.o.opts.ProfileID,
	})
	if err != nil {
		if a.ctx.Err() == nil {
			a.resolve(StateError, "could not create exchange session", err)
		}
		return false
	}

	if cb := a.o.opts.OnSession; cb != nil {
		cb(SessionInfo{SessionID: a.sessionID, Token: resp.Token, QRPayload: resp.QRPayload, ExpiresAt: resp.ExpiresAt})
	}
	return true
}

func (a *attempt) run() {
	a.timer = time.NewTimer(a.o.opts.InitialTimeout)
	defer a.timer.Stop()

	for !a.resolved {
		select {
		case <-a.ctx.Done():
			return
		case ev := <-a.events:
			a.handle(ev)
		case <-a.timer.C:
			a.onTimeout()
		}
	}
}

func (a *attempt) handle(ev event) {
	switch ev.kind {
	case evHitStarted:
		if a.getState() == StateWaitingForBump {
			a.setState(StateProcessing)
		}

	case evHitDone:
		if a.getState() == StateProcessing {
			a.setState(StateWaitingForBump)
		}
		if ev.err != nil {
			a.failure(ev.err, "hit")
			return
		}
		a.failures = 0
		a.result.HitsSubmitted++
		if ev.hit.Matched {
			a.resolveMatch(&api.Match{Token: ev.hit.Token, YouAre: ev.hit.YouAre})
		}

	case evStatus:
		if ev.err != nil {
			a.failure(ev.err, "status")
			return
		}
		a.failures = 0
		a.applyStatus(ev.status)

	case evMotionStopped:
		a.result.MotionErr = ev.err
		if errors.Is(ev.err, ErrPermissionDenied) {
			log.Warn().Str("sessionId", a.sessionID).Msg("motion permission denied, waiting for a qr scan only")
		} else {
			log.Warn().Err(ev.err).Str("sessionId", a.sessionID).Msg("motion source stopped")
		}
		if cb := a.o.opts.OnMotionError; cb != nil && !a.detached.Load() {
			cb(ev.err)
		}
	}
}

func (a *attempt) applyStatus(st *api.StatusResponse) {
	switch {
	case st.HasMatch && st.Match != nil:
		a.resolveMatch(st.Match)
	case st.ScanStatus == scanStatusPendingAuth:
		a.extend()
	}
}

// extend replaces the outstanding deadline with a fresh extended budget. It
// happens at most once per attempt.
func (a *attempt) extend() {
	if a.extended {
		return
	}
	a.extended = true
	a.deadlineMoved = true
	a.timer.Reset(a.o.opts.ExtendedTimeout)
	a.setState(StateQRScanPending)
}

// onTimeout lets a match that already landed win: delivered events are handled
// first, then the server is asked once more.
func (a *attempt) onTimeout() {
	a.deadlineMoved = false

	for drained := false; !drained; {
		select {
		case ev := <-a.events:
			a.handle(ev)
			if a.resolved {
				return
			}
		default:
			drained = true
		}
	}
	if a.deadlineMoved {
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, 2*a.o.opts.PollInterval)
	st, err := a.o.api.Status(ctx, a.sessionID)
	cancel()
	if a.ctx.Err() != nil {
		return
	}
	if err == nil {
		a.applyStatus(st)
		if a.resolved || a.deadlineMoved {
			return
		}
	}

	a.resolve(StateTimeout, "no peer arrived before the deadline", nil)
}

func (a *attempt) failure(err error, op string) {
	if apperrors.HasCode(err, apperrors.ErrCodeSessionExpired) {
		a.resolve(StateTimeout, "session expired", err)
		return
	}

	a.failures++
	log.Warn().
		Err(err).
		Str("sessionId", a.sessionID).
		Str("op", op).
		Int("consecutiveFailures", a.failures).
		Msg("exchange request failed")

	if a.failures >= a.o.opts.MaxConsecutiveFailures {
		a.resolve(StateError, fmt.Sprintf("%d consecutive request failures", a.failures), err)
	}
}

func (a *attempt) scanFailure(err error) {
	if a.ctx.Err() != nil {
		return
	}
	if apperrors.HasCode(err, apperrors.ErrCodeSessionExpired) {
		a.resolve(StateTimeout, "session expired", err)
		return
	}
	a.resolve(StateError, "scan failed", err)
}

func (a *attempt) resolveMatch(m *api.Match) {
	state := StateMatched
	if a.extended {
		state = StateQRScanMatched
	}
	a.result.Match = m
	a.resolve(state, "", nil)
}

// resolve applies the first terminal transition and ignores any later one.
func (a *attempt) resolve(state State, reason string, err error) {
	if a.resolved {
		return
	}
	a.resolved = true
	a.result.State = state
	a.result.Reason = reason
	a.result.Err = err
	a.cancel()
	a.setState(state)

	ev := log.Info().Str("sessionId", a.sessionID).Str("state", string(state))
	if reason != "" {
		ev = ev.Str("reason", reason)
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("exchange attempt resolved")
}

// complete fetches the counterpart profile after a match and builds the
// caller's result.
func (a *attempt) complete(ctx context.Context) (*Result, error) {
	if !a.resolved {
		a.result.State = a.getState()
		if a.disconnected.Load() {
			return a.result, ErrDisconnected
		}
		if err := ctx.Err(); err != nil {
			return a.result, err
		}
		return a.result, ErrDisconnected
	}

	if a.result.State.Matched() {
		if a.disconnected.Load() {
			a.result.ProfileErr = ErrDisconnected
		} else {
			resp, err := a.o.api.Pair(ctx, a.result.Match.Token, a.sessionID)
			if err != nil {
				a.result.ProfileErr = err
				log.Warn().Err(err).Str("sessionId", a.sessionID).Msg("profile fetch failed after match")
			} else {
				a.result.Profile = resp.Profile
			}
		}
	}
	return a.result, nil
}

func (a *attempt) send(ev event) bool {
	select {
	case a.events <- ev:
		return true
	case <-a.ctx.Done():
		return false
	}
}

// retry repeats fn on transport and temporary server failures, giving up
// after the configured number of consecutive failures.
func (a *attempt) retry(fn func(ctx context.Context) error) error {
	for i := 1; ; i++ {
		err := fn(a.ctx)
		if !apperrors.Retryable(err) || a.ctx.Err() != nil {
			return err
		}
		if i >= a.o.opts.MaxConsecutiveFailures {
			return err
		}

		timer := time.NewTimer(a.o.opts.PollInterval)
		select {
		case <-a.ctx.Done():
			timer.Stop()
			return a.ctx.Err()
		case <-timer.C:
		}
	}
}

func (a *attempt) motionLoop(category model.SharingCategory) {
	var (
		last      time.Time
		hasLast   bool
		hitNumber int64
	)

	for {
		sample, err := a.o.motion.DetectMotion(a.ctx)
		if a.ctx.Err() != nil {
			return
		}
		if err != nil {
			a.send(event{kind: evMotionStopped, err: err})
			return
		}
		if !sample.HasMotion {
			continue
		}
		if hasLast && sample.Timestamp.Sub(last) < a.o.opts.HitCooldown {
			continue
		}
		last, hasLast = sample.Timestamp, true
		hitNumber++

		req := api.HitRequest{
			Session:         a.sessionID,
			TS:              sample.Timestamp.UnixMilli(),
			Mag:             sample.Magnitude,
			SharingCategory: string(category),
			HitNumber:       hitNumber,
		}
		if v := sample.Acceleration; v != nil {
			req.Vector = HashAcceleration(*v)
			if req.Mag == 0 {
				req.Mag = v.Magnitude()
			}
		}

		if !a.send(event{kind: evHitStarted}) {
			return
		}
		resp, err := a.o.api.SubmitHit(a.ctx, req)
		if a.ctx.Err() != nil {
			return
		}
		if !a.send(event{kind: evHitDone, hit: resp, err: err}) {
			return
		}
	}
}

func (a *attempt) pollLoop() {
	ticker := time.NewTicker(a.o.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := a.o.api.Status(a.ctx, a.sessionID)
		if a.ctx.Err() != nil {
			return
		}
		if !a.send(event{kind: evStatus, status: st, err: err}) {
			return
		}
	}
}
