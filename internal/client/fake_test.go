package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bumpxchange/exchange-server/internal/api"
	"github.com/bumpxchange/exchange-server/internal/model"
)

// fakeAPI answers every call through an optional hook and records what it saw.
type fakeAPI struct {
	mu sync.Mutex

	hits        []api.HitRequest
	statusCalls int
	pairCalls   int
	scans       []api.ScanRequest

	onHit      func(req api.HitRequest) (*api.HitResponse, error)
	onStatus   func(call int) (*api.StatusResponse, error)
	onScan     func(call int, req api.ScanRequest) (*api.ScanResponse, error)
	onComplete func(req api.ScanRequest) (*api.ScanResponse, error)
	onInitiate func(req api.InitiateRequest) (*api.InitiateResponse, error)
}

func (f *fakeAPI) Initiate(ctx context.Context, req api.InitiateRequest) (*api.InitiateResponse, error) {
	if f.onInitiate != nil {
		return f.onInitiate(req)
	}
	return &api.InitiateResponse{
		Success:   true,
		SessionID: req.SessionID,
		Token:     "tok-" + req.SessionID,
		QRPayload: "bumpx://pair?token=tok-" + req.SessionID,
		ExpiresAt: time.Now().Add(3 * time.Minute),
	}, nil
}

func (f *fakeAPI) SubmitHit(ctx context.Context, req api.HitRequest) (*api.HitResponse, error) {
	f.mu.Lock()
	f.hits = append(f.hits, req)
	f.mu.Unlock()
	if f.onHit != nil {
		return f.onHit(req)
	}
	return &api.HitResponse{Success: true}, nil
}

func (f *fakeAPI) Status(ctx context.Context, sessionID string) (*api.StatusResponse, error) {
	f.mu.Lock()
	f.statusCalls++
	call := f.statusCalls
	f.mu.Unlock()
	if f.onStatus != nil {
		return f.onStatus(call)
	}
	return &api.StatusResponse{Success: true}, nil
}

func (f *fakeAPI) Scan(ctx context.Context, req api.ScanRequest) (*api.ScanResponse, error) {
	f.mu.Lock()
	f.scans = append(f.scans, req)
	call := len(f.scans)
	f.mu.Unlock()
	if f.onScan != nil {
		return f.onScan(call, req)
	}
	return &api.ScanResponse{Success: true, Matched: true, Token: req.Token, YouAre: model.RoleB}, nil
}

func (f *fakeAPI) CompleteScan(ctx context.Context, req api.ScanRequest) (*api.ScanResponse, error) {
	if f.onComplete != nil {
		return f.onComplete(req)
	}
	return &api.ScanResponse{Success: true, Matched: true, Token: req.Token, YouAre: model.RoleB}, nil
}

func (f *fakeAPI) Pair(ctx context.Context, token, sessionID string) (*api.PairResponse, error) {
	f.mu.Lock()
	f.pairCalls++
	f.mu.Unlock()
	return &api.PairResponse{Success: true, Profile: &model.Profile{ID: "peer", DisplayName: "Peer"}}, nil
}

func (f *fakeAPI) recordedHits() []api.HitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.HitRequest(nil), f.hits...)
}

func (f *fakeAPI) statusCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

// stateRecorder collects every state an orchestrator reports.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func fastOptions() Options {
	return Options{
		PollInterval:           10 * time.Millisecond,
		InitialTimeout:         200 * time.Millisecond,
		ExtendedTimeout:        300 * time.Millisecond,
		HitCooldown:            500 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		NewSessionID:           func() string { return "device-a" },
	}
}

func motionAt(base time.Time, offsets ...time.Duration) []Sample {
	samples := make([]Sample, 0, len(offsets))
	for _, off := range offsets {
		samples = append(samples, Sample{
			HasMotion:    true,
			Magnitude:    2.4,
			Acceleration: &Vector{X: 0.3, Y: 2.1, Z: 9.6},
			Timestamp:    base.Add(off),
		})
	}
	return samples
}

func waitForState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return o.State() == want }, 2*time.Second, 5*time.Millisecond)
}
