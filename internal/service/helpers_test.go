package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/bumpxchange/exchange-server/internal/errors"
	"github.com/bumpxchange/exchange-server/internal/metrics"
	"github.com/bumpxchange/exchange-server/internal/model"
	"github.com/bumpxchange/exchange-server/internal/repository"
	"github.com/bumpxchange/exchange-server/internal/sse"
)

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) ResolveProfile(ctx context.Context, ref model.ProfileRef) (*model.Profile, error) {
	args := m.Called(ctx, ref)
	if p := args.Get(0); p != nil {
		return p.(*model.Profile), args.Error(1)
	}
	return nil, args.Error(1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]sse.Event
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(map[string][]sse.Event)}
}

func (p *recordingPublisher) Publish(_ context.Context, sessionID string, event sse.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[sessionID] = append(p.events[sessionID], event)
	return nil
}

func (p *recordingPublisher) typesFor(sessionID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events[sessionID] {
		out = append(out, e.Type)
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc      *ExchangeService
	store    *repository.MemoryStore
	profiles *mockFetcher
	events   *recordingPublisher
	clock    *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := repository.NewMemoryStore(repository.StoreOptions{})
	profiles := &mockFetcher{}
	events := newRecordingPublisher()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}

	svc := NewExchangeService(store, profiles, events, metrics.New(prometheus.NewRegistry()), ExchangeOptions{
		SessionTTL: 3 * time.Minute,
		Correlator: CorrelatorOptions{Window: 1500 * time.Millisecond, MinMagnitude: 1.5},
	})
	svc.setClock(clock.Now)

	return &testEnv{svc: svc, store: store, profiles: profiles, events: events, clock: clock}
}

func (e *testEnv) initiate(t *testing.T, id string, category model.SharingCategory) *InitiateResult {
	t.Helper()
	res, err := e.svc.Initiate(context.Background(), InitiateParams{
		SessionID:       id,
		SharingCategory: category,
		ProfileID:       "profile-" + id,
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) hit(t *testing.T, id string, ts int64, mag float64, n int64) *HitResult {
	t.Helper()
	res, err := e.svc.SubmitHit(context.Background(), HitParams{
		SessionID: id,
		TS:        ts,
		Magnitude: mag,
		HitNumber: n,
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) status(t *testing.T, id string) *StatusResult {
	t.Helper()
	res, err := e.svc.Status(context.Background(), id)
	require.NoError(t, err)
	return res
}

func requireCode(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, apperrors.GetCode(err), "unexpected error: %v", err)
}
