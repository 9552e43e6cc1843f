package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bumpxchange/exchange-server/internal/api"
	"github.com/bumpxchange/exchange-server/internal/metrics"
	"github.com/bumpxchange/exchange-server/internal/model"
	"github.com/bumpxchange/exchange-server/internal/repository"
	"github.com/bumpxchange/exchange-server/internal/service"
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

type testServer struct {
	router   chi.Router
	broker   *sse.Broker
	profiles *mockFetcher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	broker := sse.NewBroker(nil)
	t.Cleanup(broker.Close)

	profiles := &mockFetcher{}
	svc := service.NewExchangeService(
		repository.NewMemoryStore(repository.StoreOptions{}),
		profiles,
		broker,
		metrics.New(prometheus.NewRegistry()),
		service.ExchangeOptions{},
	)

	events := NewEventsHandler(broker, svc)
	events.heartbeat = 50 * time.Millisecond

	r := chi.NewRouter()
	r.Route(api.BasePath, func(r chi.Router) {
		r.Get("/events/{sessionId}", events.ServeHTTP)
		r.Mount("/", NewExchangeHandler(svc, nil).Routes())
	})

	return &testServer{router: r, broker: broker, profiles: profiles}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, api.BasePath+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) initiate(t *testing.T, id, category string) api.InitiateResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/initiate", api.InitiateRequest{SessionID: id, SharingCategory: category, ProfileID: "profile-" + id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[api.InitiateResponse](t, rec)
}
