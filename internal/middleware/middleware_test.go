package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockLimiter struct {
	mock.Mock
}

func (m *mockLimiter) CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time) {
	args := m.Called(ctx, key, limit, window)
	return args.Bool(0), args.Get(1).(time.Time)
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
})

func TestIPRateLimitMiddleware(t *testing.T) {
	t.Run("passes requests under the limit", func(t *testing.T) {
		limiter := &mockLimiter{}
		limiter.On("CheckLimit", mock.Anything, "initiate:10.0.0.1", 30, time.Minute).Return(true, time.Now())

		h := NewIPRateLimitMiddleware(limiter, 30, time.Minute, "initiate").Handler(okHandler)
		req := httptest.NewRequest(http.MethodPost, "/v1/exchange/initiate", nil)
		req.RemoteAddr = "10.0.0.1"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		limiter.AssertExpectations(t)
	})

	t.Run("ignores the client port", func(t *testing.T) {
		limiter := &mockLimiter{}
		limiter.On("CheckLimit", mock.Anything, "initiate:10.0.0.1", 30, time.Minute).Return(true, time.Now())

		h := NewIPRateLimitMiddleware(limiter, 30, time.Minute, "initiate").Handler(okHandler)
		for _, addr := range []string{"10.0.0.1:40001", "10.0.0.1:40002"} {
			req := httptest.NewRequest(http.MethodPost, "/v1/exchange/initiate", nil)
			req.RemoteAddr = addr
			h.ServeHTTP(httptest.NewRecorder(), req)
		}

		limiter.AssertNumberOfCalls(t, "CheckLimit", 2)
	})

	t.Run("rejects with 429 and Retry-After over the limit", func(t *testing.T) {
		limiter := &mockLimiter{}
		limiter.On("CheckLimit", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(false, time.Now().Add(10*time.Second))

		h := NewIPRateLimitMiddleware(limiter, 1, time.Minute, "initiate").Handler(okHandler)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
		require.NoError(t, err)
		assert.InDelta(t, 10, retry, 1)
		assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
		assert.Contains(t, rec.Body.String(), "RATE_LIMIT_EXCEEDED")
	})

	t.Run("a zero limit disables the check", func(t *testing.T) {
		limiter := &mockLimiter{}
		h := NewIPRateLimitMiddleware(limiter, 0, time.Minute, "initiate").Handler(okHandler)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		limiter.AssertNotCalled(t, "CheckLimit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestBodyLimitMiddleware(t *testing.T) {
	t.Run("rejects declared oversize bodies", func(t *testing.T) {
		h := NewBodyLimitMiddleware(8).Handler(okHandler)
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Contains(t, rec.Body.String(), `"code":"VALIDATION_ERROR"`)
	})

	t.Run("caps bodies read by the handler", func(t *testing.T) {
		var readErr error
		h := NewBodyLimitMiddleware(8).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, readErr = io.ReadAll(r.Body)
		}))
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789"))
		req.ContentLength = -1
		h.ServeHTTP(httptest.NewRecorder(), req)

		assert.Error(t, readErr)
	})

	t.Run("defaults non-positive sizes", func(t *testing.T) {
		assert.Equal(t, DefaultMaxBodySize, NewBodyLimitMiddleware(0).maxSize)
	})
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	t.Run("sets API headers and HSTS only when enabled", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewSecurityHeadersMiddleware(false).Handler(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

		rec = httptest.NewRecorder()
		NewSecurityHeadersMiddleware(true).Handler(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
	})

	t.Run("exchange responses are never cached", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewSecurityHeadersMiddleware(false).Handler(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/exchange/status/device-a", nil))
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

		rec = httptest.NewRecorder()
		NewSecurityHeadersMiddleware(false).Handler(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Empty(t, rec.Header().Get("Cache-Control"))
	})
}

func TestNewCORS(t *testing.T) {
	t.Run("answers preflight for allowed origins", func(t *testing.T) {
		h := NewCORS([]string{"https://app.example.com"})(okHandler)

		req := httptest.NewRequest(http.MethodOptions, "/v1/exchange/hit", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("omits headers for other origins", func(t *testing.T) {
		h := NewCORS([]string{"https://app.example.com"})(okHandler)

		req := httptest.NewRequest(http.MethodGet, "/v1/exchange/status/x", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestRequestLogger(t *testing.T) {
	t.Run("logs method path status and request id", func(t *testing.T) {
		var buf bytes.Buffer
		original := log.Logger
		log.Logger = log.Output(&buf)
		defer func() { log.Logger = original }()

		h := chimiddleware.RequestID(RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		})))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/exchange/initiate", nil))

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "POST", entry["method"])
		assert.Equal(t, "/v1/exchange/initiate", entry["path"])
		assert.Equal(t, 201.0, entry["status"])
		assert.NotEmpty(t, entry["requestId"])
	})
}
