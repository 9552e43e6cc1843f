package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bumpxchange/exchange-server/internal/audit"
	apperrors "github.com/bumpxchange/exchange-server/internal/errors"
	"github.com/bumpxchange/exchange-server/internal/httputil"
	"github.com/bumpxchange/exchange-server/internal/service"
)

// IPRateLimitMiddleware admits at most limit requests per window from one
// client address on one route. A non-positive limit disables it.
type IPRateLimitMiddleware struct {
	limiter service.Limiter
	limit   int
	window  time.Duration
	route   string
}

func NewIPRateLimitMiddleware(limiter service.Limiter, limit int, window time.Duration, route string) *IPRateLimitMiddleware {
	return &IPRateLimitMiddleware{limiter: limiter, limit: limit, window: window, route: route}
}

// remoteHost drops the port from RemoteAddr. chi's RealIP must run first for
// proxied deployments.
func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (m *IPRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	if m.limit <= 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := remoteHost(r)
		allowed, resetAt := m.limiter.CheckLimit(r.Context(), m.route+":"+ip, m.limit, m.window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		if allowed {
			next.ServeHTTP(w, r)
			return
		}

		wait := int(math.Ceil(time.Until(resetAt).Seconds()))
		if wait < 1 {
			wait = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(wait))

		log.Warn().Str("ip", ip).Str("route", m.route).Msg("rate limit exceeded")
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventRateLimitExceed,
			Details: map[string]interface{}{"route": m.route},
		})
		httputil.WriteError(w, apperrors.RateLimitExceeded())
	})
}
