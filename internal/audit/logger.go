// Package audit writes one structured line per exchange decision so a pairing
// can be reconstructed from logs alone.
package audit

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventSessionInitiate EventType = "session_initiate"
	EventMatchBound      EventType = "match_bound"
	EventScanPending     EventType = "scan_pending"
	EventScanRejected    EventType = "scan_rejected"
	EventPairResolved    EventType = "pair_resolved"
	EventRateLimitExceed EventType = "rate_limit_exceeded"
)

type Event struct {
	Type      EventType
	SessionID string
	PeerID    string
	IP        string
	UserAgent string
	Details   map[string]interface{}
}

// Log emits the event at info level tagged audit=exchange. The chi request id
// is attached when ctx carries one.
func Log(ctx context.Context, event Event) {
	e := log.Info().
		Str("audit", "exchange").
		Str("event_type", string(event.Type))

	optional := []struct{ key, value string }{
		{"session_id", event.SessionID},
		{"peer_id", event.PeerID},
		{"ip", event.IP},
		{"user_agent", event.UserAgent},
		{"request_id", chimiddleware.GetReqID(ctx)},
	}
	for _, f := range optional {
		if f.value != "" {
			e = e.Str(f.key, f.value)
		}
	}

	// Sorted so lines for the same event diff cleanly.
	keys := make([]string, 0, len(event.Details))
	for k := range event.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e = addField(e, k, event.Details[k])
	}

	e.Msg("exchange audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case float64:
		return e.Float64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = ClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
