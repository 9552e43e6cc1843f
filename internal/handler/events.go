package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/bumpxchange/exchange-server/internal/api"
	"github.com/bumpxchange/exchange-server/internal/service"
	"github.com/bumpxchange/exchange-server/internal/sse"
)

const eventConnected = "connected"

// EventsHandler streams matched and pending_auth events for one session. It is
// a faster path than polling, never a replacement for it.
type EventsHandler struct {
	broker          *sse.Broker
	exchangeService *service.ExchangeService
	heartbeat       time.Duration
}

func NewEventsHandler(broker *sse.Broker, exchangeService *service.ExchangeService) *EventsHandler {
	return &EventsHandler{
		broker:          broker,
		exchangeService: exchangeService,
		heartbeat:       sse.HeartbeatInterval,
	}
}

// stream writes SSE frames and flushes after each one.
type stream struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s stream) frame(event sse.Event) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type, event.Data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s stream) send(eventType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.frame(sse.Event{Type: eventType, Data: data})
}

func (s stream) ping() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// GET /v1/exchange/events/{sessionId}
//
// The first frame is a "connected" snapshot of the session status. The stream
// ends after a matched event, or immediately when the snapshot already holds
// the match.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	// Subscribe before the snapshot so a match landing in between is not lost.
	client := h.broker.Subscribe(sessionID)
	defer h.broker.Unsubscribe(client)

	status, err := h.exchangeService.Status(ctx, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	out := stream{w: w, f: flusher}
	logger := log.With().Str("sessionId", sessionID).Logger()
	logger.Info().Int("subscribers", h.broker.ClientCount(sessionID)).Msg("sse stream opened")

	snapshot := api.StatusResponse{Success: true, HasMatch: status.HasMatch, ScanStatus: status.ScanStatus}
	if status.Match != nil {
		snapshot.Match = &api.Match{Token: status.Match.Token, YouAre: status.Match.YouAre}
	}
	if err := out.send(eventConnected, snapshot); err != nil || status.HasMatch {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("sse stream closed by client")
			return

		case <-client.Done:
			logger.Info().Msg("sse stream closed by broker")
			return

		case event := <-client.Events:
			if err := out.frame(event); err != nil {
				logger.Error().Err(err).Str("event", event.Type).Msg("sse write failed")
				return
			}
			if event.Type == sse.EventMatched {
				return
			}

		case <-heartbeat.C:
			if err := out.ping(); err != nil {
				logger.Debug().Err(err).Msg("sse heartbeat failed")
				return
			}
		}
	}
}
