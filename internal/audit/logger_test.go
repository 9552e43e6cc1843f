package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	original := log.Logger
	log.Logger = log.Output(&buf)
	t.Cleanup(func() { log.Logger = original })
	return &buf
}

func TestLog(t *testing.T) {
	buf := captureLog(t)

	Log(context.Background(), Event{
		Type:      EventMatchBound,
		SessionID: "s1",
		PeerID:    "s2",
		Details:   map[string]interface{}{"via": "motion", "candidates": 2},
	})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "exchange", entry["audit"])
	assert.Equal(t, "match_bound", entry["event_type"])
	assert.Equal(t, "s1", entry["session_id"])
	assert.Equal(t, "s2", entry["peer_id"])
	assert.Equal(t, "motion", entry["via"])
	assert.Equal(t, 2.0, entry["candidates"])
}

func TestLogFromRequest(t *testing.T) {
	buf := captureLog(t)

	r := httptest.NewRequest("POST", "/v1/exchange/initiate", nil)
	r.Header.Set("X-Real-IP", "10.0.0.7")
	r.Header.Set("User-Agent", "bumpclient/1")

	LogFromRequest(r, Event{Type: EventSessionInitiate, SessionID: "s1"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "10.0.0.7", entry["ip"])
	assert.Equal(t, "bumpclient/1", entry["user_agent"])
}

func TestClientIP(t *testing.T) {
	t.Run("takes the first forwarded hop", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		assert.Equal(t, "203.0.113.9", ClientIP(r))
	})

	t.Run("falls back to the remote host", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "192.0.2.4:5555"
		assert.Equal(t, "192.0.2.4", ClientIP(r))
	})
}
