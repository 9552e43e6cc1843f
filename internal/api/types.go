// Package api holds the JSON bodies of the /v1/exchange endpoints, shared by
// the server handlers and the device client.
package api

import (
	"time"

	"github.com/bumpxchange/exchange-server/internal/model"
)

const BasePath = "/v1/exchange"

type InitiateRequest struct {
	SessionID       string `json:"sessionId"`
	SharingCategory string `json:"sharingCategory"`
	ProfileID       string `json:"profileId,omitempty"`
}

type InitiateResponse struct {
	Success   bool      `json:"success"`
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	QRPayload string    `json:"qrPayload"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type HitRequest struct {
	Session         string  `json:"session"`
	TS              int64   `json:"ts"`
	Mag             float64 `json:"mag"`
	Vector          string  `json:"vector,omitempty"`
	SharingCategory string  `json:"sharingCategory"`
	HitNumber       int64   `json:"hitNumber"`
}

type HitResponse struct {
	Success bool       `json:"success"`
	Matched bool       `json:"matched"`
	Token   string     `json:"token,omitempty"`
	YouAre  model.Role `json:"youAre,omitempty"`
}

type Match struct {
	Token  string     `json:"token"`
	YouAre model.Role `json:"youAre"`
}

type StatusResponse struct {
	Success    bool   `json:"success"`
	HasMatch   bool   `json:"hasMatch"`
	ScanStatus string `json:"scanStatus,omitempty"`
	Match      *Match `json:"match,omitempty"`
}

type PairResponse struct {
	Success bool           `json:"success"`
	Profile *model.Profile `json:"profile"`
}

type ScanRequest struct {
	Token     string `json:"token"`
	Session   string `json:"session"`
	NeedsAuth bool   `json:"needsAuth,omitempty"`
}

type ScanResponse struct {
	Success bool       `json:"success"`
	Matched bool       `json:"matched"`
	Pending bool       `json:"pending"`
	Token   string     `json:"token,omitempty"`
	YouAre  model.Role `json:"youAre,omitempty"`
}
