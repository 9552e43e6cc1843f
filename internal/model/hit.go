package model

import "time"

type HitRecord struct {
	SessionID       string          `json:"session"`
	TS              int64           `json:"ts"`
	Magnitude       float64         `json:"mag"`
	VectorHash      string          `json:"vector,omitempty"`
	HitNumber       int64           `json:"hitNumber"`
	SharingCategory SharingCategory `json:"sharingCategory"`
	ReceivedAt      time.Time       `json:"receivedAt"`
}

// Time returns the client-observed event time.
func (h HitRecord) Time() time.Time {
	return time.UnixMilli(h.TS)
}
