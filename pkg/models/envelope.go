package models

import "time"

// Envelope is the universal event record. Every event produced by the
// orchestrator, transport, or tool paths is normalized into this shape
// before fan-out.
type Envelope struct {
	Type       string         `json:"type"`
	Data       map[string]any `json:"data"`
	ChatID     string         `json:"chat_id,omitempty"`
	AppID      string         `json:"app_id,omitempty"`
	SequenceNo int64          `json:"sequence_no,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Stamp sets the timestamp to UTC ISO-8601 with microsecond precision.
func (e *Envelope) Stamp(now time.Time) {
	e.Timestamp = now.UTC().Format("2006-01-02T15:04:05.999999Z07:00")
}

// UsageEvent is one metered consumption record forwarded to the billing
// collaborator.
type UsageEvent struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	AppID     string         `json:"app_id"`
	UserID    string         `json:"user_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}
