package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type EventStatus string

const (
	EventSent    EventStatus = "sent"
	EventFailed  EventStatus = "failed"
	EventSkipped EventStatus = "skipped"
	// EventBlocked marks a job failed by a guard before it reached a provider.
	EventBlocked EventStatus = "blocked"
	EventReply   EventStatus = "reply"
	EventBounce  EventStatus = "bounce"
)

func (s EventStatus) String() string { return string(s) }

func (s EventStatus) Valid() bool {
	switch s {
	case EventSent, EventFailed, EventSkipped, EventBlocked, EventReply, EventBounce:
		return true
	}
	return false
}

// Meta is free-form event metadata stored as a JSON column.
type Meta map[string]any

func (m Meta) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Meta) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("meta: unsupported scan type %T", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Event is one append-only entry of the send log.
type Event struct {
	ID        int64        `db:"id"         json:"id"`
	SenderID  string       `db:"sender_id"  json:"sender_id"`
	Recipient string       `db:"recipient"  json:"recipient"`
	JobID     string       `db:"job_id"     json:"job_id"`
	Class     TrafficClass `db:"class"      json:"class"`
	Status    EventStatus  `db:"status"     json:"status"`
	Meta      Meta         `db:"meta"       json:"meta,omitempty"`
	DryRun    bool         `db:"dry_run"    json:"dry_run,omitempty"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}

// WindowStats aggregates the live event log over a trailing window. Errors counts only
// provider outcomes (failed, bounce); guard blocks and dry runs are excluded.
type WindowStats struct {
	TotalCold    int
	ColdBySender map[string]int
	Successes    int
	Errors       int
}

// FailureRate is errors/(errors+successes), zero when nothing was attempted.
func (w WindowStats) FailureRate() float64 {
	den := w.Errors + w.Successes
	if den <= 0 {
		return 0
	}
	return float64(w.Errors) / float64(den)
}

// Pair is one past sender -> recipient send, used for friendly planning cooldowns.
type Pair struct {
	SenderID  string    `db:"sender_id"`
	Recipient string    `db:"recipient"`
	SentAt    time.Time `db:"created_at"`
}
