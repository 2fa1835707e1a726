package model

import "time"

// Sender is one outbound sending identity.
type Sender struct {
	ID           string     `db:"id"            json:"id"`
	Address      string     `db:"address"       json:"address"`
	Domain       string     `db:"domain"        json:"domain"`
	DailyCap     int        `db:"daily_cap"     json:"daily_cap"`
	FriendlyBias float64    `db:"friendly_bias" json:"friendly_bias"`
	WarmupStart  *time.Time `db:"warmup_start"  json:"warmup_start,omitempty"`
	Active       bool       `db:"active"        json:"active"`
	LastSentAt   *time.Time `db:"last_sent_at"  json:"last_sent_at,omitempty"`
	SentToday    int        `db:"sent_today"    json:"sent_today"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}

// DomainQuota is the shared per-domain daily counter.
type DomainQuota struct {
	Domain     string     `db:"domain"       json:"domain"`
	DailyCap   int        `db:"daily_cap"    json:"daily_cap"`
	SentToday  int        `db:"sent_today"   json:"sent_today"`
	SentDay    string     `db:"sent_day"     json:"sent_day"`
	LastSentAt *time.Time `db:"last_sent_at" json:"last_sent_at,omitempty"`
}
