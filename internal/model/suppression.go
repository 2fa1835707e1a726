package model

import "time"

type SuppressionReason string

const (
	SuppressHardBounce SuppressionReason = "hard_bounce"
	SuppressManual     SuppressionReason = "manual"
	SuppressComplaint  SuppressionReason = "complaint"
	SuppressUnsub      SuppressionReason = "unsubscribe"
	SuppressInvalid    SuppressionReason = "invalid_syntax"
	SuppressPolicy     SuppressionReason = "policy"
)

func (r SuppressionReason) String() string { return string(r) }

func (r SuppressionReason) Valid() bool {
	switch r {
	case SuppressHardBounce, SuppressManual, SuppressComplaint, SuppressUnsub, SuppressInvalid, SuppressPolicy:
		return true
	}
	return false
}

// Suppression blocks sends to a recipient until ExpiresAt, or forever when ExpiresAt is nil.
type Suppression struct {
	Recipient string            `db:"recipient"  json:"recipient"`
	ExpiresAt *time.Time        `db:"expires_at" json:"expires_at,omitempty"`
	Reason    SuppressionReason `db:"reason"     json:"reason"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
}

// Active reports whether the entry still blocks sends at now.
func (s Suppression) Active(now time.Time) bool {
	return s.ExpiresAt == nil || now.Before(*s.ExpiresAt)
}

// Lock is a lease on a recipient held for the duration of one send attempt.
type Lock struct {
	Recipient string    `db:"recipient"  json:"recipient"`
	Holder    string    `db:"holder"     json:"holder"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
}

func (l Lock) Live(now time.Time) bool { return now.Before(l.ExpiresAt) }
