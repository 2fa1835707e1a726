// Package followup computes the lifecycle transition of a job after a successful send.
package followup

import (
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
)

type Config struct {
	FU1         time.Duration
	FU2         time.Duration
	FU3         time.Duration
	MaxAttempts int
}

func Defaults() Config {
	return Config{
		FU1:         72 * time.Hour,
		FU2:         6 * 24 * time.Hour,
		FU3:         12 * 24 * time.Hour,
		MaxAttempts: 3,
	}
}

type Machine struct {
	cfg Config
}

func New(cfg Config) *Machine {
	d := Defaults()
	if cfg.FU1 <= 0 {
		cfg.FU1 = d.FU1
	}
	if cfg.FU2 <= 0 {
		cfg.FU2 = d.FU2
	}
	if cfg.FU3 <= 0 {
		cfg.FU3 = d.FU3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	return &Machine{cfg: cfg}
}

func (m *Machine) MaxAttempts() int { return m.cfg.MaxAttempts }

// Next returns the state after a successful send of j at now.
// The stage never decreases and a job that has used its attempts always closes.
func (m *Machine) Next(j model.Job, now time.Time) model.FollowupTransition {
	t := model.FollowupTransition{
		State:      model.StateClosed,
		Stage:      j.Stage,
		Attempts:   j.Attempts + 1,
		LastSentAt: now,
	}

	if j.Class == model.ClassFriendly {
		return t
	}

	switch {
	case j.State.PreSend():
		t.Stage = max(j.Stage, 1)
		m.schedule(&t, now, m.cfg.FU1)
	case j.State == model.StateSent && j.Stage == 1:
		t.Stage = 2
		m.schedule(&t, now, m.cfg.FU2)
	case j.State == model.StateSent && j.Stage == 2:
		if m.cfg.MaxAttempts >= 4 {
			t.Stage = 3
			m.schedule(&t, now, m.cfg.FU3)
		}
	}

	if t.Attempts >= m.cfg.MaxAttempts {
		t.State = model.StateClosed
		t.NextFollowupAt = nil
	}
	return t
}

func (m *Machine) schedule(t *model.FollowupTransition, now time.Time, after time.Duration) {
	next := now.Add(after)
	t.State = model.StateSent
	t.NextFollowupAt = &next
}

// IsDue reports whether j may be claimed as a follow-up at now.
func (m *Machine) IsDue(j model.Job, now time.Time) bool {
	return Due(j, now, m.cfg.MaxAttempts)
}

// Blocked reports lead states that must never be contacted again.
func Blocked(s model.LeadState) bool { return s.Terminal() }

// Due is the follow-up eligibility rule shared by the machine and the stores.
func Due(j model.Job, now time.Time, maxAttempts int) bool {
	if j.Class == model.ClassFriendly || j.State != model.StateSent || j.Stage < 1 {
		return false
	}
	if j.Attempts >= maxAttempts {
		return false
	}
	return j.NextFollowupAt != nil && !j.NextFollowupAt.After(now)
}
