package dispatcher

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type SkipReason string

const (
	SkipInactive       SkipReason = "inactive"
	SkipCap            SkipReason = "cap"
	SkipRunCap         SkipReason = "run_cap"
	SkipGlobalCap      SkipReason = "global_cap"
	SkipCooldown       SkipReason = "cooldown"
	SkipDomainCooldown SkipReason = "domain_cooldown"
	SkipThrottle       SkipReason = "throttle"
	SkipNoJob          SkipReason = "no_job"
	SkipLocked         SkipReason = "locked"
	SkipDomainCap      SkipReason = "domain_cap"
	SkipIdempotent     SkipReason = "idempotent"
	SkipWindow         SkipReason = "outside_window"
	SkipWeekend        SkipReason = "weekend"
)

// Summary is the operator-facing outcome of one run.
type Summary struct {
	RunID          string             `json:"run_id"`
	Sent           int                `json:"sent"`
	SentCold       int                `json:"sent_cold"`
	SentFollowup   int                `json:"sent_followup"`
	SentFriendly   int                `json:"sent_friendly"`
	Failed         int                `json:"failed"`
	Blocked        int                `json:"blocked"`
	Skips          map[SkipReason]int `json:"skips"`
	Passes         int                `json:"passes"`
	Budget         int                `json:"budget"`
	TargetCold     int                `json:"target_cold"`
	TargetFriendly int                `json:"target_friendly"`
	DryRun         bool               `json:"dry_run"`
	Halted         bool               `json:"halted"`
}

func newSummary(runID string, dryRun bool) Summary {
	return Summary{RunID: runID, DryRun: dryRun, Skips: map[SkipReason]int{}}
}

func (s *Summary) skip(r SkipReason) { s.Skips[r]++ }

// OutreachSent is cold plus follow-up sends.
func (s Summary) OutreachSent() int { return s.SentCold + s.SentFollowup }

func (s Summary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("run_id", s.RunID)
	enc.AddInt("sent", s.Sent)
	enc.AddInt("sent_cold", s.SentCold)
	enc.AddInt("sent_followup", s.SentFollowup)
	enc.AddInt("sent_friendly", s.SentFriendly)
	enc.AddInt("failed", s.Failed)
	enc.AddInt("blocked", s.Blocked)
	enc.AddInt("passes", s.Passes)
	enc.AddInt("budget", s.Budget)
	enc.AddBool("dry_run", s.DryRun)
	enc.AddBool("halted", s.Halted)
	return enc.AddObject("skips", zapcore.ObjectMarshalerFunc(func(e zapcore.ObjectEncoder) error {
		for r, n := range s.Skips {
			e.AddInt(string(r), n)
		}
		return nil
	}))
}

var _ zapcore.ObjectMarshaler = Summary{}

func (s Summary) Field() zap.Field { return zap.Object("summary", s) }
