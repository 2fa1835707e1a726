// Package caps resolves a sender's effective daily capacity from its warm-up history
// and recent bounce rate.
package caps

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
)

// Config holds the caps knobs. Zero values fall back to the defaults in Defaults.
type Config struct {
	// WarmupRamps maps a sender id to its daily cap by warm-up day index.
	WarmupRamps         map[string][]int
	DefaultDailyCap     int
	MinCap              int
	DefaultFriendlyBias float64
	// PauseBounceRate excludes a sender for the run once its recent bounce rate reaches it.
	// Zero disables pausing.
	PauseBounceRate float64
	BounceLookback  int
}

func Defaults() Config {
	return Config{
		DefaultDailyCap:     25,
		MinCap:              2,
		DefaultFriendlyBias: 0.40,
		PauseBounceRate:     0.12,
		BounceLookback:      50,
	}
}

func (c Config) effective() Config {
	d := Defaults()
	if c.DefaultDailyCap <= 0 {
		c.DefaultDailyCap = d.DefaultDailyCap
	}
	if c.MinCap <= 0 {
		c.MinCap = d.MinCap
	}
	if c.DefaultFriendlyBias < 0 || c.DefaultFriendlyBias > 1 {
		c.DefaultFriendlyBias = d.DefaultFriendlyBias
	}
	if c.BounceLookback <= 0 {
		c.BounceLookback = d.BounceLookback
	}
	return c
}

// WarmupDayIndex counts the distinct local weekdays (Mon-Fri) with at least one send,
// minus one, floored at zero.
func WarmupDayIndex(sendTimes []time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	days := make(map[string]struct{}, len(sendTimes))
	for _, t := range sendTimes {
		lt := t.In(loc)
		if wd := lt.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		days[lt.Format(time.DateOnly)] = struct{}{}
	}
	if len(days) == 0 {
		return 0
	}
	return len(days) - 1
}

// BaseTotal looks the index up in the ramp, holding the last step once the ramp is
// exhausted. Without a ramp the static daily cap applies.
func BaseTotal(ramp []int, dailyCap, idx int) int {
	if len(ramp) == 0 {
		return dailyCap
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= len(ramp) {
		idx = len(ramp) - 1
	}
	return ramp[idx]
}

// Throttle scales total down by recent bounce rate, never below minCap.
func Throttle(total int, bounceRate float64, minCap int) int {
	var factor float64
	switch {
	case bounceRate >= 0.10:
		factor = 0.25
	case bounceRate >= 0.06:
		factor = 0.5
	case bounceRate >= 0.04:
		factor = 0.75
	default:
		return total
	}
	scaled := int(math.Round(float64(total) * factor))
	if scaled < minCap {
		return minCap
	}
	return scaled
}

// Split divides total into cold and friendly sub-caps.
func Split(total int, friendlyBias float64) (cold, friendly int) {
	if total <= 0 {
		return 0, 0
	}
	if friendlyBias < 0 {
		friendlyBias = 0
	}
	if friendlyBias > 1 {
		friendlyBias = 1
	}
	friendly = int(math.Round(float64(total) * friendlyBias))
	return total - friendly, friendly
}

// Resolved is a sender's capacity for one run.
type Resolved struct {
	Total      int
	Cold       int
	Friendly   int
	UsedToday  int
	Remaining  int
	BounceRate float64
	DayIndex   int
	Paused     bool
}

// Eligible reports whether the sender may take part in the run at all.
func (r Resolved) Eligible() bool { return !r.Paused && r.Remaining > 0 }

// History is the slice of the event log the resolver reads.
type History interface {
	SendDays(ctx context.Context, senderID string, since time.Time) ([]time.Time, error)
	RecentBounceRate(ctx context.Context, senderID string, lookback int) (float64, error)
}

type Resolver struct {
	cfg     Config
	history History
	loc     *time.Location
}

func NewResolver(cfg Config, history History, loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	return &Resolver{cfg: cfg.effective(), history: history, loc: loc}
}

// Resolve computes the sender's caps at now. SentToday on the sender is the usage already
// recorded for the current local day.
func (r *Resolver) Resolve(ctx context.Context, s model.Sender, now time.Time) (Resolved, error) {
	since := now.AddDate(-1, 0, 0)
	if s.WarmupStart != nil {
		since = *s.WarmupStart
	}
	days, err := r.history.SendDays(ctx, s.ID, since)
	if err != nil {
		return Resolved{}, fmt.Errorf("send days %s: %w", s.ID, err)
	}
	rate, err := r.history.RecentBounceRate(ctx, s.ID, r.cfg.BounceLookback)
	if err != nil {
		return Resolved{}, fmt.Errorf("bounce rate %s: %w", s.ID, err)
	}

	idx := WarmupDayIndex(days, r.loc)

	dailyCap := s.DailyCap
	if dailyCap <= 0 {
		dailyCap = r.cfg.DefaultDailyCap
	}
	total := Throttle(BaseTotal(r.cfg.WarmupRamps[s.ID], dailyCap, idx), rate, r.cfg.MinCap)

	bias := s.FriendlyBias
	if bias <= 0 || bias > 1 {
		bias = r.cfg.DefaultFriendlyBias
	}
	cold, friendly := Split(total, bias)

	res := Resolved{
		Total:      total,
		Cold:       cold,
		Friendly:   friendly,
		UsedToday:  s.SentToday,
		Remaining:  max(0, total-s.SentToday),
		BounceRate: rate,
		DayIndex:   idx,
		Paused:     !s.Active || (r.cfg.PauseBounceRate > 0 && rate >= r.cfg.PauseBounceRate),
	}
	return res, nil
}
