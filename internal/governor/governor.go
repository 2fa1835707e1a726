// Package governor is the run-level circuit breaker over the rolling send log.
package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
)

type Config struct {
	Window time.Duration
	// MaxColdPerDay caps cold sends across all senders in Window. Zero disables it.
	MaxColdPerDay int
	// MaxColdPerSenderPerDay caps cold sends per sender in Window. Zero disables it.
	MaxColdPerSenderPerDay int
	// ErrorRateThreshold halts the run when errors/(errors+successes) reaches it.
	// Zero disables it.
	ErrorRateThreshold float64
}

func Defaults() Config {
	return Config{Window: 24 * time.Hour}
}

func (c Config) enabled() bool {
	return c.MaxColdPerDay > 0 || c.MaxColdPerSenderPerDay > 0 || c.ErrorRateThreshold > 0
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// HaltError aborts a whole run before any send.
type HaltError struct {
	Severity Severity
	Reason   string
	Stats    model.WindowStats
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("governor halt (%s): %s", e.Severity, e.Reason)
}

// StatsSource is the aggregate read the governor needs from the event log.
type StatsSource interface {
	WindowStats(ctx context.Context, since time.Time) (model.WindowStats, error)
}

type Governor struct {
	cfg   Config
	stats StatsSource
}

func New(cfg Config, stats StatsSource) *Governor {
	if cfg.Window <= 0 {
		cfg.Window = Defaults().Window
	}
	return &Governor{cfg: cfg, stats: stats}
}

// Decision is the outcome of one evaluation. It carries the remaining cold budget so the
// dispatcher can tighten per-sender caps.
type Decision struct {
	cfg   Config
	Stats model.WindowStats
}

// GlobalColdRemaining is the cold budget left in the window, or -1 when uncapped.
func (d Decision) GlobalColdRemaining() int {
	if d.cfg.MaxColdPerDay <= 0 {
		return -1
	}
	return max(0, d.cfg.MaxColdPerDay-d.Stats.TotalCold)
}

// SenderColdRemaining is the sender's cold budget left in the window, or -1 when uncapped.
func (d Decision) SenderColdRemaining(senderID string) int {
	if d.cfg.MaxColdPerSenderPerDay <= 0 {
		return -1
	}
	return max(0, d.cfg.MaxColdPerSenderPerDay-d.Stats.ColdBySender[senderID])
}

// Evaluate runs once per dispatch run. A non-nil *HaltError means no send may happen.
func (g *Governor) Evaluate(ctx context.Context, now time.Time) (Decision, error) {
	d := Decision{cfg: g.cfg, Stats: model.WindowStats{ColdBySender: map[string]int{}}}
	if !g.cfg.enabled() {
		return d, nil
	}

	st, err := g.stats.WindowStats(ctx, now.Add(-g.cfg.Window))
	if err != nil {
		return d, fmt.Errorf("governor stats: %w", err)
	}
	if st.ColdBySender == nil {
		st.ColdBySender = map[string]int{}
	}
	d.Stats = st

	if g.cfg.ErrorRateThreshold > 0 && st.Errors+st.Successes > 0 {
		if rate := st.FailureRate(); rate >= g.cfg.ErrorRateThreshold {
			return d, &HaltError{
				Severity: SeverityCritical,
				Reason: fmt.Sprintf("failure rate %.2f >= %.2f (errors=%d successes=%d)",
					rate, g.cfg.ErrorRateThreshold, st.Errors, st.Successes),
				Stats: st,
			}
		}
	}
	if g.cfg.MaxColdPerDay > 0 && st.TotalCold >= g.cfg.MaxColdPerDay {
		return d, &HaltError{
			Severity: SeverityWarning,
			Reason:   fmt.Sprintf("global cold cap met (%d/%d)", st.TotalCold, g.cfg.MaxColdPerDay),
			Stats:    st,
		}
	}
	return d, nil
}
