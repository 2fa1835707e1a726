package dispatcher

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/gate"
)

type Config struct {
	// BatchSize is the run limit on sends across all classes.
	BatchSize      int
	ColdWeight     int
	FriendlyWeight int
	// GlobalDailyCap bounds today's sends across all senders. Zero disables it.
	GlobalDailyCap int
	// MaxPerSenderPerRun bounds one sender within a run. Zero disables it.
	MaxPerSenderPerRun int
	// DomainDailyCap is used for sending domains that have no quota row yet.
	DomainDailyCap int
	MaxPasses      int
	MaxRunDuration time.Duration
	LockTTL        time.Duration
	// SuppressFor is how long a hard bounce blocks a recipient. Zero means forever.
	SuppressFor       time.Duration
	DedupeWindow      time.Duration
	IdempotencyWindow time.Duration
	CandidateLimit    int
	// SendJitter is an upper bound on the random pause after each send.
	SendJitter   time.Duration
	Cooldown     gate.Config
	Window       SendWindow
	AllowWeekend bool
	IgnoreWindow bool
	DryRun       bool
}

func Defaults() Config {
	return Config{
		BatchSize:         50,
		ColdWeight:        60,
		FriendlyWeight:    40,
		DomainDailyCap:    200,
		MaxPasses:         25,
		MaxRunDuration:    30 * time.Minute,
		LockTTL:           900 * time.Second,
		SuppressFor:       90 * 24 * time.Hour,
		DedupeWindow:      30 * 24 * time.Hour,
		IdempotencyWindow: 60 * time.Second,
		CandidateLimit:    500,
		Cooldown:          gate.Defaults(),
		Window:            SendWindow{Start: 9 * time.Hour, End: 17*time.Hour + 30*time.Minute},
		AllowWeekend:      false,
	}
}

// RunOptions are per-invocation overrides, typically from CLI flags.
type RunOptions struct {
	BatchSize      int
	Ratio          string
	DryRun         bool
	AllowWeekend   bool
	IgnoreCooldown bool
	IgnoreWindow   bool
}

func (c Config) apply(o RunOptions) (Config, error) {
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Ratio != "" {
		cold, friendly, err := ParseRatio(o.Ratio)
		if err != nil {
			return c, err
		}
		c.ColdWeight, c.FriendlyWeight = cold, friendly
	}
	c.DryRun = c.DryRun || o.DryRun
	c.AllowWeekend = c.AllowWeekend || o.AllowWeekend
	c.IgnoreWindow = c.IgnoreWindow || o.IgnoreWindow
	c.Cooldown.Bypass = c.Cooldown.Bypass || o.IgnoreCooldown

	d := Defaults()
	if c.MaxPasses <= 0 {
		c.MaxPasses = d.MaxPasses
	}
	if c.MaxRunDuration <= 0 {
		c.MaxRunDuration = d.MaxRunDuration
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = d.CandidateLimit
	}
	if c.ColdWeight+c.FriendlyWeight <= 0 {
		c.ColdWeight, c.FriendlyWeight = d.ColdWeight, d.FriendlyWeight
	}
	return c, nil
}

// ParseRatio reads a "cold:friendly" weight pair such as "60:40".
func ParseRatio(s string) (cold, friendly int, err error) {
	a, b, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("ratio %q: want cold:friendly", s)
	}
	cold, err = strconv.Atoi(strings.TrimSpace(a))
	if err != nil {
		return 0, 0, fmt.Errorf("ratio %q: %w", s, err)
	}
	friendly, err = strconv.Atoi(strings.TrimSpace(b))
	if err != nil {
		return 0, 0, fmt.Errorf("ratio %q: %w", s, err)
	}
	if cold < 0 || friendly < 0 || cold+friendly == 0 {
		return 0, 0, fmt.Errorf("ratio %q: weights must be non-negative and not both zero", s)
	}
	return cold, friendly, nil
}
