// Package gate holds the per-run pacing checks: a randomized per-sender cooldown and a
// short in-process per-domain gap. Durable domain capacity lives in the repository.
package gate

import (
	"math/rand/v2"
	"sync"
	"time"
)

type Config struct {
	SenderMin    time.Duration
	SenderMax    time.Duration
	DomainMinGap time.Duration
	// Bypass skips the sender cooldown. For controlled debugging only.
	Bypass bool
}

func Defaults() Config {
	return Config{
		SenderMin:    12 * time.Minute,
		SenderMax:    25 * time.Minute,
		DomainMinGap: 2 * time.Minute,
	}
}

// SenderCooldown requires a randomized gap since a sender's last send. The gap is drawn
// once per sender and kept until that sender sends again, so repeated checks within a
// run give the same answer.
type SenderCooldown struct {
	mu     sync.Mutex
	min    time.Duration
	max    time.Duration
	bypass bool
	rng    *rand.Rand
	drawn  map[string]time.Duration
}

func NewSenderCooldown(cfg Config, rng *rand.Rand) *SenderCooldown {
	if cfg.SenderMax < cfg.SenderMin {
		cfg.SenderMax = cfg.SenderMin
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &SenderCooldown{
		min:    cfg.SenderMin,
		max:    cfg.SenderMax,
		bypass: cfg.Bypass,
		rng:    rng,
		drawn:  map[string]time.Duration{},
	}
}

func (c *SenderCooldown) gap(senderID string) time.Duration {
	if g, ok := c.drawn[senderID]; ok {
		return g
	}
	g := c.min
	if span := c.max - c.min; span > 0 {
		g += time.Duration(c.rng.Int64N(int64(span) + 1))
	}
	c.drawn[senderID] = g
	return g
}

// Allow reports whether the sender may send at now. A sender that never sent is allowed.
func (c *SenderCooldown) Allow(senderID string, lastSent *time.Time, now time.Time) bool {
	if c.bypass || lastSent == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(*lastSent) > c.gap(senderID)
}

// Remaining is how long until the sender clears its cooldown.
func (c *SenderCooldown) Remaining(senderID string, lastSent *time.Time, now time.Time) time.Duration {
	if c.bypass || lastSent == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return max(0, c.gap(senderID)-now.Sub(*lastSent))
}

// Sent forgets the drawn gap so the next cooldown is drawn fresh.
func (c *SenderCooldown) Sent(senderID string) {
	c.mu.Lock()
	delete(c.drawn, senderID)
	c.mu.Unlock()
}

// DomainGap spaces sends to the same sending domain within one run.
type DomainGap struct {
	mu   sync.Mutex
	gap  time.Duration
	last map[string]time.Time
}

func NewDomainGap(gap time.Duration) *DomainGap {
	return &DomainGap{gap: gap, last: map[string]time.Time{}}
}

func (d *DomainGap) Allow(domain string, now time.Time) bool {
	if d.gap <= 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.last[domain]
	return !ok || now.Sub(last) >= d.gap
}

func (d *DomainGap) Touch(domain string, at time.Time) {
	d.mu.Lock()
	d.last[domain] = at
	d.mu.Unlock()
}
