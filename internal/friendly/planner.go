// Package friendly plans filler traffic between owned mailboxes: which queued friendly
// jobs a sender may take right now, and which new pairs the composer should write next.
package friendly

import (
	"math/rand/v2"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/jmehdipour/outreach-dispatcher/internal/util"
)

type Config struct {
	PairCooldown       time.Duration
	MailboxCooldown    time.Duration
	DomainPairCooldown time.Duration
}

func Defaults() Config {
	return Config{
		PairCooldown:       24 * time.Hour,
		MailboxCooldown:    2 * time.Hour,
		DomainPairCooldown: 20 * time.Minute,
	}
}

type Planner struct {
	cfg Config
}

func NewPlanner(cfg Config) *Planner {
	d := Defaults()
	if cfg.PairCooldown <= 0 {
		cfg.PairCooldown = d.PairCooldown
	}
	if cfg.MailboxCooldown <= 0 {
		cfg.MailboxCooldown = d.MailboxCooldown
	}
	if cfg.DomainPairCooldown <= 0 {
		cfg.DomainPairCooldown = d.DomainPairCooldown
	}
	return &Planner{cfg: cfg}
}

// history is the cooldown memory built from past friendly sends.
type history struct {
	pair    map[[2]string]time.Time // sender id, recipient
	from    map[string]time.Time    // sender id
	domPair map[[2]string]time.Time // sender domain, recipient domain
}

func newHistory(pairs []model.Pair, domainOf map[string]string) *history {
	h := &history{
		pair:    map[[2]string]time.Time{},
		from:    map[string]time.Time{},
		domPair: map[[2]string]time.Time{},
	}
	for _, p := range pairs {
		h.record(p.SenderID, domainOf[p.SenderID], p.Recipient, p.SentAt)
	}
	return h
}

func (h *history) record(senderID, senderDomain, recipient string, at time.Time) {
	later := func(m map[[2]string]time.Time, k [2]string) {
		if cur, ok := m[k]; !ok || at.After(cur) {
			m[k] = at
		}
	}
	later(h.pair, [2]string{senderID, recipient})
	later(h.domPair, [2]string{senderDomain, util.DomainOf(recipient)})
	if cur, ok := h.from[senderID]; !ok || at.After(cur) {
		h.from[senderID] = at
	}
}

func within(m map[[2]string]time.Time, k [2]string, now time.Time, d time.Duration) bool {
	t, ok := m[k]
	return ok && now.Sub(t) < d
}

// Plan is the friendly pool for one run.
type Plan struct {
	cfg     Config
	now     time.Time
	senders map[string]model.Sender
	jobs    []model.Job
	bounced map[string]bool
	hist    *history
}

// Build filters the queued friendly jobs against cooldowns and known hard bounces.
func (p *Planner) Build(jobs []model.Job, senders []model.Sender, past []model.Pair, hardBounced map[string]bool, now time.Time) *Plan {
	bySender := make(map[string]model.Sender, len(senders))
	domainOf := make(map[string]string, len(senders))
	for _, s := range senders {
		bySender[s.ID] = s
		domainOf[s.ID] = s.Domain
	}
	if hardBounced == nil {
		hardBounced = map[string]bool{}
	}
	return &Plan{
		cfg:     p.cfg,
		now:     now,
		senders: bySender,
		jobs:    append([]model.Job(nil), jobs...),
		bounced: hardBounced,
		hist:    newHistory(past, domainOf),
	}
}

func (pl *Plan) usable(s model.Sender, j model.Job) bool {
	if owner := j.AssignedSender(); owner != "" && owner != s.ID {
		return false
	}
	if j.Recipient == s.Address || pl.bounced[j.Recipient] {
		return false
	}
	if within(pl.hist.pair, [2]string{s.ID, j.Recipient}, pl.now, pl.cfg.PairCooldown) {
		return false
	}
	return !within(pl.hist.domPair, [2]string{s.Domain, util.DomainOf(j.Recipient)}, pl.now, pl.cfg.DomainPairCooldown)
}

func (pl *Plan) mailboxCooling(senderID string) bool {
	t, ok := pl.hist.from[senderID]
	return ok && pl.now.Sub(t) < pl.cfg.MailboxCooldown
}

// Available counts jobs at least one sender could take.
func (pl *Plan) Available() int {
	n := 0
	for _, j := range pl.jobs {
		for _, s := range pl.senders {
			if !pl.mailboxCooling(s.ID) && pl.usable(s, j) {
				n++
				break
			}
		}
	}
	return n
}

// Has reports whether senderID has any job it may take now.
func (pl *Plan) Has(senderID string) bool {
	s, ok := pl.senders[senderID]
	if !ok || pl.mailboxCooling(senderID) {
		return false
	}
	for _, j := range pl.jobs {
		if pl.usable(s, j) {
			return true
		}
	}
	return false
}

// Exclude lists recipients senderID must not be handed when claiming. While a
// cross-domain job is available, same-domain recipients are excluded too.
func (pl *Plan) Exclude(senderID string) []string {
	s, ok := pl.senders[senderID]
	if !ok {
		return nil
	}
	cross := false
	for _, j := range pl.jobs {
		if pl.usable(s, j) && util.DomainOf(j.Recipient) != s.Domain {
			cross = true
			break
		}
	}
	seen := map[string]bool{}
	var out []string
	for _, j := range pl.jobs {
		if seen[j.Recipient] {
			continue
		}
		if !pl.usable(s, j) || (cross && util.DomainOf(j.Recipient) == s.Domain) {
			seen[j.Recipient] = true
			out = append(out, j.Recipient)
		}
	}
	return out
}

// Consume removes a claimed job from the pool and starts its cooldowns.
func (pl *Plan) Consume(senderID string, j model.Job) {
	for i := range pl.jobs {
		if pl.jobs[i].ID == j.ID {
			pl.jobs = append(pl.jobs[:i], pl.jobs[i+1:]...)
			break
		}
	}
	pl.hist.record(senderID, pl.senders[senderID].Domain, j.Recipient, pl.now)
}

// Pair is one planned friendly message for the composer.
type Pair struct {
	From        string `json:"from"`
	To          string `json:"to"`
	CrossDomain bool   `json:"cross_domain"`
}

// PlanPairs picks up to target unique (from, to) pairs among owned addresses, cross-domain
// first. When cooldowns leave it short it relaxes them but keeps pairs unique.
func (p *Planner) PlanPairs(owned []string, target int, past []model.Pair, idOf map[string]string, now time.Time, rng *rand.Rand) []Pair {
	addrs := dedupe(owned)
	if len(addrs) < 2 || target <= 0 {
		return nil
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if idOf == nil {
		idOf = map[string]string{}
	}
	key := func(addr string) string {
		if id, ok := idOf[addr]; ok {
			return id
		}
		return addr
	}
	domainOf := map[string]string{}
	for _, a := range addrs {
		domainOf[key(a)] = util.DomainOf(a)
	}
	h := newHistory(past, domainOf)

	var cands []Pair
	for _, a := range addrs {
		for _, b := range addrs {
			if a != b && util.DomainOf(a) != util.DomainOf(b) {
				cands = append(cands, Pair{From: a, To: b, CrossDomain: true})
			}
		}
	}
	if len(cands) == 0 {
		byDom := map[string][]string{}
		var order []string
		for _, a := range addrs {
			d := util.DomainOf(a)
			if _, ok := byDom[d]; !ok {
				order = append(order, d)
			}
			byDom[d] = append(byDom[d], a)
		}
		for _, d := range order {
			lst := byDom[d]
			if len(lst) < 2 {
				continue
			}
			for i := range lst {
				cands = append(cands, Pair{From: lst[i], To: lst[(i+1)%len(lst)]})
			}
		}
	}
	rng.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })

	var out []Pair
	taken := map[Pair]bool{}
	for _, c := range cands {
		if len(out) >= target {
			break
		}
		from := key(c.From)
		if within(h.pair, [2]string{from, c.To}, now, p.cfg.PairCooldown) {
			continue
		}
		if t, ok := h.from[from]; ok && now.Sub(t) < p.cfg.MailboxCooldown {
			continue
		}
		if within(h.domPair, [2]string{util.DomainOf(c.From), util.DomainOf(c.To)}, now, p.cfg.DomainPairCooldown) {
			continue
		}
		out = append(out, c)
		taken[c] = true
		h.record(from, util.DomainOf(c.From), c.To, now)
	}
	for _, c := range cands {
		if len(out) >= target {
			break
		}
		if !taken[c] {
			out = append(out, c)
			taken[c] = true
		}
	}
	return out
}

func dedupe(addrs []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, a := range addrs {
		a = util.NormalizeEmail(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
