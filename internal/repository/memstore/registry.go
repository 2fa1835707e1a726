package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
)

type Senders struct {
	mu       sync.Mutex
	rows     map[string]model.Sender
	counters map[string]int // sender|day
}

func NewSenders() *Senders {
	return &Senders{rows: map[string]model.Sender{}, counters: map[string]int{}}
}

func (s *Senders) ListActive(_ context.Context, day string) ([]model.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Sender
	for _, row := range s.rows {
		if !row.Active {
			continue
		}
		row.SentToday = s.counters[row.ID+"|"+day]
		out = append(out, row)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *Senders) IncrementToday(_ context.Context, senderID, day string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[senderID+"|"+day]++
	return nil
}

func (s *Senders) TouchLastSent(_ context.Context, senderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[senderID]
	if !ok {
		return nil
	}
	if row.LastSentAt == nil || row.LastSentAt.Before(at) {
		t := at
		row.LastSentAt = &t
		s.rows[senderID] = row
	}
	return nil
}

func (s *Senders) Upsert(_ context.Context, snd model.Sender) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.rows[snd.ID]; ok && snd.LastSentAt == nil {
		snd.LastSentAt = prev.LastSentAt
	}
	s.rows[snd.ID] = snd
	return nil
}

// Today returns the counter for senderID on day.
func (s *Senders) Today(senderID, day string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[senderID+"|"+day]
}

type Domains struct {
	mu   sync.Mutex
	rows map[string]model.DomainQuota
}

func NewDomains() *Domains {
	return &Domains{rows: map[string]model.DomainQuota{}}
}

func (d *Domains) Reserve(_ context.Context, domain string, defaultCap int, now time.Time, day string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.rows[domain]
	if !ok {
		q = model.DomainQuota{Domain: domain, DailyCap: defaultCap, SentDay: day}
	}
	if q.SentDay != day {
		q.SentToday = 0
		q.SentDay = day
	}
	if q.DailyCap > 0 && q.SentToday >= q.DailyCap {
		d.rows[domain] = q
		return false, nil
	}
	q.SentToday++
	t := now
	q.LastSentAt = &t
	d.rows[domain] = q
	return true, nil
}

func (d *Domains) Upsert(_ context.Context, q model.DomainQuota) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.rows[q.Domain]
	if ok {
		cur.DailyCap = q.DailyCap
		d.rows[q.Domain] = cur
		return nil
	}
	d.rows[q.Domain] = q
	return nil
}

func (d *Domains) Get(domain string) (model.DomainQuota, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.rows[domain]
	return q, ok
}
