package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
)

type Suppressions struct {
	mu   sync.Mutex
	rows map[string]model.Suppression
}

func NewSuppressions() *Suppressions {
	return &Suppressions{rows: map[string]model.Suppression{}}
}

func (s *Suppressions) IsSuppressed(_ context.Context, recipient string, now time.Time) (bool, model.SuppressionReason, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[recipient]
	if !ok || !row.Active(now) {
		return false, "", nil
	}
	return true, row.Reason, nil
}

func (s *Suppressions) Upsert(_ context.Context, row model.Suppression) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	s.rows[row.Recipient] = row
	return nil
}

type Locks struct {
	mu   sync.Mutex
	rows map[string]model.Lock
}

func NewLocks() *Locks {
	return &Locks{rows: map[string]model.Lock{}}
}

func (l *Locks) Reserve(_ context.Context, recipient, holder string, ttl time.Duration, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.rows[recipient]; ok && cur.Live(now) && cur.Holder != holder {
		return false, nil
	}
	l.rows[recipient] = model.Lock{Recipient: recipient, Holder: holder, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (l *Locks) Release(_ context.Context, recipient, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.rows[recipient]; ok && cur.Holder == holder {
		delete(l.rows, recipient)
	}
	return nil
}

func (l *Locks) PruneExpired(_ context.Context, now time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for k, v := range l.rows {
		if !v.Live(now) {
			delete(l.rows, k)
			n++
		}
	}
	return n, nil
}

// Live counts leases that are still live at now.
func (l *Locks) Live(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, v := range l.rows {
		if v.Live(now) {
			n++
		}
	}
	return n
}
