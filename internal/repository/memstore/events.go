package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
)

type Events struct {
	mu   sync.Mutex
	rows []model.Event
}

func NewEvents() *Events { return &Events{} }

func (e *Events) Append(_ context.Context, ev model.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	ev.ID = int64(len(e.rows) + 1)
	e.rows = append(e.rows, ev)
	return nil
}

func (e *Events) WindowStats(_ context.Context, since time.Time) (model.WindowStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := model.WindowStats{ColdBySender: map[string]int{}}
	for _, ev := range e.rows {
		if ev.DryRun || ev.CreatedAt.Before(since) {
			continue
		}
		switch ev.Status {
		case model.EventSent:
			st.Successes++
			if ev.Class == model.ClassCold || ev.Class == model.ClassFollowup {
				st.TotalCold++
				st.ColdBySender[ev.SenderID]++
			}
		case model.EventFailed, model.EventBounce:
			st.Errors++
		}
	}
	return st, nil
}

func (e *Events) RecentBounceRate(_ context.Context, senderID string, lookback int) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	total, bounced := 0, 0
	for i := len(e.rows) - 1; i >= 0 && total < lookback; i-- {
		ev := e.rows[i]
		if ev.DryRun || ev.SenderID != senderID {
			continue
		}
		switch ev.Status {
		case model.EventSent, model.EventFailed, model.EventBounce:
			total++
			if ev.Status == model.EventBounce {
				bounced++
			}
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(bounced) / float64(total), nil
}

func (e *Events) SendDays(_ context.Context, senderID string, since time.Time) ([]time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []time.Time
	for _, ev := range e.rows {
		if !ev.DryRun && ev.SenderID == senderID && ev.Status == model.EventSent && !ev.CreatedAt.Before(since) {
			out = append(out, ev.CreatedAt)
		}
	}
	return out, nil
}

func (e *Events) LastContacted(_ context.Context, recipient string) (*time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var last *time.Time
	for _, ev := range e.rows {
		if !ev.DryRun && ev.Recipient == recipient && ev.Status == model.EventSent {
			if last == nil || ev.CreatedAt.After(*last) {
				t := ev.CreatedAt
				last = &t
			}
		}
	}
	return last, nil
}

func (e *Events) RecentPairs(_ context.Context, since time.Time) ([]model.Pair, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.Pair
	for _, ev := range e.rows {
		if !ev.DryRun && ev.Status == model.EventSent && ev.Class == model.ClassFriendly && !ev.CreatedAt.Before(since) {
			out = append(out, model.Pair{SenderID: ev.SenderID, Recipient: ev.Recipient, SentAt: ev.CreatedAt})
		}
	}
	return out, nil
}

func (e *Events) HardBounced(_ context.Context, recipients []string) (map[string]bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	want := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		want[r] = true
	}
	out := map[string]bool{}
	for _, ev := range e.rows {
		if !ev.DryRun && ev.Status == model.EventBounce && want[ev.Recipient] {
			out[ev.Recipient] = true
		}
	}
	return out, nil
}

// All returns a copy of the log.
func (e *Events) All() []model.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Event(nil), e.rows...)
}

// Count returns how many events have the given status.
func (e *Events) Count(status model.EventStatus) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.rows {
		if ev.Status == status {
			n++
		}
	}
	return n
}
