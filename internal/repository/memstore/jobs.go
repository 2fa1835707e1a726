package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/followup"
	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/jmehdipour/outreach-dispatcher/internal/repository"
)

type Jobs struct {
	mu   sync.Mutex
	rows map[string]*model.Job
	seq  map[string]int
	next int
}

func NewJobs() *Jobs {
	return &Jobs{rows: map[string]*model.Job{}, seq: map[string]int{}}
}

func clone(j *model.Job) *model.Job {
	c := *j
	if j.SenderID != nil {
		s := *j.SenderID
		c.SenderID = &s
	}
	if j.NextFollowupAt != nil {
		t := *j.NextFollowupAt
		c.NextFollowupAt = &t
	}
	return &c
}

func (s *Jobs) Enqueue(_ context.Context, j model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[j.ID]; ok {
		return nil
	}
	if j.Status == "" {
		j.Status = model.JobQueued
	}
	if j.State == "" {
		j.State = model.StateNew
	}
	if j.Class == "" {
		j.Class = model.ClassCold
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	s.rows[j.ID] = clone(&j)
	s.next++
	s.seq[j.ID] = s.next
	return nil
}

// Put stores j as-is, overwriting any existing row. Useful to seed follow-up state.
func (s *Jobs) Put(j model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seq[j.ID]; !ok {
		s.next++
		s.seq[j.ID] = s.next
	}
	s.rows[j.ID] = clone(&j)
}

func (s *Jobs) Get(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clone(j), nil
}

func (s *Jobs) ClaimOne(_ context.Context, req repository.ClaimRequest) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cands []*model.Job
	for _, j := range s.rows {
		if j.Status != model.JobQueued || slices.Contains(req.ExcludeRecipients, j.Recipient) {
			continue
		}
		if claimable(j, req) {
			cands = append(cands, j)
		}
	}
	if len(cands) == 0 {
		return nil, nil
	}
	sort.Slice(cands, func(a, b int) bool {
		ja, jb := cands[a], cands[b]
		fa, fb := ja.State == model.StateSent, jb.State == model.StateSent
		if fa != fb {
			return fa
		}
		ka, kb := sortKey(ja), sortKey(jb)
		if !ka.Equal(kb) {
			return ka.Before(kb)
		}
		return s.seq[ja.ID] < s.seq[jb.ID]
	})

	j := cands[0]
	now := req.Now.UTC()
	j.Status = model.JobClaimed
	j.ClaimedBy = req.Holder
	j.ClaimedAt = &now
	if j.SenderID == nil {
		id := req.SenderID
		j.SenderID = &id
	}
	j.UpdatedAt = now
	return clone(j), nil
}

func claimable(j *model.Job, req repository.ClaimRequest) bool {
	owner := j.AssignedSender()
	if req.Class == model.ClassFriendly {
		return j.Class == model.ClassFriendly && j.State.PreSend() &&
			(owner == "" || owner == req.SenderID) && j.Recipient != req.SenderAddress
	}
	if j.Class == model.ClassFriendly {
		return false
	}
	if j.State == model.StateSent {
		return owner == req.SenderID && followup.Due(*j, req.Now, req.MaxAttempts)
	}
	return j.State.PreSend() && j.Stage == 0 && (owner == "" || owner == req.SenderID)
}

func sortKey(j *model.Job) time.Time {
	if j.NextFollowupAt != nil {
		return *j.NextFollowupAt
	}
	return j.CreatedAt
}

func (s *Jobs) Requeue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.rows[id]
	if !ok || j.Status != model.JobClaimed {
		return nil
	}
	j.Status = model.JobQueued
	j.ClaimedBy = ""
	j.ClaimedAt = nil
	if j.Stage == 0 && j.Class == model.ClassCold {
		j.SenderID = nil
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Jobs) FinalizeSuccess(_ context.Context, id, senderID, providerMessageID string, t model.FollowupTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	j.Status = t.QueueStatus()
	j.State = t.State
	j.Attempts = t.Attempts
	j.Stage = max(j.Stage, t.Stage)
	j.NextFollowupAt = t.NextFollowupAt
	j.SenderID = &senderID
	j.ProviderMessageID = providerMessageID
	sent := t.LastSentAt
	j.LastSentAt = &sent
	j.LastError = ""
	j.ClaimedBy = ""
	j.ClaimedAt = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Jobs) FinalizeFailure(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.rows[id]
	if !ok {
		return nil
	}
	if r := []rune(reason); len(r) > repository.MaxErrorLen {
		reason = string(r[:repository.MaxErrorLen])
	}
	j.Status = model.JobFailed
	j.State = model.StateFailed
	j.LastError = reason
	j.ClaimedBy = ""
	j.ClaimedAt = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Jobs) list(limit int, keep func(*model.Job) bool) []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, j := range s.rows {
		if keep(j) {
			out = append(out, *clone(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		ka, kb := sortKey(&out[a]), sortKey(&out[b])
		if !ka.Equal(kb) {
			return ka.Before(kb)
		}
		return s.seq[out[a].ID] < s.seq[out[b].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Jobs) ListDueFollowups(_ context.Context, now time.Time, maxAttempts, limit int) ([]model.Job, error) {
	return s.list(limit, func(j *model.Job) bool {
		return j.Status == model.JobQueued && followup.Due(*j, now, maxAttempts)
	}), nil
}

func (s *Jobs) ListFreshCandidates(_ context.Context, limit int) ([]model.Job, error) {
	return s.list(limit, func(j *model.Job) bool {
		return j.Status == model.JobQueued && j.Class != model.ClassFriendly && j.State.PreSend() && j.Stage == 0
	}), nil
}

func (s *Jobs) ListFriendlyCandidates(_ context.Context, limit int) ([]model.Job, error) {
	return s.list(limit, func(j *model.Job) bool {
		return j.Status == model.JobQueued && j.Class == model.ClassFriendly && j.State.PreSend()
	}), nil
}

// All returns a snapshot of every job, in insertion order.
func (s *Jobs) All() []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Job, 0, len(s.rows))
	for _, j := range s.rows {
		out = append(out, *clone(j))
	}
	sort.Slice(out, func(a, b int) bool { return s.seq[out[a].ID] < s.seq[out[b].ID] })
	return out
}
