package friendly

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 10, 19, 11, 0, 0, 0, time.UTC)

func senders() []model.Sender {
	return []model.Sender{
		{ID: "a", Address: "anna@alpha.io", Domain: "alpha.io", Active: true},
		{ID: "b", Address: "ben@beta.io", Domain: "beta.io", Active: true},
	}
}

func job(id, to string) model.Job {
	return model.Job{ID: id, Recipient: to, Class: model.ClassFriendly, Status: model.JobQueued, State: model.StateApproved}
}

func TestPlanSkipsOwnMailboxAndBounced(t *testing.T) {
	jobs := []model.Job{job("1", "anna@alpha.io"), job("2", "gone@beta.io")}
	pl := NewPlanner(Defaults()).Build(jobs, senders(), nil, map[string]bool{"gone@beta.io": true}, now)

	assert.Equal(t, 1, pl.Available(), "sender b can still take job 1")
	assert.False(t, pl.Has("a"))
	assert.True(t, pl.Has("b"))
	assert.ElementsMatch(t, []string{"anna@alpha.io", "gone@beta.io"}, pl.Exclude("a"))
}

func TestPlanPairCooldown(t *testing.T) {
	jobs := []model.Job{job("1", "ben@beta.io")}
	past := []model.Pair{{SenderID: "a", Recipient: "ben@beta.io", SentAt: now.Add(-3 * time.Hour)}}
	pl := NewPlanner(Defaults()).Build(jobs, senders(), past, nil, now)

	assert.False(t, pl.Has("a"))
	assert.Equal(t, 0, pl.Available())

	pl = NewPlanner(Defaults()).Build(jobs, senders(), []model.Pair{
		{SenderID: "a", Recipient: "ben@beta.io", SentAt: now.Add(-25 * time.Hour)},
	}, nil, now)
	assert.True(t, pl.Has("a"))
}

func TestPlanMailboxCooldownAfterConsume(t *testing.T) {
	jobs := []model.Job{job("1", "ben@beta.io"), job("2", "bo@beta.io")}
	pl := NewPlanner(Defaults()).Build(jobs, senders(), nil, nil, now)
	require.True(t, pl.Has("a"))

	pl.Consume("a", jobs[0])
	assert.False(t, pl.Has("a"), "mailbox cooldown starts on consume")
	assert.True(t, pl.Has("b"))
	assert.Equal(t, 1, pl.Available())
}

func TestPlanPrefersCrossDomain(t *testing.T) {
	ss := append(senders(), model.Sender{ID: "c", Address: "cy@alpha.io", Domain: "alpha.io", Active: true})
	jobs := []model.Job{job("1", "cy@alpha.io"), job("2", "ben@beta.io")}
	pl := NewPlanner(Defaults()).Build(jobs, ss, nil, nil, now)

	assert.Contains(t, pl.Exclude("a"), "cy@alpha.io")
	assert.NotContains(t, pl.Exclude("a"), "ben@beta.io")
}

func TestPlanHonorsOwner(t *testing.T) {
	owner := "b"
	j := job("1", "cy@gamma.io")
	j.SenderID = &owner
	pl := NewPlanner(Defaults()).Build([]model.Job{j}, senders(), nil, nil, now)

	assert.False(t, pl.Has("a"))
	assert.True(t, pl.Has("b"))
}

func TestPlanPairsUniqueAndCrossDomainFirst(t *testing.T) {
	owned := []string{"anna@alpha.io", "ben@beta.io", "cy@gamma.io", "Anna@Alpha.io"}
	got := NewPlanner(Defaults()).PlanPairs(owned, 4, nil, nil, now, rand.New(rand.NewPCG(1, 1)))

	require.Len(t, got, 4)
	seen := map[Pair]bool{}
	for _, p := range got {
		assert.True(t, p.CrossDomain)
		assert.NotEqual(t, p.From, p.To)
		assert.False(t, seen[p])
		seen[p] = true
	}
}

func TestPlanPairsWithinDomainFallback(t *testing.T) {
	owned := []string{"a1@alpha.io", "a2@alpha.io"}
	got := NewPlanner(Defaults()).PlanPairs(owned, 5, nil, nil, now, rand.New(rand.NewPCG(2, 2)))

	assert.Len(t, got, 2)
	for _, p := range got {
		assert.False(t, p.CrossDomain)
	}
}

func TestPlanPairsNeedsTwoAddresses(t *testing.T) {
	assert.Empty(t, NewPlanner(Defaults()).PlanPairs([]string{"solo@alpha.io"}, 3, nil, nil, now, nil))
}
