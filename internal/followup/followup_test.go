package followup

import (
	"testing"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func TestNextFromPreSend(t *testing.T) {
	m := New(Config{})
	for _, st := range []model.LeadState{model.StateNew, model.StateDrafted, model.StateApproved} {
		tr := m.Next(model.Job{State: st, Class: model.ClassCold}, now)
		assert.Equal(t, model.StateSent, tr.State)
		assert.Equal(t, 1, tr.Stage)
		assert.Equal(t, 1, tr.Attempts)
		require.NotNil(t, tr.NextFollowupAt)
		assert.Equal(t, now.Add(72*time.Hour), *tr.NextFollowupAt)
		assert.Equal(t, model.JobQueued, tr.QueueStatus())
	}
}

func TestNextStageTwo(t *testing.T) {
	m := New(Config{})
	tr := m.Next(model.Job{State: model.StateSent, Stage: 1, Attempts: 1}, now)
	assert.Equal(t, model.StateSent, tr.State)
	assert.Equal(t, 2, tr.Stage)
	require.NotNil(t, tr.NextFollowupAt)
	assert.Equal(t, now.AddDate(0, 0, 6), *tr.NextFollowupAt)
}

func TestNextStageTwoClosesWithoutFourthContact(t *testing.T) {
	m := New(Config{MaxAttempts: 3})
	tr := m.Next(model.Job{State: model.StateSent, Stage: 2, Attempts: 2}, now)
	assert.Equal(t, model.StateClosed, tr.State)
	assert.Equal(t, 2, tr.Stage)
	assert.Nil(t, tr.NextFollowupAt)
	assert.Equal(t, model.JobSent, tr.QueueStatus())
}

func TestNextStageThreeWhenAllowed(t *testing.T) {
	m := New(Config{MaxAttempts: 4})
	tr := m.Next(model.Job{State: model.StateSent, Stage: 2, Attempts: 2}, now)
	assert.Equal(t, model.StateSent, tr.State)
	assert.Equal(t, 3, tr.Stage)
	require.NotNil(t, tr.NextFollowupAt)
	assert.Equal(t, now.AddDate(0, 0, 12), *tr.NextFollowupAt)

	tr = m.Next(model.Job{State: model.StateSent, Stage: 3, Attempts: 3}, now)
	assert.Equal(t, model.StateClosed, tr.State)
	assert.Equal(t, 3, tr.Stage)
}

func TestNextAttemptsForceClose(t *testing.T) {
	m := New(Config{MaxAttempts: 2})
	tr := m.Next(model.Job{State: model.StateSent, Stage: 1, Attempts: 1}, now)
	assert.Equal(t, model.StateClosed, tr.State)
	assert.Nil(t, tr.NextFollowupAt)
	assert.Equal(t, 2, tr.Stage)
}

func TestStageNeverDecreases(t *testing.T) {
	m := New(Config{MaxAttempts: 5})
	j := model.Job{State: model.StateNew, Class: model.ClassCold}
	at := now
	for i := 0; i < 6; i++ {
		tr := m.Next(j, at)
		assert.GreaterOrEqual(t, tr.Stage, j.Stage)
		j.State, j.Stage, j.Attempts = tr.State, tr.Stage, tr.Attempts
		at = at.Add(30 * 24 * time.Hour)
	}
	assert.Equal(t, model.StateClosed, j.State)
}

func TestFriendlyClosesAfterOneSend(t *testing.T) {
	m := New(Config{})
	tr := m.Next(model.Job{State: model.StateNew, Class: model.ClassFriendly}, now)
	assert.Equal(t, model.StateClosed, tr.State)
	assert.Equal(t, model.JobSent, tr.QueueStatus())
}

func TestIsDue(t *testing.T) {
	m := New(Config{})
	past, future := now.Add(-time.Minute), now.Add(time.Minute)

	assert.True(t, m.IsDue(model.Job{State: model.StateSent, Stage: 1, Attempts: 1, NextFollowupAt: &past}, now))
	assert.False(t, m.IsDue(model.Job{State: model.StateSent, Stage: 1, Attempts: 1, NextFollowupAt: &future}, now))
	assert.False(t, m.IsDue(model.Job{State: model.StateSent, Stage: 2, Attempts: 3, NextFollowupAt: &past}, now))
	assert.False(t, m.IsDue(model.Job{State: model.StateClosed, Stage: 2, Attempts: 2, NextFollowupAt: &past}, now))
	assert.False(t, m.IsDue(model.Job{State: model.StateNew}, now))

	friendly := model.Job{Class: model.ClassFriendly, State: model.StateSent, Stage: 1, NextFollowupAt: &past}
	assert.False(t, Due(friendly, now, 3))
	spent := model.Job{State: model.StateSent, Stage: 2, Attempts: 3, NextFollowupAt: &past}
	assert.True(t, Due(spent, now, 4), "a higher ceiling allows a fourth contact")
}

func TestBlocked(t *testing.T) {
	assert.True(t, Blocked(model.StateClosed))
	assert.True(t, Blocked(model.StateFailed))
	assert.False(t, Blocked(model.StateSent))
	assert.False(t, Blocked(model.StateApproved))
}
