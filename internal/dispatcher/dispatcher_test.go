package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/alert"
	"github.com/jmehdipour/outreach-dispatcher/internal/caps"
	"github.com/jmehdipour/outreach-dispatcher/internal/gate"
	"github.com/jmehdipour/outreach-dispatcher/internal/governor"
	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/jmehdipour/outreach-dispatcher/internal/repository"
	"github.com/jmehdipour/outreach-dispatcher/internal/repository/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Monday, inside business hours.
var monday = time.Date(2026, 10, 19, 11, 0, 0, 0, time.UTC)

type stubProvider struct {
	mu      sync.Mutex
	sent    []SendRequest
	failFor map[string]error
	confErr error
}

func (p *stubProvider) Name() string      { return "stub" }
func (p *stubProvider) Configured() error { return p.confErr }

func (p *stubProvider) Send(_ context.Context, req SendRequest) (SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failFor[req.To]; err != nil {
		return SendResult{}, err
	}
	p.sent = append(p.sent, req)
	return SendResult{Provider: "stub", MessageID: fmt.Sprintf("m-%d", len(p.sent))}, nil
}

func (p *stubProvider) requests() []SendRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SendRequest(nil), p.sent...)
}

type recorder struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recorder) Notify(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	return nil
}

func (r *recorder) levels() []alert.Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []alert.Level
	for _, a := range r.alerts {
		out = append(out, a.Level)
	}
	return out
}

type fixture struct {
	store    *memstore.Store
	provider *stubProvider
	alerts   *recorder
	clock    time.Time
	d        *Dispatcher
}

func testConfig() Config {
	cfg := Defaults()
	cfg.Cooldown = gate.Config{Bypass: true}
	cfg.Window = SendWindow{}
	cfg.AllowWeekend = true
	return cfg
}

func newFixture(t *testing.T, cfg Config, gov governor.Config) *fixture {
	t.Helper()
	f := &fixture{
		store:    memstore.New(),
		provider: &stubProvider{failFor: map[string]error{}},
		alerts:   &recorder{},
		clock:    monday,
	}
	f.d = New(cfg, Deps{
		Jobs:         f.store.Jobs,
		Senders:      f.store.Senders,
		Domains:      f.store.Domains,
		Suppressions: f.store.Suppressions,
		Locks:        f.store.Locks,
		Events:       f.store.Events,
		Provider:     f.provider,
		Caps:         caps.NewResolver(caps.Defaults(), f.store.Events, time.UTC),
		Governor:     governor.New(gov, f.store.Events),
		Alerts:       alert.NewSafe(f.alerts, zap.NewNop()),
		Log:          zap.NewNop(),
	}).WithClock(func() time.Time { return f.clock }).WithSeed(1, 2)
	return f
}

func (f *fixture) sender(t *testing.T, id, domain string, dailyCap int) model.Sender {
	t.Helper()
	s := model.Sender{ID: id, Address: id + "@" + domain, Domain: domain, DailyCap: dailyCap, Active: true}
	require.NoError(t, f.store.Senders.Upsert(context.Background(), s))
	return s
}

func (f *fixture) cold(t *testing.T, id, to string) {
	t.Helper()
	require.NoError(t, f.store.Jobs.Enqueue(context.Background(), model.Job{
		ID: id, Recipient: to, Subject: "hi", Body: "hello there", Class: model.ClassCold,
		State: model.StateApproved, TemplateID: "tpl-1", ProfileID: "prof-1",
	}))
}

func (f *fixture) friendly(t *testing.T, id, to string) {
	t.Helper()
	require.NoError(t, f.store.Jobs.Enqueue(context.Background(), model.Job{
		ID: id, Recipient: to, Subject: "lunch?", Body: "are we still on", Class: model.ClassFriendly,
		State: model.StateApproved,
	}))
}

func (f *fixture) job(t *testing.T, id string) model.Job {
	t.Helper()
	j, err := f.store.Jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return *j
}

func TestRunSendsColdThenFollowup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), governor.Defaults())
	f.sender(t, "s1", "alpha.io", 10)
	f.cold(t, "j1", "ana@acme.io")
	f.cold(t, "j2", "bo@acme.io")

	sum, err := f.d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Sent)
	assert.Equal(t, 2, sum.SentCold)
	assert.Equal(t, 2, f.store.Senders.Today("s1", "2026-10-19"))

	j := f.job(t, "j1")
	assert.Equal(t, model.JobQueued, j.Status)
	assert.Equal(t, model.StateSent, j.State)
	assert.Equal(t, 1, j.Stage)
	require.NotNil(t, j.NextFollowupAt)
	assert.Equal(t, monday.Add(72*time.Hour), *j.NextFollowupAt)
	assert.Equal(t, "s1", j.AssignedSender())

	// not due yet
	sum, err = f.d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, sum.Sent)

	f.clock = monday.Add(73 * time.Hour)
	sum, err = f.d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.SentFollowup)

	j = f.job(t, "j1")
	assert.Equal(t, 2, j.Stage)
	assert.Equal(t, model.StateSent, j.State)
	require.NotNil(t, j.NextFollowupAt)
	assert.Equal(t, f.clock.Add(6*24*time.Hour), *j.NextFollowupAt)

	reqs := f.provider.requests()
	require.Len(t, reqs, 4)
	ids := map[string]bool{}
	for _, r := range reqs {
		ids[r.RequestID] = true
	}
	assert.Len(t, ids, 4, "each stage gets its own request id")
	assert.Equal(t, model.ClassFollowup, reqs[3].Class)
}

func TestRunEmptyQueueIsNoop(t *testing.T) {
	f := newFixture(t, testConfig(), governor.Defaults())
	f.sender(t, "s1", "alpha.io", 10)

	sum, err := f.d.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, sum.Sent)
	assert.Zero(t, sum.Passes)
	assert.Empty(t, f.provider.requests())
}

func TestRunNoSenders(t *testing.T) {
	f := newFixture(t, testConfig(), governor.Defaults())
	f.cold(t, "j1", "ana@acme.io")

	_, err := f.d.Run(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrNoSenders)
	assert.Empty(t, f.alerts.levels())
}

func TestRunAllSendersFaulted(t *testing.T) {
	f := newFixture(t, testConfig(), governor.Defaults())
	require.NoError(t, f.store.Senders.Upsert(context.Background(), model.Sender{ID: "s1", Address: "not-an-address", Active: true}))
	f.cold(t, "j1", "ana@acme.io")

	_, err := f.d.Run(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrConfigFault)
	assert.Equal(t, []alert.Level{alert.LevelCritical}, f.alerts.levels())
}

func TestRunProviderConfigFault(t *testing.T) {
	f := newFixture(t, testConfig(), governor.Defaults())
	f.provider.confErr = errors.New("api key is not set")
	f.sender(t, "s1", "alpha.io", 10)
	f.cold(t, "j1", "ana@acme.io")

	_, err := f.d.Run(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrConfigFault)
	assert.Empty(t, f.provider.requests())
	assert.Equal(t, model.JobQueued, f.job(t, "j1").Status)

	// a dry run does not need live credentials
	sum, err := f.d.Run(context.Background(), RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
}

func TestBounceRateThrottlesSenderCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), governor.Defaults())
	f.sender(t, "s1", "alpha.io", 10)

	// 12 bounces in the last 100 outcomes
	for i := 0; i < 100; i++ {
		st := model.EventSent
		if i < 12 {
			st = model.EventBounce
		}
		require.NoError(t, f.store.Events.Append(ctx, model.Event{
			SenderID: "s1", Recipient: fmt.Sprintf("old%d@acme.io", i), Class: model.ClassCold,
			Status: st, CreatedAt: monday.Add(-72 * time.Hour),
		}))
	}

	cfg := caps.Defaults()
	cfg.BounceLookback = 100
	cfg.PauseBounceRate = 0.5
	res, err := caps.NewResolver(cfg, f.store.Events, time.UTC).Resolve(ctx, model.Sender{ID: "s1", DailyCap: 10, Active: true}, monday)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
}

func TestDomainCapRequeueLeavesJobClaimable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), governor.Defaults())
	f.sender(t, "s1", "alpha.io", 10)
	require.NoError(t, f.store.Domains.Upsert(ctx, model.DomainQuota{Domain: "alpha.io", DailyCap: 1, SentDay: "2026-10-19"}))
	f.cold(t, "j1", "ana@acme.io")
	f.cold(t, "j2", "bo@acme.io")

	sum, err := f.d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
	assert.GreaterOrEqual(t, sum.Skips[SkipDomainCap], 1)

	j := f.job(t, "j2")
	assert.Equal(t, model.JobQueued, j.Status)
	assert.Nil(t, j.SenderID, "fresh job returns to the shared pool")
	assert.Zero(t, f.store.Locks.Live(monday), "lock released")

	var skipped int
	for _, e := range f.store.Events.All() {
		if e.Status == model.EventSkipped && e.Meta["reason"] == string(SkipDomainCap) {
			skipped++
		}
	}
	assert.Equal(t, 1, skipped)

	// another run can claim it straight away
	got, err := f.store.Jobs.ClaimOne(ctx, repository.ClaimRequest{
		SenderID: "s2", SenderAddress: "s2@beta.io", Class: model.ClassCold, Holder: "run-b", Now: monday, MaxAttempts: 3,
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "j2", got.ID)
}

func TestGovernorHaltSendsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), governor.Config{ErrorRateThreshold: 0.5})
	f.sender(t, "s1", "alpha.io", 10)
	f.cold(t, "j1", "ana@acme.io")

	for i := 0; i < 10; i++ {
		st := model.EventSent
		if i < 6 {
			st = model.EventFailed
		}
		require.NoError(t, f.store.Events.Append(ctx, model.Event{
			SenderID: "s1", Recipient: fmt.Sprintf("r%d@acme.io", i), Class: model.ClassCold,
			Status: st, CreatedAt: monday.Add(-time.Hour),
		}))
	}

	sum, err := f.d.Run(ctx, RunOptions{})
	var halt *governor.HaltError
	require.ErrorAs(t, err, &halt)
	assert.Equal(t, governor.SeverityCritical, halt.Severity)
	assert.True(t, sum.Halted)
	assert.Zero(t, sum.Sent)
	assert.Empty(t, f.provider.requests())
	assert.Equal(t, []alert.Level{alert.LevelCritical}, f.alerts.levels())
}

func TestPermanentSuppressionNeverSends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), governor.Defaults())
	f.sender(t, "s1", "alpha.io", 10)
	require.NoError(t, f.store.Suppressions.Upsert(ctx, model.Suppression{Recipient: "gone@acme.io", Reason: model.SuppressManual}))
	f.cold(t, "j1", "gone@acme.io")

	f.clock = monday.AddDate(1, 0, 0)
	sum, err := f.d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, sum.Sent)
	assert.Equal(t, 1, sum.Blocked)
	assert.Empty(t, f.provider.requests())

	j := f.job(t, "j1")
	assert.Equal(t, model.JobFailed, j.Status)
	assert.Contains(t, j.LastError, "suppressed")
}

func TestFriendlyShortfallGoesToCold(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.BatchSize = 10
	f := newFixture(t, cfg, governor.Defaults())
	a := f.sender(t, "a", "alpha.io", 10)
	b := f.sender(t, "b", "beta.io", 10)
	c := f.sender(t, "c", "gamma.io", 10)
	for i := 0; i < 12; i++ {
		f.cold(t, fmt.Sprintf("c%02d", i), fmt.Sprintf("lead%d@acme.io", i))
	}
	f.friendly(t, "f1", a.Address)
	f.friendly(t, "f2", b.Address)
	f.friendly(t, "f3", c.Address)

	sum, err := f.d.Run(ctx, RunOptions{Ratio: "60:40"})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TargetFriendly)
	assert.Equal(t, 7, sum.TargetCold)
	assert.Equal(t, 7, sum.SentCold)
	assert.LessOrEqual(t, sum.SentFriendly, 3)
	assert.LessOrEqual(t, sum.Sent, 10)

	for _, r := range f.provider.requests() {
		assert.NotEqual(t, r.From, r.To, "never mail yourself")
	}
}

func TestHardBounceSuppressesSoftDoesNot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), governor.Defaults())
	f.sender(t, "s1", "alpha.io", 10)
	f.cold(t, "j1", "ok@acme.io")
	f.cold(t, "j2", "nobody@acme.io")
	f.cold(t, "j3", "full@acme.io")
	f.provider.failFor["nobody@acme.io"] = &ProviderError{Provider: "stub", Status: 422, Code: "5.1.1", Message: "user unknown"}
	f.provider.failFor["full@acme.io"] = &ProviderError{Provider: "stub", Status: 422, Code: "4.2.2", Message: "mailbox full"}

	sum, err := f.d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
	assert.Equal(t, 2, sum.Failed)

	hard, reason, err := f.store.Suppressions.IsSuppressed(ctx, "nobody@acme.io", monday)
	require.NoError(t, err)
	assert.True(t, hard)
	assert.Equal(t, model.SuppressHardBounce, reason)

	expired, _, err := f.store.Suppressions.IsSuppressed(ctx, "nobody@acme.io", monday.Add(91*24*time.Hour))
	require.NoError(t, err)
	assert.False(t, expired, "hard bounce suppression is timed")

	soft, _, err := f.store.Suppressions.IsSuppressed(ctx, "full@acme.io", monday)
	require.NoError(t, err)
	assert.False(t, soft)

	assert.Equal(t, 1, f.store.Events.Count(model.EventBounce))
	assert.Equal(t, 1, f.store.Events.Count(model.EventFailed))
	assert.Equal(t, model.JobFailed, f.job(t, "j2").Status)
	assert.Equal(t, []alert.Level{alert.LevelWarning, alert.LevelWarning}, f.alerts.levels())
}

func TestLockContentionRequeues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), governor.Defaults())
	f.sender(t, "s1", "alpha.io", 10)
	f.cold(t, "j1", "ana@acme.io")
	ok, err := f.store.Locks.Reserve(ctx, "ana@acme.io", "other-run:j9", time.Hour, monday)
	require.NoError(t, err)
	require.True(t, ok)

	sum, err := f.d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, sum.Sent)
	assert.GreaterOrEqual(t, sum.Skips[SkipLocked], 1)
	assert.Equal(t, model.JobQueued, f.job(t, "j1").Status)
	assert.Empty(t, f.provider.requests())
	assert.Empty(t, f.alerts.levels(), "lock contention is never alerted")
}

func TestPolicyGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), governor.Defaults())
	f.sender(t, "s1", "alpha.io", 10)
	require.NoError(t, f.store.Jobs.Enqueue(ctx, model.Job{
		ID: "nope", Recipient: "lead@acme.io", Body: "hi", Class: model.ClassCold, State: model.StateApproved,
	}))
	f.cold(t, "placeholder", "someone@example.com")
	f.cold(t, "bad", "not an address")

	sum, err := f.d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, sum.Sent)
	assert.Equal(t, 3, sum.Blocked)
	assert.Contains(t, f.job(t, "nope").LastError, "template_id")
	assert.Contains(t, f.job(t, "placeholder").LastError, "guarded")
	assert.Contains(t, f.job(t, "bad").LastError, "invalid")
}

func TestDedupeBlocksRecentlyContacted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), governor.Defaults())
	f.sender(t, "s1", "alpha.io", 10)
	require.NoError(t, f.store.Events.Append(ctx, model.Event{
		SenderID: "s1", Recipient: "ana@acme.io", Class: model.ClassCold, Status: model.EventSent,
		CreatedAt: monday.Add(-10 * 24 * time.Hour),
	}))
	f.cold(t, "j1", "ana@acme.io")

	sum, err := f.d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Blocked)
	assert.Contains(t, f.job(t, "j1").LastError, "dedupe")
}

func TestDryRunNeverContactsProvider(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), governor.Defaults())
	f.sender(t, "s1", "alpha.io", 10)
	f.cold(t, "j1", "ana@acme.io")

	sum, err := f.d.Run(ctx, RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, sum.DryRun)
	assert.Equal(t, 1, sum.Sent)
	assert.Empty(t, f.provider.requests())
	assert.Zero(t, f.store.Senders.Today("s1", "2026-10-19"))

	ev := f.store.Events.All()
	require.Len(t, ev, 1)
	assert.True(t, ev[0].DryRun)
	assert.Contains(t, f.job(t, "j1").ProviderMessageID, "dry-run:")

	// dry sends stay out of the aggregates that drive caps, the governor and dedupe
	stats, err := f.store.Events.WindowStats(ctx, monday.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, stats.Successes)
	assert.Zero(t, stats.TotalCold)
	days, err := f.store.Events.SendDays(ctx, "s1", monday.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, days)
	last, err := f.store.Events.LastContacted(ctx, "ana@acme.io")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestBlockedJobsDoNotMoveFailureRate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), governor.Config{ErrorRateThreshold: 0.5})
	f.sender(t, "s1", "alpha.io", 10)
	f.cold(t, "ok1", "ana@acme.io")
	f.cold(t, "ok2", "bo@acme.io")
	for i := 0; i < 3; i++ {
		to := fmt.Sprintf("gone%d@acme.io", i)
		require.NoError(t, f.store.Suppressions.Upsert(ctx, model.Suppression{Recipient: to, Reason: model.SuppressUnsub}))
		f.cold(t, fmt.Sprintf("gone%d", i), to)
	}

	sum, err := f.d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Sent)
	assert.Equal(t, 3, sum.Blocked)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, 3, f.store.Events.Count(model.EventBlocked))
	assert.Zero(t, f.store.Events.Count(model.EventFailed))

	stats, err := f.store.Events.WindowStats(ctx, monday.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, stats.Errors)
	assert.Equal(t, 2, stats.Successes)

	f.cold(t, "next", "cy@acme.io")
	sum, err = f.d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.False(t, sum.Halted)
	assert.Equal(t, 1, sum.Sent)
	assert.Empty(t, f.alerts.levels())
}

type brokenStats struct{}

func (brokenStats) WindowStats(context.Context, time.Time) (model.WindowStats, error) {
	return model.WindowStats{}, errors.New("db down")
}

func TestGovernorStatsFailureAlertsAndAborts(t *testing.T) {
	f := newFixture(t, testConfig(), governor.Defaults())
	f.d.deps.Governor = governor.New(governor.Defaults(), brokenStats{})
	f.sender(t, "s1", "alpha.io", 10)
	f.cold(t, "j1", "ana@acme.io")

	sum, err := f.d.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Zero(t, sum.Sent)
	assert.Empty(t, f.provider.requests())
	assert.Equal(t, []alert.Level{alert.LevelCritical}, f.alerts.levels())
	assert.Equal(t, model.JobQueued, f.job(t, "j1").Status)
}

func TestGlobalColdCapSkipsOnlyColdLabels(t *testing.T) {
	sum := newSummary("run-1", false)
	r := &run{sum: &sum, globalLeft: 0}

	assert.False(t, r.slot(context.Background(), model.ClassCold))
	assert.False(t, r.slot(context.Background(), model.ClassFollowup))
	assert.False(t, r.stop, "friendly labels keep running")
	assert.Equal(t, 2, sum.Skips[SkipGlobalCap])
}

func TestSenderCooldownAndRunCap(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Cooldown = gate.Config{SenderMin: 10 * time.Minute, SenderMax: 10 * time.Minute}
	f := newFixture(t, cfg, governor.Defaults())
	f.sender(t, "s1", "alpha.io", 10)
	f.cold(t, "j1", "ana@acme.io")
	f.cold(t, "j2", "bo@acme.io")

	sum, err := f.d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
	assert.GreaterOrEqual(t, sum.Skips[SkipCooldown], 1)

	sum, err = f.d.Run(ctx, RunOptions{IgnoreCooldown: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)

	cfg = testConfig()
	cfg.MaxPerSenderPerRun = 1
	g := newFixture(t, cfg, governor.Defaults())
	g.sender(t, "s1", "alpha.io", 10)
	g.cold(t, "j1", "ana@acme.io")
	g.cold(t, "j2", "bo@acme.io")
	sum, err = g.d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
}

func TestGlobalColdCapStopsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), governor.Config{MaxColdPerDay: 3})
	f.sender(t, "s1", "alpha.io", 10)
	f.sender(t, "s2", "beta.io", 10)
	for i := 0; i < 6; i++ {
		f.cold(t, fmt.Sprintf("j%d", i), fmt.Sprintf("lead%d@acme.io", i))
	}
	require.NoError(t, f.store.Events.Append(ctx, model.Event{
		SenderID: "s1", Recipient: "old@acme.io", Class: model.ClassCold, Status: model.EventSent,
		CreatedAt: monday.Add(-2 * time.Hour),
	}))

	sum, err := f.d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.SentCold)

	_, err = f.d.Run(ctx, RunOptions{})
	var halt *governor.HaltError
	require.ErrorAs(t, err, &halt)
	assert.Equal(t, governor.SeverityWarning, halt.Severity)
}

func TestOutsideWindowSkipsRun(t *testing.T) {
	cfg := testConfig()
	cfg.Window = SendWindow{Start: 9 * time.Hour, End: 17*time.Hour + 30*time.Minute, Loc: time.UTC}
	f := newFixture(t, cfg, governor.Defaults())
	f.sender(t, "s1", "alpha.io", 10)
	f.cold(t, "j1", "ana@acme.io")
	f.clock = time.Date(2026, 10, 19, 20, 0, 0, 0, time.UTC)

	sum, err := f.d.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, sum.Sent)
	assert.Equal(t, 1, sum.Skips[SkipWindow])

	sum, err = f.d.Run(context.Background(), RunOptions{IgnoreWindow: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
}

func TestConcurrentRunsSendEachJobOnce(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.BatchSize = 40
	f := newFixture(t, cfg, governor.Defaults())
	for _, d := range []string{"alpha.io", "beta.io", "gamma.io", "delta.io"} {
		f.sender(t, "s-"+d[:1], d, 25)
	}
	for i := 0; i < 40; i++ {
		f.cold(t, fmt.Sprintf("j%02d", i), fmt.Sprintf("lead%d@acme.io", i))
	}

	other := New(cfg, f.d.deps).WithClock(f.d.now).WithSeed(3, 4)

	var wg sync.WaitGroup
	sums := make([]Summary, 2)
	for i, d := range []*Dispatcher{f.d, other} {
		wg.Add(1)
		go func(i int, d *Dispatcher) {
			defer wg.Done()
			s, err := d.Run(ctx, RunOptions{})
			assert.NoError(t, err)
			sums[i] = s
		}(i, d)
	}
	wg.Wait()

	perJob := map[string]int{}
	for _, r := range f.provider.requests() {
		perJob[r.JobID]++
	}
	for id, n := range perJob {
		assert.Equal(t, 1, n, "job %s sent %d times", id, n)
	}
	assert.Equal(t, len(perJob), sums[0].Sent+sums[1].Sent)
	assert.Zero(t, f.store.Locks.Live(monday))
}

// earlyClaims hands out a follow-up before it is due, the way a store with a skewed clock would.
type earlyClaims struct {
	repository.JobsRepository
	job *model.Job
}

func (e *earlyClaims) ClaimOne(ctx context.Context, req repository.ClaimRequest) (*model.Job, error) {
	if j := e.job; j != nil {
		e.job = nil
		return j, nil
	}
	return e.JobsRepository.ClaimOne(ctx, req)
}

func TestUnsendableClaimIsRequeuedUnsent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), governor.Defaults())
	f.sender(t, "s1", "alpha.io", 10)
	f.cold(t, "j1", "ana@acme.io")

	later := monday.Add(48 * time.Hour)
	owner := "s1"
	early := model.Job{ID: "fu1", Recipient: "bo@acme.io", Subject: "hi", Body: "hello again", Class: model.ClassCold,
		Status: model.JobClaimed, State: model.StateSent, Stage: 1, Attempts: 1, NextFollowupAt: &later, SenderID: &owner,
		TemplateID: "tpl-1", ProfileID: "prof-1"}
	f.store.Jobs.Put(early)
	f.d.deps.Jobs = &earlyClaims{JobsRepository: f.store.Jobs, job: &early}

	sum, err := f.d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
	for _, r := range f.provider.requests() {
		assert.NotEqual(t, "fu1", r.JobID)
	}
	j := f.job(t, "fu1")
	assert.Equal(t, model.JobQueued, j.Status)
	assert.Equal(t, 1, j.Stage)

	// a closed lead handed out by the store is never sent either
	closed := model.Job{ID: "done1", Recipient: "cy@acme.io", Subject: "hi", Body: "hello", Class: model.ClassCold,
		Status: model.JobClaimed, State: model.StateClosed, Stage: 3, Attempts: 3, SenderID: &owner,
		TemplateID: "tpl-1", ProfileID: "prof-1"}
	f.store.Jobs.Put(closed)
	f.d.deps.Jobs = &earlyClaims{JobsRepository: f.store.Jobs, job: &closed}
	f.cold(t, "j2", "di@acme.io")

	sum, err = f.d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
	for _, r := range f.provider.requests() {
		assert.NotEqual(t, "done1", r.JobID)
	}
	assert.Equal(t, model.StateClosed, f.job(t, "done1").State)
}
