package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/alert"
	"github.com/jmehdipour/outreach-dispatcher/internal/bounce"
	"github.com/jmehdipour/outreach-dispatcher/internal/caps"
	"github.com/jmehdipour/outreach-dispatcher/internal/followup"
	"github.com/jmehdipour/outreach-dispatcher/internal/friendly"
	"github.com/jmehdipour/outreach-dispatcher/internal/gate"
	"github.com/jmehdipour/outreach-dispatcher/internal/governor"
	"github.com/jmehdipour/outreach-dispatcher/internal/metrics"
	"github.com/jmehdipour/outreach-dispatcher/internal/mix"
	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/jmehdipour/outreach-dispatcher/internal/repository"
	"github.com/jmehdipour/outreach-dispatcher/internal/throttle"
	"github.com/jmehdipour/outreach-dispatcher/internal/util"
	"go.uber.org/zap"
)

var (
	ErrNoSenders   = errors.New("no eligible senders")
	ErrConfigFault = errors.New("config fault")
)

// Deps are the collaborators a Dispatcher composes. Nil optional fields get defaults.
type Deps struct {
	Jobs         repository.JobsRepository
	Senders      repository.SendersRepository
	Domains      repository.DomainsRepository
	Suppressions repository.SuppressionRepository
	Locks        repository.LockStore
	Events       repository.EventsRepository
	Provider     Provider

	Caps     *caps.Resolver
	Governor *governor.Governor
	Followup *followup.Machine
	Friendly *friendly.Planner
	Guards   *Guards
	Throttle throttle.Limiter
	Alerts   *alert.Safe
	Log      *zap.Logger
}

type Dispatcher struct {
	cfg     Config
	deps    Deps
	now     func() time.Time
	newRand func() *rand.Rand
}

func New(cfg Config, deps Deps) *Dispatcher {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Throttle == nil {
		deps.Throttle = throttle.Unlimited{}
	}
	if deps.Alerts == nil {
		deps.Alerts = alert.NewSafe(nil, deps.Log)
	}
	if deps.Followup == nil {
		deps.Followup = followup.New(followup.Defaults())
	}
	if deps.Friendly == nil {
		deps.Friendly = friendly.NewPlanner(friendly.Defaults())
	}
	if deps.Guards == nil {
		g, err := NewGuards(DefaultGuardConfig())
		if err != nil {
			panic(err)
		}
		deps.Guards = g
	}
	if deps.Governor == nil {
		deps.Governor = governor.New(governor.Defaults(), deps.Events)
	}
	if deps.Caps == nil {
		deps.Caps = caps.NewResolver(caps.Defaults(), deps.Events, cfg.Window.Location())
	}

	return &Dispatcher{
		cfg:  cfg,
		deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
		newRand: func() *rand.Rand {
			return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		},
	}
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// WithSeed makes every run draw from the same random sequence.
func (d *Dispatcher) WithSeed(a, b uint64) *Dispatcher {
	d.newRand = func() *rand.Rand { return rand.New(rand.NewPCG(a, b)) }
	return d
}

type senderState struct {
	sender       model.Sender
	caps         caps.Resolved
	coldLeft     int // governor window budget, -1 when uncapped
	used         int
	usedCold     int
	usedFriendly int
	lastSent     *time.Time
	throttled    bool
	drained      map[model.TrafficClass]bool
}

func (s *senderState) coldLimit() int {
	if s.coldLeft >= 0 && s.coldLeft < s.caps.Cold {
		return s.coldLeft
	}
	return s.caps.Cold
}

// run is the state of one Run call. Nothing in it outlives the call.
type run struct {
	d          *Dispatcher
	cfg        Config
	log        *zap.Logger
	sum        *Summary
	rng        *rand.Rand
	day        string
	provider   Provider
	decision   governor.Decision
	states     map[string]*senderState
	order      []string
	picker     *mix.Picker
	plan       *friendly.Plan
	cooldown   *gate.SenderCooldown
	domainGap  *gate.DomainGap
	domainFull map[string]bool
	globalLeft int
	usedToday  int
	stop       bool
}

// Run executes one dispatch run. It returns a non-nil error only for run-level aborts:
// governor halts, configuration faults, or an empty sender pool. Per-job problems are
// recorded in the summary and never abort the run.
func (d *Dispatcher) Run(ctx context.Context, opts RunOptions) (Summary, error) {
	cfg, err := d.cfg.apply(opts)
	if err != nil {
		return Summary{}, err
	}

	sum := newSummary(util.New(), cfg.DryRun)
	r := &run{
		d:          d,
		cfg:        cfg,
		log:        d.deps.Log.With(zap.String("run_id", sum.RunID)),
		sum:        &sum,
		rng:        d.newRand(),
		states:     map[string]*senderState{},
		domainFull: map[string]bool{},
		globalLeft: -1,
	}

	err = r.execute(ctx)
	d.report(r, err)

	return sum, err
}

func (d *Dispatcher) report(r *run, err error) {
	result := "ok"
	var halt *governor.HaltError
	switch {
	case errors.As(err, &halt):
		result = "halted"
	case errors.Is(err, ErrConfigFault):
		result = "config_fault"
	case errors.Is(err, ErrNoSenders):
		result = "no_senders"
	case err != nil:
		result = "error"
	case r.sum.Skips[SkipWindow] > 0 || r.sum.Skips[SkipWeekend] > 0:
		result = "outside_window"
	}
	metrics.RunsTotal.WithLabelValues(result).Inc()
	for reason, n := range r.sum.Skips {
		metrics.SkipsTotal.WithLabelValues(string(reason)).Add(float64(n))
	}

	if err != nil && result != "no_senders" {
		r.log.Error("dispatch run aborted", zap.String("result", result), zap.Error(err), r.sum.Field())
		return
	}
	r.log.Info("dispatch run finished", zap.String("result", result), r.sum.Field())
}

func (r *run) execute(ctx context.Context) error {
	start := r.d.now()
	r.day = start.In(r.cfg.Window.Location()).Format("2006-01-02")

	if !r.preflightWindow(start) {
		return nil
	}
	if err := r.selectProvider(ctx); err != nil {
		return err
	}
	if n, err := r.d.deps.Locks.PruneExpired(ctx, start); err != nil {
		r.log.Warn("prune expired locks", zap.Error(err))
	} else if n > 0 {
		r.log.Debug("pruned expired locks", zap.Int64("count", n))
	}

	dec, err := r.d.deps.Governor.Evaluate(ctx, start)
	var halt *governor.HaltError
	if errors.As(err, &halt) {
		r.sum.Halted = true
		level := alert.LevelCritical
		if halt.Severity == governor.SeverityWarning {
			level = alert.LevelWarning
		}
		r.d.deps.Alerts.Send(ctx, alert.Alert{
			Level:   level,
			Title:   "dispatch halted by governor",
			Message: halt.Reason,
			Fields: map[string]string{
				"run_id":    r.sum.RunID,
				"errors":    fmt.Sprint(halt.Stats.Errors),
				"successes": fmt.Sprint(halt.Stats.Successes),
				"cold_24h":  fmt.Sprint(halt.Stats.TotalCold),
			},
		})
		return err
	}
	if err != nil {
		r.sum.Halted = true
		r.d.deps.Alerts.Send(ctx, alert.Alert{
			Level:   alert.LevelCritical,
			Title:   "governor stats failed",
			Message: err.Error(),
			Fields:  map[string]string{"run_id": r.sum.RunID},
		})
		return fmt.Errorf("governor: %w", err)
	}
	r.decision = dec
	r.globalLeft = dec.GlobalColdRemaining()

	if err := r.loadSenders(ctx, start); err != nil {
		return err
	}

	budget := r.budget()
	r.sum.Budget = budget
	if budget == 0 {
		return nil
	}

	coldAvail, friendlyAvail, err := r.pools(ctx, start)
	if err != nil {
		return err
	}
	cold, friendly := mix.Partition(budget, r.cfg.ColdWeight, r.cfg.FriendlyWeight, coldAvail, friendlyAvail)
	r.sum.TargetCold, r.sum.TargetFriendly = cold, friendly
	r.log.Info("dispatch plan",
		zap.Int("budget", budget),
		zap.Int("cold_available", coldAvail),
		zap.Int("friendly_available", friendlyAvail),
		zap.Int("cold", cold),
		zap.Int("friendly", friendly),
		zap.Int("senders", len(r.order)),
	)

	r.picker = mix.NewPicker(r.order, r.rng)
	r.cooldown = gate.NewSenderCooldown(r.cfg.Cooldown, r.rng)
	r.domainGap = gate.NewDomainGap(r.cfg.Cooldown.DomainMinGap)

	r.passes(ctx, start)
	return nil
}

func (r *run) preflightWindow(now time.Time) bool {
	if !r.cfg.AllowWeekend && r.cfg.Window.Weekend(now) {
		r.sum.skip(SkipWeekend)
		r.log.Info("weekend guard active, skipping run")
		return false
	}
	if !r.cfg.IgnoreWindow && !r.cfg.Window.Contains(now) {
		r.sum.skip(SkipWindow)
		r.log.Info("outside send window, skipping run", zap.Time("now", now))
		return false
	}
	return true
}

func (r *run) selectProvider(ctx context.Context) error {
	if r.cfg.DryRun {
		if dp, ok := r.d.deps.Provider.(*DryRunProvider); ok {
			r.provider = dp
		} else {
			r.provider = NewDryRunProvider()
		}
		return nil
	}

	p := r.d.deps.Provider
	var err error
	if p == nil {
		err = errors.New("no provider configured")
	} else {
		err = p.Configured()
	}
	if err != nil {
		r.d.deps.Alerts.Send(ctx, alert.Alert{
			Level:   alert.LevelCritical,
			Title:   "dispatch config fault",
			Message: err.Error(),
			Fields:  map[string]string{"run_id": r.sum.RunID},
		})
		return fmt.Errorf("%w: %v", ErrConfigFault, err)
	}
	r.provider = p
	return nil
}

func senderFault(s model.Sender) error {
	if !util.ValidEmail(s.Address) {
		return fmt.Errorf("sender %s: invalid from address %q", s.ID, s.Address)
	}
	if s.Domain == "" {
		return fmt.Errorf("sender %s: missing domain", s.ID)
	}
	return nil
}

func (r *run) loadSenders(ctx context.Context, now time.Time) error {
	senders, err := r.d.deps.Senders.ListActive(ctx, r.day)
	if err != nil {
		return fmt.Errorf("list senders: %w", err)
	}

	faulted := 0
	usedToday := 0
	for _, s := range senders {
		usedToday += s.SentToday

		if err := senderFault(s); err != nil {
			faulted++
			r.sum.skip(SkipInactive)
			r.log.Warn("sender config fault", zap.String("sender_id", s.ID), zap.Error(err))
			continue
		}

		res, err := r.d.deps.Caps.Resolve(ctx, s, now)
		if err != nil {
			r.sum.skip(SkipInactive)
			r.log.Warn("resolve caps failed", zap.String("sender_id", s.ID), zap.Error(err))
			continue
		}
		if res.Paused {
			r.sum.skip(SkipInactive)
			r.log.Info("sender paused",
				zap.String("sender_id", s.ID),
				zap.Bool("active", s.Active),
				zap.Float64("bounce_rate", res.BounceRate),
			)
			continue
		}
		if res.Remaining <= 0 {
			r.sum.skip(SkipCap)
			continue
		}

		r.states[s.ID] = &senderState{
			sender:   s,
			caps:     res,
			coldLeft: r.decision.SenderColdRemaining(s.ID),
			lastSent: s.LastSentAt,
			drained:  map[model.TrafficClass]bool{},
		}
		r.order = append(r.order, s.ID)
	}

	r.usedToday = usedToday

	if len(r.order) > 0 {
		return nil
	}
	if len(senders) > 0 && faulted == len(senders) {
		r.d.deps.Alerts.Send(ctx, alert.Alert{
			Level:   alert.LevelCritical,
			Title:   "every sender is misconfigured",
			Message: fmt.Sprintf("%d senders failed config checks", faulted),
			Fields:  map[string]string{"run_id": r.sum.RunID},
		})
		return fmt.Errorf("%w: all %d senders faulted", ErrConfigFault, faulted)
	}
	return ErrNoSenders
}

// budget is min(run limit, what is left of the global daily cap, sum of sender remaining).
// A zero run limit means no limit.
func (r *run) budget() int {
	total := 0
	for _, id := range r.order {
		st := r.states[id]
		left := st.caps.Remaining
		if r.cfg.MaxPerSenderPerRun > 0 {
			left = min(left, r.cfg.MaxPerSenderPerRun)
		}
		total += left
	}
	if r.cfg.BatchSize > 0 {
		total = min(total, r.cfg.BatchSize)
	}
	if r.cfg.GlobalDailyCap > 0 {
		total = min(total, r.cfg.GlobalDailyCap-r.usedToday)
	}
	return max(0, total)
}

// pools sizes both candidate pools and builds the friendly plan.
func (r *run) pools(ctx context.Context, now time.Time) (cold, friendlyN int, err error) {
	deps := r.d.deps
	due, err := deps.Jobs.ListDueFollowups(ctx, now, deps.Followup.MaxAttempts(), r.cfg.CandidateLimit)
	if err != nil {
		return 0, 0, fmt.Errorf("due followups: %w", err)
	}
	fresh, err := deps.Jobs.ListFreshCandidates(ctx, r.cfg.CandidateLimit)
	if err != nil {
		return 0, 0, fmt.Errorf("fresh candidates: %w", err)
	}
	fcands, err := deps.Jobs.ListFriendlyCandidates(ctx, r.cfg.CandidateLimit)
	if err != nil {
		return 0, 0, fmt.Errorf("friendly candidates: %w", err)
	}

	var past []model.Pair
	bounced := map[string]bool{}
	if len(fcands) > 0 {
		past, err = deps.Events.RecentPairs(ctx, now.Add(-48*time.Hour))
		if err != nil {
			return 0, 0, fmt.Errorf("recent pairs: %w", err)
		}
		recipients := make([]string, 0, len(fcands))
		for _, j := range fcands {
			recipients = append(recipients, j.Recipient)
		}
		bounced, err = deps.Events.HardBounced(ctx, recipients)
		if err != nil {
			return 0, 0, fmt.Errorf("hard bounced: %w", err)
		}
	}

	senders := make([]model.Sender, 0, len(r.order))
	coldCap, friendlyCap := 0, 0
	for _, id := range r.order {
		st := r.states[id]
		senders = append(senders, st.sender)
		coldCap += min(st.coldLimit(), st.caps.Remaining)
		friendlyCap += min(st.caps.Friendly, st.caps.Remaining)
	}
	r.plan = deps.Friendly.Build(fcands, senders, past, bounced, now)

	cold = min(len(due)+len(fresh), coldCap)
	if r.globalLeft >= 0 {
		cold = min(cold, r.globalLeft)
	}
	friendlyN = min(r.plan.Available(), friendlyCap)
	return cold, friendlyN, nil
}

func (r *run) passes(ctx context.Context, start time.Time) {
	deadline := start.Add(r.cfg.MaxRunDuration)
	for pass := 1; pass <= r.cfg.MaxPasses; pass++ {
		coldLeft := r.sum.TargetCold - r.sum.OutreachSent()
		friendlyLeft := r.sum.TargetFriendly - r.sum.SentFriendly
		if coldLeft+friendlyLeft <= 0 {
			return
		}

		r.sum.Passes = pass
		for _, st := range r.states {
			clear(st.drained)
		}

		progress := 0
		for _, class := range mix.Labels(max(coldLeft, 0), max(friendlyLeft, 0), r.rng) {
			if ctx.Err() != nil || r.d.now().After(deadline) {
				r.log.Warn("run ceiling reached", zap.Int("pass", pass), zap.Bool("cancelled", ctx.Err() != nil))
				return
			}
			if r.slot(ctx, class) {
				progress++
			}
			if r.stop {
				return
			}
		}

		if progress == 0 {
			return
		}
	}
}

// admit applies the per-sender gates that need no durable write.
func (r *run) admit(st *senderState, class model.TrafficClass, now time.Time) SkipReason {
	if st.drained[class] {
		return SkipNoJob
	}
	if st.used >= st.caps.Remaining {
		return SkipCap
	}
	switch class {
	case model.ClassFriendly:
		if st.usedFriendly >= st.caps.Friendly {
			return SkipCap
		}
		if !r.plan.Has(st.sender.ID) {
			return SkipNoJob
		}
	default:
		if st.usedCold >= st.coldLimit() {
			return SkipCap
		}
	}
	if r.cfg.MaxPerSenderPerRun > 0 && st.used >= r.cfg.MaxPerSenderPerRun {
		return SkipRunCap
	}
	if st.throttled {
		return SkipThrottle
	}
	if !r.cooldown.Allow(st.sender.ID, st.lastSent, now) {
		return SkipCooldown
	}
	if r.domainFull[st.sender.Domain] {
		return SkipDomainCap
	}
	if !r.domainGap.Allow(st.sender.Domain, now) {
		return SkipDomainCooldown
	}
	return ""
}

// slot fills one label and reports whether a job reached a terminal outcome.
func (r *run) slot(ctx context.Context, class model.TrafficClass) bool {
	// global cold cap reached: only this label is skipped, friendly labels still run
	if class != model.ClassFriendly && r.globalLeft == 0 {
		r.sum.skip(SkipGlobalCap)
		return false
	}
	now := r.d.now()

	id, ok := r.picker.Next(class, func(id string) bool {
		if reason := r.admit(r.states[id], class, now); reason != "" {
			r.sum.skip(reason)
			return false
		}
		return true
	})
	if !ok {
		return false
	}
	st := r.states[id]

	req := repository.ClaimRequest{
		SenderID:      id,
		SenderAddress: st.sender.Address,
		Class:         class,
		Holder:        r.sum.RunID,
		Now:           now,
		MaxAttempts:   r.d.deps.Followup.MaxAttempts(),
	}
	if class == model.ClassFriendly {
		req.ExcludeRecipients = r.plan.Exclude(id)
	}

	job, err := r.d.deps.Jobs.ClaimOne(ctx, req)
	if err != nil {
		r.log.Error("claim failed", zap.String("sender_id", id), zap.Error(err))
		return false
	}
	if job == nil {
		st.drained[class] = true
		r.sum.skip(SkipNoJob)
		return false
	}

	return r.process(ctx, st, *job)
}

// process runs every check and the send for one claimed job. Panics are contained here.
func (r *run) process(ctx context.Context, st *senderState, j model.Job) (done bool) {
	log := r.log.With(zap.String("job_id", j.ID), zap.String("sender_id", st.sender.ID))
	defer func() {
		if p := recover(); p != nil {
			log.Error("job processing panicked", zap.Any("panic", p))
			r.requeue(ctx, j.ID)
			done = false
		}
	}()

	now := r.d.now()
	deps := r.d.deps
	sendClass := j.SendClass()

	if followup.Blocked(j.State) || (j.State == model.StateSent && !deps.Followup.IsDue(j, now)) {
		log.Warn("claimed job is not sendable", zap.String("state", j.State.String()), zap.Int("stage", j.Stage), zap.Int("attempts", j.Attempts))
		r.requeue(ctx, j.ID)
		r.sum.skip(SkipNoJob)
		return false
	}

	recipient := util.NormalizeEmail(j.Recipient)
	if recipient == "" {
		return r.block(ctx, st, j, "blocked: invalid recipient", model.SuppressInvalid)
	}
	j.Recipient = recipient
	if deps.Guards.BlockedRecipient(recipient) {
		return r.block(ctx, st, j, "blocked: guarded recipient", model.SuppressPolicy)
	}

	suppressed, reason, err := deps.Suppressions.IsSuppressed(ctx, recipient, now)
	if err != nil {
		log.Error("suppression lookup failed", zap.Error(err))
		r.requeue(ctx, j.ID)
		return false
	}
	if suppressed {
		return r.block(ctx, st, j, "blocked: suppressed ("+reason.String()+")", reason)
	}

	if sendClass == model.ClassCold && r.cfg.DedupeWindow > 0 {
		last, err := deps.Events.LastContacted(ctx, recipient)
		if err != nil {
			log.Error("dedupe lookup failed", zap.Error(err))
			r.requeue(ctx, j.ID)
			return false
		}
		if last != nil && now.Sub(*last) < r.cfg.DedupeWindow {
			return r.block(ctx, st, j, "blocked: contacted within dedupe window", model.SuppressPolicy)
		}
	}

	if err := deps.Guards.Policy(j); err != nil {
		log.Warn("guard tripped", zap.String("class", sendClass.String()), zap.Error(err))
		return r.block(ctx, st, j, "blocked: "+err.Error(), model.SuppressPolicy)
	}

	if j.LastSentAt != nil && now.Sub(*j.LastSentAt) < r.cfg.IdempotencyWindow {
		log.Info("sent moments ago, skipping", zap.Time("last_sent_at", *j.LastSentAt))
		r.requeue(ctx, j.ID)
		r.sum.skip(SkipIdempotent)
		return false
	}

	ok, err := deps.Throttle.Take(ctx, st.sender.ID, now)
	if err != nil {
		log.Warn("throttle unavailable, allowing send", zap.Error(err))
	} else if !ok {
		st.throttled = true
		r.requeue(ctx, j.ID)
		r.sum.skip(SkipThrottle)
		return false
	}

	holder := r.sum.RunID + ":" + j.ID
	locked, err := deps.Locks.Reserve(ctx, recipient, holder, r.cfg.LockTTL, now)
	if err != nil {
		log.Error("lock reserve failed", zap.Error(err))
		r.requeue(ctx, j.ID)
		return false
	}
	if !locked {
		r.requeue(ctx, j.ID)
		r.event(ctx, st, j, model.EventSkipped, model.Meta{"reason": string(SkipLocked)})
		r.sum.skip(SkipLocked)
		return false
	}
	defer func() {
		if err := deps.Locks.Release(context.WithoutCancel(ctx), recipient, holder); err != nil {
			log.Warn("lock release failed", zap.Error(err))
		}
	}()

	reserved, err := deps.Domains.Reserve(ctx, st.sender.Domain, r.cfg.DomainDailyCap, now, r.day)
	if err != nil {
		log.Error("domain reserve failed", zap.Error(err))
		r.requeue(ctx, j.ID)
		return false
	}
	if !reserved {
		r.domainFull[st.sender.Domain] = true
		r.requeue(ctx, j.ID)
		r.event(ctx, st, j, model.EventSkipped, model.Meta{
			"reason": string(SkipDomainCap),
			"domain": st.sender.Domain,
		})
		r.sum.skip(SkipDomainCap)
		return false
	}

	return r.send(ctx, st, j, sendClass, log)
}

func (r *run) send(ctx context.Context, st *senderState, j model.Job, class model.TrafficClass, log *zap.Logger) bool {
	deps := r.d.deps
	req := SendRequest{
		RequestID: RequestID(class, st.sender.ID, j.Recipient, j.ID, j.Stage, st.sender.Domain),
		JobID:     j.ID,
		SenderID:  st.sender.ID,
		From:      st.sender.Address,
		To:        j.Recipient,
		Subject:   j.Subject,
		Body:      j.Body,
		Class:     class,
	}

	// no cancellation once handed to the provider
	res, err := r.provider.Send(context.WithoutCancel(ctx), req)
	now := r.d.now()
	if errors.Is(err, ErrNoHealthy) || errors.Is(err, ErrNoAcquire) {
		r.requeue(ctx, j.ID)
		r.stop = true
		deps.Alerts.Send(ctx, alert.Alert{
			Level:   alert.LevelCritical,
			Title:   "provider unavailable, run stopped",
			Message: err.Error(),
			Fields:  map[string]string{"run_id": r.sum.RunID, "job_id": j.ID},
		})
		return false
	}
	if err != nil {
		r.fail(ctx, st, j, class, err, log)
		return true
	}

	t := deps.Followup.Next(j, now)
	if err := deps.Jobs.FinalizeSuccess(ctx, j.ID, st.sender.ID, res.MessageID, t); err != nil {
		log.Error("finalize success failed after send", zap.String("message_id", res.MessageID), zap.Error(err))
	}
	if !r.cfg.DryRun {
		if err := deps.Senders.IncrementToday(ctx, st.sender.ID, r.day); err != nil {
			log.Error("increment sender counter failed", zap.Error(err))
		}
		if err := deps.Senders.TouchLastSent(ctx, st.sender.ID, now); err != nil {
			log.Error("touch sender failed", zap.Error(err))
		}
	}

	meta := model.Meta{
		"message_id": res.MessageID,
		"provider":   res.Provider,
		"request_id": req.RequestID,
		"stage":      t.Stage,
		"state":      t.State.String(),
	}
	if t.NextFollowupAt != nil {
		meta["next_followup_at"] = t.NextFollowupAt.Format(time.RFC3339)
	}
	r.event(ctx, st, j, model.EventSent, meta)

	st.used++
	st.lastSent = &now
	r.cooldown.Sent(st.sender.ID)
	r.domainGap.Touch(st.sender.Domain, now)

	r.sum.Sent++
	switch class {
	case model.ClassFriendly:
		st.usedFriendly++
		r.sum.SentFriendly++
		r.plan.Consume(st.sender.ID, j)
	case model.ClassFollowup:
		st.usedCold++
		r.sum.SentFollowup++
	default:
		st.usedCold++
		r.sum.SentCold++
	}
	if class != model.ClassFriendly && r.globalLeft > 0 {
		r.globalLeft--
	}
	metrics.SendsTotal.WithLabelValues(class.String(), "sent").Inc()

	log.Info("sent",
		zap.String("class", class.String()),
		zap.String("recipient", j.Recipient),
		zap.String("message_id", res.MessageID),
		zap.Int("stage", t.Stage),
	)

	r.jitter(ctx)
	return true
}

func classify(err error) bounce.Kind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return bounce.ClassifyWithCode(pe.Code, pe.Message)
	}
	return bounce.Classify(err.Error())
}

func (r *run) fail(ctx context.Context, st *senderState, j model.Job, class model.TrafficClass, sendErr error, log *zap.Logger) {
	deps := r.d.deps
	now := r.d.now()
	kind := classify(sendErr)

	if err := deps.Jobs.FinalizeFailure(ctx, j.ID, sendErr.Error()); err != nil {
		log.Error("finalize failure failed", zap.Error(err))
	}

	status := model.EventFailed
	outcome := "failed"
	if kind == bounce.Hard {
		status = model.EventBounce
		outcome = "bounce"
		row := model.Suppression{Recipient: j.Recipient, Reason: model.SuppressHardBounce, CreatedAt: now}
		if r.cfg.SuppressFor > 0 {
			until := now.Add(r.cfg.SuppressFor)
			row.ExpiresAt = &until
		}
		if err := deps.Suppressions.Upsert(ctx, row); err != nil {
			log.Error("suppress after hard bounce failed", zap.Error(err))
		}
	}
	r.event(ctx, st, j, status, model.Meta{"error": sendErr.Error(), "kind": kind.String()})

	r.sum.Failed++
	metrics.SendsTotal.WithLabelValues(class.String(), outcome).Inc()
	log.Warn("send failed", zap.String("kind", kind.String()), zap.String("recipient", j.Recipient), zap.Error(sendErr))

	deps.Alerts.Send(ctx, alert.Alert{
		Level:   alert.LevelWarning,
		Title:   "per-email send failure",
		Message: sendErr.Error(),
		Fields: map[string]string{
			"run_id":    r.sum.RunID,
			"job_id":    j.ID,
			"sender_id": st.sender.ID,
			"from":      st.sender.Address,
			"recipient": j.Recipient,
			"domain":    st.sender.Domain,
			"kind":      kind.String(),
		},
	})
}

// block terminally fails a job that must not be sent.
func (r *run) block(ctx context.Context, st *senderState, j model.Job, reason string, why model.SuppressionReason) bool {
	if err := r.d.deps.Jobs.FinalizeFailure(ctx, j.ID, reason); err != nil {
		r.log.Error("finalize blocked job failed", zap.String("job_id", j.ID), zap.Error(err))
	}
	r.event(ctx, st, j, model.EventBlocked, model.Meta{"reason": reason, "kind": why.String()})
	r.sum.Blocked++
	metrics.SendsTotal.WithLabelValues(j.SendClass().String(), "blocked").Inc()
	r.log.Warn("job blocked", zap.String("job_id", j.ID), zap.String("recipient", j.Recipient), zap.String("reason", reason))
	return true
}

func (r *run) requeue(ctx context.Context, id string) {
	if err := r.d.deps.Jobs.Requeue(context.WithoutCancel(ctx), id); err != nil {
		r.log.Error("requeue failed", zap.String("job_id", id), zap.Error(err))
	}
}

func (r *run) event(ctx context.Context, st *senderState, j model.Job, status model.EventStatus, meta model.Meta) {
	if meta == nil {
		meta = model.Meta{}
	}
	meta["run_id"] = r.sum.RunID

	e := model.Event{
		SenderID:  st.sender.ID,
		Recipient: j.Recipient,
		JobID:     j.ID,
		Class:     j.SendClass(),
		Status:    status,
		Meta:      meta,
		DryRun:    r.cfg.DryRun,
		CreatedAt: r.d.now(),
	}
	if err := r.d.deps.Events.Append(ctx, e); err != nil {
		r.log.Warn("append event failed", zap.String("job_id", j.ID), zap.String("status", status.String()), zap.Error(err))
	}
}

func (r *run) jitter(ctx context.Context) {
	if r.cfg.SendJitter <= 0 {
		return
	}
	t := time.NewTimer(time.Duration(r.rng.Int64N(int64(r.cfg.SendJitter))))
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
