package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/jmoiron/sqlx"
)

// EventsRepository is the append-only send log and the aggregates read from it.
type EventsRepository interface {
	Append(ctx context.Context, e model.Event) error
	WindowStats(ctx context.Context, since time.Time) (model.WindowStats, error)
	// RecentBounceRate is bounces over the sender's last lookback delivery outcomes.
	RecentBounceRate(ctx context.Context, senderID string, lookback int) (float64, error)
	SendDays(ctx context.Context, senderID string, since time.Time) ([]time.Time, error)
	LastContacted(ctx context.Context, recipient string) (*time.Time, error)
	RecentPairs(ctx context.Context, since time.Time) ([]model.Pair, error)
	HardBounced(ctx context.Context, recipients []string) (map[string]bool, error)
}

type EventsRepositoryImpl struct {
	db *sqlx.DB
}

var _ EventsRepository = (*EventsRepositoryImpl)(nil)

func NewEventsRepository(db *sqlx.DB) *EventsRepositoryImpl {
	return &EventsRepositoryImpl{db: db}
}

func (r *EventsRepositoryImpl) Append(ctx context.Context, e model.Event) error {
	const q = `
		INSERT INTO send_events (sender_id, recipient, job_id, class, status, meta, dry_run, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	at := e.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.db.ExecContext(ctx, q,
		e.SenderID, e.Recipient, e.JobID, e.Class.String(), e.Status.String(), e.Meta, e.DryRun, at.UTC(),
	)
	return err
}

func (r *EventsRepositoryImpl) WindowStats(ctx context.Context, since time.Time) (model.WindowStats, error) {
	stats := model.WindowStats{ColdBySender: map[string]int{}}

	const totals = `
		SELECT
		    COALESCE(SUM(status = 'sent'), 0)                  AS successes,
		    COALESCE(SUM(status IN ('failed','bounce')), 0)    AS errors
		FROM send_events
		WHERE created_at >= ? AND dry_run = 0
	`
	var row struct {
		Successes int `db:"successes"`
		Errors    int `db:"errors"`
	}
	if err := r.db.GetContext(ctx, &row, totals, since.UTC()); err != nil {
		return stats, err
	}
	stats.Successes, stats.Errors = row.Successes, row.Errors

	const cold = `
		SELECT sender_id, COUNT(*) AS n
		FROM send_events
		WHERE created_at >= ? AND status = 'sent' AND class IN ('cold','followup') AND dry_run = 0
		GROUP BY sender_id
	`
	var perSender []struct {
		SenderID string `db:"sender_id"`
		N        int    `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &perSender, cold, since.UTC()); err != nil {
		return stats, err
	}
	for _, p := range perSender {
		stats.ColdBySender[p.SenderID] = p.N
		stats.TotalCold += p.N
	}
	return stats, nil
}

func (r *EventsRepositoryImpl) RecentBounceRate(ctx context.Context, senderID string, lookback int) (float64, error) {
	const q = `
		SELECT COUNT(*) AS total, COALESCE(SUM(status = 'bounce'), 0) AS bounced
		FROM (
		    SELECT status FROM send_events
		    WHERE sender_id = ? AND status IN ('sent','failed','bounce') AND dry_run = 0
		    ORDER BY created_at DESC, id DESC
		    LIMIT ?
		) recent
	`
	var row struct {
		Total   int `db:"total"`
		Bounced int `db:"bounced"`
	}
	if err := r.db.GetContext(ctx, &row, q, senderID, lookback); err != nil {
		return 0, err
	}
	if row.Total == 0 {
		return 0, nil
	}
	return float64(row.Bounced) / float64(row.Total), nil
}

func (r *EventsRepositoryImpl) SendDays(ctx context.Context, senderID string, since time.Time) ([]time.Time, error) {
	const q = `
		SELECT created_at FROM send_events
		WHERE sender_id = ? AND status = 'sent' AND dry_run = 0 AND created_at >= ?
		ORDER BY created_at
	`
	var out []time.Time
	if err := r.db.SelectContext(ctx, &out, q, senderID, since.UTC()); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *EventsRepositoryImpl) LastContacted(ctx context.Context, recipient string) (*time.Time, error) {
	const q = `
		SELECT created_at FROM send_events
		WHERE recipient = ? AND status = 'sent' AND dry_run = 0
		ORDER BY created_at DESC
		LIMIT 1
	`
	var at time.Time
	err := r.db.GetContext(ctx, &at, q, recipient)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &at, nil
}

func (r *EventsRepositoryImpl) RecentPairs(ctx context.Context, since time.Time) ([]model.Pair, error) {
	const q = `
		SELECT sender_id, recipient, created_at FROM send_events
		WHERE status = 'sent' AND class = 'friendly' AND dry_run = 0 AND created_at >= ?
	`
	var out []model.Pair
	if err := r.db.SelectContext(ctx, &out, q, since.UTC()); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *EventsRepositoryImpl) HardBounced(ctx context.Context, recipients []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(recipients) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT DISTINCT recipient FROM send_events WHERE status = 'bounce' AND dry_run = 0 AND recipient IN (?)`, recipients)
	if err != nil {
		return nil, err
	}
	query = r.db.Rebind(query)

	var rows []string
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	for _, rcpt := range rows {
		out[rcpt] = true
	}
	return out, nil
}
