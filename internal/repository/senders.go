package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/jmoiron/sqlx"
)

// SendersRepository is the registry of sending identities and their daily counters.
type SendersRepository interface {
	// ListActive returns active senders with SentToday filled for the given local day.
	ListActive(ctx context.Context, day string) ([]model.Sender, error)
	IncrementToday(ctx context.Context, senderID, day string) error
	TouchLastSent(ctx context.Context, senderID string, at time.Time) error
	Upsert(ctx context.Context, s model.Sender) error
}

type SendersRepositoryImpl struct {
	db *sqlx.DB
}

var _ SendersRepository = (*SendersRepositoryImpl)(nil)

func NewSendersRepository(db *sqlx.DB) *SendersRepositoryImpl {
	return &SendersRepositoryImpl{db: db}
}

func (r *SendersRepositoryImpl) ListActive(ctx context.Context, day string) ([]model.Sender, error) {
	const q = `
		SELECT s.id, s.address, s.domain, s.daily_cap, s.friendly_bias, s.warmup_start,
		       s.active, s.last_sent_at, s.created_at, s.updated_at,
		       COALESCE(c.count, 0) AS sent_today
		FROM senders s
		LEFT JOIN sender_counters c ON c.sender_id = s.id AND c.day = ?
		WHERE s.active = 1
		ORDER BY s.id
	`
	var out []model.Sender
	if err := r.db.SelectContext(ctx, &out, q, day); err != nil {
		return nil, err
	}
	return out, nil
}

// IncrementToday bumps the per-day counter in a single atomic upsert.
func (r *SendersRepositoryImpl) IncrementToday(ctx context.Context, senderID, day string) error {
	const q = `
		INSERT INTO sender_counters (sender_id, day, count)
		VALUES (?, ?, 1)
		ON DUPLICATE KEY UPDATE count = count + 1
	`
	_, err := r.db.ExecContext(ctx, q, senderID, day)
	return err
}

// TouchLastSent only moves the timestamp forward; an overlapping run finishing late
// cannot rewind it.
func (r *SendersRepositoryImpl) TouchLastSent(ctx context.Context, senderID string, at time.Time) error {
	const q = `
		UPDATE senders
		SET last_sent_at = ?, updated_at = ?
		WHERE id = ? AND (last_sent_at IS NULL OR last_sent_at < ?)
	`
	at = at.UTC()
	_, err := r.db.ExecContext(ctx, q, at, time.Now().UTC(), senderID, at)
	return err
}

func (r *SendersRepositoryImpl) Upsert(ctx context.Context, s model.Sender) error {
	const q = `
		INSERT INTO senders
		    (id, address, domain, daily_cap, friendly_bias, warmup_start, active, created_at, updated_at)
		VALUES
		    (?,  ?,       ?,      ?,         ?,             ?,            ?,      ?,          ?)
		ON DUPLICATE KEY UPDATE
		    address       = VALUES(address),
		    domain        = VALUES(domain),
		    daily_cap     = VALUES(daily_cap),
		    friendly_bias = VALUES(friendly_bias),
		    warmup_start  = VALUES(warmup_start),
		    active        = VALUES(active),
		    updated_at    = VALUES(updated_at)
	`
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, q,
		s.ID, s.Address, s.Domain, s.DailyCap, s.FriendlyBias, s.WarmupStart, s.Active, now, now,
	)
	return err
}
