package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/jmoiron/sqlx"
)

// DomainsRepository holds the per-domain daily quota shared by every sender on a domain.
type DomainsRepository interface {
	// Reserve takes one unit of today's capacity for domain before a send is attempted.
	// It returns false when the domain is already at its cap.
	Reserve(ctx context.Context, domain string, defaultCap int, now time.Time, day string) (bool, error)
	Upsert(ctx context.Context, q model.DomainQuota) error
}

type DomainsRepositoryImpl struct {
	db *sqlx.DB
}

var _ DomainsRepository = (*DomainsRepositoryImpl)(nil)

func NewDomainsRepository(db *sqlx.DB) *DomainsRepositoryImpl {
	return &DomainsRepositoryImpl{db: db}
}

// Reserve reads the row under FOR UPDATE, resets the counter on a new local day, and
// increments it in the same transaction. Two runs racing on the same domain serialize on
// the row lock, so neither can observe a stale "under cap".
func (r *DomainsRepositoryImpl) Reserve(ctx context.Context, domain string, defaultCap int, now time.Time, day string) (bool, error) {
	ok := false
	err := withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		// make sure a row exists to lock
		const ins = `
			INSERT INTO domain_quotas (domain, daily_cap, sent_today, sent_day)
			VALUES (?, ?, 0, ?)
			ON DUPLICATE KEY UPDATE domain = domain
		`
		if _, err := tx.ExecContext(ctx, ins, domain, defaultCap, day); err != nil {
			return err
		}

		var q model.DomainQuota
		const sel = `
			SELECT domain, daily_cap, sent_today, sent_day, last_sent_at
			FROM domain_quotas WHERE domain = ? FOR UPDATE
		`
		if err := tx.GetContext(ctx, &q, sel, domain); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		sent := q.SentToday
		if q.SentDay != day {
			sent = 0
		}
		if q.DailyCap > 0 && sent >= q.DailyCap {
			return nil
		}

		const upd = `
			UPDATE domain_quotas
			SET sent_today = ?, sent_day = ?, last_sent_at = ?
			WHERE domain = ?
		`
		if _, err := tx.ExecContext(ctx, upd, sent+1, day, now.UTC(), domain); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *DomainsRepositoryImpl) Upsert(ctx context.Context, q model.DomainQuota) error {
	const stmt = `
		INSERT INTO domain_quotas (domain, daily_cap, sent_today, sent_day)
		VALUES (?, ?, 0, '')
		ON DUPLICATE KEY UPDATE daily_cap = VALUES(daily_cap)
	`
	_, err := r.db.ExecContext(ctx, stmt, q.Domain, q.DailyCap)
	return err
}
