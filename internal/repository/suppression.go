package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/jmoiron/sqlx"
)

// SuppressionRepository is the do-not-send list. Entries are never deleted; a newer entry
// for the same recipient replaces the old one.
type SuppressionRepository interface {
	IsSuppressed(ctx context.Context, recipient string, now time.Time) (bool, model.SuppressionReason, error)
	Upsert(ctx context.Context, s model.Suppression) error
}

type SuppressionRepositoryImpl struct {
	db *sqlx.DB
}

var _ SuppressionRepository = (*SuppressionRepositoryImpl)(nil)

func NewSuppressionRepository(db *sqlx.DB) *SuppressionRepositoryImpl {
	return &SuppressionRepositoryImpl{db: db}
}

func (r *SuppressionRepositoryImpl) IsSuppressed(ctx context.Context, recipient string, now time.Time) (bool, model.SuppressionReason, error) {
	var s model.Suppression
	const q = `SELECT recipient, expires_at, reason, created_at FROM suppressions WHERE recipient = ?`
	err := r.db.GetContext(ctx, &s, q, recipient)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	if !s.Active(now) {
		return false, "", nil
	}
	return true, s.Reason, nil
}

func (r *SuppressionRepositoryImpl) Upsert(ctx context.Context, s model.Suppression) error {
	const q = `
		INSERT INTO suppressions (recipient, expires_at, reason, created_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		    expires_at = VALUES(expires_at),
		    reason     = VALUES(reason),
		    created_at = VALUES(created_at)
	`
	created := s.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var exp *time.Time
	if s.ExpiresAt != nil {
		t := s.ExpiresAt.UTC()
		exp = &t
	}
	_, err := r.db.ExecContext(ctx, q, s.Recipient, exp, s.Reason.String(), created.UTC())
	return err
}
