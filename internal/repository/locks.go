package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// LockStore hands out short leases on recipients. A lease whose expiry has passed is
// ignored and may be taken over by anyone.
type LockStore interface {
	Reserve(ctx context.Context, recipient, holder string, ttl time.Duration, now time.Time) (bool, error)
	Release(ctx context.Context, recipient, holder string) error
	PruneExpired(ctx context.Context, now time.Time) (int64, error)
}

type MySQLLockStore struct {
	db *sqlx.DB
}

var _ LockStore = (*MySQLLockStore)(nil)

func NewMySQLLockStore(db *sqlx.DB) *MySQLLockStore {
	return &MySQLLockStore{db: db}
}

// Reserve takes the lease in one conditional upsert: an existing row is only overwritten
// when its lease has expired. The holder is read back in the same transaction to learn
// who won.
func (s *MySQLLockStore) Reserve(ctx context.Context, recipient, holder string, ttl time.Duration, now time.Time) (bool, error) {
	now = now.UTC()
	until := now.Add(ttl)

	// assignments run left to right: holder is decided on the old expiry, expires_at on the new holder
	const up = `
		INSERT INTO send_locks (recipient, holder, expires_at)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
		    holder     = IF(expires_at <= ? OR holder = VALUES(holder), VALUES(holder), holder),
		    expires_at = IF(holder = VALUES(holder), VALUES(expires_at), expires_at)
	`
	var got string
	err := withTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, up, recipient, holder, until, now); err != nil {
			return err
		}
		return tx.GetContext(ctx, &got, `SELECT holder FROM send_locks WHERE recipient = ?`, recipient)
	})
	if err != nil {
		return false, err
	}
	return got == holder, nil
}

func (s *MySQLLockStore) Release(ctx context.Context, recipient, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM send_locks WHERE recipient = ? AND holder = ?`, recipient, holder)
	return err
}

func (s *MySQLLockStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM send_locks WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
