package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/jmoiron/sqlx"
)

// MaxErrorLen bounds the failure reason stored on a job.
const MaxErrorLen = 300

var ErrNotFound = errors.New("not found")

// ClaimRequest selects which queued job a sender may take.
type ClaimRequest struct {
	SenderID      string
	SenderAddress string
	// Class is cold (due follow-ups, then fresh first contacts) or friendly.
	Class             model.TrafficClass
	Holder            string
	Now               time.Time
	MaxAttempts       int
	ExcludeRecipients []string
}

// JobsRepository is the durable queue the dispatcher drains.
type JobsRepository interface {
	Enqueue(ctx context.Context, j model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	// ClaimOne moves one eligible queued job to claimed, or returns nil when none is left.
	ClaimOne(ctx context.Context, req ClaimRequest) (*model.Job, error)
	Requeue(ctx context.Context, id string) error
	FinalizeSuccess(ctx context.Context, id, senderID, providerMessageID string, t model.FollowupTransition) error
	FinalizeFailure(ctx context.Context, id, reason string) error
	ListDueFollowups(ctx context.Context, now time.Time, maxAttempts, limit int) ([]model.Job, error)
	ListFreshCandidates(ctx context.Context, limit int) ([]model.Job, error)
	ListFriendlyCandidates(ctx context.Context, limit int) ([]model.Job, error)
}

type JobsRepositoryImpl struct {
	db *sqlx.DB
}

var _ JobsRepository = (*JobsRepositoryImpl)(nil)

func NewJobsRepository(db *sqlx.DB) *JobsRepositoryImpl {
	return &JobsRepositoryImpl{db: db}
}

const jobColumns = `id, recipient, subject, body, class, status, state, attempts, followup_stage,
	next_followup_at, sender_id, template_id, profile_id, provider_message_id, last_error,
	claimed_by, claimed_at, last_sent_at, created_at, updated_at`

// Enqueue inserts a queued job. Re-delivering the same id is a no-op.
func (r *JobsRepositoryImpl) Enqueue(ctx context.Context, j model.Job) error {
	const q = `
		INSERT INTO jobs
		    (id, recipient, subject, body, class, status, state, attempts, followup_stage,
		     sender_id, template_id, profile_id, created_at, updated_at)
		VALUES
		    (?,  ?,         ?,       ?,    ?,     'queued', ?,   0,        0,
		     ?,         ?,           ?,          ?,          ?)
		ON DUPLICATE KEY UPDATE id = id
	`
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, q,
		j.ID, j.Recipient, j.Subject, j.Body, j.Class.String(), j.State.String(),
		j.SenderID, j.TemplateID, j.ProfileID, now, now,
	)
	return err
}

func (r *JobsRepositoryImpl) Get(ctx context.Context, id string) (*model.Job, error) {
	var j model.Job
	err := r.db.GetContext(ctx, &j, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ClaimOne locks the oldest eligible row with SKIP LOCKED so concurrent runs never wait on
// or double-claim the same job. For the cold class, follow-ups owned by the sender that are
// due sort before fresh first contacts.
func (r *JobsRepositoryImpl) ClaimOne(ctx context.Context, req ClaimRequest) (*model.Job, error) {
	var (
		sel  string
		args []any
	)
	switch req.Class {
	case model.ClassFriendly:
		sel = `
			SELECT id FROM jobs
			WHERE status = 'queued' AND class = 'friendly'
			  AND state IN ('new','drafted','approved')
			  AND (sender_id IS NULL OR sender_id = ?)
			  AND recipient <> ?`
		args = []any{req.SenderID, req.SenderAddress}
	default:
		sel = `
			SELECT id FROM jobs
			WHERE status = 'queued' AND class <> 'friendly'
			  AND (
			        (state = 'sent' AND sender_id = ? AND followup_stage >= 1
			         AND next_followup_at <= ? AND attempts < ?)
			     OR (state IN ('new','drafted','approved') AND followup_stage = 0
			         AND (sender_id IS NULL OR sender_id = ?))
			  )`
		args = []any{req.SenderID, req.Now.UTC(), req.MaxAttempts, req.SenderID}
	}
	if len(req.ExcludeRecipients) > 0 {
		sel += ` AND recipient NOT IN (?)`
		args = append(args, req.ExcludeRecipients)
	}
	sel += `
		ORDER BY (state = 'sent') DESC, COALESCE(next_followup_at, created_at), created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	query, qargs, err := sqlx.In(sel, args...)
	if err != nil {
		return nil, err
	}
	query = r.db.Rebind(query)

	var claimed *model.Job
	err = withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		var id string
		if err := tx.GetContext(ctx, &id, query, qargs...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select claimable: %w", err)
		}

		const upd = `
			UPDATE jobs
			SET status = 'claimed', claimed_by = ?, claimed_at = ?,
			    sender_id = COALESCE(sender_id, ?), updated_at = ?
			WHERE id = ? AND status = 'queued'
		`
		now := req.Now.UTC()
		if _, err := tx.ExecContext(ctx, upd, req.Holder, now, req.SenderID, now, id); err != nil {
			return fmt.Errorf("mark claimed: %w", err)
		}

		var j model.Job
		if err := tx.GetContext(ctx, &j, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id); err != nil {
			return err
		}
		claimed = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Requeue hands a claimed job back untouched. A first contact that was never sent also
// drops its sender so any sender may pick it up next time.
func (r *JobsRepositoryImpl) Requeue(ctx context.Context, id string) error {
	const q = `
		UPDATE jobs
		SET status = 'queued', claimed_by = '', claimed_at = NULL,
		    sender_id = CASE WHEN followup_stage = 0 AND class = 'cold' THEN NULL ELSE sender_id END,
		    updated_at = ?
		WHERE id = ? AND status = 'claimed'
	`
	_, err := r.db.ExecContext(ctx, q, time.Now().UTC(), id)
	return err
}

func (r *JobsRepositoryImpl) FinalizeSuccess(ctx context.Context, id, senderID, providerMessageID string, t model.FollowupTransition) error {
	const q = `
		UPDATE jobs
		SET status = ?, state = ?, attempts = ?,
		    followup_stage = GREATEST(followup_stage, ?),
		    next_followup_at = ?, sender_id = ?, provider_message_id = ?,
		    last_sent_at = ?, last_error = '', claimed_by = '', claimed_at = NULL,
		    updated_at = ?
		WHERE id = ?
	`
	res, err := r.db.ExecContext(ctx, q,
		t.QueueStatus().String(), t.State.String(), t.Attempts,
		t.Stage,
		t.NextFollowupAt, senderID, providerMessageID,
		t.LastSentAt.UTC(), time.Now().UTC(),
		id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *JobsRepositoryImpl) FinalizeFailure(ctx context.Context, id, reason string) error {
	const q = `
		UPDATE jobs
		SET status = 'failed', state = 'failed', last_error = ?,
		    claimed_by = '', claimed_at = NULL, updated_at = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, q, truncate(reason, MaxErrorLen), time.Now().UTC(), id)
	return err
}

func (r *JobsRepositoryImpl) ListDueFollowups(ctx context.Context, now time.Time, maxAttempts, limit int) ([]model.Job, error) {
	const q = `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'queued' AND class <> 'friendly' AND state = 'sent'
		  AND followup_stage >= 1 AND next_followup_at <= ? AND attempts < ?
		ORDER BY next_followup_at, id
		LIMIT ?
	`
	var out []model.Job
	if err := r.db.SelectContext(ctx, &out, q, now.UTC(), maxAttempts, limit); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *JobsRepositoryImpl) ListFreshCandidates(ctx context.Context, limit int) ([]model.Job, error) {
	const q = `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'queued' AND class <> 'friendly'
		  AND state IN ('new','drafted','approved') AND followup_stage = 0
		ORDER BY created_at, id
		LIMIT ?
	`
	var out []model.Job
	if err := r.db.SelectContext(ctx, &out, q, limit); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *JobsRepositoryImpl) ListFriendlyCandidates(ctx context.Context, limit int) ([]model.Job, error) {
	const q = `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'queued' AND class = 'friendly'
		  AND state IN ('new','drafted','approved')
		ORDER BY created_at, id
		LIMIT ?
	`
	var out []model.Job
	if err := r.db.SelectContext(ctx, &out, q, limit); err != nil {
		return nil, err
	}
	return out, nil
}
