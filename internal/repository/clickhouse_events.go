package repository

import (
	"context"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/jmoiron/sqlx"
)

// CHEventsRepository lists send events from the ClickHouse analytics mirror.
type CHEventsRepository interface {
	List(ctx context.Context, f EventFilter) ([]model.Event, error)
}

type EventFilter struct {
	SenderID  string
	Recipient string
	Status    model.EventStatus
	Limit     int
	Offset    int
}

type chEventsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHEventsRepository(ch *sqlx.DB) CHEventsRepository {
	return &chEventsRepository{ch: ch}
}

func (r *chEventsRepository) List(ctx context.Context, f EventFilter) ([]model.Event, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	q := `
		SELECT id, sender_id, recipient, job_id, class, status, meta, dry_run, created_at
		FROM outreach.send_events FINAL
		WHERE 1 = 1
	`
	var args []any

	if f.SenderID != "" {
		q += " AND sender_id = ?"
		args = append(args, f.SenderID)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status.String())
	}
	if f.Recipient != "" {
		q += " AND recipient = ?"
		args = append(args, f.Recipient)
	}

	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	var rows []model.Event
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
