package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/kafka"
	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/jmehdipour/outreach-dispatcher/internal/service/queue"
	"go.uber.org/zap"
)

// Consumer is the slice of kafka.Consumer the intake loop needs.
type Consumer interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// Enqueuer persists a composed job.
type Enqueuer interface {
	Enqueue(ctx context.Context, env model.JobEnvelope, source string) (string, error)
}

var _ Enqueuer = (*queue.Service)(nil)

// Intake:
// - fetches composed job envelopes from Kafka,
// - inserts them as queued jobs,
// - commits only after the insert (or after dropping a poison message).
type Intake struct {
	Consumer Consumer
	Queue    Enqueuer
	Log      *zap.Logger

	Workers    int           // goroutines inserting jobs
	RetryDelay time.Duration // pause after a fetch or store error
}

func NewIntake(consumer Consumer, q Enqueuer, log *zap.Logger) *Intake {
	if log == nil {
		log = zap.NewNop()
	}
	return &Intake{
		Consumer:   consumer,
		Queue:      q,
		Log:        log,
		Workers:    4,
		RetryDelay: 200 * time.Millisecond,
	}
}

// Run blocks until ctx is cancelled and every in-flight message is handled.
func (w *Intake) Run(ctx context.Context) error {
	if w.Consumer == nil || w.Queue == nil {
		return errors.New("intake: consumer and queue are required")
	}
	if w.Workers <= 0 {
		w.Workers = 4
	}

	msgCh := make(chan kafka.Message, w.Workers*2)

	go func() {
		defer close(msgCh)
		for {
			m, err := w.Consumer.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.Log.Warn("intake fetch failed", zap.Error(err))
				if !sleep(ctx, w.RetryDelay) {
					return
				}
				continue
			}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < w.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range msgCh {
				w.processOne(ctx, m)
			}
		}()
	}
	wg.Wait()
	return nil
}

func (w *Intake) processOne(ctx context.Context, m kafka.Message) {
	log := w.Log.With(zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))

	var env model.JobEnvelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		log.Warn("dropping undecodable envelope", zap.Error(err))
		w.commit(ctx, m, log)
		return
	}

	for {
		id, err := w.Queue.Enqueue(ctx, env, queue.SourceKafka)
		if err == nil {
			log.Debug("job enqueued", zap.String("job_id", id))
			break
		}
		if invalid(err) {
			// poison: retrying cannot help
			log.Warn("dropping invalid envelope", zap.Error(err), zap.String("recipient", env.Recipient))
			break
		}
		log.Error("enqueue failed, retrying", zap.Error(err))
		if !sleep(ctx, w.RetryDelay) {
			// left uncommitted; redelivered after restart
			return
		}
	}
	w.commit(ctx, m, log)
}

func (w *Intake) commit(ctx context.Context, m kafka.Message, log *zap.Logger) {
	if err := w.Consumer.Commit(ctx, m); err != nil {
		log.Warn("commit failed", zap.Error(err))
	}
}

func invalid(err error) bool {
	return errors.Is(err, queue.ErrInvalidRecipient) ||
		errors.Is(err, queue.ErrInvalidClass) ||
		errors.Is(err, queue.ErrInvalidState) ||
		errors.Is(err, queue.ErrInvalidContent)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
