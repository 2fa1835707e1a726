package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MinBytes       int           // default 1KB
	MaxBytes       int           // default 10MB
	CommitInterval time.Duration // default 1s
	MaxWait        time.Duration // default 50ms
}

type Message = kafka.Message

// Consumer reads composed job envelopes through a consumer group. Offsets are committed
// explicitly by the caller once a message is stored. A new group starts at the earliest
// offset so jobs published before the first deploy are not skipped.
type Consumer struct {
	r *kafka.Reader
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func NewConsumerFromConfig(c Config) *Consumer {
	return &Consumer{r: kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        c.GroupID,
		Topic:          c.Topic,
		MinBytes:       orDefault(c.MinBytes, 1<<10),
		MaxBytes:       orDefault(c.MaxBytes, 10<<20),
		CommitInterval: orDefault(c.CommitInterval, time.Second),
		MaxWait:        orDefault(c.MaxWait, 50*time.Millisecond),
		StartOffset:    kafka.FirstOffset,
	})}
}

func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	return c.r.FetchMessage(ctx)
}

func (c *Consumer) Commit(ctx context.Context, m Message) error {
	return c.r.CommitMessages(ctx, m)
}

// Lag is the reader's last known distance from the partition head.
func (c *Consumer) Lag() int64 { return c.r.Stats().Lag }

func (c *Consumer) Close() error { return c.r.Close() }
