package worker

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/app"
	"github.com/jmehdipour/outreach-dispatcher/internal/kafka"
	"github.com/jmehdipour/outreach-dispatcher/internal/metrics"
	"github.com/jmehdipour/outreach-dispatcher/internal/service/queue"
	"github.com/jmehdipour/outreach-dispatcher/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var intakeWorkers int

var intakeCmd = &cobra.Command{
	Use:   "intake",
	Short: "Consume composed jobs from Kafka into the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
		a, err := app.Bootstrap(cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()

		metrics.MustRegister(prometheus.DefaultRegisterer)

		k := a.Cfg.Kafka
		if len(k.Brokers) == 0 || k.Topic == "" {
			return fmt.Errorf("kafka brokers and topic are required")
		}
		consumer := kafka.NewConsumerFromConfig(kafka.Config{
			Brokers:        k.Brokers,
			Topic:          k.Topic,
			GroupID:        k.GroupID,
			MinBytes:       k.MinBytes,
			MaxBytes:       k.MaxBytes,
			CommitInterval: time.Duration(k.CommitInterval) * time.Millisecond,
		})
		defer consumer.Close()

		w := worker.NewIntake(consumer, queue.New(a.Jobs), a.Log)
		if intakeWorkers > 0 {
			w.Workers = intakeWorkers
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Printf(">> Intake worker consuming %s (group=%s)", k.Topic, k.GroupID)
		err = w.Run(ctx)
		log.Printf(">> Intake worker stopped (lag=%d)", consumer.Lag())
		return err
	},
}

func init() {
	intakeCmd.Flags().IntVar(&intakeWorkers, "workers", 0, "insert goroutines (default 4)")
}
