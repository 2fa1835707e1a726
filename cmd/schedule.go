package cmd

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/outreach-dispatcher/internal/metrics"
	"github.com/jmehdipour/outreach-dispatcher/internal/schedule"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var scheduleSpec string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run dispatch passes on a cron schedule until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		metrics.MustRegister(prometheus.DefaultRegisterer)

		d, err := a.Dispatcher()
		if err != nil {
			return err
		}
		dcfg, err := a.Cfg.ToDispatcher()
		if err != nil {
			return err
		}

		spec := a.Cfg.Schedule.Spec
		if scheduleSpec != "" {
			spec = scheduleSpec
		}
		s, err := schedule.New(spec, dcfg.Window.Location(), d, runOpts, a.Log)
		if err != nil {
			return fmt.Errorf("schedule: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Printf(">> Scheduling dispatch runs (%s)", spec)
		return s.Run(ctx)
	},
}

func init() {
	addRunFlags(scheduleCmd)
	scheduleCmd.Flags().StringVar(&scheduleSpec, "spec", "", "cron expression (default from schedule.spec)")
}
