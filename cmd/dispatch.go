package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/outreach-dispatcher/internal/app"
	"github.com/jmehdipour/outreach-dispatcher/internal/dispatcher"
	"github.com/jmehdipour/outreach-dispatcher/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	runOpts     dispatcher.RunOptions
	storeDriver string
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run one dispatch pass over the queue and print its summary",
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

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sum, err := d.Run(ctx, runOpts)
		if errors.Is(err, dispatcher.ErrNoSenders) {
			fmt.Println(">> No eligible senders; nothing to do")
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum)
		return err
	},
}

func init() {
	addRunFlags(dispatchCmd)
}

func addRunFlags(c *cobra.Command) {
	f := c.Flags()
	f.IntVar(&runOpts.BatchSize, "batch-size", 0, "max sends this run (0 = config)")
	f.StringVar(&runOpts.Ratio, "ratio", "", `cold:friendly weights, e.g. "60:40"`)
	f.BoolVar(&runOpts.DryRun, "dry-run", false, "never contact a provider")
	f.BoolVar(&runOpts.AllowWeekend, "allow-weekend", false, "send on Saturday and Sunday")
	f.BoolVar(&runOpts.IgnoreCooldown, "ignore-cooldown", false, "skip the per-sender cooldown (debug only)")
	f.BoolVar(&runOpts.IgnoreWindow, "ignore-window", false, "send outside business hours")
	f.StringVar(&storeDriver, "store", "", "override store.driver (mysql | memory)")
}

// openApp boots from --config, honoring the --store override when the command has one.
func openApp() (*app.App, error) {
	if storeDriver != "" {
		os.Setenv("OUTREACH_STORE_DRIVER", storeDriver)
	}
	return app.Bootstrap(cfgPath)
}
