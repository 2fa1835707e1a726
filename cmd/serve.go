package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpSrv "github.com/jmehdipour/outreach-dispatcher/internal/http"
	"github.com/jmehdipour/outreach-dispatcher/internal/metrics"
	"github.com/jmehdipour/outreach-dispatcher/internal/service/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server (enqueue, suppressions, reports, metrics)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		metrics.MustRegister(prometheus.DefaultRegisterer)

		reports, err := a.ClickHouse()
		if err != nil {
			a.Log.Warn("clickhouse unavailable; reports disabled", zap.Error(err))
			reports = nil
		}
		if len(a.Cfg.HTTP.APIKeys) == 0 {
			a.Log.Warn("no http.api_keys configured; every /v1 request will be rejected")
		}

		server := httpSrv.NewServer(a.Cfg.HTTP, httpSrv.Deps{
			Queue:        queue.New(a.Jobs),
			Suppressions: a.Suppressions,
			Reports:      reports,
			Redis:        a.Redis,
		})

		errCh := make(chan error, 1)
		go func() {
			log.Printf("starting http on %s", a.Cfg.HTTP.Addr)
			errCh <- server.Start(a.Cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Printf("signal received: %s, shutting down...", sig)
		case err := <-errCh:
			if err != nil {
				log.Printf("http server exited: %v", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)

		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&storeDriver, "store", "", "override store.driver (mysql | memory)")
}
