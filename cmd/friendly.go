package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/friendly"
	"github.com/jmehdipour/outreach-dispatcher/internal/kafka"
	"github.com/spf13/cobra"
)

var (
	pairTarget  int
	pairPublish bool
)

var friendlyCmd = &cobra.Command{
	Use:   "friendly",
	Short: "Friendly traffic tools",
}

var friendlyPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Plan friendly pairs between owned mailboxes for the composer",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		dcfg, err := a.Cfg.ToDispatcher()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		ctx := context.Background()

		senders, err := a.Senders.ListActive(ctx, now.In(dcfg.Window.Location()).Format(time.DateOnly))
		if err != nil {
			return fmt.Errorf("list senders: %w", err)
		}
		owned := make([]string, 0, len(senders))
		idOf := make(map[string]string, len(senders))
		for _, s := range senders {
			owned = append(owned, s.Address)
			idOf[s.Address] = s.ID
		}

		fcfg := a.Cfg.ToFriendly()
		past, err := a.Events.RecentPairs(ctx, now.Add(-2*max(fcfg.PairCooldown, 24*time.Hour)))
		if err != nil {
			return fmt.Errorf("recent pairs: %w", err)
		}

		pairs := friendly.NewPlanner(fcfg).PlanPairs(owned, pairTarget, past, idOf, now, nil)

		if pairPublish {
			p := kafka.NewProducer(a.Cfg.Kafka.Brokers, a.Cfg.Kafka.PairsTopic)
			defer p.Close()
			values := make([]any, len(pairs))
			for i := range pairs {
				values[i] = pairs[i]
			}
			if err := p.PublishJSON(ctx, func(i int) string { return pairs[i].From }, values...); err != nil {
				return fmt.Errorf("publish pairs: %w", err)
			}
			log.Printf(">> Published %d pairs to %s", len(pairs), a.Cfg.Kafka.PairsTopic)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pairs)
	},
}

func init() {
	friendlyPlanCmd.Flags().IntVar(&pairTarget, "target", 10, "number of pairs to plan")
	friendlyPlanCmd.Flags().BoolVar(&pairPublish, "publish", false, "also publish the pairs to kafka.pairs_topic")
	friendlyPlanCmd.Flags().StringVar(&storeDriver, "store", "", "override store.driver (mysql | memory)")
	friendlyCmd.AddCommand(friendlyPlanCmd)
}
