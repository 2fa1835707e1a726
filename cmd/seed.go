package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/jmehdipour/outreach-dispatcher/internal/util"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var seedFile string

// seedSet is the on-disk shape of a --file seed.
type seedSet struct {
	Senders []seedSender `yaml:"senders"`
	Domains []seedDomain `yaml:"domains"`
}

type seedSender struct {
	ID           string  `yaml:"id"`
	Address      string  `yaml:"address"`
	DailyCap     int     `yaml:"daily_cap"`
	FriendlyBias float64 `yaml:"friendly_bias"`
	Active       *bool   `yaml:"active"`
}

type seedDomain struct {
	Domain   string `yaml:"domain"`
	DailyCap int    `yaml:"daily_cap"`
}

var demoSeed = seedSet{
	Senders: []seedSender{
		{ID: "maya", Address: "maya@northwind-mail.io", DailyCap: 20, FriendlyBias: 0.4},
		{ID: "omid", Address: "omid@northwind-mail.io", DailyCap: 20, FriendlyBias: 0.4},
		{ID: "lena", Address: "lena@harbor-outreach.co", DailyCap: 15, FriendlyBias: 0.5},
		{ID: "arad", Address: "arad@harbor-outreach.co", DailyCap: 10, FriendlyBias: 0.5},
	},
	Domains: []seedDomain{
		{Domain: "northwind-mail.io", DailyCap: 60},
		{Domain: "harbor-outreach.co", DailyCap: 40},
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed senders and domain quotas (demo set unless --file is given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		set := demoSeed
		if seedFile != "" {
			raw, err := os.ReadFile(seedFile)
			if err != nil {
				return fmt.Errorf("read seed file: %w", err)
			}
			set = seedSet{}
			if err := yaml.Unmarshal(raw, &set); err != nil {
				return fmt.Errorf("parse seed file: %w", err)
			}
		}
		senders, domains, err := set.build(time.Now().UTC())
		if err != nil {
			return err
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		log.Printf(">> Seeding %d senders and %d domains...", len(senders), len(domains))

		for _, d := range domains {
			if err := a.Domains.Upsert(ctx, d); err != nil {
				return fmt.Errorf("upsert domain %q: %w", d.Domain, err)
			}
		}
		for _, s := range senders {
			if err := a.Senders.Upsert(ctx, s); err != nil {
				return fmt.Errorf("upsert sender %q: %w", s.ID, err)
			}
		}

		log.Println(">> Seed completed")
		return nil
	},
}

// build validates the set and derives sender domains. Domains referenced by a sender but
// not listed get no row; the dispatcher creates them with the default cap on first use.
func (s seedSet) build(now time.Time) ([]model.Sender, []model.DomainQuota, error) {
	senders := make([]model.Sender, 0, len(s.Senders))
	for _, in := range s.Senders {
		addr := util.NormalizeEmail(in.Address)
		if in.ID == "" || addr == "" {
			return nil, nil, fmt.Errorf("sender %q: id and a valid address are required", in.ID)
		}
		active := in.Active == nil || *in.Active
		start := now
		senders = append(senders, model.Sender{
			ID:           strings.TrimSpace(in.ID),
			Address:      addr,
			Domain:       util.DomainOf(addr),
			DailyCap:     in.DailyCap,
			FriendlyBias: in.FriendlyBias,
			WarmupStart:  &start,
			Active:       active,
		})
	}

	domains := make([]model.DomainQuota, 0, len(s.Domains))
	for _, in := range s.Domains {
		d := strings.ToLower(strings.TrimSpace(in.Domain))
		if d == "" || in.DailyCap <= 0 {
			return nil, nil, fmt.Errorf("domain %q: name and a positive daily_cap are required", in.Domain)
		}
		domains = append(domains, model.DomainQuota{Domain: d, DailyCap: in.DailyCap})
	}
	return senders, domains, nil
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "", "YAML file with senders and domains")
}
