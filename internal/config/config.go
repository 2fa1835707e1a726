package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/caps"
	"github.com/jmehdipour/outreach-dispatcher/internal/dispatcher"
	"github.com/jmehdipour/outreach-dispatcher/internal/followup"
	"github.com/jmehdipour/outreach-dispatcher/internal/friendly"
	"github.com/jmehdipour/outreach-dispatcher/internal/gate"
	"github.com/jmehdipour/outreach-dispatcher/internal/governor"
	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Store      StoreConfig      `mapstructure:"store"`
	MySQL      DatabaseConfig   `mapstructure:"mysql"`
	ClickHouse DatabaseConfig   `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Caps       CapsConfig       `mapstructure:"caps"`
	Cooldown   CooldownConfig   `mapstructure:"cooldown"`
	Governor   GovernorConfig   `mapstructure:"governor"`
	Followup   FollowupConfig   `mapstructure:"followup"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Guards     GuardsConfig     `mapstructure:"guards"`
	Friendly   FriendlyConfig   `mapstructure:"friendly"`
	Throttle   ThrottleConfig   `mapstructure:"throttle"`
	Providers  []ProviderConfig `mapstructure:"providers"`
	Alert      AlertConfig      `mapstructure:"alert"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
}

// ---- Infrastructure ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr      string          `mapstructure:"addr"`
	APIKeys   []string        `mapstructure:"api_keys"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	// Limit is requests per Window per API key. Zero disables the limiter.
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// StoreConfig picks the repository backends. Driver is mysql or memory; Locks is mysql or
// redis.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Locks  string `mapstructure:"locks"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic"`
	PairsTopic     string   `mapstructure:"pairs_topic"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

// ---- Components ----

type CapsConfig struct {
	DefaultDailyCap     int     `mapstructure:"default_daily_cap"`
	MinCap              int     `mapstructure:"min_cap"`
	DefaultFriendlyBias float64 `mapstructure:"default_friendly_bias"`
	PauseBounceRate     float64 `mapstructure:"pause_bounce_rate"`
	BounceLookback      int     `mapstructure:"bounce_lookback"`
	// WarmupRamps is keyed by sender id. Viper lowercases map keys.
	WarmupRamps map[string][]int `mapstructure:"warmup_ramps"`
}

type CooldownConfig struct {
	SenderMin    time.Duration `mapstructure:"sender_min"`
	SenderMax    time.Duration `mapstructure:"sender_max"`
	DomainMinGap time.Duration `mapstructure:"domain_min_gap"`
}

type GovernorConfig struct {
	Window                 time.Duration `mapstructure:"window"`
	MaxColdPerDay          int           `mapstructure:"max_cold_per_day"`
	MaxColdPerSenderPerDay int           `mapstructure:"max_cold_per_sender_per_day"`
	ErrorRateThreshold     float64       `mapstructure:"error_rate_threshold"`
}

type FollowupConfig struct {
	FU1         time.Duration `mapstructure:"fu1"`
	FU2         time.Duration `mapstructure:"fu2"`
	FU3         time.Duration `mapstructure:"fu3"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type DispatchConfig struct {
	BatchSize          int           `mapstructure:"batch_size"`
	Ratio              string        `mapstructure:"ratio"`
	GlobalDailyCap     int           `mapstructure:"global_daily_cap"`
	MaxPerSenderPerRun int           `mapstructure:"max_per_sender_per_run"`
	DomainDailyCap     int           `mapstructure:"domain_daily_cap"`
	MaxPasses          int           `mapstructure:"max_passes"`
	MaxRunDuration     time.Duration `mapstructure:"max_run_duration"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	SuppressFor        time.Duration `mapstructure:"suppress_for"`
	DedupeDays         int           `mapstructure:"dedupe_days"`
	IdempotencyWindow  time.Duration `mapstructure:"idempotency_window"`
	CandidateLimit     int           `mapstructure:"candidate_limit"`
	SendJitter         time.Duration `mapstructure:"send_jitter"`
	Window             string        `mapstructure:"window"`
	Timezone           string        `mapstructure:"timezone"`
	AllowWeekend       bool          `mapstructure:"allow_weekend"`
	IgnoreWindow       bool          `mapstructure:"ignore_window"`
	DryRun             bool          `mapstructure:"dry_run"`
}

type GuardsConfig struct {
	RecipientPatterns []string `mapstructure:"recipient_patterns"`
	DenyRecipients    []string `mapstructure:"deny_recipients"`
	ContentPatterns   []string `mapstructure:"content_patterns"`
	RequireProvenance bool     `mapstructure:"require_provenance"`
}

type FriendlyConfig struct {
	PairCooldown       time.Duration `mapstructure:"pair_cooldown"`
	MailboxCooldown    time.Duration `mapstructure:"mailbox_cooldown"`
	DomainPairCooldown time.Duration `mapstructure:"domain_pair_cooldown"`
}

type ThrottleConfig struct {
	// PerSenderHourly caps sends per sender per Window. Zero disables it.
	PerSenderHourly int           `mapstructure:"per_sender_hourly"`
	Window          time.Duration `mapstructure:"window"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type ProviderConfig struct {
	Name      string        `mapstructure:"name"`
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	Path      string        `mapstructure:"path"`
	APIKey    string        `mapstructure:"api_key"`
	TimeoutMs int           `mapstructure:"timeout_ms"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

type AlertConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	PerMinute  int           `mapstructure:"per_minute"`
}

type ScheduleConfig struct {
	// Spec is a standard five-field cron expression.
	Spec string `mapstructure:"spec"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides
// (OUTREACH_*, nested keys joined by underscores).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (OUTREACH_DISPATCH_BATCH_SIZE, ...)
	v.SetEnvPrefix("OUTREACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ---- Converters ----

func (c Config) ToCaps() caps.Config {
	return caps.Config{
		WarmupRamps:         c.Caps.WarmupRamps,
		DefaultDailyCap:     c.Caps.DefaultDailyCap,
		MinCap:              c.Caps.MinCap,
		DefaultFriendlyBias: c.Caps.DefaultFriendlyBias,
		PauseBounceRate:     c.Caps.PauseBounceRate,
		BounceLookback:      c.Caps.BounceLookback,
	}
}

func (c Config) ToGovernor() governor.Config {
	return governor.Config{
		Window:                 c.Governor.Window,
		MaxColdPerDay:          c.Governor.MaxColdPerDay,
		MaxColdPerSenderPerDay: c.Governor.MaxColdPerSenderPerDay,
		ErrorRateThreshold:     c.Governor.ErrorRateThreshold,
	}
}

func (c Config) ToFollowup() followup.Config {
	return followup.Config{
		FU1:         c.Followup.FU1,
		FU2:         c.Followup.FU2,
		FU3:         c.Followup.FU3,
		MaxAttempts: c.Followup.MaxAttempts,
	}
}

func (c Config) ToFriendly() friendly.Config {
	return friendly.Config{
		PairCooldown:       c.Friendly.PairCooldown,
		MailboxCooldown:    c.Friendly.MailboxCooldown,
		DomainPairCooldown: c.Friendly.DomainPairCooldown,
	}
}

func (c Config) ToGuards() dispatcher.GuardConfig {
	g := dispatcher.DefaultGuardConfig()
	if len(c.Guards.RecipientPatterns) > 0 {
		g.RecipientPatterns = c.Guards.RecipientPatterns
	}
	if len(c.Guards.ContentPatterns) > 0 {
		g.ContentPatterns = c.Guards.ContentPatterns
	}
	g.DenyRecipients = c.Guards.DenyRecipients
	g.RequireProvenance = c.Guards.RequireProvenance
	return g
}

// ToDispatcher fails on a malformed ratio, window or timezone.
func (c Config) ToDispatcher() (dispatcher.Config, error) {
	d := c.Dispatch
	out := dispatcher.Defaults()

	if d.Ratio != "" {
		cold, friendly, err := dispatcher.ParseRatio(d.Ratio)
		if err != nil {
			return out, fmt.Errorf("dispatch.ratio: %w", err)
		}
		out.ColdWeight, out.FriendlyWeight = cold, friendly
	}
	if d.Window != "" || d.Timezone != "" {
		spec := d.Window
		if spec == "" {
			spec = "09:00-17:30"
		}
		w, err := dispatcher.ParseWindow(spec, d.Timezone)
		if err != nil {
			return out, fmt.Errorf("dispatch.window: %w", err)
		}
		out.Window = w
	}

	out.BatchSize = d.BatchSize
	out.GlobalDailyCap = d.GlobalDailyCap
	out.MaxPerSenderPerRun = d.MaxPerSenderPerRun
	if d.DomainDailyCap > 0 {
		out.DomainDailyCap = d.DomainDailyCap
	}
	out.MaxPasses = d.MaxPasses
	out.MaxRunDuration = d.MaxRunDuration
	out.LockTTL = d.LockTTL
	out.SuppressFor = d.SuppressFor
	out.DedupeWindow = time.Duration(d.DedupeDays) * 24 * time.Hour
	out.IdempotencyWindow = d.IdempotencyWindow
	out.CandidateLimit = d.CandidateLimit
	out.SendJitter = d.SendJitter
	out.AllowWeekend = d.AllowWeekend
	out.IgnoreWindow = d.IgnoreWindow
	out.DryRun = d.DryRun

	out.Cooldown = gate.Defaults()
	if c.Cooldown.SenderMin > 0 {
		out.Cooldown.SenderMin = c.Cooldown.SenderMin
	}
	if c.Cooldown.SenderMax > 0 {
		out.Cooldown.SenderMax = c.Cooldown.SenderMax
	}
	if c.Cooldown.DomainMinGap > 0 {
		out.Cooldown.DomainMinGap = c.Cooldown.DomainMinGap
	}
	return out, nil
}

// ToProviders builds one HTTP provider per enabled entry.
func (c Config) ToProviders() []dispatcher.HTTPProviderConfig {
	var out []dispatcher.HTTPProviderConfig
	for _, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		out = append(out, dispatcher.HTTPProviderConfig{
			Name:          p.Name,
			BaseURL:       p.BaseURL,
			Path:          p.Path,
			APIKey:        p.APIKey,
			Timeout:       time.Duration(p.TimeoutMs) * time.Millisecond,
			FailThreshold: p.Breaker.FailThreshold,
			OpenFor:       time.Duration(p.Breaker.OpenForMs) * time.Millisecond,
		})
	}
	return out
}
