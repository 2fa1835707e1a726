// Package app wires configuration into connections, repositories and the dispatcher.
// Every command builds exactly one App and closes it on exit.
package app

import (
	"errors"
	"fmt"

	"github.com/jmehdipour/outreach-dispatcher/internal/alert"
	"github.com/jmehdipour/outreach-dispatcher/internal/caps"
	"github.com/jmehdipour/outreach-dispatcher/internal/config"
	"github.com/jmehdipour/outreach-dispatcher/internal/db"
	"github.com/jmehdipour/outreach-dispatcher/internal/dispatcher"
	"github.com/jmehdipour/outreach-dispatcher/internal/followup"
	"github.com/jmehdipour/outreach-dispatcher/internal/friendly"
	"github.com/jmehdipour/outreach-dispatcher/internal/governor"
	"github.com/jmehdipour/outreach-dispatcher/internal/logger"
	"github.com/jmehdipour/outreach-dispatcher/internal/repository"
	"github.com/jmehdipour/outreach-dispatcher/internal/repository/memstore"
	"github.com/jmehdipour/outreach-dispatcher/internal/throttle"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DriverMySQL  = "mysql"
	DriverMemory = "memory"
	LocksRedis   = "redis"
)

type App struct {
	Cfg   config.Config
	Log   *zap.Logger
	MySQL *sqlx.DB      // nil with the memory driver
	Redis *redis.Client // nil when not configured or unreachable

	Jobs         repository.JobsRepository
	Senders      repository.SendersRepository
	Domains      repository.DomainsRepository
	Suppressions repository.SuppressionRepository
	Locks        repository.LockStore
	Events       repository.EventsRepository

	closers []func() error
}

// Open connects the configured store. Redis is mandatory only for the redis lock backend;
// otherwise an unreachable Redis downgrades the throttle to in-process counting.
func Open(cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Cfg: cfg, Log: log}

	switch cfg.Store.Driver {
	case DriverMemory:
		st := memstore.New()
		a.Jobs, a.Senders, a.Domains = st.Jobs, st.Senders, st.Domains
		a.Suppressions, a.Locks, a.Events = st.Suppressions, st.Locks, st.Events
		log.Warn("using in-memory store; nothing survives the process")
	case DriverMySQL, "":
		dbx, err := db.NewMySQLConnection(cfg.MySQL.DSN, MySQLOpts(cfg.MySQL))
		if err != nil {
			return nil, fmt.Errorf("mysql connect: %w", err)
		}
		a.MySQL = dbx
		a.closers = append(a.closers, dbx.Close)

		a.Jobs = repository.NewJobsRepository(dbx)
		a.Senders = repository.NewSendersRepository(dbx)
		a.Domains = repository.NewDomainsRepository(dbx)
		a.Suppressions = repository.NewSuppressionRepository(dbx)
		a.Locks = repository.NewMySQLLockStore(dbx)
		a.Events = repository.NewEventsRepository(dbx)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	wantRedis := cfg.Store.Locks == LocksRedis ||
		(cfg.Store.Driver != DriverMemory && (cfg.Throttle.PerSenderHourly > 0 || cfg.HTTP.RateLimit.Limit > 0))
	if wantRedis {
		rdb, err := db.NewRedisClient(db.RedisOpts{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		switch {
		case err == nil:
			a.Redis = rdb
			a.closers = append(a.closers, rdb.Close)
		case cfg.Store.Locks == LocksRedis:
			a.Close()
			return nil, fmt.Errorf("redis connect: %w", err)
		default:
			log.Warn("redis unavailable; throttle falls back to in-process counters", zap.Error(err))
		}
	}
	if cfg.Store.Locks == LocksRedis {
		a.Locks = repository.NewRedisLockStore(a.Redis, "")
	}
	return a, nil
}

func MySQLOpts(c config.DatabaseConfig) db.MySQLOpts {
	return db.MySQLOpts{
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		PingTimeout:     c.PingTimeout,
	}
}

// ClickHouse opens the analytics mirror for reports.
func (a *App) ClickHouse() (repository.CHEventsRepository, error) {
	c := a.Cfg.ClickHouse
	if c.DSN == "" {
		return nil, errors.New("clickhouse dsn is empty")
	}
	chDB, err := db.NewClickHouseConnection(db.ClickHouseOpts{
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		PingTimeout:     c.PingTimeout,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, chDB.Close)
	return repository.NewCHEventsRepository(chDB), nil
}

func (a *App) Throttle() throttle.Limiter {
	t := a.Cfg.Throttle
	if t.PerSenderHourly <= 0 {
		return throttle.Unlimited{}
	}
	if a.Redis != nil {
		return throttle.NewRedis(throttle.RedisConfig{
			Redis:     a.Redis,
			Max:       t.PerSenderHourly,
			Window:    t.Window,
			KeyPrefix: t.KeyPrefix,
		})
	}
	return throttle.NewMemory(t.PerSenderHourly, t.Window)
}

func (a *App) Alerts() *alert.Safe {
	var n alert.Notifier = alert.Nop{}
	if url := a.Cfg.Alert.WebhookURL; url != "" {
		n = alert.NewWebhook(url, a.Cfg.Alert.Timeout, a.Cfg.Alert.PerMinute)
	}
	return alert.NewSafe(n, a.Log)
}

// Provider fronts every enabled provider with a failover relay.
func (a *App) Provider() dispatcher.Provider {
	var provs []dispatcher.Provider
	for _, pc := range a.Cfg.ToProviders() {
		provs = append(provs, dispatcher.NewHTTPProvider(pc))
	}
	return dispatcher.NewRelay(provs, len(provs))
}

// Dispatcher builds the dispatcher with every component configured from a.Cfg.
func (a *App) Dispatcher() (*dispatcher.Dispatcher, error) {
	dcfg, err := a.Cfg.ToDispatcher()
	if err != nil {
		return nil, err
	}
	guards, err := dispatcher.NewGuards(a.Cfg.ToGuards())
	if err != nil {
		return nil, fmt.Errorf("guards: %w", err)
	}

	return dispatcher.New(dcfg, dispatcher.Deps{
		Jobs:         a.Jobs,
		Senders:      a.Senders,
		Domains:      a.Domains,
		Suppressions: a.Suppressions,
		Locks:        a.Locks,
		Events:       a.Events,
		Provider:     a.Provider(),
		Caps:         caps.NewResolver(a.Cfg.ToCaps(), a.Events, dcfg.Window.Location()),
		Governor:     governor.New(a.Cfg.ToGovernor(), a.Events),
		Followup:     followup.New(a.Cfg.ToFollowup()),
		Friendly:     friendly.NewPlanner(a.Cfg.ToFriendly()),
		Guards:       guards,
		Throttle:     a.Throttle(),
		Alerts:       a.Alerts(),
		Log:          a.Log,
	}), nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

// Bootstrap loads the config at path, initializes the global logger and opens the store.
func Bootstrap(path string) (*App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level)
	return Open(cfg, logger.Log)
}
