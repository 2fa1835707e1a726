package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
)

type ClickHouseOpts struct {
	DSN             string // clickhouse://default:@localhost:9000/outreach?dial_timeout=5s
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration // default 3s
	// MaxExecutionTime bounds report queries server side, in seconds. Default 10.
	MaxExecutionTime int
}

// NewClickHouseConnection opens the analytics store used by the reports endpoint and the
// events mirror. Pool limits go through the driver options rather than database/sql.
func NewClickHouseConnection(opts ClickHouseOpts) (*sqlx.DB, error) {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 3 * time.Second
	}
	if opts.MaxExecutionTime <= 0 {
		opts.MaxExecutionTime = 10
	}

	chOpts, err := clickhouse.ParseDSN(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse DSN: %w", err)
	}
	if chOpts.Settings == nil {
		chOpts.Settings = clickhouse.Settings{}
	}
	chOpts.Settings["max_execution_time"] = opts.MaxExecutionTime
	if opts.MaxOpenConns > 0 {
		chOpts.MaxOpenConns = opts.MaxOpenConns
	}
	if opts.MaxIdleConns > 0 {
		chOpts.MaxIdleConns = opts.MaxIdleConns
	}
	if opts.ConnMaxLifetime > 0 {
		chOpts.ConnMaxLifetime = opts.ConnMaxLifetime
	}

	db := sqlx.NewDb(clickhouse.OpenDB(chOpts), "clickhouse")
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
