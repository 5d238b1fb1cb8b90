package db

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/treeverse/tables/pkg/db/params"
	"github.com/treeverse/tables/pkg/logging"
)

const (
	DefaultMaxOpenConnections    = 25
	DefaultMaxIdleConnections    = 25
	DefaultConnectionMaxLifetime = 5 * time.Minute
)

func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire to ping: %w", err)
	}
	defer conn.Release()
	err = conn.Conn().Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// ConnectDBPool connects to a database using the database params and returns a connection pool
func ConnectDBPool(ctx context.Context, p params.Database) (*pgxpool.Pool, error) {
	normalizeDBParams(&p)
	config, err := pgxpool.ParseConfig(p.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	config.MaxConns = p.MaxOpenConnections
	config.MinConns = p.MaxIdleConnections
	config.MaxConnLifetime = p.ConnectionMaxLifetime

	log := logging.FromContext(ctx).WithFields(logging.Fields{
		"max_open_conns":    p.MaxOpenConnections,
		"max_idle_conns":    p.MaxIdleConnections,
		"db":                config.ConnConfig.Database,
		"user":              config.ConnConfig.User,
		"host":              config.ConnConfig.Host,
		"port":              config.ConnConfig.Port,
		"conn_max_lifetime": p.ConnectionMaxLifetime,
	})
	log.Info("Connecting to the DB")

	pool, err := tryConnectConfig(ctx, config, log)
	if err != nil {
		return nil, err
	}

	if p.MetricsLabel != "" {
		collector := pgxpoolprometheus.NewCollector(pool, map[string]string{"db_name": p.MetricsLabel})
		if err := prometheus.Register(collector); err != nil {
			log.WithError(err).Warn("Failed to register pool metrics")
		}
	}

	log.Info("DB connection established")
	return pool, nil
}

// ConnectDB connects to a database using the database params and returns Database
func ConnectDB(ctx context.Context, p params.Database) (Database, error) {
	pool, err := ConnectDBPool(ctx, p)
	if err != nil {
		return nil, err
	}
	return NewPgxDatabase(pool), nil
}

func normalizeDBParams(p *params.Database) {
	if p.MaxOpenConnections == 0 {
		p.MaxOpenConnections = DefaultMaxOpenConnections
	}
	if p.MaxIdleConnections == 0 {
		p.MaxIdleConnections = DefaultMaxIdleConnections
	}
	if p.MaxIdleConnections > p.MaxOpenConnections {
		p.MaxIdleConnections = p.MaxOpenConnections
	}
	if p.ConnectionMaxLifetime == 0 {
		p.ConnectionMaxLifetime = DefaultConnectionMaxLifetime
	}
}

// tryConnectConfig opens the pool and pings it, retrying only while the server refuses to dial.
func tryConnectConfig(ctx context.Context, config *pgxpool.Config, log logging.Logger) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxpool.NewWithConfig(ctx, config)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("error while connecting to DB: %w", err))
		}
		if err := Ping(ctx, p); err != nil {
			p.Close()
			if isDialError(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("error while connecting to DB: %w", err))
		}
		pool = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("wait", wait).Info("Could not connect to DB: Trying again")
	}
	strategy := backoff.WithContext(params.NewDatabaseRetryStrategy(), ctx)
	if err := backoff.RetryNotify(connect, strategy, notify); err != nil {
		if isDialError(err) {
			return nil, fmt.Errorf("retries exhausted, could not connect to DB: %w", err)
		}
		return nil, err
	}
	return pool, nil
}
