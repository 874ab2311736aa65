package database

import (
	"context"
	"fmt"
	"time"

	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	cfg "github.com/haulmark/payment-verifier/backend/config"
)

const (
	defaultMaxPoolSize       = 10
	defaultConnTimeout       = 5 * time.Second
	defaultHealthCheckPeriod = time.Minute
	defaultConnAttempts      = 10
)

// Postgres bundles the pool with the transactor every repository shares.
type Postgres struct {
	maxPoolSize       int32
	connTimeout       time.Duration
	healthCheckPeriod time.Duration
	connAttempts      int
	isolation         pgx.TxIsoLevel

	Pool       *pgxpool.Pool
	Transactor *tx.Transactor
	DBGetter   tx.DBGetter
}

type Option func(*Postgres)

func MaxPoolSize(size int32) Option {
	return func(p *Postgres) {
		if size > 0 {
			p.maxPoolSize = size
		}
	}
}

// ConnTimeout is in seconds.
func ConnTimeout(seconds int) Option {
	return func(p *Postgres) {
		if seconds > 0 {
			p.connTimeout = time.Duration(seconds) * time.Second
		}
	}
}

// HealthCheckPeriod is in minutes.
func HealthCheckPeriod(minutes int) Option {
	return func(p *Postgres) {
		if minutes > 0 {
			p.healthCheckPeriod = time.Duration(minutes) * time.Minute
		}
	}
}

func ConnAttempts(attempts int) Option {
	return func(p *Postgres) {
		if attempts > 0 {
			p.connAttempts = attempts
		}
	}
}

// Isolation sets the default isolation level of every session in the pool.
func Isolation(level pgx.TxIsoLevel) Option {
	return func(p *Postgres) {
		p.isolation = level
	}
}

func New(config *cfg.Config, opts ...Option) (*Postgres, error) {
	pg := &Postgres{
		maxPoolSize:       defaultMaxPoolSize,
		connTimeout:       defaultConnTimeout,
		healthCheckPeriod: defaultHealthCheckPeriod,
		connAttempts:      defaultConnAttempts,
	}
	for _, opt := range opts {
		opt(pg)
	}

	poolConfig, err := pgxpool.ParseConfig(config.DB.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolConfig.MaxConns = pg.maxPoolSize
	poolConfig.HealthCheckPeriod = pg.healthCheckPeriod
	poolConfig.ConnConfig.ConnectTimeout = pg.connTimeout
	if pg.isolation != "" {
		isolation := pg.isolation
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL "+string(isolation))
			return err
		}
	}

	for attempt := 1; ; attempt++ {
		pg.Pool, err = connect(poolConfig, pg.connTimeout)
		if err == nil {
			break
		}
		if attempt >= pg.connAttempts {
			return nil, fmt.Errorf("failed to connect to postgres after %d attempts: %w", attempt, err)
		}
		time.Sleep(time.Second)
	}

	pg.Transactor, pg.DBGetter = tx.NewTransactorFromPool(pg.Pool)

	return pg, nil
}

func connect(poolConfig *pgxpool.Config, timeout time.Duration) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (p *Postgres) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}

// Ping reports whether the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.Pool.Ping(ctx)
}
