package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	jg "github.com/jobguard/jobguard"
)

// PoolConfig configures the connection manager (spec §4.2). Either URL or a
// fully structured config may be supplied; defaults match spec §4.2.
type PoolConfig struct {
	// URL is a postgres:// connection string. Mutually usable with the
	// structured fields below, which override URL-derived values when
	// non-zero.
	URL string

	MaxConns          int32
	IdleTimeout       time.Duration
	ConnectionTimeout time.Duration
	StatementTimeout  time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 2 * time.Second
	}
	if c.StatementTimeout == 0 {
		c.StatementTimeout = 30 * time.Second
	}
	return c
}

// Manager wraps a pgxpool.Pool exposed to bun via the pgx stdlib adapter,
// and runs the 5-second exhaustion monitor described in spec §4.2.
type Manager struct {
	pool *pgxpool.Pool
	db   *bun.DB
	log  *slog.Logger

	maxConns int32

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	exhausted    atomic.Bool
	consecutive  atomic.Int32
}

// NewManager connects a pgxpool.Pool per cfg and wraps it with bun for the
// repository's query builder.
func NewManager(ctx context.Context, cfg PoolConfig, log *slog.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, jg.Wrap(jg.KindPostgresConnection, "parse connection string", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MaxConnIdleTime = cfg.IdleTimeout
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectionTimeout
	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds())

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, jg.Wrap(jg.KindPostgresConnection, "create pool", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	db := bun.NewDB(sqlDB, pgdialect.New())

	m := &Manager{pool: pool, db: db, log: log, maxConns: cfg.MaxConns}
	return m, nil
}

// DB returns the bun handle the repository builds queries against.
func (m *Manager) DB() *bun.DB {
	return m.db
}

// TestConnection probes connectivity at startup, per spec §4.2.
func (m *Manager) TestConnection(ctx context.Context) error {
	if err := m.pool.Ping(ctx); err != nil {
		return jg.Wrap(jg.KindPostgresConnection, "ping", err)
	}
	return nil
}

// Stats is the pool snapshot surfaced by CheckPoolHealth and the monitor.
type Stats struct {
	Total   int32
	Idle    int32
	Waiting int32
}

func (m *Manager) stats() Stats {
	s := m.pool.Stat()
	return Stats{
		Total:   s.TotalConns(),
		Idle:    s.IdleConns(),
		Waiting: int32(s.EmptyAcquireCount()),
	}
}

// Stats returns the current pool statistics.
func (m *Manager) Stats() Stats {
	return m.stats()
}

// StartMonitor launches the 5-second pool-health sampler described in spec
// §4.2: if idle==0 and total>=max for three consecutive samples (~15s),
// the pool is declared critically exhausted until a sample shows recovery.
func (m *Manager) StartMonitor(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.monitorCancel = cancel
	done := make(chan struct{})
	m.monitorDone = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

func (m *Manager) sample() {
	s := m.stats()
	if s.Idle == 0 && s.Total >= m.maxConns {
		n := m.consecutive.Add(1)
		if n >= 3 {
			if !m.exhausted.Swap(true) {
				m.log.Warn("postgres pool critically exhausted", "total", s.Total, "max", m.maxConns)
			}
		}
		return
	}
	m.consecutive.Store(0)
	if m.exhausted.Swap(false) {
		m.log.Info("postgres pool recovered")
	}
}

// CheckPoolHealth fails with KindPostgresConnection while the pool is
// flagged critically exhausted (spec §4.2).
func (m *Manager) CheckPoolHealth() error {
	if m.exhausted.Load() {
		return jg.Wrap(jg.KindPostgresConnection, "pool exhausted", nil)
	}
	return nil
}

// StopMonitor stops the background sampler. Close also stops it.
func (m *Manager) StopMonitor() {
	if m.monitorCancel != nil {
		m.monitorCancel()
	}
	if m.monitorDone != nil {
		<-m.monitorDone
	}
}

// Close stops the monitor and closes the underlying pool.
func (m *Manager) Close() error {
	m.StopMonitor()
	if err := m.db.Close(); err != nil {
		return err
	}
	m.pool.Close()
	return nil
}
