package ruvector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Bridge wires the five cooperating components — Connection Manager,
// SQL Builder, Vector Operations, Streaming Engine, Transaction
// Context — plus the cross-cutting Metrics & Events concern, into one
// handle. Construction follows a fixed dependency order: Connection
// Manager (initialized first) → SQL Builder → Vector Operations →
// {Streaming Engine, Transaction Context}.
type Bridge struct {
	cfg     Config
	pool    *pgxpool.Pool
	conn    *ConnectionManager
	builder *SQLBuilder
	ops     *VectorOperations
	stream  *StreamingEngine
	metrics *Metrics
	logger  Logger
	bus     EventBus
}

// New builds and initializes a Bridge against a live PostgreSQL
// database. logger and bus may be nil, in which case a zerolog default
// and a no-op bus are used respectively — the host is expected to
// supply both along with a populated Config.
func New(ctx context.Context, cfg Config, logger Logger, bus EventBus) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = NewZerologLogger()
	}
	if bus == nil {
		bus = NewNoopEventBus()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("ruvector: failed to parse connection config: %w", err)
	}
	poolConfig.MinConns = int32(cfg.Pool.Min)
	poolConfig.MaxConns = int32(cfg.Pool.Max)
	poolConfig.MaxConnIdleTime = cfg.Pool.IdleTimeout
	poolConfig.ConnConfig.ConnectTimeout = cfg.Pool.ConnectionTimeout
	if cfg.ApplicationName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, &ConnectionFailureError{Code: classifyError(err), Message: err.Error()}
	}

	b, err := newBridgeFromPool(ctx, cfg, pool, logger, bus)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// newBridgeFromPool builds a Bridge around an already-constructed pool,
// the seam unit tests use to inject a pgxmock pool instead of a live
// *pgxpool.Pool (both satisfy dbPool).
func newBridgeFromPool(ctx context.Context, cfg Config, pool dbPool, logger Logger, bus EventBus) (*Bridge, error) {
	metrics := NewMetrics()
	conn := newConnectionManager(cfg, pool, logger, bus, metrics)

	if _, err := conn.Initialize(ctx); err != nil {
		return nil, err
	}

	builder := NewSQLBuilder(cfg.Schema)
	ops := newVectorOperations(conn, builder, metrics, bus, logger, cfg)
	stream := newStreamingEngine(conn, builder, ops, metrics, bus, logger, cfg)

	b := &Bridge{
		cfg:     cfg,
		conn:    conn,
		builder: builder,
		ops:     ops,
		stream:  stream,
		metrics: metrics,
		logger:  logger,
		bus:     bus,
	}
	if p, ok := pool.(*pgxpool.Pool); ok {
		b.pool = p
	}
	return b, nil
}

// Connection exposes the Connection Manager for callers that need the
// raw query surface (parameterized SQL with timeout and retry) rather
// than the typed vector operations.
func (b *Bridge) Connection() *ConnectionManager { return b.conn }

// Operations exposes the Vector Operations component (search, insert,
// update, delete, bulk_delete, index management, get_stats).
func (b *Bridge) Operations() *VectorOperations { return b.ops }

// Streaming exposes the Streaming Engine component (stream_search,
// stream_insert).
func (b *Bridge) Streaming() *StreamingEngine { return b.stream }

// BeginTransaction opens a new Transaction Context bound to a freshly
// pinned connection.
func (b *Bridge) BeginTransaction(ctx context.Context, isolation IsolationLevel) (*TransactionContext, error) {
	tc := newTransactionContext(b.conn, b.builder, b.metrics, b.bus, b.logger, b.cfg)
	if err := tc.Begin(ctx, isolation); err != nil {
		return nil, err
	}
	return tc, nil
}

// IsHealthy reports whether the bridge completed initialization and
// has not been shut down.
func (b *Bridge) IsHealthy() bool { return b.conn.IsHealthy() }

// PoolStats returns a snapshot-consistent view of pool occupancy.
func (b *Bridge) PoolStats() PoolStats { return b.conn.PoolStats() }

// Metrics returns a read-only snapshot of the bridge's running
// counters.
func (b *Bridge) Metrics() MetricsSnapshot { return b.metrics.Snapshot() }

// MetricsRegistry exposes the bridge's dedicated Prometheus registry
// so the host can fold it into its own /metrics endpoint.
func (b *Bridge) MetricsRegistry() *prometheus.Registry { return b.metrics.Registry() }

// Shutdown closes the Streaming Engine's active cursors, drains the
// pool, and transitions the bridge to a terminal state where further
// calls fail fast.
func (b *Bridge) Shutdown(ctx context.Context) {
	b.stream.CloseAll(ctx)
	b.conn.Shutdown()
}

// StreamState reports the Streaming Engine's currently live cursors.
func (b *Bridge) StreamState() StreamState { return b.stream.State() }
