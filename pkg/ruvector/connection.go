package ruvector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"
)

// dbPool is the narrow surface ConnectionManager needs from a pooled
// connection. Both *pgxpool.Pool and pgxmock.PgxPoolIface satisfy it,
// which is what lets ConnectionManager be unit-tested without a live
// database.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
	Stat() *pgxpool.Stat
}

// ConnectionManager owns the pooled connection, executes parameterized
// statements with timeout and retry, and emits lifecycle events.
type ConnectionManager struct {
	cfg     Config
	pool    dbPool
	breaker *gobreaker.CircuitBreaker

	logger  Logger
	bus     EventBus
	metrics *Metrics

	connectionID   string
	serverVersion  string
	ruvectorVersion string
	ready          bool
	shutdownCalled bool
}

// InitResult is returned by Initialize.
type InitResult struct {
	ConnectionID    string
	Ready           bool
	ServerVersion   string
	RuvectorVersion string
	Parameters      map[string]interface{}
}

// newConnectionManager constructs a manager around an already-built
// pool; used by Bridge's factory and by tests that inject a pgxmock pool.
func newConnectionManager(cfg Config, pool dbPool, logger Logger, bus EventBus, metrics *Metrics) *ConnectionManager {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ruvector-db",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})

	return &ConnectionManager{
		cfg:     cfg,
		pool:    pool,
		breaker: breaker,
		logger:  logger,
		bus:     bus,
		metrics: metrics,
	}
}

// Initialize establishes the pool (already built by the caller) and
// probes the server and extension versions. It does not mark the
// manager healthy if the probe fails.
func (cm *ConnectionManager) Initialize(ctx context.Context) (*InitResult, error) {
	var serverVersion, ruvectorVersion string
	row := cm.pool.QueryRow(ctx, "SELECT version(), COALESCE((SELECT extversion FROM pg_extension WHERE extname = 'ruvector'), 'N/A')")
	if err := row.Scan(&serverVersion, &ruvectorVersion); err != nil {
		cm.metrics.RecordConnError()
		return nil, fmt.Errorf("ruvector: initialization probe failed: %w", err)
	}

	var vectorExt string
	extRow := cm.pool.QueryRow(ctx, "SELECT extversion FROM pg_extension WHERE extname = 'vector'")
	if err := extRow.Scan(&vectorExt); err != nil {
		cm.metrics.RecordConnError()
		return nil, &ExtensionMissingError{ExtensionName: "vector"}
	}

	cm.connectionID = uuid.New().String()
	cm.serverVersion = serverVersion
	cm.ruvectorVersion = ruvectorVersion
	cm.ready = true

	cm.logger.Info("connection manager initialized", map[string]interface{}{
		"connection_id":    cm.connectionID,
		"server_version":   serverVersion,
		"ruvector_version": ruvectorVersion,
	})
	emit(cm.bus, EventConnectionOpen, map[string]interface{}{
		"connection_id": cm.connectionID,
	})

	return &InitResult{
		ConnectionID:    cm.connectionID,
		Ready:           true,
		ServerVersion:   serverVersion,
		RuvectorVersion: ruvectorVersion,
		Parameters: map[string]interface{}{
			"vector_extension_version": vectorExt,
		},
	}, nil
}

// IsHealthy reports whether the manager completed Initialize and
// hasn't been shut down.
func (cm *ConnectionManager) IsHealthy() bool {
	return cm.ready && !cm.shutdownCalled
}

// PoolStats returns a snapshot-consistent view of pool occupancy.
// pgxpool exposes no live waiter gauge, only the cumulative
// EmptyAcquireCount. Waiting is computed as acquired − (total − idle),
// and pgxpool's total already counts every acquired connection, so
// the result is never positive: Waiting always reads 0 and callers
// blocked on Acquire/Begin are not reported. A Stat with no underlying
// counters (the zero pgxpool.Stat a mocked pool returns) yields an
// all-zero PoolStats.
func (cm *ConnectionManager) PoolStats() PoolStats {
	stat := cm.pool.Stat()
	if stat == nil || *stat == (pgxpool.Stat{}) {
		return PoolStats{}
	}
	total := int(stat.TotalConns())
	idle := int(stat.IdleConns())
	waiting := int(stat.AcquiredConns()) - (total - idle)
	if waiting < 0 {
		waiting = 0
	}
	stats := PoolStats{Total: total, Idle: idle, Waiting: waiting}
	cm.metrics.SetPoolGauges(stats)
	return stats
}

// Shutdown drains the pool and transitions to a terminal state where
// further calls fail fast.
func (cm *ConnectionManager) Shutdown() {
	if cm.shutdownCalled {
		return
	}
	cm.shutdownCalled = true
	cm.ready = false
	cm.pool.Close()
	cm.logger.Info("connection manager shut down", map[string]interface{}{"connection_id": cm.connectionID})
	emit(cm.bus, EventConnectionClose, map[string]interface{}{"connection_id": cm.connectionID})
}

// classifyError extracts a retry-classification code from err: the
// pg_conn SQLSTATE when available, otherwise a best-effort network
// error tag.
func classifyError(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	msg := err.Error()
	switch {
	case contains(msg, "connection refused"):
		return "ECONNREFUSED"
	case contains(msg, "connection reset"):
		return "ECONNRESET"
	case contains(msg, "i/o timeout"), contains(msg, "deadline exceeded"):
		return "ETIMEDOUT"
	default:
		return ""
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// backoffDelay computes delay = min(initial * multiplier^(attempt-1), max),
// optionally jittered by 0.5 + rand().
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * pow(cfg.BackoffMultiplier, attempt-1)
	if max := float64(cfg.MaxDelay); delay > max {
		delay = max
	}
	if cfg.Jitter {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Query executes sql with params, enforcing a wall-clock timeout
// concurrently with the driver call and retrying retryable failures
// with exponential backoff + jitter. The returned
// pgx.Rows must be closed by the caller.
func (cm *ConnectionManager) Query(ctx context.Context, sql string, params []interface{}, timeout time.Duration) (pgx.Rows, error) {
	if !cm.ready {
		return nil, NotInitializedError{}
	}
	if timeout <= 0 {
		timeout = cm.cfg.Query.Timeout
	}

	queryID := uuid.New().String()
	cm.metrics.RecordQueryStart()
	emit(cm.bus, EventQueryStart, map[string]interface{}{"query_id": queryID, "sql": sql, "params": params})

	start := time.Now()
	var rows pgx.Rows
	var lastErr error

	for attempt := 1; attempt <= cm.cfg.Retry.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := cm.breaker.Execute(func() (interface{}, error) {
			return cm.pool.Query(callCtx, sql, params...)
		})
		timedOut := callCtx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			rows = result.(pgx.Rows)
			lastErr = nil
			break
		}

		if timedOut {
			elapsed := time.Since(start)
			te := &TimeoutError{Operation: "query", ElapsedMs: elapsed.Milliseconds(), LimitMs: timeout.Milliseconds()}
			cm.metrics.RecordQueryComplete(float64(elapsed.Milliseconds()), false, false)
			emit(cm.bus, EventQueryError, map[string]interface{}{"query_id": queryID, "error": te.Error()})
			return nil, te
		}

		lastErr = err
		code := classifyError(err)
		if !cm.cfg.Retry.IsRetryable(code) || attempt == cm.cfg.Retry.MaxAttempts {
			break
		}
		cm.logger.Warn("query failed, retrying", map[string]interface{}{
			"query_id": queryID, "attempt": attempt, "code": code, "error": err.Error(),
		})
		time.Sleep(backoffDelay(cm.cfg.Retry, attempt))
	}

	elapsed := time.Since(start)
	durationMs := float64(elapsed.Milliseconds())

	if lastErr != nil {
		cm.metrics.RecordConnError()
		cm.metrics.RecordQueryComplete(durationMs, false, false)
		emit(cm.bus, EventQueryError, map[string]interface{}{"query_id": queryID, "error": lastErr.Error()})
		code := classifyError(lastErr)
		return nil, &SQLError{Code: code, Message: lastErr.Error(), SQLState: code}
	}

	slow := elapsed > cm.cfg.Query.SlowQueryThreshold
	cm.metrics.RecordQueryComplete(durationMs, true, slow)
	emit(cm.bus, EventQueryComplete, map[string]interface{}{"query_id": queryID, "duration_ms": durationMs})
	if slow {
		emit(cm.bus, EventQuerySlow, map[string]interface{}{
			"query_id": queryID, "duration_ms": durationMs, "threshold_ms": cm.cfg.Query.SlowQueryThreshold.Milliseconds(),
		})
	}

	return rows, nil
}

// Exec executes sql for its side effect (no result set) with the same
// timeout handling as Query. Exec carries non-idempotent writes
// (inserts, updates, deletes, DDL), so it retries only on
// connection-establishment codes — failures that guarantee the
// statement never reached the server.
func (cm *ConnectionManager) Exec(ctx context.Context, sql string, params []interface{}, timeout time.Duration) (pgconn.CommandTag, error) {
	if !cm.ready {
		return pgconn.CommandTag{}, NotInitializedError{}
	}
	if timeout <= 0 {
		timeout = cm.cfg.Query.Timeout
	}

	queryID := uuid.New().String()
	cm.metrics.RecordQueryStart()
	emit(cm.bus, EventQueryStart, map[string]interface{}{"query_id": queryID, "sql": sql})

	start := time.Now()
	var tag pgconn.CommandTag
	var lastErr error

	for attempt := 1; attempt <= cm.cfg.Retry.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := cm.breaker.Execute(func() (interface{}, error) {
			return cm.pool.Exec(callCtx, sql, params...)
		})

		timedOut := callCtx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			tag = result.(pgconn.CommandTag)
			lastErr = nil
			break
		}

		if timedOut {
			elapsed := time.Since(start)
			te := &TimeoutError{Operation: "exec", ElapsedMs: elapsed.Milliseconds(), LimitMs: timeout.Milliseconds()}
			cm.metrics.RecordQueryComplete(float64(elapsed.Milliseconds()), false, false)
			emit(cm.bus, EventQueryError, map[string]interface{}{"query_id": queryID, "error": te.Error()})
			return pgconn.CommandTag{}, te
		}

		lastErr = err
		code := classifyError(err)
		if !cm.cfg.Retry.IsRetryableForWrite(code) || attempt == cm.cfg.Retry.MaxAttempts {
			break
		}
		time.Sleep(backoffDelay(cm.cfg.Retry, attempt))
	}

	elapsed := time.Since(start)
	durationMs := float64(elapsed.Milliseconds())

	if lastErr != nil {
		cm.metrics.RecordConnError()
		cm.metrics.RecordQueryComplete(durationMs, false, false)
		emit(cm.bus, EventQueryError, map[string]interface{}{"query_id": queryID, "error": lastErr.Error()})
		code := classifyError(lastErr)
		return pgconn.CommandTag{}, &SQLError{Code: code, Message: lastErr.Error(), SQLState: code}
	}

	slow := elapsed > cm.cfg.Query.SlowQueryThreshold
	cm.metrics.RecordQueryComplete(durationMs, true, slow)
	emit(cm.bus, EventQueryComplete, map[string]interface{}{"query_id": queryID, "duration_ms": durationMs, "row_count": tag.RowsAffected()})
	if slow {
		emit(cm.bus, EventQuerySlow, map[string]interface{}{"query_id": queryID, "duration_ms": durationMs})
	}

	return tag, nil
}

// AcquireTx begins a pinned transaction for Streaming Engine
// (cursor mode) and Transaction Context, both of which need exclusive
// ownership of one connection for their lifetime.
func (cm *ConnectionManager) AcquireTx(ctx context.Context) (pgx.Tx, error) {
	if !cm.ready {
		return nil, NotInitializedError{}
	}
	acquireCtx := ctx
	if cm.cfg.Pool.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, cm.cfg.Pool.ConnectionTimeout)
		defer cancel()
	}
	start := time.Now()
	tx, err := cm.pool.Begin(acquireCtx)
	if err != nil {
		cm.metrics.RecordConnError()
		if acquireCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &PoolExhaustedError{WaitedMs: time.Since(start).Milliseconds()}
		}
		return nil, &ConnectionFailureError{Code: classifyError(err), Message: err.Error()}
	}
	cm.metrics.RecordConnAcquire()
	emit(cm.bus, EventConnectionPoolAcquired, nil)
	return tx, nil
}

// ReleaseTx is called on every exit path from a pinned transaction.
func (cm *ConnectionManager) ReleaseTx() {
	cm.metrics.RecordConnRelease()
	emit(cm.bus, EventConnectionPoolReleased, nil)
}
