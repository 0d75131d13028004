package ruvector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// IsolationLevel is the closed enum of transaction isolation levels
// exposed by begin().
type IsolationLevel string

const (
	IsolationReadCommitted  IsolationLevel = "read_committed"
	IsolationRepeatableRead IsolationLevel = "repeatable_read"
	IsolationSerializable   IsolationLevel = "serializable"
)

func (l IsolationLevel) sql() (string, error) {
	switch l {
	case "", IsolationReadCommitted:
		return "READ COMMITTED", nil
	case IsolationRepeatableRead:
		return "REPEATABLE READ", nil
	case IsolationSerializable:
		return "SERIALIZABLE", nil
	default:
		return "", ValidationError{Field: "isolation", Reason: fmt.Sprintf("unknown isolation level %q", l)}
	}
}

// TransactionState is a snapshot of a scoped acquisition of one pinned
// client, bound to a single ongoing transaction.
type TransactionState struct {
	TransactionID string
	Active        bool
	Savepoints    []string
	QueryCount    int
	StartTime     time.Time
}

// TransactionContext pins exactly one pooled connection for its
// lifetime, routing search/insert/update/delete/query through it with
// no automatic retry — retrying inside a transaction risks lost state.
// Dropping it without an explicit commit behaves as a
// rollback (Close does this).
type TransactionContext struct {
	conn    *ConnectionManager
	builder *SQLBuilder
	metrics *Metrics
	bus     EventBus
	logger  Logger
	cfg     Config

	mu         sync.Mutex
	tx         pgx.Tx
	id         string
	active     bool
	savepoints map[string]struct{}
	queryCount int
	startTime  time.Time
}

func newTransactionContext(conn *ConnectionManager, builder *SQLBuilder, metrics *Metrics, bus EventBus, logger Logger, cfg Config) *TransactionContext {
	return &TransactionContext{conn: conn, builder: builder, metrics: metrics, bus: bus, logger: logger, cfg: cfg}
}

// Begin opens the transaction at the given isolation level, pinning a
// connection for the lifetime of the context. At most
// one transaction may be active per context.
func (t *TransactionContext) Begin(ctx context.Context, isolation IsolationLevel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return &TransactionStateError{Reason: "begin called while a transaction is already active"}
	}

	levelSQL, err := isolation.sql()
	if err != nil {
		return err
	}

	tx, err := t.conn.AcquireTx(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET TRANSACTION ISOLATION LEVEL %s", levelSQL)); err != nil {
		_ = tx.Rollback(ctx)
		t.conn.ReleaseTx()
		return &SQLError{Message: err.Error()}
	}

	t.tx = tx
	t.id = uuid.New().String()
	t.active = true
	t.savepoints = make(map[string]struct{})
	t.queryCount = 0
	t.startTime = time.Now()

	emit(t.bus, EventTxBegin, map[string]interface{}{"transaction_id": t.id, "isolation": string(isolation)})
	return nil
}

func (t *TransactionContext) requireActive() error {
	if !t.active {
		return &TransactionStateError{Reason: "no active transaction"}
	}
	return nil
}

// Savepoint establishes a named rollback point within the active
// transaction.
func (t *TransactionContext) Savepoint(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	if name == "" {
		return ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if _, err := t.tx.Exec(ctx, fmt.Sprintf("SAVEPOINT %s", quoteIdent(name))); err != nil {
		return &SQLError{Message: err.Error()}
	}
	t.savepoints[name] = struct{}{}
	emit(t.bus, EventTxSavepoint, map[string]interface{}{"transaction_id": t.id, "name": name})
	return nil
}

// RollbackToSavepoint rolls the transaction back to a previously
// established savepoint. The savepoint name stays in the live set
// afterward and remains usable, since PostgreSQL keeps a savepoint
// defined after ROLLBACK TO; only ReleaseSavepoint removes it (see
// DESIGN.md's Open Questions).
func (t *TransactionContext) RollbackToSavepoint(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	if _, ok := t.savepoints[name]; !ok {
		return &TransactionStateError{Reason: fmt.Sprintf("unknown savepoint %q", name)}
	}
	if _, err := t.tx.Exec(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", quoteIdent(name))); err != nil {
		return &SQLError{Message: err.Error()}
	}
	emit(t.bus, EventTxRollbackToSavepoint, map[string]interface{}{"transaction_id": t.id, "name": name})
	return nil
}

// ReleaseSavepoint discards a savepoint without rolling back to it.
func (t *TransactionContext) ReleaseSavepoint(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	if _, ok := t.savepoints[name]; !ok {
		return &TransactionStateError{Reason: fmt.Sprintf("unknown savepoint %q", name)}
	}
	if _, err := t.tx.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", quoteIdent(name))); err != nil {
		return &SQLError{Message: err.Error()}
	}
	delete(t.savepoints, name)
	emit(t.bus, EventTxReleaseSavepoint, map[string]interface{}{"transaction_id": t.id, "name": name})
	return nil
}

// Commit issues COMMIT, clears savepoints, marks the context inactive,
// and releases the pinned connection.
func (t *TransactionContext) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	err := t.tx.Commit(ctx)
	t.finish(EventTxCommit, err)
	return err
}

// Rollback issues ROLLBACK, clears savepoints, marks the context
// inactive, and releases the pinned connection.
func (t *TransactionContext) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	err := t.tx.Rollback(ctx)
	t.finish(EventTxRollback, err)
	return err
}

// finish must be called with t.mu held.
func (t *TransactionContext) finish(eventName string, sqlErr error) {
	durationMs := float64(time.Since(t.startTime).Milliseconds())
	emit(t.bus, eventName, map[string]interface{}{
		"transaction_id": t.id, "query_count": t.queryCount, "duration_ms": durationMs, "error": errString(sqlErr),
	})
	t.active = false
	t.savepoints = nil
	t.conn.ReleaseTx()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Close drops the context without an explicit commit, which must
// behave as a rollback. Safe to call on an
// already-inactive context.
func (t *TransactionContext) Close(ctx context.Context) error {
	t.mu.Lock()
	active := t.active
	t.mu.Unlock()
	if !active {
		return nil
	}
	return t.Rollback(ctx)
}

// State returns a snapshot of the context's current transaction state.
func (t *TransactionContext) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.savepoints))
	for name := range t.savepoints {
		names = append(names, name)
	}
	return TransactionState{
		TransactionID: t.id,
		Active:        t.active,
		Savepoints:    names,
		QueryCount:    t.queryCount,
		StartTime:     t.startTime,
	}
}

// Search runs a scoped search through the pinned transaction, with no
// retry.
func (t *TransactionContext) Search(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	if opts.Metric == "" {
		opts.Metric = MetricCosine
	}
	built, err := t.builder.BuildSearch(opts)
	if err != nil {
		return nil, err
	}
	rows, err := t.withTx(ctx, func(tx pgx.Tx) (pgx.Rows, error) {
		return tx.Query(ctx, built.SQL, built.Args...)
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vectorColumn := opts.VectorColumn
	if vectorColumn == "" {
		vectorColumn = t.cfg.VectorColumn
	}
	if vectorColumn == "" {
		vectorColumn = "embedding"
	}
	return scanSearchRows(rows, opts, vectorColumn)
}

// Insert runs a scoped insert through the pinned transaction. Upsert
// windows are split so no single statement's conflict target is hit
// twice, the same way VectorOperations.Insert splits them.
func (t *TransactionContext) Insert(ctx context.Context, opts InsertOptions) (*BatchResult, error) {
	if len(opts.Items) == 0 {
		return nil, ValidationError{Field: "items", Reason: "must not be empty"}
	}

	start := time.Now()
	result := &BatchResult{Total: len(opts.Items)}
	for _, sub := range splitByConflictTarget(opts, indexItems(opts.Items)) {
		items := make([]InsertItem, len(sub))
		for i, it := range sub {
			items[i] = it.item
		}
		sql, args, err := t.builder.BuildInsert(opts, items)
		if err != nil {
			return nil, err
		}
		if opts.Returning {
			rows, err := t.withTx(ctx, func(tx pgx.Tx) (pgx.Rows, error) { return tx.Query(ctx, sql, args...) })
			if err != nil {
				return nil, err
			}
			for rows.Next() {
				vals, err := rows.Values()
				if err != nil {
					rows.Close()
					return nil, &SQLError{Message: err.Error()}
				}
				if len(vals) > 0 {
					result.Results = append(result.Results, vals[0])
				}
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return nil, &SQLError{Message: err.Error()}
			}
		} else {
			if err := t.execTx(ctx, sql, args); err != nil {
				return nil, err
			}
		}
	}
	result.Successful = len(opts.Items)
	result.DurationMs = float64(time.Since(start).Milliseconds())
	t.metrics.RecordVectorsInserted(result.Successful)
	return result, nil
}

// Update runs a scoped update through the pinned transaction.
func (t *TransactionContext) Update(ctx context.Context, opts UpdateOptions) (bool, error) {
	vectorColumn := t.cfg.VectorColumn
	if vectorColumn == "" {
		vectorColumn = "embedding"
	}
	sql, args, err := t.builder.BuildUpdate(opts, vectorColumn)
	if err != nil {
		return false, err
	}
	tag, err := t.execTxTag(ctx, sql, args)
	if err != nil {
		return false, err
	}
	updated := tag.RowsAffected() > 0
	if updated {
		t.metrics.RecordVectorsUpdated(1)
	}
	return updated, nil
}

// Delete runs a scoped delete through the pinned transaction.
func (t *TransactionContext) Delete(ctx context.Context, opts DeleteOptions) (bool, error) {
	if opts.ID == nil {
		return false, ValidationError{Field: "id", Reason: "must not be nil"}
	}
	sql, args := t.builder.BuildDelete(opts.Table, opts.ID)
	tag, err := t.execTxTag(ctx, sql, args)
	if err != nil {
		return false, err
	}
	deleted := tag.RowsAffected() > 0
	if deleted {
		t.metrics.RecordVectorsDeleted(1)
	}
	return deleted, nil
}

// Query runs an arbitrary parameterized statement through the pinned
// transaction, for callers that need raw SQL scoped to the
// transaction.
func (t *TransactionContext) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return t.withTx(ctx, func(tx pgx.Tx) (pgx.Rows, error) { return tx.Query(ctx, sql, args...) })
}

func (t *TransactionContext) withTx(ctx context.Context, f func(pgx.Tx) (pgx.Rows, error)) (pgx.Rows, error) {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return nil, &TransactionStateError{Reason: "no active transaction"}
	}
	tx := t.tx
	t.queryCount++
	t.mu.Unlock()

	rows, err := f(tx)
	if err != nil {
		return nil, &SQLError{Message: err.Error()}
	}
	return rows, nil
}

func (t *TransactionContext) execTx(ctx context.Context, sql string, args []interface{}) error {
	_, err := t.execTxTag(ctx, sql, args)
	return err
}

func (t *TransactionContext) execTxTag(ctx context.Context, sql string, args []interface{}) (pgconn.CommandTag, error) {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return pgconn.CommandTag{}, &TransactionStateError{Reason: "no active transaction"}
	}
	tx := t.tx
	t.queryCount++
	t.mu.Unlock()

	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return pgconn.CommandTag{}, &SQLError{Message: err.Error()}
	}
	return tag, nil
}
