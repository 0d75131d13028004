package ruvector

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConnectionManager(t *testing.T, pool dbPool, cfg Config) *ConnectionManager {
	t.Helper()
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
		cfg.Retry.InitialDelay = time.Millisecond
		cfg.Retry.MaxDelay = 5 * time.Millisecond
		cfg.Retry.Jitter = false
	}
	if cfg.Query.Timeout == 0 {
		cfg.Query = DefaultQueryConfig()
		cfg.Query.Timeout = time.Second
	}
	return newConnectionManager(cfg, pool, NewZerologLogger(), NewNoopEventBus(), NewMetrics())
}

func TestConnectionManager_Initialize_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT version()")).
		WillReturnRows(pgxmock.NewRows([]string{"version", "ruvector_version"}).
			AddRow("PostgreSQL 16.2", "0.3.0"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT extversion FROM pg_extension WHERE extname = 'vector'")).
		WillReturnRows(pgxmock.NewRows([]string{"extversion"}).AddRow("0.7.0"))

	cm := testConnectionManager(t, mock, Config{})
	res, err := cm.Initialize(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Ready)
	assert.Equal(t, "PostgreSQL 16.2", res.ServerVersion)
	assert.Equal(t, "0.3.0", res.RuvectorVersion)
	assert.Equal(t, "0.7.0", res.Parameters["vector_extension_version"])
	assert.True(t, cm.IsHealthy())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionManager_Initialize_MissingVectorExtension(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT version()")).
		WillReturnRows(pgxmock.NewRows([]string{"version", "ruvector_version"}).
			AddRow("PostgreSQL 16.2", "N/A"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT extversion FROM pg_extension WHERE extname = 'vector'")).
		WillReturnError(pgx.ErrNoRows)

	cm := testConnectionManager(t, mock, Config{})
	_, err = cm.Initialize(context.Background())
	require.Error(t, err)
	var extErr *ExtensionMissingError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, "vector", extErr.ExtensionName)
	assert.False(t, cm.IsHealthy())
}

func TestConnectionManager_Query_NotInitialized(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cm := testConnectionManager(t, mock, Config{})
	_, err = cm.Query(context.Background(), "SELECT 1", nil, 0)
	require.Error(t, err)
	assert.IsType(t, NotInitializedError{}, err)
}

func TestConnectionManager_Query_RetriesRetryableThenSucceeds(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cm := testConnectionManager(t, mock, Config{})
	cm.ready = true

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).
		WillReturnError(&pgconn.PgError{Code: "40001", Message: "serialization failure"})
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).
		WillReturnRows(pgxmock.NewRows([]string{"n"}).AddRow(1))

	rows, err := cm.Query(context.Background(), "SELECT 1", nil, 0)
	require.NoError(t, err)
	rows.Close()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionManager_Query_NonRetryableFailsImmediately(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cm := testConnectionManager(t, mock, Config{})
	cm.ready = true

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).
		WillReturnError(&pgconn.PgError{Code: "42601", Message: "syntax error"})

	_, err = cm.Query(context.Background(), "SELECT 1", nil, 0)
	require.Error(t, err)
	var sqlErr *SQLError
	require.ErrorAs(t, err, &sqlErr)
	assert.Equal(t, "42601", sqlErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionManager_Query_ExhaustsRetriesThenFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := Config{}
	cfg.Retry = DefaultRetryConfig()
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	cfg.Retry.Jitter = false
	cm := testConnectionManager(t, mock, cfg)
	cm.ready = true

	for i := 0; i < 2; i++ {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).
			WillReturnError(&pgconn.PgError{Code: "40001", Message: "serialization failure"})
	}

	_, err = cm.Query(context.Background(), "SELECT 1", nil, 0)
	require.Error(t, err)
	var sqlErr *SQLError
	require.ErrorAs(t, err, &sqlErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionManager_Exec_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cm := testConnectionManager(t, mock, Config{})
	cm.ready = true

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM widgets")).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	tag, err := cm.Exec(context.Background(), "DELETE FROM widgets", nil, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, tag.RowsAffected())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionManager_Exec_DoesNotRetryServerSideCodes(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cm := testConnectionManager(t, mock, Config{})
	cm.ready = true

	// 40001 is retryable for reads, but Exec carries non-idempotent
	// writes: exactly one attempt, then failure.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE widgets")).
		WillReturnError(&pgconn.PgError{Code: "40001", Message: "serialization failure"})

	_, err = cm.Exec(context.Background(), "UPDATE widgets SET n = 1", nil, 0)
	require.Error(t, err)
	var sqlErr *SQLError
	require.ErrorAs(t, err, &sqlErr)
	assert.Equal(t, "40001", sqlErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionManager_Exec_RetriesConnectionEstablishmentCodes(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cm := testConnectionManager(t, mock, Config{})
	cm.ready = true

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM widgets")).
		WillReturnError(errStr("dial tcp 127.0.0.1:5432: connection refused"))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM widgets")).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	tag, err := cm.Exec(context.Background(), "DELETE FROM widgets WHERE id = $1", []interface{}{1}, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, tag.RowsAffected())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionManager_AcquireTx_NotInitialized(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cm := testConnectionManager(t, mock, Config{})
	_, err = cm.AcquireTx(context.Background())
	require.Error(t, err)
	assert.IsType(t, NotInitializedError{}, err)
}

func TestConnectionManager_PoolStats_NoPanicOnMockedPool(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cm := testConnectionManager(t, mock, Config{})
	stats := cm.PoolStats()
	assert.GreaterOrEqual(t, stats.Total, 0)
	assert.GreaterOrEqual(t, stats.Idle, 0)
	assert.GreaterOrEqual(t, stats.Waiting, 0)
}

func TestConnectionManager_Shutdown_IsIdempotent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cm := testConnectionManager(t, mock, Config{})
	cm.ready = true

	cm.Shutdown()
	assert.False(t, cm.IsHealthy())
	cm.Shutdown() // second call must not re-close the pool
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "40001", classifyError(&pgconn.PgError{Code: "40001"}))
	assert.Equal(t, "ECONNREFUSED", classifyError(errStr("dial tcp: connection refused")))
	assert.Equal(t, "ETIMEDOUT", classifyError(errStr("context deadline exceeded")))
	assert.Equal(t, "", classifyError(errStr("totally unrelated failure")))
}

func TestBackoffDelay_RespectsMaxDelay(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 3 * time.Second, BackoffMultiplier: 10, Jitter: false}
	d := backoffDelay(cfg, 5)
	assert.Equal(t, 3*time.Second, d)
}

func TestBackoffDelay_GrowsGeometrically(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: time.Hour, BackoffMultiplier: 2, Jitter: false}
	assert.Equal(t, time.Second, backoffDelay(cfg, 1))
	assert.Equal(t, 2*time.Second, backoffDelay(cfg, 2))
	assert.Equal(t, 4*time.Second, backoffDelay(cfg, 3))
}

type errStr string

func (e errStr) Error() string { return string(e) }
