package ruvector

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVectorOperations(t *testing.T, pool dbPool) (*VectorOperations, *ConnectionManager) {
	t.Helper()
	cm := testConnectionManager(t, pool, Config{})
	cm.ready = true
	builder := NewSQLBuilder("")
	vo := newVectorOperations(cm, builder, NewMetrics(), NewNoopEventBus(), NewZerologLogger(), DefaultConfig())
	return vo, cm
}

func TestVectorOperations_Search_ReturnsRankedResults(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vo, _ := testVectorOperations(t, mock)

	rows := pgxmock.NewRows([]string{"id", "distance"}).
		AddRow(int64(1), 0.1).
		AddRow(int64(2), 0.3)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(rows)

	results, err := vo.Search(context.Background(), SearchOptions{
		Table: "items", VectorColumn: "embedding", QueryVector: Vector{1, 2, 3}, K: 2,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Rank)
	assert.Equal(t, int64(1), results[0].ID)
	assert.InDelta(t, 0.1, results[0].Distance, 1e-9)
	assert.Equal(t, 2, results[1].Rank)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVectorOperations_Search_RejectsInvalidOptions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vo, _ := testVectorOperations(t, mock)

	_, err = vo.Search(context.Background(), SearchOptions{Table: "items", QueryVector: Vector{1}, K: 0})
	require.Error(t, err)
	assert.IsType(t, ValidationError{}, err)
}

func TestVectorOperations_Insert_SplitsIntoBatches(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vo, _ := testVectorOperations(t, mock)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO")).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO")).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	items := []InsertItem{
		{ID: 1, Vector: Vector{1, 2}},
		{ID: 2, Vector: Vector{3, 4}},
		{ID: 3, Vector: Vector{5, 6}},
	}
	result, err := vo.Insert(context.Background(), InsertOptions{
		Table: "items", VectorColumn: "embedding", BatchSize: 2, Items: items,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 3, result.Successful)
	assert.Equal(t, 0, result.Failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVectorOperations_Insert_SkipInvalidRoutesErrors(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vo, _ := testVectorOperations(t, mock)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO")).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	items := []InsertItem{
		{ID: 1, Vector: Vector{1, 2}},
		{ID: 2, Vector: Vector{}}, // fails Validate: empty vector
	}
	result, err := vo.Insert(context.Background(), InsertOptions{
		Table: "items", VectorColumn: "embedding", SkipInvalid: true, Items: items,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 1, result.Errors[0].Index)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVectorOperations_Insert_SkipInvalidFallsBackToPerRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vo, _ := testVectorOperations(t, mock)

	// The batch statement fails, then each row is retried alone: the
	// first lands, the second fails and is reported under its index.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO")).
		WillReturnError(errStr("batch insert failed"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO")).
		WillReturnError(errStr("value too long"))

	items := []InsertItem{
		{ID: 1, Vector: Vector{1, 2}},
		{ID: 2, Vector: Vector{3, 4}},
	}
	result, err := vo.Insert(context.Background(), InsertOptions{
		Table: "items", VectorColumn: "embedding", SkipInvalid: true, Items: items,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 1, result.Errors[0].Index)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVectorOperations_Insert_UpsertSplitsDuplicateConflictKeys(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vo, _ := testVectorOperations(t, mock)

	// Two items hitting the same conflict target cannot share one
	// ON CONFLICT DO UPDATE statement; each gets its own, in input
	// order, so the last write wins.
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT")).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT")).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	items := []InsertItem{
		{ID: 1, Vector: Vector{0, 0, 1}},
		{ID: 1, Vector: Vector{0, 0, 0}},
	}
	result, err := vo.Insert(context.Background(), InsertOptions{
		Table: "v", VectorColumn: "embedding", Upsert: true, ConflictColumns: []string{"id"}, Items: items,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Successful)
	assert.Equal(t, 0, result.Failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSplitByConflictTarget(t *testing.T) {
	upsert := InsertOptions{Upsert: true}
	window := indexItems([]InsertItem{
		{ID: 1, Vector: Vector{1}},
		{ID: 2, Vector: Vector{2}},
		{ID: 1, Vector: Vector{3}},
		{Vector: Vector{4}}, // generated id, never collides
	})

	batches := splitByConflictTarget(upsert, window)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 3) // ids 1, 2 and the generated-id row
	assert.Len(t, batches[1], 1) // the duplicate id 1, deferred
	assert.Equal(t, 2, batches[1][0].index)

	plain := splitByConflictTarget(InsertOptions{}, window)
	require.Len(t, plain, 1)
	assert.Len(t, plain[0], 4)
}

func TestVectorOperations_Insert_RejectsEmptyBatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vo, _ := testVectorOperations(t, mock)

	_, err = vo.Insert(context.Background(), InsertOptions{Table: "items"})
	require.Error(t, err)
	assert.IsType(t, ValidationError{}, err)
}

func TestVectorOperations_Update_ReportsNoMatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vo, _ := testVectorOperations(t, mock)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE")).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	updated, err := vo.Update(context.Background(), UpdateOptions{
		Table: "items", ID: 99, Metadata: map[string]interface{}{"k": "v"},
	})
	require.NoError(t, err)
	assert.False(t, updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVectorOperations_Delete_ReportsSuccess(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vo, _ := testVectorOperations(t, mock)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM")).WillReturnResult(pgxmock.NewResult("DELETE", 1))

	deleted, err := vo.Delete(context.Background(), DeleteOptions{Table: "items", ID: 1})
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVectorOperations_Delete_RejectsNilID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vo, _ := testVectorOperations(t, mock)

	_, err = vo.Delete(context.Background(), DeleteOptions{Table: "items"})
	require.Error(t, err)
	assert.IsType(t, ValidationError{}, err)
}

func TestVectorOperations_BulkDelete_CountsPartialMatches(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vo, _ := testVectorOperations(t, mock)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM")).WillReturnResult(pgxmock.NewResult("DELETE", 2))

	result, err := vo.BulkDelete(context.Background(), DeleteOptions{Table: "items", IDs: []interface{}{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Successful)
	assert.Equal(t, 1, result.Failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVectorOperations_CreateIndex_RunsDDL(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vo, _ := testVectorOperations(t, mock)

	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX")).WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))

	err = vo.CreateIndex(context.Background(), IndexOptions{
		Table: "items", Column: "embedding", IndexName: "items_embedding_idx",
		IndexType: IndexHNSW, Metric: MetricCosine, M: 16, EfConstruction: 64,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVectorOperations_CreateIndex_FlatIsNoOp(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vo, _ := testVectorOperations(t, mock)

	err = vo.CreateIndex(context.Background(), IndexOptions{
		Table: "items", Column: "embedding", IndexName: "items_embedding_idx",
		IndexType: IndexFlat, Metric: MetricCosine,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet()) // no exec expected at all
}

func TestVectorOperations_IndexStats_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vo, _ := testVectorOperations(t, mock)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WillReturnRows(pgxmock.NewRows([]string{"index_name", "index_type", "size_bytes", "num_vectors", "scans", "tuples_read", "tuples_fetched"}))

	_, err = vo.IndexStats(context.Background(), "missing_idx")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVectorOperations_GetStats_ScansOverviewRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vo, _ := testVectorOperations(t, mock)

	rows := pgxmock.NewRows([]string{"vector_tables", "estimated_rows", "total_relation_size", "index_count"}).
		AddRow(int64(2), int64(10000), int64(2048), int64(1))
	mock.ExpectQuery(regexp.QuoteMeta("WITH vector_tables")).WillReturnRows(rows)

	overview, err := vo.GetStats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, overview.VectorTables)
	assert.EqualValues(t, 10000, overview.EstimatedRows)
	assert.EqualValues(t, 1, overview.IndexCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVectorOperations_BatchSearch_AggregatesCacheStats(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vo, _ := testVectorOperations(t, mock)

	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 2; i++ {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
			WillReturnRows(pgxmock.NewRows([]string{"id", "distance"}).AddRow(int64(1), 0.2))
	}

	queries := []SearchOptions{
		{Table: "items", VectorColumn: "embedding", QueryVector: Vector{1, 2}, K: 1},
		{Table: "items", VectorColumn: "embedding", QueryVector: Vector{3, 4}, K: 1},
	}
	result, err := vo.BatchSearch(context.Background(), queries, 2)
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	assert.Equal(t, 0, result.CacheStats.Hits)
	assert.Equal(t, 2, result.CacheStats.Misses)
	assert.Zero(t, result.CacheStats.HitRate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// mapSearchCache is an in-memory SearchCache for exercising
// BatchSearch's hit accounting without a Redis round trip.
type mapSearchCache struct {
	mu      sync.Mutex
	entries map[string][]SearchResult
}

func (c *mapSearchCache) Get(_ context.Context, key string) ([]SearchResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.entries[key]
	return res, ok, nil
}

func (c *mapSearchCache) Set(_ context.Context, key string, results []SearchResult, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = results
	return nil
}

func TestVectorOperations_BatchSearch_ComputesHitRate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vo, _ := testVectorOperations(t, mock)

	queries := []SearchOptions{
		{Table: "items", VectorColumn: "embedding", QueryVector: Vector{1, 2}, K: 1},
		{Table: "items", VectorColumn: "embedding", QueryVector: Vector{3, 4}, K: 1},
	}

	cache := &mapSearchCache{entries: map[string][]SearchResult{
		searchCacheKey(queries[0]): {{ID: "cached", Rank: 1}},
	}}
	vo.SetCache(cache)

	// Only the uncached query reaches the database.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WillReturnRows(pgxmock.NewRows([]string{"id", "distance"}).AddRow(int64(2), 0.2))

	result, err := vo.BatchSearch(context.Background(), queries, 2)
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	assert.Equal(t, "cached", result.Results[0][0].ID)
	assert.Equal(t, 1, result.CacheStats.Hits)
	assert.Equal(t, 1, result.CacheStats.Misses)
	assert.InDelta(t, 0.5, result.CacheStats.HitRate, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVectorOperations_BatchSearch_EmptyQueriesShortCircuit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	vo, _ := testVectorOperations(t, mock)

	result, err := vo.BatchSearch(context.Background(), nil, 4)
	require.NoError(t, err)
	assert.Equal(t, &BatchSearchResult{}, result)
}
