package ruvector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"
)

// VectorOperations implements search, mutation, and index management
// against a single bridge's connection, for whatever table and column
// the caller names per request.
type VectorOperations struct {
	conn    *ConnectionManager
	builder *SQLBuilder
	metrics *Metrics
	bus     EventBus
	logger  Logger
	cfg     Config
	cache   SearchCache
}

func newVectorOperations(conn *ConnectionManager, builder *SQLBuilder, metrics *Metrics, bus EventBus, logger Logger, cfg Config) *VectorOperations {
	return &VectorOperations{conn: conn, builder: builder, metrics: metrics, bus: bus, logger: logger, cfg: cfg}
}

func (vo *VectorOperations) vectorColumn(opts SearchOptions) string {
	if opts.VectorColumn != "" {
		return opts.VectorColumn
	}
	if vo.cfg.VectorColumn != "" {
		return vo.cfg.VectorColumn
	}
	return "embedding"
}

// Search performs a single nearest-neighbor lookup. When
// ef_search/probes session parameters are requested, the search runs
// inside a dedicated transaction so SET LOCAL cannot leak onto a pooled
// connection reused by an unrelated caller.
func (vo *VectorOperations) Search(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	if opts.Metric == "" {
		opts.Metric = MetricCosine
	}
	built, err := vo.builder.BuildSearch(opts)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = vo.cfg.Query.Timeout
	}

	var results []SearchResult
	if len(built.SessionParams) > 0 {
		results, err = vo.searchWithSessionParams(ctx, built, opts)
	} else {
		results, err = vo.searchPlain(ctx, built, opts, timeout)
	}
	if err != nil {
		return nil, err
	}

	vo.metrics.RecordSearch()
	emit(vo.bus, EventSearchComplete, map[string]interface{}{
		"table": opts.Table, "k": opts.K, "returned": len(results),
	})
	return results, nil
}

func (vo *VectorOperations) searchPlain(ctx context.Context, built *BuiltSearch, opts SearchOptions, timeout time.Duration) ([]SearchResult, error) {
	rows, err := vo.conn.Query(ctx, built.SQL, built.Args, timeout)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSearchRows(rows, opts, vo.vectorColumn(opts))
}

func (vo *VectorOperations) searchWithSessionParams(ctx context.Context, built *BuiltSearch, opts SearchOptions) ([]SearchResult, error) {
	tx, err := vo.conn.AcquireTx(ctx)
	if err != nil {
		return nil, err
	}
	defer vo.conn.ReleaseTx()

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, sp := range built.SessionParams {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL %s = %d", sp.Name, sp.Value)); err != nil {
			return nil, &SQLError{Message: err.Error()}
		}
	}

	rows, err := tx.Query(ctx, built.SQL, built.Args...)
	if err != nil {
		return nil, &SQLError{Message: err.Error()}
	}
	results, err := scanSearchRows(rows, opts, vo.vectorColumn(opts))
	rows.Close()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &SQLError{Message: err.Error()}
	}
	committed = true
	return results, nil
}

// scanSearchRows maps each result row generically by column name, so
// the builder's caller-controlled select_columns never need a matching
// Go struct. "id" and "distance" are always present. The vector
// column and "metadata" are decoded into Vector/Metadata only when
// requested; with the default SELECT * they are returned anyway and,
// when not requested, ride along inside Metadata like any other
// named column.
func scanSearchRows(rows pgx.Rows, opts SearchOptions, vectorColumn string) ([]SearchResult, error) {
	fields := rows.FieldDescriptions()
	var out []SearchResult
	rank := 0
	now := time.Now()

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, &SQLError{Message: err.Error()}
		}
		rank++

		res := SearchResult{Rank: rank, RetrievedAt: now}
		for i, fd := range fields {
			name := string(fd.Name)
			if i >= len(values) {
				continue
			}
			v := values[i]
			switch {
			case name == "id":
				res.ID = v
			case name == "distance":
				d, _ := toFloat64(v)
				res.Distance = d
				res.Score = opts.Metric.Score(d)
			case name == vectorColumn && opts.IncludeVector:
				vec, err := toVector(v)
				if err != nil {
					return nil, err
				}
				res.Vector = vec
			case name == "metadata" && opts.IncludeMetadata:
				meta, err := toMetadataMap(v)
				if err != nil {
					return nil, err
				}
				res.Metadata = mergeMetadata(res.Metadata, meta)
			default:
				if res.Metadata == nil {
					res.Metadata = make(map[string]interface{})
				}
				res.Metadata[name] = v
			}
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, &SQLError{Message: err.Error()}
	}
	return out, nil
}

func mergeMetadata(dst, src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return dst
	}
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func toFloat64(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("ruvector: unexpected distance type %T", v)
	}
}

// toVector converts a scanned vector column value back into a Vector.
// A pool with pgvector-go's codec registered hands back pgvector.Vector
// values; drivers without it return the column as its text
// representation. All cases are handled.
func toVector(v interface{}) (Vector, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case pgvector.Vector:
		return Vector(t.Slice()), nil
	case string:
		return ParseVectorLiteral(t)
	case []byte:
		return ParseVectorLiteral(string(t))
	case []float32:
		return Vector(t), nil
	default:
		return nil, fmt.Errorf("ruvector: unexpected vector column type %T", v)
	}
}

// toMetadataMap converts a scanned jsonb column value into a map.
func toMetadataMap(v interface{}) (map[string]interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		return t, nil
	case []byte:
		if len(t) == 0 {
			return nil, nil
		}
		var m map[string]interface{}
		if err := json.Unmarshal(t, &m); err != nil {
			return nil, fmt.Errorf("ruvector: malformed metadata: %w", err)
		}
		return m, nil
	case string:
		if t == "" {
			return nil, nil
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(t), &m); err != nil {
			return nil, fmt.Errorf("ruvector: malformed metadata: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("ruvector: unexpected metadata column type %T", v)
	}
}

// BatchSearch runs independent searches concurrently with a bounded
// window via errgroup.Group.SetLimit. A cache slot is not wired in by
// default, so every lookup counts as a miss unless SetCache has been
// called (see cache.go).
func (vo *VectorOperations) BatchSearch(ctx context.Context, queries []SearchOptions, concurrency int) (*BatchSearchResult, error) {
	if len(queries) == 0 {
		return &BatchSearchResult{}, nil
	}
	if concurrency <= 0 {
		concurrency = vo.cfg.Concurrency
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([][]SearchResult, len(queries))
	var cacheMu sync.Mutex
	var cacheStats CacheStats
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	start := time.Now()
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			if vo.cache != nil {
				key := searchCacheKey(q)
				if cached, hit, err := vo.cache.Get(gctx, key); err == nil && hit {
					results[i] = cached
					cacheMu.Lock()
					cacheStats.Hits++
					cacheMu.Unlock()
					return nil
				}
			}
			res, err := vo.Search(gctx, q)
			if err != nil {
				return fmt.Errorf("batch_search[%d]: %w", i, err)
			}
			results[i] = res
			cacheMu.Lock()
			cacheStats.Misses++
			cacheMu.Unlock()
			if vo.cache != nil {
				_ = vo.cache.Set(gctx, searchCacheKey(q), res, vo.cfg.CacheTTL)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	totalMs := float64(time.Since(start).Milliseconds())
	if lookups := cacheStats.Hits + cacheStats.Misses; lookups > 0 {
		cacheStats.HitRate = float64(cacheStats.Hits) / float64(lookups)
	}

	return &BatchSearchResult{
		Results:         results,
		TotalDurationMs: totalMs,
		AvgDurationMs:   totalMs / float64(len(queries)),
		CacheStats:      cacheStats,
	}, nil
}

// indexedItem pairs an insert item with its position in the caller's
// original Items slice so partial failures report the right index even
// after invalid rows have been filtered out of a batch.
type indexedItem struct {
	index int
	item  InsertItem
}

func indexItems(items []InsertItem) []indexedItem {
	out := make([]indexedItem, len(items))
	for i, item := range items {
		out[i] = indexedItem{index: i, item: item}
	}
	return out
}

// splitByConflictTarget partitions a window into sub-batches whose
// conflict-target ids are unique within each batch. A single INSERT ...
// ON CONFLICT DO UPDATE statement cannot affect the same row twice, so
// duplicate ids must land in separate statements, executed in input
// order so the last write wins. Non-upsert windows pass through whole;
// items with generated ids never collide.
func splitByConflictTarget(opts InsertOptions, window []indexedItem) [][]indexedItem {
	if !opts.Upsert {
		return [][]indexedItem{window}
	}
	var batches [][]indexedItem
	remaining := window
	for len(remaining) > 0 {
		seen := make(map[interface{}]struct{}, len(remaining))
		var batch, deferred []indexedItem
		for _, it := range remaining {
			if it.item.ID == nil {
				batch = append(batch, it)
				continue
			}
			if _, dup := seen[it.item.ID]; dup {
				deferred = append(deferred, it)
				continue
			}
			seen[it.item.ID] = struct{}{}
			batch = append(batch, it)
		}
		batches = append(batches, batch)
		remaining = deferred
	}
	return batches
}

// Insert performs a batched multi-row insert, splitting
// opts.Items into chunks of opts.BatchSize (falling back to the
// bridge's configured default). When SkipInvalid is set, per-row
// validation failures are routed into BatchResult.Errors, and a failed
// batch statement degrades to per-row inserts so rows that can succeed
// still land.
func (vo *VectorOperations) Insert(ctx context.Context, opts InsertOptions) (*BatchResult, error) {
	if len(opts.Items) == 0 {
		return nil, ValidationError{Field: "items", Reason: "must not be empty"}
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = vo.cfg.BatchSize
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	start := time.Now()
	result := &BatchResult{Total: len(opts.Items)}

	for offset := 0; offset < len(opts.Items); offset += batchSize {
		end := offset + batchSize
		if end > len(opts.Items) {
			end = len(opts.Items)
		}

		var window []indexedItem
		for i := offset; i < end; i++ {
			item := opts.Items[i]
			if opts.SkipInvalid {
				if err := item.Vector.Validate(); err != nil {
					result.Failed++
					result.Errors = append(result.Errors, BatchError{Index: i, Message: err.Error(), OffendingItem: item.ID})
					continue
				}
			}
			window = append(window, indexedItem{index: i, item: item})
		}
		if len(window) == 0 {
			continue
		}

		for _, sub := range splitByConflictTarget(opts, window) {
			if err := vo.execInsertBatch(ctx, opts, sub, result); err != nil {
				if !opts.SkipInvalid {
					return nil, err
				}
				vo.insertPerRow(ctx, opts, sub, result)
			}
		}
	}

	result.DurationMs = float64(time.Since(start).Milliseconds())
	if result.DurationMs > 0 {
		result.Throughput = float64(result.Successful) / (result.DurationMs / 1000)
	}
	vo.metrics.RecordVectorsInserted(result.Successful)
	emit(vo.bus, EventVectorBatchComplete, map[string]interface{}{
		"total": result.Total, "successful": result.Successful, "failed": result.Failed,
	})
	return result, nil
}

func (vo *VectorOperations) execInsertBatch(ctx context.Context, opts InsertOptions, batch []indexedItem, result *BatchResult) error {
	items := make([]InsertItem, len(batch))
	for i, it := range batch {
		items[i] = it.item
	}
	sql, args, err := vo.builder.BuildInsert(opts, items)
	if err != nil {
		return err
	}

	if opts.Returning {
		rows, err := vo.conn.Query(ctx, sql, args, vo.cfg.Query.Timeout)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				return &SQLError{Message: err.Error()}
			}
			if len(vals) > 0 {
				result.Results = append(result.Results, vals[0])
			}
		}
		if err := rows.Err(); err != nil {
			return &SQLError{Message: err.Error()}
		}
		result.Successful += len(items)
		return nil
	}

	if _, err := vo.conn.Exec(ctx, sql, args, vo.cfg.Query.Timeout); err != nil {
		return err
	}
	result.Successful += len(items)
	return nil
}

// insertPerRow retries a failed batch one row at a time so rows that
// can succeed still land, recording each failure under its original
// item index.
func (vo *VectorOperations) insertPerRow(ctx context.Context, opts InsertOptions, batch []indexedItem, result *BatchResult) {
	for _, it := range batch {
		if err := vo.execInsertBatch(ctx, opts, []indexedItem{it}, result); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, BatchError{Index: it.index, Message: err.Error(), OffendingItem: it.item.ID})
		}
	}
}

// Update applies a partial update to one row. It returns
// false, not an error, when the id does not match any row.
func (vo *VectorOperations) Update(ctx context.Context, opts UpdateOptions) (bool, error) {
	vectorColumn := vo.cfg.VectorColumn
	if vectorColumn == "" {
		vectorColumn = "embedding"
	}
	sql, args, err := vo.builder.BuildUpdate(opts, vectorColumn)
	if err != nil {
		return false, err
	}
	tag, err := vo.conn.Exec(ctx, sql, args, vo.cfg.Query.Timeout)
	if err != nil {
		return false, err
	}
	updated := tag.RowsAffected() > 0
	if updated {
		vo.metrics.RecordVectorsUpdated(1)
		emit(vo.bus, EventVectorUpdated, map[string]interface{}{"table": opts.Table, "id": opts.ID})
	}
	return updated, nil
}

// Delete removes a single row by id.
func (vo *VectorOperations) Delete(ctx context.Context, opts DeleteOptions) (bool, error) {
	if opts.ID == nil {
		return false, ValidationError{Field: "id", Reason: "must not be nil"}
	}
	sql, args := vo.builder.BuildDelete(opts.Table, opts.ID)
	tag, err := vo.conn.Exec(ctx, sql, args, vo.cfg.Query.Timeout)
	if err != nil {
		return false, err
	}
	deleted := tag.RowsAffected() > 0
	if deleted {
		vo.metrics.RecordVectorsDeleted(1)
	}
	return deleted, nil
}

// BulkDelete removes every row whose id is in opts.IDs.
func (vo *VectorOperations) BulkDelete(ctx context.Context, opts DeleteOptions) (*BatchResult, error) {
	if len(opts.IDs) == 0 {
		return nil, ValidationError{Field: "ids", Reason: "must not be empty"}
	}
	start := time.Now()
	sql, args := vo.builder.BuildBulkDelete(opts.Table, opts.IDs)
	tag, err := vo.conn.Exec(ctx, sql, args, vo.cfg.Query.Timeout)
	if err != nil {
		return nil, err
	}
	n := int(tag.RowsAffected())
	result := &BatchResult{
		Total:      len(opts.IDs),
		Successful: n,
		Failed:     len(opts.IDs) - n,
		DurationMs: float64(time.Since(start).Milliseconds()),
	}
	vo.metrics.RecordVectorsDeleted(n)
	return result, nil
}

// ddlTimeout is generous relative to cfg.Query.Timeout: CREATE INDEX
// CONCURRENTLY on a large table can run far longer than a typical
// statement.
const ddlTimeout = 10 * time.Minute

// CreateIndex builds and runs the index DDL described by opts.
// IndexFlat is a documented no-op.
func (vo *VectorOperations) CreateIndex(ctx context.Context, opts IndexOptions) error {
	sql, err := vo.builder.BuildCreateIndex(opts)
	if err != nil {
		return err
	}
	if sql == "" {
		return nil
	}
	if _, err := vo.conn.Exec(ctx, sql, nil, ddlTimeout); err != nil {
		return err
	}
	emit(vo.bus, EventIndexCreated, map[string]interface{}{
		"index_name": opts.IndexName, "table": opts.Table, "column": opts.Column, "index_type": string(opts.IndexType),
	})
	return nil
}

// DropIndex drops a named index.
func (vo *VectorOperations) DropIndex(ctx context.Context, indexName string, ifExists bool) error {
	sql := vo.builder.BuildDropIndex(indexName, ifExists)
	if _, err := vo.conn.Exec(ctx, sql, nil, ddlTimeout); err != nil {
		return err
	}
	emit(vo.bus, EventIndexDropped, map[string]interface{}{"index_name": indexName})
	return nil
}

// RebuildIndex reindexes a named index in place.
func (vo *VectorOperations) RebuildIndex(ctx context.Context, indexName string) error {
	sql := vo.builder.BuildRebuildIndex(indexName)
	if _, err := vo.conn.Exec(ctx, sql, nil, ddlTimeout); err != nil {
		return err
	}
	emit(vo.bus, EventIndexRebuilt, map[string]interface{}{"index_name": indexName})
	return nil
}

const indexStatsQuery = `
SELECT
	c.relname AS index_name,
	am.amname AS index_type,
	pg_relation_size(c.oid) AS size_bytes,
	COALESCE(t.reltuples, 0)::bigint AS num_vectors,
	COALESCE(s.idx_scan, 0) AS scans,
	COALESCE(s.idx_tup_read, 0) AS tuples_read,
	COALESCE(s.idx_tup_fetch, 0) AS tuples_fetched
FROM pg_class c
JOIN pg_index i ON i.indexrelid = c.oid
JOIN pg_class t ON t.oid = i.indrelid
JOIN pg_am am ON am.oid = c.relam
LEFT JOIN pg_stat_user_indexes s ON s.indexrelid = c.oid
`

// IndexStats reports one index's observed state, sourced from
// pg_stat_user_indexes joined against pg_class.
func (vo *VectorOperations) IndexStats(ctx context.Context, indexName string) (*IndexStats, error) {
	rows, err := vo.conn.Query(ctx, indexStatsQuery+" WHERE c.relname = $1", []interface{}{indexName}, vo.cfg.Query.Timeout)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats, err := scanIndexStatsRows(rows)
	if err != nil {
		return nil, err
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("ruvector: index %q not found", indexName)
	}
	return &stats[0], nil
}

// ListIndices reports every index defined on a table, whatever its
// access method.
func (vo *VectorOperations) ListIndices(ctx context.Context, table string) ([]IndexStats, error) {
	rows, err := vo.conn.Query(ctx, indexStatsQuery+" WHERE t.relname = $1", []interface{}{table}, vo.cfg.Query.Timeout)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIndexStatsRows(rows)
}

func scanIndexStatsRows(rows pgx.Rows) ([]IndexStats, error) {
	var out []IndexStats
	for rows.Next() {
		var s IndexStats
		if err := rows.Scan(&s.Name, &s.Type, &s.SizeBytes, &s.NumVectors, &s.Scans, &s.TuplesRead, &s.TuplesFetched); err != nil {
			return nil, &SQLError{Message: err.Error()}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, &SQLError{Message: err.Error()}
	}
	return out, nil
}

const statsOverviewQuery = `
WITH vector_tables AS (
	SELECT DISTINCT c.oid, c.reltuples
	FROM pg_class c
	JOIN pg_attribute a ON a.attrelid = c.oid
	JOIN pg_type ty ON ty.oid = a.atttypid
	WHERE ty.typname = 'vector' AND c.relkind = 'r' AND NOT a.attisdropped
)
SELECT
	(SELECT count(*) FROM vector_tables),
	COALESCE((SELECT sum(reltuples) FROM vector_tables), 0)::bigint,
	COALESCE((SELECT sum(pg_total_relation_size(oid)) FROM vector_tables), 0),
	(SELECT count(*) FROM pg_class ic JOIN pg_am am ON am.oid = ic.relam WHERE am.amname IN ('hnsw', 'ivfflat'))
`

// GetStats aggregates cluster-wide vector table stats with the
// bridge's in-process metrics.
func (vo *VectorOperations) GetStats(ctx context.Context) (*StatsOverview, error) {
	rows, err := vo.conn.Query(ctx, statsOverviewQuery, nil, vo.cfg.Query.Timeout)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overview StatsOverview
	if rows.Next() {
		if err := rows.Scan(&overview.VectorTables, &overview.EstimatedRows, &overview.TotalRelationSize, &overview.IndexCount); err != nil {
			return nil, &SQLError{Message: err.Error()}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &SQLError{Message: err.Error()}
	}
	overview.Metrics = vo.metrics.Snapshot()
	return &overview, nil
}
