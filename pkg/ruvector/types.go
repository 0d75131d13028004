package ruvector

import (
	"time"
)

// SearchOptions parameterizes a single vector similarity search.
type SearchOptions struct {
	QueryVector     Vector
	K               int
	Metric          DistanceMetric
	Table           string
	VectorColumn    string
	SelectColumns   []string
	IncludeVector   bool
	IncludeMetadata bool
	Filter          map[string]interface{} // "metadata" key uses JSONB containment
	CustomWhere     string
	CustomWhereArgs []interface{}
	Threshold       *float64
	MaxDistance     *float64
	Timeout         time.Duration
	EfSearch        *int
	Probes          *int
}

// SearchResult is a single ranked row returned from search/stream_search.
// Rank is 1-based in returned order.
type SearchResult struct {
	ID          interface{}
	Score       float64
	Distance    float64
	Rank        int
	RetrievedAt time.Time
	Vector      Vector
	Metadata    map[string]interface{}
}

// InsertItem is one row of an insert() call. ID is
// optional; when omitted the database generates one via
// gen_random_uuid().
type InsertItem struct {
	ID       interface{}
	Vector   Vector
	Metadata map[string]interface{}
}

// InsertOptions parameterizes a batch insert.
type InsertOptions struct {
	Table            string
	VectorColumn     string
	BatchSize        int
	Upsert           bool
	ConflictColumns  []string
	Returning        bool
	SkipInvalid      bool
	Items            []InsertItem
}

// BatchError records one failed item in a batch operation, identified
// by its original index so partial failure is observable without
// throwing.
type BatchError struct {
	Index         int
	Message       string
	OffendingItem interface{}
}

// BatchResult is the outcome of insert/bulk_delete.
type BatchResult struct {
	Total      int
	Successful int
	Failed     int
	Results    []interface{} // ids, when Returning was requested
	Errors     []BatchError
	DurationMs float64
	Throughput float64
}

// UpdateOptions parameterizes update().
type UpdateOptions struct {
	Table          string
	ID             interface{}
	Vector         Vector
	Metadata       map[string]interface{}
	MergeMetadata  bool
}

// DeleteOptions parameterizes delete()/bulk_delete().
type DeleteOptions struct {
	Table string
	ID    interface{}
	IDs   []interface{}
}

// IndexOptions parameterizes create_index().
type IndexOptions struct {
	Table          string
	Column         string
	IndexName      string
	IndexType      IndexType
	Metric         DistanceMetric
	M              int
	EfConstruction int
	Lists          int
	Concurrent     bool
	Replace        bool
}

// IndexStats describes one index's observed state,
// sourced from pg_stat_user_indexes joined on pg_class.
type IndexStats struct {
	Name         string
	Type         string
	NumVectors   int64
	SizeBytes    int64
	BuildTimeMs  *int64
	LastRebuild  *time.Time
	Params       map[string]interface{}
	Scans        int64
	TuplesRead   int64
	TuplesFetched int64
}

// PoolStats is a snapshot-consistent view of pool occupancy.
type PoolStats struct {
	Total   int
	Idle    int
	Waiting int
}

// BatchSearchResult is the outcome of batch_search().
type BatchSearchResult struct {
	Results         [][]SearchResult
	TotalDurationMs float64
	AvgDurationMs   float64
	CacheStats      CacheStats
}

// CacheStats reports the optional per-search cache slot's hit ratio.
// Without a cache wired in, every lookup is a miss.
type CacheStats struct {
	Hits    int
	Misses  int
	HitRate float64
}

// StatsOverview aggregates cluster-wide vector table stats with
// in-process metrics).
type StatsOverview struct {
	VectorTables     int64
	EstimatedRows    int64
	TotalRelationSize int64
	IndexCount       int64
	Metrics          MetricsSnapshot
}

// StreamMode selects how stream_search paginates through a large
// result set.
type StreamMode string

const (
	// StreamCursor opens a server-side WITH HOLD cursor inside a
	// dedicated transaction — the default mode.
	StreamCursor StreamMode = "cursor"
	// StreamPagination walks the result set with LIMIT/OFFSET and
	// requires no transaction, at the cost of a snapshot guarantee.
	StreamPagination StreamMode = "pagination"
)

// StreamSearchOptions parameterizes stream_search.
type StreamSearchOptions struct {
	SearchOptions
	BatchSize int
	Mode      StreamMode
}

// StreamState is a snapshot of a Streaming Engine's live resources.
type StreamState struct {
	Paused           bool
	HighWaterMark    int
	ActiveCursors    []string
}

// StreamInsertResult is one entry of stream_insert's output sequence.
// Error is empty on success.
type StreamInsertResult struct {
	BatchIndex int
	ItemIndex  int
	Success    bool
	ID         interface{}
	Error      string
}
