// Command ruvector-bench exercises a RuVector bridge end to end: it
// connects, creates a scratch table, inserts a batch of random vectors,
// builds an HNSW index, runs a handful of similarity searches, and
// prints the resulting metrics and pool snapshot.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/ruvector/ruvector-postgres-bridge/pkg/ruvector"
)

func main() {
	host := flag.String("host", "localhost", "PostgreSQL host")
	port := flag.Int("port", 5432, "PostgreSQL port")
	database := flag.String("database", "ruvector_bench", "database name")
	user := flag.String("user", "postgres", "user")
	password := flag.String("password", os.Getenv("PGPASSWORD"), "password")
	table := flag.String("table", "ruvector_bench_items", "scratch table name")
	dims := flag.Int("dims", 128, "vector dimensionality")
	n := flag.Int("n", 1000, "number of rows to insert")
	k := flag.Int("k", 10, "results per search")
	flag.Parse()

	ctx := context.Background()

	cfg := ruvector.DefaultConfig()
	cfg.Host = *host
	cfg.Port = *port
	cfg.Database = *database
	cfg.User = *user
	cfg.Password = *password
	cfg.Dimensions = *dims

	bridge, err := ruvector.New(ctx, cfg, nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ruvector-bench: connect failed: %v\n", err)
		os.Exit(1)
	}
	defer bridge.Shutdown(ctx)

	if err := run(ctx, bridge, *table, *dims, *n, *k); err != nil {
		fmt.Fprintf(os.Stderr, "ruvector-bench: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, bridge *ruvector.Bridge, table string, dims, n, k int) error {
	ops := bridge.Operations()

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		embedding vector(%d),
		metadata JSONB
	)`, quoteIdent(table), dims)
	if _, err := bridge.Connection().Exec(ctx, ddl, nil, 0); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	items := make([]ruvector.InsertItem, n)
	for i := range items {
		items[i] = ruvector.InsertItem{Vector: randomVector(dims), Metadata: map[string]interface{}{"seq": i}}
	}

	start := time.Now()
	insertResult, err := ops.Insert(ctx, ruvector.InsertOptions{
		Table: table, BatchSize: 200, Returning: true, Items: items,
	})
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	fmt.Printf("inserted %d/%d rows in %s (%.0f rows/s)\n",
		insertResult.Successful, insertResult.Total, time.Since(start), insertResult.Throughput)

	if err := ops.CreateIndex(ctx, ruvector.IndexOptions{
		Table: table, Column: "embedding", IndexName: table + "_hnsw",
		IndexType: ruvector.IndexHNSW, Metric: ruvector.MetricCosine, M: 16, EfConstruction: 64,
	}); err != nil {
		return fmt.Errorf("create_index: %w", err)
	}

	queries := make([]ruvector.SearchOptions, 5)
	for i := range queries {
		queries[i] = ruvector.SearchOptions{
			Table: table, VectorColumn: "embedding", QueryVector: randomVector(dims),
			K: k, Metric: ruvector.MetricCosine,
		}
	}
	batch, err := ops.BatchSearch(ctx, queries, 4)
	if err != nil {
		return fmt.Errorf("batch_search: %w", err)
	}
	fmt.Printf("ran %d searches in %.1fms (avg %.1fms)\n", len(batch.Results), batch.TotalDurationMs, batch.AvgDurationMs)

	stats := bridge.Metrics()
	fmt.Printf("queries=%d succeeded=%d failed=%d avg_ms=%.2f searches=%d vectors_inserted=%d\n",
		stats.QueriesTotal, stats.QueriesSucceeded, stats.QueriesFailed, stats.AvgQueryTimeMs,
		stats.SearchesPerformed, stats.VectorsInserted)

	pool := bridge.PoolStats()
	fmt.Printf("pool: total=%d idle=%d waiting=%d\n", pool.Total, pool.Idle, pool.Waiting)
	return nil
}

// quoteIdent quotes a SQL identifier the way the library does: doubled
// embedded double quotes, wrapped in double quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func randomVector(dims int) ruvector.Vector {
	v := make(ruvector.Vector, dims)
	for i := range v {
		v[i] = rand.Float32()*2 - 1
	}
	return v
}
