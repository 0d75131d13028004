package ruvector

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SQLBuilder synthesizes (sql, params) pairs from typed options.
// Identifiers go through quoteIdent, operators and op-classes through
// the enum-validated lookups in metric.go/index.go, and filter,
// threshold, metadata and id values through placeholders. Validated
// vector literals and integer settings (LIMIT, ef_search, probes,
// index parameters) are inlined, and a CustomWhere fragment is spliced
// in verbatim apart from its $n placeholders being renumbered.
type SQLBuilder struct {
	Schema string
}

// NewSQLBuilder constructs a builder scoped to an optional schema.
func NewSQLBuilder(schema string) *SQLBuilder {
	return &SQLBuilder{Schema: schema}
}

// quoteIdent quotes an identifier by doubling embedded double quotes
// and wrapping in double quotes. Quoting an already-quoted identifier
// is not idempotent (its quotes are doubled again), but the result is
// still a single unambiguous token and never opens an injection vector.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (b *SQLBuilder) qualifiedTable(table string) string {
	if b.Schema == "" {
		return quoteIdent(table)
	}
	return quoteIdent(b.Schema) + "." + quoteIdent(table)
}

// SessionParam is a query-scoped tuning knob (ef_search/probes) that
// must be applied via SET/SET LOCAL before the search runs, because it
// cannot be folded into the statement itself.
type SessionParam struct {
	Name  string
	Value int
}

// BuiltSearch is the output of BuildSearch: the statement, its bound
// parameters, and any session parameters the caller must apply first.
type BuiltSearch struct {
	SQL           string
	Args          []interface{}
	SessionParams []SessionParam
}

// BuildSearch synthesizes a vector similarity search.
func (b *SQLBuilder) BuildSearch(opts SearchOptions) (*BuiltSearch, error) {
	if opts.K < 1 {
		return nil, ValidationError{Field: "k", Reason: "must be >= 1"}
	}
	if !opts.Metric.Valid() {
		return nil, ValidationError{Field: "metric", Reason: fmt.Sprintf("unknown metric %q", opts.Metric)}
	}
	if opts.Table == "" {
		return nil, ValidationError{Field: "table", Reason: "must not be empty"}
	}
	op, err := opts.Metric.Operator()
	if err != nil {
		return nil, err
	}
	if err := opts.QueryVector.Validate(); err != nil {
		return nil, err
	}

	vectorColumn := opts.VectorColumn
	if vectorColumn == "" {
		vectorColumn = "embedding"
	}

	var args []interface{}
	argIndex := 1
	nextPlaceholder := func(v interface{}) string {
		args = append(args, v)
		p := fmt.Sprintf("$%d", argIndex)
		argIndex++
		return p
	}

	distanceExpr := fmt.Sprintf("%s %s %s", quoteIdent(vectorColumn), op, opts.QueryVector.TypedLiteral())

	var cols []string
	if len(opts.SelectColumns) == 0 {
		cols = append(cols, "*")
	} else {
		for _, c := range opts.SelectColumns {
			cols = append(cols, quoteIdent(c))
		}
	}
	if opts.IncludeVector {
		cols = append(cols, quoteIdent(vectorColumn))
	}
	if opts.IncludeMetadata {
		cols = append(cols, quoteIdent("metadata"))
	}
	cols = append(cols, fmt.Sprintf("(%s) AS distance", distanceExpr))

	var where []string

	if opts.Threshold != nil {
		where = append(where, opts.Metric.ThresholdClause(distanceExpr, nextPlaceholder(*opts.Threshold)))
	}
	if opts.MaxDistance != nil {
		where = append(where, opts.Metric.MaxDistanceClause(distanceExpr, nextPlaceholder(*opts.MaxDistance)))
	}

	// Filter keys are AND-joined; "metadata" uses JSONB containment,
	// every other key is a plain equality.
	for _, key := range sortedKeys(opts.Filter) {
		value := opts.Filter[key]
		if key == "metadata" {
			where = append(where, fmt.Sprintf("metadata @> %s::jsonb", nextPlaceholder(value)))
		} else {
			where = append(where, fmt.Sprintf("%s = %s", quoteIdent(key), nextPlaceholder(value)))
		}
	}

	if opts.CustomWhere != "" {
		reindexed, extra := reindexPlaceholders(opts.CustomWhere, argIndex)
		where = append(where, "("+reindexed+")")
		args = append(args, opts.CustomWhereArgs...)
		argIndex += extra
	}

	sql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), b.qualifiedTable(opts.Table))
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += fmt.Sprintf(" ORDER BY (%s) ASC LIMIT %d", distanceExpr, opts.K)

	var sessionParams []SessionParam
	if opts.EfSearch != nil {
		if err := validatePositiveInt("ef_search", *opts.EfSearch); err != nil {
			return nil, err
		}
		sessionParams = append(sessionParams, SessionParam{Name: "hnsw.ef_search", Value: *opts.EfSearch})
	}
	if opts.Probes != nil {
		if err := validatePositiveInt("probes", *opts.Probes); err != nil {
			return nil, err
		}
		sessionParams = append(sessionParams, SessionParam{Name: "ivfflat.probes", Value: *opts.Probes})
	}

	return &BuiltSearch{SQL: sql, Args: args, SessionParams: sessionParams}, nil
}

// BuildInsert synthesizes a multi-row INSERT for a single batch.
// Items must be non-empty.
func (b *SQLBuilder) BuildInsert(opts InsertOptions, items []InsertItem) (string, []interface{}, error) {
	if len(items) == 0 {
		return "", nil, ValidationError{Field: "items", Reason: "batch must not be empty"}
	}
	vectorColumn := opts.VectorColumn
	if vectorColumn == "" {
		vectorColumn = "embedding"
	}

	var args []interface{}
	argIndex := 1
	nextPlaceholder := func(v interface{}) string {
		args = append(args, v)
		p := fmt.Sprintf("$%d", argIndex)
		argIndex++
		return p
	}

	var rows []string
	for _, item := range items {
		if err := item.Vector.Validate(); err != nil {
			return "", nil, err
		}
		var idExpr string
		if item.ID == nil {
			idExpr = "gen_random_uuid()"
		} else {
			idExpr = nextPlaceholder(item.ID)
		}
		metaExpr := "NULL"
		if item.Metadata != nil {
			metaExpr = nextPlaceholder(item.Metadata) + "::jsonb"
		}
		rows = append(rows, fmt.Sprintf("(%s, %s, %s)", idExpr, item.Vector.TypedLiteral(), metaExpr))
	}

	sql := fmt.Sprintf("INSERT INTO %s (id, %s, metadata) VALUES %s",
		b.qualifiedTable(opts.Table), quoteIdent(vectorColumn), strings.Join(rows, ", "))

	if opts.Upsert {
		conflictCols := opts.ConflictColumns
		if len(conflictCols) == 0 {
			conflictCols = []string{"id"}
		}
		quoted := make([]string, len(conflictCols))
		for i, c := range conflictCols {
			quoted[i] = quoteIdent(c)
		}
		sql += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s = EXCLUDED.%s, metadata = EXCLUDED.metadata",
			strings.Join(quoted, ", "), quoteIdent(vectorColumn), quoteIdent(vectorColumn))
	}
	if opts.Returning {
		sql += " RETURNING id"
	}

	return sql, args, nil
}

// BuildUpdate synthesizes an UPDATE with a dynamically built SET list
// from non-nil fields.
func (b *SQLBuilder) BuildUpdate(opts UpdateOptions, vectorColumn string) (string, []interface{}, error) {
	if opts.ID == nil {
		return "", nil, ValidationError{Field: "id", Reason: "must not be nil"}
	}
	if vectorColumn == "" {
		vectorColumn = "embedding"
	}

	var args []interface{}
	argIndex := 1
	nextPlaceholder := func(v interface{}) string {
		args = append(args, v)
		p := fmt.Sprintf("$%d", argIndex)
		argIndex++
		return p
	}

	var sets []string
	if opts.Vector != nil {
		if err := opts.Vector.Validate(); err != nil {
			return "", nil, err
		}
		sets = append(sets, fmt.Sprintf("%s = %s", quoteIdent(vectorColumn), opts.Vector.TypedLiteral()))
	}
	if opts.Metadata != nil {
		placeholder := nextPlaceholder(opts.Metadata)
		if opts.MergeMetadata {
			sets = append(sets, fmt.Sprintf("metadata = metadata || %s::jsonb", placeholder))
		} else {
			sets = append(sets, fmt.Sprintf("metadata = %s::jsonb", placeholder))
		}
	}
	if len(sets) == 0 {
		return "", nil, ValidationError{Field: "update", Reason: "no fields to update"}
	}

	idPlaceholder := nextPlaceholder(opts.ID)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s", b.qualifiedTable(opts.Table), strings.Join(sets, ", "), idPlaceholder)
	return sql, args, nil
}

// BuildDelete synthesizes a single-row delete by id.
func (b *SQLBuilder) BuildDelete(table string, id interface{}) (string, []interface{}) {
	sql := fmt.Sprintf("DELETE FROM %s WHERE id = $1", b.qualifiedTable(table))
	return sql, []interface{}{id}
}

// BuildBulkDelete synthesizes a multi-id delete.
func (b *SQLBuilder) BuildBulkDelete(table string, ids []interface{}) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	for i := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", b.qualifiedTable(table), strings.Join(placeholders, ", "))
	return sql, ids
}

// BuildCreateIndex synthesizes index DDL. flat is a no-op: no DDL is
// emitted.
func (b *SQLBuilder) BuildCreateIndex(opts IndexOptions) (string, error) {
	if !opts.IndexType.Valid() {
		return "", ValidationError{Field: "index_type", Reason: fmt.Sprintf("unknown index type %q", opts.IndexType)}
	}
	accessMethod, ok := opts.IndexType.accessMethod()
	if !ok {
		return "", nil // flat: brute force, nothing to build
	}
	if opts.IndexName == "" {
		return "", ValidationError{Field: "index_name", Reason: "must not be empty"}
	}
	if opts.Column == "" {
		return "", ValidationError{Field: "column", Reason: "must not be empty"}
	}

	opClass := OperatorClass(accessMethod, opts.Metric)

	var sb strings.Builder
	if opts.Replace {
		sb.WriteString(fmt.Sprintf("DROP INDEX IF EXISTS %s; ", quoteIdent(opts.IndexName)))
	}
	sb.WriteString("CREATE INDEX ")
	if opts.Concurrent {
		sb.WriteString("CONCURRENTLY ")
	}
	sb.WriteString(fmt.Sprintf("%s ON %s USING %s (%s %s)",
		quoteIdent(opts.IndexName), b.qualifiedTable(opts.Table), accessMethod, quoteIdent(opts.Column), opClass))

	var withParams []string
	switch accessMethod {
	case "hnsw":
		if opts.M > 0 {
			withParams = append(withParams, fmt.Sprintf("m = %d", opts.M))
		}
		if opts.EfConstruction > 0 {
			withParams = append(withParams, fmt.Sprintf("ef_construction = %d", opts.EfConstruction))
		}
	case "ivfflat":
		if opts.Lists > 0 {
			withParams = append(withParams, fmt.Sprintf("lists = %d", opts.Lists))
		}
	}
	if len(withParams) > 0 {
		sb.WriteString(fmt.Sprintf(" WITH (%s)", strings.Join(withParams, ", ")))
	}

	return sb.String(), nil
}

// BuildDropIndex synthesizes DROP INDEX [IF EXISTS].
func (b *SQLBuilder) BuildDropIndex(indexName string, ifExists bool) string {
	if ifExists {
		return fmt.Sprintf("DROP INDEX IF EXISTS %s", quoteIdent(indexName))
	}
	return fmt.Sprintf("DROP INDEX %s", quoteIdent(indexName))
}

// BuildRebuildIndex synthesizes REINDEX INDEX.
func (b *SQLBuilder) BuildRebuildIndex(indexName string) string {
	return fmt.Sprintf("REINDEX INDEX %s", quoteIdent(indexName))
}

// reindexPlaceholders rewrites a custom WHERE fragment's $1, $2, ...
// placeholders to start at startIndex, so the fragment can be spliced
// into a query that already consumed earlier argument slots.
// Returns the rewritten fragment and the count of placeholders it consumed.
func reindexPlaceholders(where string, startIndex int) (string, int) {
	var sb strings.Builder
	maxSeen := 0
	i := 0
	for i < len(where) {
		c := where[i]
		if c == '$' && i+1 < len(where) && where[i+1] >= '0' && where[i+1] <= '9' {
			j := i + 1
			for j < len(where) && where[j] >= '0' && where[j] <= '9' {
				j++
			}
			n, _ := strconv.Atoi(where[i+1 : j])
			if n > maxSeen {
				maxSeen = n
			}
			sb.WriteString("$" + strconv.Itoa(startIndex+n-1))
			i = j
			continue
		}
		sb.WriteByte(c)
		i++
	}
	return sb.String(), maxSeen
}

// sortedKeys returns m's keys in a deterministic order so generated SQL
// (and therefore argument indices) is stable across calls with the
// same filter set.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
