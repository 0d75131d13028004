package ruvector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// StreamingEngine iterates large result sets via server-side cursors
// and ingests large input sequences with bounded memory. Go has no
// native async generator, so both directions are modeled explicitly: a
// pull-based cursor object for search (Next/Close) and a channel for
// insert, both driven through the pinned-connection machinery the
// Connection Manager exposes via AcquireTx/ReleaseTx.
type StreamingEngine struct {
	conn    *ConnectionManager
	builder *SQLBuilder
	ops     *VectorOperations
	metrics *Metrics
	bus     EventBus
	logger  Logger
	cfg     Config

	mu            sync.Mutex
	activeCursors map[string]*SearchStream
}

func newStreamingEngine(conn *ConnectionManager, builder *SQLBuilder, ops *VectorOperations, metrics *Metrics, bus EventBus, logger Logger, cfg Config) *StreamingEngine {
	return &StreamingEngine{
		conn: conn, builder: builder, ops: ops, metrics: metrics, bus: bus, logger: logger, cfg: cfg,
		activeCursors: make(map[string]*SearchStream),
	}
}

// State reports the engine's currently live cursors.
func (se *StreamingEngine) State() StreamState {
	se.mu.Lock()
	defer se.mu.Unlock()
	cursors := make([]string, 0, len(se.activeCursors))
	for name := range se.activeCursors {
		cursors = append(cursors, name)
	}
	return StreamState{HighWaterMark: se.cfg.HighWaterMark, ActiveCursors: cursors}
}

func (se *StreamingEngine) trackCursor(name string, stream *SearchStream) {
	se.mu.Lock()
	se.activeCursors[name] = stream
	se.mu.Unlock()
}

func (se *StreamingEngine) untrackCursor(name string) {
	se.mu.Lock()
	delete(se.activeCursors, name)
	se.mu.Unlock()
}

// CloseAll aborts every stream with a live cursor. Bridge shutdown
// calls this before draining the pool — a pinned cursor transaction
// would otherwise hold its connection open past shutdown.
func (se *StreamingEngine) CloseAll(ctx context.Context) {
	se.mu.Lock()
	streams := make([]*SearchStream, 0, len(se.activeCursors))
	for _, s := range se.activeCursors {
		streams = append(streams, s)
	}
	se.mu.Unlock()

	for _, s := range streams {
		_ = s.Abort(ctx)
	}
}

// streamControl implements the pause()/resume() drain-signal contract
// shared by SearchStream and stream insertion. resume() fulfills any
// pending drain and clears it; the consumer observes pause only at
// batch boundaries.
type streamControl struct {
	mu     sync.Mutex
	paused bool
	drain  chan struct{}
}

func newStreamControl() *streamControl {
	return &streamControl{drain: make(chan struct{})}
}

func (c *streamControl) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *streamControl) Resume() {
	c.mu.Lock()
	if c.paused {
		c.paused = false
		close(c.drain)
		c.drain = make(chan struct{})
	}
	c.mu.Unlock()
}

func (c *streamControl) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *streamControl) awaitResume(ctx context.Context) error {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return nil
	}
	ch := c.drain
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SearchStream is a finite, not-restartable pull iterator over a
// stream_search result set.
type SearchStream struct {
	*streamControl

	engine       *StreamingEngine
	mode         StreamMode
	opts         SearchOptions
	vectorColumn string
	batchSize    int

	tx         pgx.Tx
	cursorName string

	builtSQL  string
	builtArgs []interface{}

	buffer       []SearchResult
	bufIdx       int
	totalYielded int
	offset       int
	done         bool
	closed       bool
}

// StreamSearch opens a lazy, finite iterator over a potentially large
// result set. The returned stream must be drained to
// completion or explicitly Closed/Aborted — every exit path releases
// the pinned connection and any cursor.
func (se *StreamingEngine) StreamSearch(ctx context.Context, opts StreamSearchOptions) (*SearchStream, error) {
	mode := opts.Mode
	if mode == "" {
		mode = StreamCursor
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = se.cfg.StreamBatch
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	searchOpts := opts.SearchOptions
	if searchOpts.Metric == "" {
		searchOpts.Metric = MetricCosine
	}

	built, err := se.builder.BuildSearch(searchOpts)
	if err != nil {
		return nil, err
	}

	vectorColumn := searchOpts.VectorColumn
	if vectorColumn == "" {
		vectorColumn = se.cfg.VectorColumn
	}
	if vectorColumn == "" {
		vectorColumn = "embedding"
	}

	stream := &SearchStream{
		streamControl: newStreamControl(),
		engine:        se,
		mode:          mode,
		opts:          searchOpts,
		vectorColumn:  vectorColumn,
		batchSize:     batchSize,
		builtSQL:      built.SQL,
		builtArgs:     built.Args,
	}

	if mode == StreamPagination {
		return stream, nil
	}

	tx, err := se.conn.AcquireTx(ctx)
	if err != nil {
		return nil, err
	}
	for _, sp := range built.SessionParams {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL %s = %d", sp.Name, sp.Value)); err != nil {
			_ = tx.Rollback(ctx)
			se.conn.ReleaseTx()
			return nil, &SQLError{Message: err.Error()}
		}
	}
	cursorName := "ruv_cur_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	declareSQL := fmt.Sprintf("DECLARE %s CURSOR WITH HOLD FOR %s", quoteIdent(cursorName), built.SQL)
	if _, err := tx.Exec(ctx, declareSQL, built.Args...); err != nil {
		_ = tx.Rollback(ctx)
		se.conn.ReleaseTx()
		return nil, &SQLError{Message: err.Error()}
	}

	stream.tx = tx
	stream.cursorName = cursorName
	se.trackCursor(cursorName, stream)
	return stream, nil
}

// Next advances the stream by one result. The second return value is
// false when the stream is exhausted; callers must stop iterating at
// that point. Next tears the stream down on its own
// once exhausted, so an explicit Close after a (_, false, nil) return
// is a harmless no-op.
func (s *SearchStream) Next(ctx context.Context) (SearchResult, bool, error) {
	if s.closed {
		return SearchResult{}, false, nil
	}
	if s.bufIdx >= len(s.buffer) {
		if s.done {
			_ = s.teardown(ctx, false)
			return SearchResult{}, false, nil
		}
		if err := s.awaitResume(ctx); err != nil {
			_ = s.teardown(ctx, true)
			return SearchResult{}, false, err
		}
		if err := s.fetchBatch(ctx); err != nil {
			_ = s.teardown(ctx, true)
			return SearchResult{}, false, err
		}
		if len(s.buffer) == 0 {
			_ = s.teardown(ctx, false)
			return SearchResult{}, false, nil
		}
	}
	res := s.buffer[s.bufIdx]
	s.bufIdx++
	return res, true, nil
}

func (s *SearchStream) fetchBatch(ctx context.Context) error {
	var rows pgx.Rows
	var err error

	if s.mode == StreamCursor {
		rows, err = s.tx.Query(ctx, fmt.Sprintf("FETCH %d FROM %s", s.batchSize, quoteIdent(s.cursorName)))
	} else {
		argIndex := len(s.builtArgs) + 1
		pageSQL := fmt.Sprintf("SELECT * FROM (%s) AS ruvector_page ORDER BY distance ASC LIMIT $%d OFFSET $%d",
			s.builtSQL, argIndex, argIndex+1)
		args := append(append([]interface{}{}, s.builtArgs...), s.batchSize, s.offset)
		rows, err = s.engine.conn.Query(ctx, pageSQL, args, s.engine.cfg.Query.Timeout)
	}
	if err != nil {
		return err
	}
	defer rows.Close()

	batch, err := scanSearchRows(rows, s.opts, s.vectorColumn)
	if err != nil {
		return err
	}
	for i := range batch {
		batch[i].Rank = s.totalYielded + i + 1
	}
	s.totalYielded += len(batch)
	s.offset += len(batch)
	s.buffer = batch
	s.bufIdx = 0
	if len(batch) < s.batchSize {
		s.done = true
	}
	return nil
}

// teardown releases the cursor (cursor mode only) and the pinned
// connection on every exit path, unconditionally. A
// failed stream rolls its transaction back; a clean finish commits.
func (s *SearchStream) teardown(ctx context.Context, failed bool) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.mode != StreamCursor || s.tx == nil {
		return nil
	}

	var err error
	if _, cerr := s.tx.Exec(ctx, fmt.Sprintf("CLOSE %s", quoteIdent(s.cursorName))); cerr != nil {
		err = cerr
	}
	s.engine.untrackCursor(s.cursorName)

	if failed {
		if rerr := s.tx.Rollback(ctx); rerr != nil && err == nil {
			err = rerr
		}
	} else {
		if cerr := s.tx.Commit(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.engine.conn.ReleaseTx()
	return err
}

// Close releases the stream's resources immediately, as a successful
// (commit) exit. Safe to call after the stream has already drained.
func (s *SearchStream) Close(ctx context.Context) error {
	return s.teardown(ctx, false)
}

// Abort closes every cursor this stream holds and emits the "abort"
// event. It does not interrupt a fetch already in
// flight — Go's synchronous call stack means no fetch can be
// in-flight when Abort runs on the same goroutine that drives Next.
func (s *SearchStream) Abort(ctx context.Context) error {
	emit(s.engine.bus, EventStreamAbort, map[string]interface{}{"cursor": s.cursorName})
	return s.teardown(ctx, true)
}

// flushInsertBatch inserts items atomically, falling back to per-row
// inserts and reporting each row's outcome individually when the batch
// statement itself fails. RETURNING preserves the VALUES list order
// for a plain multi-row INSERT, which is what lets per-row results be
// matched back to their source index.
func (se *StreamingEngine) flushInsertBatch(ctx context.Context, batchIndex int, items []InsertItem, opts InsertOptions, out chan<- StreamInsertResult) {
	returning := opts
	returning.Returning = true

	sql, args, err := se.builder.BuildInsert(returning, items)
	if err == nil {
		if rows, qerr := se.conn.Query(ctx, sql, args, se.cfg.Query.Timeout); qerr == nil {
			idx := 0
			for rows.Next() {
				vals, verr := rows.Values()
				var id interface{}
				if verr == nil && len(vals) > 0 {
					id = vals[0]
				}
				out <- StreamInsertResult{BatchIndex: batchIndex, ItemIndex: idx, Success: true, ID: id}
				idx++
			}
			rows.Close()
			se.metrics.RecordVectorsInserted(idx)
			return
		}
	}

	for i, item := range items {
		rowSQL, rowArgs, rerr := se.builder.BuildInsert(returning, []InsertItem{item})
		if rerr != nil {
			out <- StreamInsertResult{BatchIndex: batchIndex, ItemIndex: i, Success: false, Error: rerr.Error()}
			continue
		}
		rows, qerr := se.conn.Query(ctx, rowSQL, rowArgs, se.cfg.Query.Timeout)
		if qerr != nil {
			out <- StreamInsertResult{BatchIndex: batchIndex, ItemIndex: i, Success: false, Error: qerr.Error()}
			continue
		}
		var id interface{}
		if rows.Next() {
			vals, _ := rows.Values()
			if len(vals) > 0 {
				id = vals[0]
			}
		}
		rows.Close()
		out <- StreamInsertResult{BatchIndex: batchIndex, ItemIndex: i, Success: true, ID: id}
		se.metrics.RecordVectorsInserted(1)
	}
}

// InsertStream is the handle returned by StreamInsert: a receive-only
// channel of per-item outcomes plus backpressure control.
type InsertStream struct {
	*streamControl
	Results <-chan StreamInsertResult
}

// StreamInsert ingests entries from a source channel in bounded-memory
// batches. The caller closes entries to signal source
// exhaustion; StreamInsert closes Results once every item (including
// the flushed tail) has been reported.
func (se *StreamingEngine) StreamInsert(ctx context.Context, entries <-chan InsertItem, opts InsertOptions) *InsertStream {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = se.cfg.StreamBatch
	}
	if batchSize <= 0 {
		batchSize = 1000
	}

	out := make(chan StreamInsertResult)
	ctrl := newStreamControl()

	go func() {
		defer close(out)
		var buf []InsertItem
		batchIndex := 0

		flush := func() {
			if len(buf) == 0 {
				return
			}
			if err := ctrl.awaitResume(ctx); err != nil {
				for i := range buf {
					out <- StreamInsertResult{BatchIndex: batchIndex, ItemIndex: i, Success: false, Error: err.Error()}
				}
				buf = buf[:0]
				return
			}
			se.flushInsertBatch(ctx, batchIndex, buf, opts, out)
			batchIndex++
			buf = buf[:0]
		}

		for {
			select {
			case item, ok := <-entries:
				if !ok {
					flush()
					return
				}
				buf = append(buf, item)
				if len(buf) >= batchSize {
					flush()
				}
			case <-ctx.Done():
				flush()
				return
			}
		}
	}()

	return &InsertStream{streamControl: ctrl, Results: out}
}
