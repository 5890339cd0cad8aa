package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/datastelsel/dsogateway/internal/apierror"
	"github.com/datastelsel/dsogateway/internal/schema"
)

// Row is one result row keyed by field-id aliases. Prefetched relations
// attach under their ExpandSpec.EmbedKey.
type Row map[string]any

// Querier is the subset of pgxpool.Pool the executor uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// prefetchChunk is how many main rows are buffered before their
// relations are fetched in one batch per spec.
const prefetchChunk = 100

// forwardCacheSize bounds the per-executor cache of forward-relation
// target rows. Listing pages repeat the same handful of targets
// constantly; the cache collapses those lookups.
const forwardCacheSize = 2000

// Executor runs compiled plans and streams rows with their relation
// prefetches resolved. Safe for concurrent use.
type Executor struct {
	DB       Querier
	Snapshot *schema.Snapshot
	Log      *slog.Logger

	forward *lru.Cache[string, Row]
}

// NewExecutor creates an executor over the given connection source.
func NewExecutor(db Querier, snap *schema.Snapshot, log *slog.Logger) *Executor {
	cache, _ := lru.New[string, Row](forwardCacheSize)
	if log == nil {
		log = slog.Default()
	}
	return &Executor{DB: db, Snapshot: snap, Log: log, forward: cache}
}

// Run executes the plan and returns a streaming cursor. The caller must
// Close the cursor.
func (e *Executor) Run(ctx context.Context, plan *Plan) (*Cursor, error) {
	c := Compile(plan)
	e.Log.DebugContext(ctx, "query", slog.String("sql", c.SQL), slog.Int("args", len(c.Args)))

	rows, err := e.DB.Query(ctx, c.SQL, c.Args...)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("query %s: %w", plan.Table.DBName, err))
	}
	return &Cursor{exec: e, ctx: ctx, plan: plan, rows: rows}, nil
}

// Count runs the companion COUNT query of a plan compiled with
// WithCount.
func (e *Executor) Count(ctx context.Context, plan *Plan) (int64, error) {
	c := Compile(plan)
	if c.CountSQL == "" {
		return 0, apierror.Internal(fmt.Errorf("plan has no count query"))
	}
	var n int64
	if err := e.DB.QueryRow(ctx, c.CountSQL, c.CountArgs...).Scan(&n); err != nil {
		return 0, apierror.Internal(fmt.Errorf("count %s: %w", plan.Table.DBName, err))
	}
	return n, nil
}

// Cursor streams result rows. It reads one page-size worth of rows plus
// one: the extra row is never yielded, it only signals a next page.
type Cursor struct {
	exec *Executor
	ctx  context.Context
	plan *Plan
	rows pgx.Rows

	buf      []Row
	pos      int
	yielded  int
	hasMore  bool
	finished bool
	err      error
}

// Next returns the next row, or (nil, nil) at the end of the result.
func (c *Cursor) Next() (Row, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.pos >= len(c.buf) {
		if err := c.fill(); err != nil {
			c.err = err
			return nil, err
		}
		if len(c.buf) == 0 {
			return nil, nil
		}
	}
	row := c.buf[c.pos]
	c.pos++
	c.yielded++
	return row, nil
}

// HasMore reports whether a next page exists. Only meaningful once Next
// has returned nil.
func (c *Cursor) HasMore() bool { return c.hasMore }

// Close releases the underlying rows.
func (c *Cursor) Close() {
	if c.rows != nil {
		c.rows.Close()
	}
}

// fill buffers the next chunk of main rows and resolves their
// prefetches.
func (c *Cursor) fill() error {
	c.buf = c.buf[:0]
	c.pos = 0
	if c.finished {
		return nil
	}

	limit := prefetchChunk
	for len(c.buf) < limit && c.rows.Next() {
		row, err := scanRow(c.rows)
		if err != nil {
			return apierror.Internal(err)
		}
		// The compiler fetches pageSize+1 rows; the last one only proves
		// a next page exists.
		if !c.plan.Page.Disabled && c.yielded+len(c.buf) >= c.plan.Page.Size {
			c.hasMore = true
			c.finished = true
			break
		}
		c.buf = append(c.buf, row)
	}
	if err := c.rows.Err(); err != nil {
		return apierror.Internal(err)
	}
	if len(c.buf) < limit && !c.finished {
		c.finished = true
	}

	if len(c.buf) > 0 && len(c.plan.Prefetch) > 0 {
		if err := c.exec.prefetch(c.ctx, c.plan, c.buf); err != nil {
			return err
		}
	}
	return nil
}

// scanRow converts the current pgx row to a Row keyed by column alias.
func scanRow(rows pgx.Rows) (Row, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	fields := rows.FieldDescriptions()
	row := make(Row, len(fields))
	for i, fd := range fields {
		row[fd.Name] = values[i]
	}
	return row, nil
}

// prefetch runs every expand spec for one chunk of rows, in parallel.
func (e *Executor) prefetch(ctx context.Context, plan *Plan, chunk []Row) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range plan.Prefetch {
		spec := &plan.Prefetch[i]
		g.Go(func() error {
			switch spec.Kind {
			case ExpandForward:
				return e.prefetchForward(gctx, plan, spec, chunk)
			case ExpandNested:
				return e.prefetchNested(gctx, spec, chunk)
			case ExpandReverse:
				return e.prefetchReverse(gctx, plan, spec, chunk)
			case ExpandM2M:
				return e.prefetchM2M(gctx, plan, spec, chunk)
			case ExpandSummary:
				return e.prefetchSummary(gctx, plan, spec, chunk)
			default:
				return apierror.Internal(fmt.Errorf("unknown expand kind %d", spec.Kind))
			}
		})
	}
	return g.Wait()
}

// keyOf joins the values of the given row keys into a cacheable string,
// or "" when any component is NULL.
func keyOf(row Row, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		v, ok := row[k]
		if !ok || v == nil {
			return ""
		}
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "\x1f")
}

func (e *Executor) prefetchForward(ctx context.Context, plan *Plan, spec *ExpandSpec, chunk []Row) error {
	found := make(map[string]Row)
	missingKeys := make(map[string][]any)

	for _, row := range chunk {
		key := keyOf(row, spec.LocalKeys)
		if key == "" {
			continue
		}
		cacheKey := spec.Target.DBName + "\x1f" + key
		if cached, ok := e.forward.Get(cacheKey); ok {
			found[key] = cached
			continue
		}
		if _, seen := missingKeys[key]; !seen {
			tuple := make([]any, len(spec.LocalKeys))
			for i, k := range spec.LocalKeys {
				tuple[i] = row[k]
			}
			missingKeys[key] = tuple
		}
	}

	if len(missingKeys) > 0 {
		fetched, err := e.fetchByKeys(ctx, plan, spec.Target, spec.RemoteKeys, missingKeys, spec.Kind)
		if err != nil {
			return err
		}
		for key, rows := range fetched {
			if len(rows) == 0 {
				continue
			}
			found[key] = rows[0]
			e.forward.Add(spec.Target.DBName+"\x1f"+key, rows[0])
		}
	}

	embed := spec.EmbedKey()
	for _, row := range chunk {
		if key := keyOf(row, spec.LocalKeys); key != "" {
			if target, ok := found[key]; ok {
				row[embed] = target
			}
		}
	}
	return nil
}

// fetchByKeys loads target rows whose RemoteKeys match any of the key
// tuples, grouped by the tuple string.
func (e *Executor) fetchByKeys(ctx context.Context, plan *Plan, target *schema.Table, remoteKeys []string, keys map[string][]any, kind ExpandKind) (map[string][]Row, error) {
	cols := selectColumnsFor(e.Snapshot, target, nil)

	keyExprs := make([]string, len(remoteKeys))
	for i, id := range remoteKeys {
		col := schema.SnakeName(id)
		if f := target.Field(id); f != nil {
			col = f.Name
		}
		keyExprs[i] = quoteIdent(mainAlias) + "." + quoteIdent(col)
	}

	var b strings.Builder
	var args []any
	b.WriteString("SELECT ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.Expr)
		b.WriteString(" AS ")
		b.WriteString(quoteIdent(c.Alias))
	}
	b.WriteString(" FROM ")
	b.WriteString(quoteIdent(target.DBName))
	b.WriteString(" ")
	b.WriteString(quoteIdent(mainAlias))
	b.WriteString(" WHERE ")

	if len(remoteKeys) == 1 {
		values := make([]any, 0, len(keys))
		for _, tuple := range keys {
			values = append(values, tuple[0])
		}
		b.WriteString(keyExprs[0])
		b.WriteString(" = ANY(?)")
		args = append(args, values)
	} else {
		b.WriteString("(")
		b.WriteString(strings.Join(keyExprs, ", "))
		b.WriteString(") IN (")
		first := true
		for _, tuple := range keys {
			if !first {
				b.WriteString(", ")
			}
			b.WriteString("(")
			for i, v := range tuple {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString("?")
				args = append(args, v)
			}
			b.WriteString(")")
			first = false
		}
		b.WriteString(")")
	}

	// Bound forward lookups (id+sequence keys) address exact versions;
	// everything else slices joined temporal tables.
	needsSlice := target.IsTemporal() && !(kind == ExpandForward && len(remoteKeys) > 1)
	if needsSlice {
		if frag, ok := slicePredicate(mainAlias, target, sliceOrLatest(plan.Temporal)); ok {
			b.WriteString(" AND (")
			b.WriteString(frag.SQL)
			b.WriteString(")")
			args = append(args, frag.Args...)
		}
	}

	rows, err := e.DB.Query(ctx, renumber(b.String()), args...)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("prefetch %s: %w", target.DBName, err))
	}
	defer rows.Close()

	out := make(map[string][]Row)
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, apierror.Internal(err)
		}
		key := keyOf(row, rowKeysFor(target, remoteKeys))
		out[key] = append(out[key], row)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.Internal(err)
	}
	return out, nil
}

// rowKeysFor maps remote key field ids to their Row aliases (relation
// fields surface as FK aliases).
func rowKeysFor(target *schema.Table, remoteKeys []string) []string {
	keys := make([]string, len(remoteKeys))
	for i, id := range remoteKeys {
		keys[i] = id
	}
	return keys
}

func (e *Executor) prefetchReverse(ctx context.Context, plan *Plan, spec *ExpandSpec, chunk []Row) error {
	keys := collectKeys(chunk, spec.LocalKeys)
	if len(keys) == 0 {
		return nil
	}
	fetched, err := e.fetchByKeys(ctx, plan, spec.Target, spec.RemoteKeys, keys, spec.Kind)
	if err != nil {
		return err
	}
	attachLists(chunk, spec, fetched)
	return nil
}

func (e *Executor) prefetchNested(ctx context.Context, spec *ExpandSpec, chunk []Row) error {
	keys := collectKeys(chunk, spec.LocalKeys)
	if len(keys) == 0 {
		return nil
	}
	values := make([]any, 0, len(keys))
	for _, tuple := range keys {
		values = append(values, tuple[0])
	}

	// Child tables are not in the catalog; select everything and key on
	// the parent column.
	sql := "SELECT * FROM " + quoteIdent(spec.NestedChild) +
		" WHERE " + quoteIdent(nestedParentColumn) + " = ANY($1) ORDER BY " + quoteIdent("id")
	rows, err := e.DB.Query(ctx, sql, values)
	if err != nil {
		return apierror.Internal(fmt.Errorf("prefetch %s: %w", spec.NestedChild, err))
	}
	defer rows.Close()

	grouped := make(map[string][]Row)
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return apierror.Internal(err)
		}
		key := keyOf(row, []string{nestedParentColumn})
		grouped[key] = append(grouped[key], row)
	}
	if err := rows.Err(); err != nil {
		return apierror.Internal(err)
	}
	attachLists(chunk, spec, grouped)
	return nil
}

func (e *Executor) prefetchM2M(ctx context.Context, plan *Plan, spec *ExpandSpec, chunk []Row) error {
	keys := collectKeys(chunk, spec.LocalKeys)
	if len(keys) == 0 {
		return nil
	}
	values := make([]any, 0, len(keys))
	for _, tuple := range keys {
		values = append(values, tuple[0])
	}

	cols := selectColumnsFor(e.Snapshot, spec.Target, nil)
	targetID := remoteIdentifierIDs(spec.Target)
	idCol := "id"
	if len(targetID) > 0 {
		if f := spec.Target.Field(targetID[0]); f != nil {
			idCol = f.Name
		}
	}

	var b strings.Builder
	var args []any
	b.WriteString("SELECT ")
	b.WriteString(quoteIdent("thr") + "." + quoteIdent(spec.ThroughParent[0]))
	b.WriteString(" AS " + quoteIdent("_parent"))
	for _, extra := range spec.ThroughExtra {
		b.WriteString(", " + quoteIdent("thr") + "." + quoteIdent(schema.SnakeName(extra)))
		b.WriteString(" AS " + quoteIdent("_through:"+extra))
	}
	for _, c := range cols {
		b.WriteString(", ")
		b.WriteString(c.Expr)
		b.WriteString(" AS ")
		b.WriteString(quoteIdent(c.Alias))
	}
	b.WriteString(" FROM " + quoteIdent(spec.Through) + " " + quoteIdent("thr"))
	b.WriteString(" JOIN " + quoteIdent(spec.Target.DBName) + " " + quoteIdent(mainAlias))
	b.WriteString(" ON " + quoteIdent(mainAlias) + "." + quoteIdent(idCol) +
		" = " + quoteIdent("thr") + "." + quoteIdent(spec.ThroughTarget[0]))
	b.WriteString(" WHERE " + quoteIdent("thr") + "." + quoteIdent(spec.ThroughParent[0]) + " = ANY(?)")
	args = append(args, values)

	if spec.Target.IsTemporal() {
		if frag, ok := slicePredicate(mainAlias, spec.Target, sliceOrLatest(plan.Temporal)); ok {
			b.WriteString(" AND (")
			b.WriteString(frag.SQL)
			b.WriteString(")")
			args = append(args, frag.Args...)
		}
	}

	rows, err := e.DB.Query(ctx, renumber(b.String()), args...)
	if err != nil {
		return apierror.Internal(fmt.Errorf("prefetch %s: %w", spec.Through, err))
	}
	defer rows.Close()

	grouped := make(map[string][]Row)
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return apierror.Internal(err)
		}
		key := keyOf(row, []string{"_parent"})
		grouped[key] = append(grouped[key], row)
	}
	if err := rows.Err(); err != nil {
		return apierror.Internal(err)
	}
	attachLists(chunk, spec, grouped)
	return nil
}

func (e *Executor) prefetchSummary(ctx context.Context, plan *Plan, spec *ExpandSpec, chunk []Row) error {
	keys := collectKeys(chunk, spec.LocalKeys)
	if len(keys) == 0 || len(spec.RemoteKeys) == 0 {
		return nil
	}
	values := make([]any, 0, len(keys))
	for _, tuple := range keys {
		values = append(values, tuple[0])
	}

	fkCol := quoteIdent(mainAlias) + "." + quoteIdent(schema.SnakeName(strings.TrimSuffix(spec.RemoteKeys[0], "Id"))+"_id")
	sql := "SELECT " + fkCol + ", COUNT(*) FROM " + quoteIdent(spec.Target.DBName) + " " + quoteIdent(mainAlias) +
		" WHERE " + fkCol + " = ANY(?)"
	args := []any{values}
	// Counting a temporal target without the slice would tally every
	// historical version of each row.
	if spec.Target.IsTemporal() {
		if frag, ok := slicePredicate(mainAlias, spec.Target, sliceOrLatest(plan.Temporal)); ok {
			sql += " AND (" + frag.SQL + ")"
			args = append(args, frag.Args...)
		}
	}
	sql += " GROUP BY " + fkCol
	rows, err := e.DB.Query(ctx, renumber(sql), args...)
	if err != nil {
		return apierror.Internal(fmt.Errorf("prefetch count %s: %w", spec.Target.DBName, err))
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var key any
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return apierror.Internal(err)
		}
		counts[fmt.Sprint(key)] = n
	}
	if err := rows.Err(); err != nil {
		return apierror.Internal(err)
	}

	embed := spec.EmbedKey()
	for _, row := range chunk {
		if key := keyOf(row, spec.LocalKeys); key != "" {
			row[embed] = counts[key]
		}
	}
	return nil
}

// collectKeys gathers the distinct non-NULL key tuples of a chunk.
func collectKeys(chunk []Row, localKeys []string) map[string][]any {
	keys := make(map[string][]any)
	for _, row := range chunk {
		key := keyOf(row, localKeys)
		if key == "" {
			continue
		}
		if _, ok := keys[key]; !ok {
			tuple := make([]any, len(localKeys))
			for i, k := range localKeys {
				tuple[i] = row[k]
			}
			keys[key] = tuple
		}
	}
	return keys
}

// attachLists distributes grouped prefetch results over the chunk.
func attachLists(chunk []Row, spec *ExpandSpec, grouped map[string][]Row) {
	embed := spec.EmbedKey()
	for _, row := range chunk {
		key := keyOf(row, spec.LocalKeys)
		if key == "" {
			row[embed] = []Row{}
			continue
		}
		list := grouped[key]
		if list == nil {
			list = []Row{}
		}
		row[embed] = list
	}
}
