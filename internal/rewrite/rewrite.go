package rewrite

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/chriscugliotta/glue-athena-utils/internal/database"
	gauerrors "github.com/chriscugliotta/glue-athena-utils/internal/errors"
	"github.com/chriscugliotta/glue-athena-utils/internal/observability"
	"github.com/chriscugliotta/glue-athena-utils/internal/template"
	"github.com/chriscugliotta/glue-athena-utils/pkg/types"
)

const (
	// DefaultChunkSize is the primary backend's hard ceiling on partitions
	// touched per CTAS or insert statement.
	DefaultChunkSize = 100

	// DefaultBackupSuffix is appended to the target table's name to form
	// the backup table's name. The deterministic name makes a failed run
	// externally discoverable for manual inspection or resumption.
	DefaultBackupSuffix = "__backup"

	// ChunkContextKey is the context key under which the chunk predicate
	// is injected into the caller's insert template. Reserved: a caller
	// supplying it is a configuration error.
	ChunkContextKey = "chunk"
)

// Phase names used in errors and statement logs.
const (
	PhaseBackup   = "backup"
	PhaseDrop     = "drop"
	PhaseRecreate = "recreate"
	PhaseReload   = "reload"
	PhaseCleanup  = "cleanup"
)

// Request describes one rewrite operation. Partition columns, if present,
// must appear as trailing columns in both the old and new schema's column
// order; the orchestrator depends on that for correct partition semantics
// but cannot enforce it on the caller's SQL.
type Request struct {
	// Table is the target table name.
	Table string

	// PartitionColumns are the target's partition columns, in declaration
	// order. Empty for unpartitioned tables. When the backend's catalog
	// also models partition columns, the two must agree.
	PartitionColumns []string

	// CreateSQL is the template producing the new, empty table. It must
	// carry enough information (storage location, partition columns) for
	// the backend to create the correct physical layout.
	CreateSQL string

	// InsertSQL is the template that selects and transforms rows from the
	// backup table into the new table. For partitioned tables its where
	// clause must reference {{.chunk}}; the expression substituted there
	// targets at most ChunkSize partitions per execution.
	InsertSQL string

	// Context is the template-rendering context shared by both templates.
	Context map[string]any

	// ChunkSize is the maximum number of partitions per statement.
	// Zero means DefaultChunkSize; negative is a configuration error.
	ChunkSize int

	// BackupSuffix overrides DefaultBackupSuffix. Callers running
	// concurrent rewrites of the same table must make this unique; the
	// orchestrator does not serialize them.
	BackupSuffix string
}

// BackupName returns the backup table's name for this request.
func (r Request) BackupName() string {
	suffix := r.BackupSuffix
	if suffix == "" {
		suffix = DefaultBackupSuffix
	}
	return r.Table + suffix
}

// Rewriter executes rewrite requests against one database connection.
// It holds no mutable state across requests; independent Rewriters over
// separate connections may run concurrently against different tables.
type Rewriter struct {
	conn  database.Connection
	stats *observability.StatementLog
}

// NewRewriter creates a Rewriter. stats may be nil.
func NewRewriter(conn database.Connection, stats *observability.StatementLog) *Rewriter {
	return &Rewriter{conn: conn, stats: stats}
}

// plan carries the per-request state derived before any mutation.
type plan struct {
	req              Request
	backupName       string
	backupLocation   string
	partitionColumns []string
	chunkSize        int
	keys             []types.PartitionKey
}

// Rewrite replaces the contents and/or schema of a table:
//
//  1. Create backup table, populated one chunk of partitions at a time.
//  2. Drop old table (and its physical storage).
//  3. Create new, modified, empty table from the caller's create template.
//  4. Insert (and transform) backed-up records into the new table, one
//     chunk at a time via the caller's insert template.
//  5. Drop backup table (and its physical storage).
//
// Phases run strictly sequentially; there is no retry and no rollback at
// this layer. On failure the backup table is left in place so the run can
// be inspected and resumed.
func (r *Rewriter) Rewrite(ctx context.Context, req Request) error {
	p, err := r.prepare(ctx, req)
	if err != nil {
		return err
	}

	log.Printf("rewrite: begin rewriting table %s (%d partition key(s), chunk size %d)",
		p.req.Table, len(p.keys), p.chunkSize)

	// Phase 1: backup.
	if err := r.backup(ctx, p); err != nil {
		return err
	}

	// Phase 2: drop. Only reached once every backup chunk is acknowledged.
	if err := r.drop(ctx, PhaseDrop, p.req.Table); err != nil {
		return err
	}

	// Phase 3: recreate.
	if err := r.recreate(ctx, p); err != nil {
		return err
	}

	// Phase 4: chunked reload, driven by the backup's own partition
	// listing. The backup is the source of truth from here on; the
	// pre-backup listing is stale once the target is gone.
	p.keys, err = r.conn.ListPartitionKeys(ctx, p.backupName, p.partitionColumns)
	if err != nil {
		return err
	}
	if err := r.reload(ctx, p, nil); err != nil {
		return err
	}

	// Phase 5: cleanup.
	if err := r.drop(ctx, PhaseCleanup, p.backupName); err != nil {
		return err
	}

	log.Printf("rewrite: done rewriting table %s", p.req.Table)
	return nil
}

// Resume finishes a rewrite whose previous run failed after the backup
// phase. It re-derives progress from the backend alone: the target is
// recreated if absent, partition keys already present in the target are
// skipped, and only the missing chunks are reloaded before cleanup.
func (r *Rewriter) Resume(ctx context.Context, req Request) error {
	p, err := r.prepareResume(ctx, req)
	if err != nil {
		return err
	}

	targetExists, err := r.conn.TableExists(ctx, p.req.Table)
	if err != nil {
		return err
	}
	if !targetExists {
		if err := r.recreate(ctx, p); err != nil {
			return err
		}
	}

	if len(p.partitionColumns) == 0 {
		reloaded, err := r.targetHasRows(ctx, p, targetExists)
		if err != nil {
			return err
		}
		if !reloaded {
			if err := r.reload(ctx, p, nil); err != nil {
				return err
			}
		}
	} else {
		loaded, err := r.loadedKeys(ctx, p, targetExists)
		if err != nil {
			return err
		}
		log.Printf("rewrite: resuming table %s, %d of %d partition key(s) already loaded",
			p.req.Table, len(loaded), len(p.keys))
		if err := r.reload(ctx, p, loaded); err != nil {
			return err
		}
	}
	if err := r.drop(ctx, PhaseCleanup, p.backupName); err != nil {
		return err
	}

	log.Printf("rewrite: done resuming table %s", p.req.Table)
	return nil
}

// prepare validates the request and derives the plan. It performs reads
// only; every failure here leaves the target untouched.
func (r *Rewriter) prepare(ctx context.Context, req Request) (*plan, error) {
	p, err := r.validate(req)
	if err != nil {
		return nil, err
	}

	info, err := r.conn.DescribeTable(ctx, req.Table)
	if err != nil {
		return nil, err
	}
	if err := p.mergePartitionColumns(info); err != nil {
		return nil, err
	}
	p.backupLocation = backupLocation(info.Location, p.backupName)

	if len(p.partitionColumns) > 0 && !template.References(req.InsertSQL, ChunkContextKey) {
		return nil, gauerrors.NewConfigurationError(gauerrors.CodeMissingPlaceholder,
			fmt.Sprintf("insert template for partitioned table %s must reference {{.%s}}", req.Table, ChunkContextKey))
	}

	p.keys, err = r.conn.ListPartitionKeys(ctx, req.Table, p.partitionColumns)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// prepareResume mirrors prepare but anchors on the backup table, which
// must exist, since the target may already be gone.
func (r *Rewriter) prepareResume(ctx context.Context, req Request) (*plan, error) {
	p, err := r.validate(req)
	if err != nil {
		return nil, err
	}

	info, err := r.conn.DescribeTable(ctx, p.backupName)
	if err != nil {
		if gauerrors.GetCode(err) == gauerrors.CodeTableNotFound {
			return nil, gauerrors.Newf(gauerrors.ErrCategoryExecution, gauerrors.CodeTableNotFound,
				"backup table %s does not exist; nothing to resume", p.backupName)
		}
		return nil, err
	}
	if err := p.mergePartitionColumns(info); err != nil {
		return nil, err
	}

	if len(p.partitionColumns) > 0 && !template.References(req.InsertSQL, ChunkContextKey) {
		return nil, gauerrors.NewConfigurationError(gauerrors.CodeMissingPlaceholder,
			fmt.Sprintf("insert template for partitioned table %s must reference {{.%s}}", req.Table, ChunkContextKey))
	}

	p.keys, err = r.conn.ListPartitionKeys(ctx, p.backupName, p.partitionColumns)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// validate checks everything that needs no backend access, and probes both
// templates so a missing context variable fails before any table is
// touched.
func (r *Rewriter) validate(req Request) (*plan, error) {
	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < 0 {
		return nil, gauerrors.Newf(gauerrors.ErrCategoryConfiguration, gauerrors.CodeInvalidChunkSize,
			"chunk size must be positive, got %d", chunkSize)
	}

	if _, collides := req.Context[ChunkContextKey]; collides {
		return nil, gauerrors.NewConfigurationError(gauerrors.CodeReservedKeyCollision,
			fmt.Sprintf("context key %q is reserved for the chunk predicate", ChunkContextKey))
	}

	if _, err := template.Render(req.CreateSQL, req.Context); err != nil {
		return nil, err
	}
	if _, err := template.Render(req.InsertSQL, withChunk(req.Context, PredicateAll)); err != nil {
		return nil, err
	}

	return &plan{
		req:              req,
		backupName:       req.BackupName(),
		partitionColumns: req.PartitionColumns,
		chunkSize:        chunkSize,
	}, nil
}

// mergePartitionColumns reconciles the request's partition columns with
// the backend catalog's. A silent preference for either would make the
// chunk predicates target the wrong partitions.
func (p *plan) mergePartitionColumns(info *database.TableInfo) error {
	if len(p.partitionColumns) == 0 {
		p.partitionColumns = info.PartitionColumns
		return nil
	}
	if len(info.PartitionColumns) == 0 {
		return nil
	}
	if len(info.PartitionColumns) != len(p.partitionColumns) {
		return columnMismatch(p.req.Table, p.partitionColumns, info.PartitionColumns)
	}
	for i := range p.partitionColumns {
		if p.partitionColumns[i] != info.PartitionColumns[i] {
			return columnMismatch(p.req.Table, p.partitionColumns, info.PartitionColumns)
		}
	}
	return nil
}

func columnMismatch(table string, requested, catalog []string) error {
	return gauerrors.NewConfigurationError(gauerrors.CodeInvalidConfig,
		fmt.Sprintf("partition columns for %s disagree: request has %v, catalog has %v", table, requested, catalog))
}

// backup creates an empty clone of the target and fills it one chunk at a
// time. A single CTAS could copy the whole table in one statement, but
// past the partition ceiling it would fail, so backup and reload share the
// chunked-insert path.
func (r *Rewriter) backup(ctx context.Context, p *plan) error {
	err := r.conn.CloneTable(ctx, database.CloneSpec{
		Source:           p.req.Table,
		Target:           p.backupName,
		Location:         p.backupLocation,
		PartitionColumns: p.partitionColumns,
	})
	if err != nil {
		return annotate(err, PhaseBackup, -1, "")
	}

	insertSQL := fmt.Sprintf("insert into %s\nselect *\nfrom %s\nwhere {{.%s}}", p.backupName, p.req.Table, ChunkContextKey)
	return r.insertChunks(ctx, PhaseBackup, p, insertSQL, p.keys, p.backupName)
}

// drop removes a table and its storage under the given phase name.
func (r *Rewriter) drop(ctx context.Context, phase, table string) error {
	start := time.Now()
	err := r.conn.DropTable(ctx, table)
	r.stats.Record(phase, -1, "drop table "+table, time.Since(start), err)
	if err != nil {
		return annotate(err, phase, -1, "")
	}
	return nil
}

// recreate builds the new, empty target from the caller's create template.
func (r *Rewriter) recreate(ctx context.Context, p *plan) error {
	sql, err := template.Render(p.req.CreateSQL, p.req.Context)
	if err != nil {
		return annotate(err, PhaseRecreate, -1, "")
	}
	if err := r.execute(ctx, PhaseRecreate, -1, sql); err != nil {
		return err
	}
	return nil
}

// reload moves rows from the backup into the recreated target. skip holds
// partition keys already present in the target (non-empty only when
// resuming); those chunks are not re-run.
func (r *Rewriter) reload(ctx context.Context, p *plan, skip []types.PartitionKey) error {
	keys := p.keys
	if len(skip) > 0 {
		keys = missingKeys(p.keys, skip)
	}
	return r.insertChunks(ctx, PhaseReload, p, p.req.InsertSQL, keys, p.req.Table)
}

// insertChunks renders and executes the insert template once per chunk,
// strictly sequentially. Each statement is awaited to completion before
// the next starts, so a failure leaves a legible, resumable boundary: the
// set of already-inserted partitions is exactly the preceding chunks.
func (r *Rewriter) insertChunks(ctx context.Context, phase string, p *plan, insertSQL string, keys []types.PartitionKey, into string) error {
	chunks, err := chunksOrFullScan(keys, p.chunkSize, p.partitionColumns)
	if err != nil {
		return annotate(err, phase, -1, "")
	}

	for i, predicate := range chunks {
		sql, err := template.Render(insertSQL, withChunk(p.req.Context, predicate))
		if err != nil {
			return annotate(err, phase, i, "")
		}
		if err := r.execute(ctx, phase, i, sql); err != nil {
			return err
		}
		log.Printf("rewrite: inserted chunk %d of %d into table %s", i+1, len(chunks), into)
	}
	return nil
}

// chunksOrFullScan returns the chunk predicates for a key set: one
// predicate per chunk, or a single match-all predicate when the table is
// unpartitioned.
func chunksOrFullScan(keys []types.PartitionKey, size int, columns []string) ([]string, error) {
	if len(columns) == 0 {
		return []string{PredicateAll}, nil
	}
	if len(keys) == 0 {
		return nil, nil
	}
	chunks, err := Chunks(keys, size)
	if err != nil {
		return nil, err
	}
	predicates := make([]string, len(chunks))
	for i, chunk := range chunks {
		predicates[i] = ChunkPredicate(columns, chunk)
	}
	return predicates, nil
}

// loadedKeys lists the partition keys already present in the target when
// resuming a partitioned rewrite.
func (r *Rewriter) loadedKeys(ctx context.Context, p *plan, targetExists bool) ([]types.PartitionKey, error) {
	if !targetExists {
		return nil, nil
	}
	return r.conn.ListPartitionKeys(ctx, p.req.Table, p.partitionColumns)
}

// targetHasRows reports whether an unpartitioned target already received
// its single reload statement. The reload is all or nothing, so any row
// means it completed.
func (r *Rewriter) targetHasRows(ctx context.Context, p *plan, targetExists bool) (bool, error) {
	if !targetExists {
		return false, nil
	}
	result, err := r.conn.Query(ctx, "select count(*) from "+p.req.Table)
	if err != nil {
		return false, err
	}
	return result.Len() > 0 && types.Literal(result.Rows[0][0]) != "0", nil
}

// missingKeys returns the keys of all not in loaded.
func missingKeys(all, loaded []types.PartitionKey) []types.PartitionKey {
	seen := make(map[string]bool, len(loaded))
	for _, key := range loaded {
		seen[key.String()] = true
	}
	var missing []types.PartitionKey
	for _, key := range all {
		if !seen[key.String()] {
			missing = append(missing, key)
		}
	}
	return missing
}

// execute runs one statement, records it, and annotates any failure with
// its phase and chunk index so an operator can resume manually.
func (r *Rewriter) execute(ctx context.Context, phase string, chunk int, sql string) error {
	start := time.Now()
	err := r.conn.Execute(ctx, sql)
	r.stats.Record(phase, chunk, sql, time.Since(start), err)
	if err != nil {
		return annotate(err, phase, chunk, sql)
	}
	return nil
}

// withChunk copies the caller's context and injects the chunk predicate.
// The caller's map is never mutated; requests must stay reusable.
func withChunk(context map[string]any, predicate string) map[string]any {
	merged := make(map[string]any, len(context)+1)
	for k, v := range context {
		merged[k] = v
	}
	merged[ChunkContextKey] = predicate
	return merged
}

// backupLocation derives the backup table's storage location: a sibling of
// the target's location, named after the backup table. Empty when the
// backend has no physical storage locations.
func backupLocation(location, backupName string) string {
	if location == "" {
		return ""
	}
	trimmed := location
	for len(trimmed) > 0 && trimmed[len(trimmed)-1] == '/' {
		trimmed = trimmed[:len(trimmed)-1]
	}
	parent := trimmed
	for i := len(trimmed) - 1; i >= 0; i-- {
		if trimmed[i] == '/' {
			parent = trimmed[:i]
			break
		}
	}
	return parent + "/" + backupName
}

// annotate attaches phase, chunk, and failing SQL to an error. Structured
// errors keep their category; anything else becomes an internal error.
func annotate(err error, phase string, chunk int, sql string) error {
	details := map[string]interface{}{"phase": phase}
	if chunk >= 0 {
		details["chunk"] = chunk
	}
	if sql != "" {
		details["sql"] = sql
	}

	var ge *gauerrors.Error
	if errors.As(err, &ge) {
		merged := make(map[string]interface{}, len(ge.Details)+len(details))
		for k, v := range ge.Details {
			merged[k] = v
		}
		for k, v := range details {
			merged[k] = v
		}
		return ge.WithDetails(merged)
	}
	return gauerrors.NewInternalError(fmt.Sprintf("rewrite failed during %s", phase), err).WithDetails(details)
}
