package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite driver

	"github.com/engramdb/engram/internal/storage"
	"github.com/engramdb/engram/pkg/types"
)

// MemoryStore implements storage.MemoryStore using SQLite.
type MemoryStore struct {
	db   *sql.DB
	path string
}

// NewMemoryStore creates a new SQLite memory store with WAL self-healing.
// If the initial open fails due to stale WAL files (left behind by a
// crashed process), it verifies no other process holds them and retries
// once after removing the stale -shm/-wal files.
func NewMemoryStore(dsn string) (*MemoryStore, error) {
	store, err := openMemoryStore(dsn)
	if err == nil {
		return store, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || dbPath == ":memory:" {
		return nil, err
	}

	if !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(dbPath)

	store, retryErr := openMemoryStore(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
	}

	log.Printf("sqlite: recovered from stale WAL files for %s", dbPath)
	return store, nil
}

// openMemoryStore opens a SQLite database, configures WAL mode, and runs
// pending migrations.
func openMemoryStore(dsn string) (*MemoryStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serializes writes and avoids SQLITE_BUSY errors under concurrent load.
	// WAL mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	mgr, err := storage.NewMigrationManager(db, migrationsFS, migrationsDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare migrations: %w", err)
	}
	defer mgr.Close()

	if err := mgr.Up(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &MemoryStore{db: db, path: dbPathFromDSN(dsn)}, nil
}

const memoryColumns = `
	id, content, memory_type, importance, quality_score, salience_score,
	scope_kind, scope_id, workspace, tier, expires_at,
	lifecycle_state, validation_status, version, deleted,
	created_at, updated_at, last_accessed_at, access_count, content_hash,
	event_time, event_duration_seconds, trigger_pattern,
	procedure_success_count, procedure_failure_count, summary_of_id,
	metadata, origin, pinned, session_id
`

func scanMemory(row interface{ Scan(...interface{}) error }) (*types.Memory, error) {
	var m types.Memory
	var scopeID, sessionID, triggerPattern sql.NullString
	var expiresAt, lastAccessedAt, eventTime sql.NullTime
	var eventDuration, summaryOfID sql.NullInt64
	var metadataJSON string

	err := row.Scan(
		&m.ID, &m.Content, &m.MemoryType, &m.Importance, &m.QualityScore, &m.SalienceScore,
		&m.ScopeKind, &scopeID, &m.Workspace, &m.Tier, &expiresAt,
		&m.LifecycleState, &m.ValidationStatus, &m.Version, &m.Deleted,
		&m.CreatedAt, &m.UpdatedAt, &lastAccessedAt, &m.AccessCount, &m.ContentHash,
		&eventTime, &eventDuration, &triggerPattern,
		&m.ProcedureSuccessCount, &m.ProcedureFailureCount, &summaryOfID,
		&metadataJSON, &m.Origin, &m.Pinned, &sessionID,
	)
	if err != nil {
		return nil, err
	}

	if scopeID.Valid {
		m.ScopeID = scopeID.String
	}
	if sessionID.Valid {
		m.SessionID = sessionID.String
	}
	if triggerPattern.Valid {
		m.TriggerPattern = triggerPattern.String
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		m.ExpiresAt = &t
	}
	if lastAccessedAt.Valid {
		t := lastAccessedAt.Time
		m.LastAccessedAt = &t
	}
	if eventTime.Valid {
		t := eventTime.Time
		m.EventTime = &t
	}
	if eventDuration.Valid {
		d := eventDuration.Int64
		m.EventDurationSeconds = &d
	}
	if summaryOfID.Valid {
		id := summaryOfID.Int64
		m.SummaryOfID = &id
	}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &m, nil
}

// Create inserts a new memory and returns its assigned ID.
func (s *MemoryStore) Create(ctx context.Context, memory *types.Memory) (int64, error) {
	if memory == nil {
		return 0, storage.ErrInvalidInput
	}
	if memory.Content == "" {
		return 0, fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
	}

	memory.ContentHash = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.TrimSpace(memory.Content))))

	if memory.MemoryType == "" {
		memory.MemoryType = types.MemoryTypeNote
	}
	if memory.ScopeKind == "" {
		memory.ScopeKind = types.ScopeGlobal
	}
	if memory.Workspace == "" {
		memory.Workspace = "default"
	}
	if memory.Tier == "" {
		memory.Tier = types.TierPermanent
	}
	if memory.LifecycleState == "" {
		memory.LifecycleState = types.LifecycleActive
	}
	if memory.ValidationStatus == "" {
		memory.ValidationStatus = types.ValidationUnverified
	}
	if memory.Origin == "" {
		memory.Origin = types.OriginOrganic
	}
	if memory.Version == 0 {
		memory.Version = 1
	}
	if memory.Importance == 0 {
		memory.Importance = 0.5
	}
	if memory.QualityScore == 0 {
		memory.QualityScore = 0.5
	}
	if memory.SalienceScore == 0 {
		memory.SalienceScore = 0.5
	}

	now := time.Now().UTC()
	memory.CreatedAt = now
	memory.UpdatedAt = now

	metadataJSON, err := json.Marshal(memory.Metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin create: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO memories (
			content, memory_type, importance, quality_score, salience_score,
			scope_kind, scope_id, workspace, tier, expires_at,
			lifecycle_state, validation_status, version, deleted,
			created_at, updated_at, last_accessed_at, access_count, content_hash,
			event_time, event_duration_seconds, trigger_pattern,
			procedure_success_count, procedure_failure_count, summary_of_id,
			metadata, origin, pinned, session_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		memory.Content, memory.MemoryType, memory.Importance, memory.QualityScore, memory.SalienceScore,
		memory.ScopeKind, nullableString(memory.ScopeID), memory.Workspace, memory.Tier, nullableTime(memory.ExpiresAt),
		memory.LifecycleState, memory.ValidationStatus, memory.Version, memory.Deleted,
		memory.CreatedAt, memory.UpdatedAt, nullableTime(memory.LastAccessedAt), memory.AccessCount, memory.ContentHash,
		nullableTime(memory.EventTime), nullableInt64Ptr(memory.EventDurationSeconds), nullableString(memory.TriggerPattern),
		memory.ProcedureSuccessCount, memory.ProcedureFailureCount, nullableInt64Ptr(memory.SummaryOfID),
		string(metadataJSON), memory.Origin, memory.Pinned, nullableString(memory.SessionID),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: create memory: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: create memory: %w", err)
	}
	memory.ID = id

	if err := upsertTags(ctx, tx, id, memory.Tags); err != nil {
		return 0, err
	}
	if err := syncFTSTags(ctx, tx, id, memory.Tags); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit create: %w", err)
	}

	return id, nil
}

// Get retrieves a memory by ID.
func (s *MemoryStore) Get(ctx context.Context, id int64) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+memoryColumns+" FROM memories WHERE id = ? AND deleted = 0", id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get memory: %w", err)
	}

	tags, err := tagsForMemory(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	m.Tags = tags

	return m, nil
}

// List retrieves memories with pagination and filtering.
func (s *MemoryStore) List(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.Memory], error) {
	opts.Normalize()

	var conditions []string
	var args []interface{}

	conditions = append(conditions, "workspace = ?")
	args = append(args, opts.Workspace)

	if opts.ScopeKind != "" {
		conditions = append(conditions, "scope_kind = ?")
		args = append(args, opts.ScopeKind)
	}
	if opts.ScopeID != "" {
		conditions = append(conditions, "scope_id = ?")
		args = append(args, opts.ScopeID)
	}
	// Archived memories and transcript chunks are excluded by default
	// (spec.md §4.2, invariant 7); an explicit state/type filter or include
	// flag opts them back in.
	if opts.MemoryType != "" {
		conditions = append(conditions, "memory_type = ?")
		args = append(args, opts.MemoryType)
	} else if !opts.IncludeChunks {
		conditions = append(conditions, "memory_type != ?")
		args = append(args, types.MemoryTypeTranscriptChunk)
	}
	if opts.LifecycleState != "" {
		conditions = append(conditions, "lifecycle_state = ?")
		args = append(args, opts.LifecycleState)
	} else if !opts.IncludeArchived {
		conditions = append(conditions, "lifecycle_state != ?")
		args = append(args, types.LifecycleArchived)
	}
	if !opts.CreatedAfter.IsZero() {
		conditions = append(conditions, "created_at > ?")
		args = append(args, opts.CreatedAfter)
	}
	if !opts.CreatedBefore.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, opts.CreatedBefore)
	}
	if opts.MinSalience > 0 {
		conditions = append(conditions, "salience_score >= ?")
		args = append(args, opts.MinSalience)
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.OnlyDeleted {
		conditions = append(conditions, "deleted = 1")
	} else if !opts.IncludeDeleted {
		conditions = append(conditions, "deleted = 0")
	}

	clause, fargs, err := buildFilterClause(opts.Filter, "")
	if err != nil {
		return nil, err
	}
	if clause != "" {
		conditions = append(conditions, clause)
		args = append(args, fargs...)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	query := "SELECT " + memoryColumns + " FROM memories" + whereClause
	query += fmt.Sprintf(" ORDER BY %s %s", opts.SortBy, opts.SortOrder)
	query += " LIMIT ? OFFSET ?"
	listArgs := append(append([]interface{}{}, args...), opts.Limit, opts.Offset())

	rows, err := s.db.QueryContext(ctx, query, listArgs...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list memories: %w", err)
	}
	defer rows.Close()

	var memories []types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan memory: %w", err)
		}
		memories = append(memories, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate memories: %w", err)
	}

	for i := range memories {
		tags, err := tagsForMemory(ctx, s.db, memories[i].ID)
		if err != nil {
			return nil, err
		}
		memories[i].Tags = tags
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM memories" + whereClause
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("sqlite: count memories: %w", err)
	}

	return &storage.PaginatedResult[types.Memory]{
		Items:    memories,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(memories) < total,
	}, nil
}

// buildFilterClause translates a storage.FilterExpr tree into a SQL WHERE
// fragment and its bind args (spec.md §6: {field: {op: value}} / AND / OR).
// tableAlias is prefixed onto bare `memories` columns (e.g. "m.") so the
// clause is unambiguous when used against a query that joins memories with
// another table sharing column names (memories_fts's content/metadata);
// pass "" when memories is the query's only table.
func buildFilterClause(expr storage.FilterExpr, tableAlias string) (string, []interface{}, error) {
	if expr.IsZero() {
		return "", nil, nil
	}

	if expr.Condition != nil {
		return conditionClause(*expr.Condition, tableAlias)
	}

	if len(expr.Children) == 0 {
		return "", nil, nil
	}

	var parts []string
	var args []interface{}
	for _, child := range expr.Children {
		clause, cargs, err := buildFilterClause(child, tableAlias)
		if err != nil {
			return "", nil, err
		}
		if clause == "" {
			continue
		}
		parts = append(parts, clause)
		args = append(args, cargs...)
	}
	if len(parts) == 0 {
		return "", nil, nil
	}

	joiner := " AND "
	if expr.Combinator == "OR" {
		joiner = " OR "
	}
	return "(" + strings.Join(parts, joiner) + ")", args, nil
}

var filterFieldWhitelist = map[string]bool{
	"content": true, "tags": true,
	"memory_type": true, "importance": true, "quality_score": true,
	"salience_score": true, "scope_kind": true, "scope_id": true,
	"workspace": true, "tier": true, "lifecycle_state": true,
	"validation_status": true, "created_at": true, "updated_at": true,
	"access_count": true, "origin": true, "pinned": true, "session_id": true,
}

// isMetadataField reports whether field is a `metadata.key` filter
// (spec.md §6's `metadata.*` filterable field) and returns the key.
func isMetadataField(field string) (key string, ok bool) {
	const prefix = "metadata."
	if !strings.HasPrefix(field, prefix) || len(field) <= len(prefix) {
		return "", false
	}
	return field[len(prefix):], true
}

// tagMembershipClause builds the subquery fragment testing whether a
// memory carries a given (normalized) tag. idCol is "id" or "m.id"
// depending on whether the outer query joins memories under an alias.
func tagMembershipClause(idCol string, value interface{}, negate bool) (string, []interface{}) {
	sub := idCol + ` IN (SELECT mt.memory_id FROM memory_tags mt JOIN tags t ON t.id = mt.tag_id WHERE t.name = ?)`
	norm := types.NormalizeTag(fmt.Sprint(value))
	if negate {
		return "NOT (" + sub + ")", []interface{}{norm}
	}
	return sub, []interface{}{norm}
}

// metadataConditionClause builds a `json_extract(metadata, '$.key')`
// fragment for a `metadata.key` filter field (spec.md §6 `metadata.*`).
// modernc.org/sqlite ships with JSON1 compiled in. metaCol is "metadata" or
// "m.metadata" depending on tableAlias, to disambiguate against
// memories_fts's own metadata column in joined search queries.
func metadataConditionClause(metaCol, key string, c storage.FilterCondition) (string, []interface{}, error) {
	expr := fmt.Sprintf("json_extract(%s, '$.%s')", metaCol, key)
	switch c.Op {
	case storage.OpEq:
		return expr + " = ?", []interface{}{c.Value}, nil
	case storage.OpNeq:
		return "(" + expr + " IS NULL OR " + expr + " != ?)", []interface{}{c.Value}, nil
	case storage.OpGt:
		return expr + " > ?", []interface{}{c.Value}, nil
	case storage.OpGte:
		return expr + " >= ?", []interface{}{c.Value}, nil
	case storage.OpLt:
		return expr + " < ?", []interface{}{c.Value}, nil
	case storage.OpLte:
		return expr + " <= ?", []interface{}{c.Value}, nil
	case storage.OpContains:
		return expr + " LIKE ?", []interface{}{"%" + fmt.Sprint(c.Value) + "%"}, nil
	case storage.OpNotContains:
		return "(" + expr + " IS NULL OR " + expr + " NOT LIKE ?)", []interface{}{"%" + fmt.Sprint(c.Value) + "%"}, nil
	case storage.OpExists:
		return expr + " IS NOT NULL", nil, nil
	default:
		return "", nil, fmt.Errorf("%w: op %q not supported for metadata fields", storage.ErrInvalidInput, c.Op)
	}
}

func conditionClause(c storage.FilterCondition, tableAlias string) (string, []interface{}, error) {
	if !filterFieldWhitelist[c.Field] {
		if _, ok := isMetadataField(c.Field); !ok {
			return "", nil, fmt.Errorf("%w: unknown filter field %q", storage.ErrInvalidInput, c.Field)
		}
	}

	idCol := tableAlias + "id"
	metaCol := tableAlias + "metadata"
	field := c.Field
	switch field {
	case "content", "metadata":
		field = tableAlias + field
	}

	if metaKey, ok := isMetadataField(c.Field); ok {
		return metadataConditionClause(metaCol, metaKey, c)
	}
	if c.Field == "tags" {
		switch c.Op {
		case storage.OpEq, storage.OpContains:
			clause, args := tagMembershipClause(idCol, c.Value, false)
			return clause, args, nil
		case storage.OpNeq, storage.OpNotContains:
			clause, args := tagMembershipClause(idCol, c.Value, true)
			return clause, args, nil
		case storage.OpExists:
			return idCol + " IN (SELECT memory_id FROM memory_tags)", nil, nil
		default:
			return "", nil, fmt.Errorf("%w: op %q not supported for tags", storage.ErrInvalidInput, c.Op)
		}
	}

	switch c.Op {
	case storage.OpEq:
		return field + " = ?", []interface{}{c.Value}, nil
	case storage.OpNeq:
		return field + " != ?", []interface{}{c.Value}, nil
	case storage.OpGt:
		return field + " > ?", []interface{}{c.Value}, nil
	case storage.OpGte:
		return field + " >= ?", []interface{}{c.Value}, nil
	case storage.OpLt:
		return field + " < ?", []interface{}{c.Value}, nil
	case storage.OpLte:
		return field + " <= ?", []interface{}{c.Value}, nil
	case storage.OpContains:
		return field + " LIKE ?", []interface{}{"%" + fmt.Sprint(c.Value) + "%"}, nil
	case storage.OpNotContains:
		return field + " NOT LIKE ?", []interface{}{"%" + fmt.Sprint(c.Value) + "%"}, nil
	case storage.OpExists:
		return field + " IS NOT NULL", nil, nil
	case storage.OpIn:
		values, ok := c.Value.([]interface{})
		if !ok || len(values) == 0 {
			return "", nil, fmt.Errorf("%w: $in requires a non-empty list", storage.ErrInvalidInput)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
		return field + " IN (" + placeholders + ")", values, nil
	default:
		return "", nil, fmt.Errorf("%w: unknown filter op %q", storage.ErrInvalidInput, c.Op)
	}
}

// Update modifies an existing memory, recording the prior content/tags/
// metadata as a new memory_versions row before applying changes.
func (s *MemoryStore) Update(ctx context.Context, memory *types.Memory) error {
	if memory == nil || memory.ID == 0 {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin update: %w", err)
	}
	defer tx.Rollback()

	current, err := fetchForUpdate(ctx, tx, memory.ID)
	if err != nil {
		return err
	}

	if err := recordVersion(ctx, tx, current); err != nil {
		return err
	}

	memory.Version = current.Version + 1
	memory.UpdatedAt = time.Now().UTC()
	memory.ContentHash = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.TrimSpace(memory.Content))))

	metadataJSON, err := json.Marshal(memory.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE memories SET
			content = ?, memory_type = ?, importance = ?, quality_score = ?, salience_score = ?,
			tier = ?, expires_at = ?, lifecycle_state = ?, validation_status = ?, version = ?,
			updated_at = ?, content_hash = ?, metadata = ?, pinned = ?
		WHERE id = ?
	`,
		memory.Content, memory.MemoryType, memory.Importance, memory.QualityScore, memory.SalienceScore,
		memory.Tier, nullableTime(memory.ExpiresAt), memory.LifecycleState, memory.ValidationStatus, memory.Version,
		memory.UpdatedAt, memory.ContentHash, string(metadataJSON), memory.Pinned,
		memory.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update memory: %w", err)
	}

	if err := upsertTags(ctx, tx, memory.ID, memory.Tags); err != nil {
		return err
	}
	if err := syncFTSTags(ctx, tx, memory.ID, memory.Tags); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateScores writes salience_score/quality_score in place, with no
// memory_versions snapshot and no Version bump (spec.md §4.9/§4.10 periodic
// recomputation is not an edit). A nil pointer leaves that column alone.
func (s *MemoryStore) UpdateScores(ctx context.Context, id int64, salience, quality *float64) error {
	if salience == nil && quality == nil {
		return nil
	}
	var (
		setClauses []string
		args       []interface{}
	)
	if salience != nil {
		setClauses = append(setClauses, "salience_score = ?")
		args = append(args, *salience)
	}
	if quality != nil {
		setClauses = append(setClauses, "quality_score = ?")
		args = append(args, *quality)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE memories SET "+strings.Join(setClauses, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("sqlite: update scores: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update scores: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func fetchForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*types.Memory, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+memoryColumns+" FROM memories WHERE id = ?", id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: fetch for update: %w", err)
	}
	tags, err := tagsForMemory(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	m.Tags = tags
	return m, nil
}

func recordVersion(ctx context.Context, tx *sql.Tx, m *types.Memory) error {
	tagsJSON, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("sqlite: marshal tags for version: %w", err)
	}
	metadataJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal metadata for version: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_versions (memory_id, version, content, tags, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.Version, m.Content, string(tagsJSON), string(metadataJSON), time.Now().UTC())
	return err
}

// ListVersions returns the full version history, oldest first.
func (s *MemoryStore) ListVersions(ctx context.Context, id int64) ([]*types.MemoryVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, memory_id, version, content, tags, metadata, created_at
		FROM memory_versions WHERE memory_id = ? ORDER BY version ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list versions: %w", err)
	}
	defer rows.Close()

	var out []*types.MemoryVersion
	for rows.Next() {
		var v types.MemoryVersion
		var tagsJSON, metadataJSON string
		if err := rows.Scan(&v.ID, &v.MemoryID, &v.Version, &v.Content, &tagsJSON, &metadataJSON, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan version: %w", err)
		}
		_ = json.Unmarshal([]byte(tagsJSON), &v.Tags)
		_ = json.Unmarshal([]byte(metadataJSON), &v.Metadata)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// RevertToVersion restores a memory's content/tags/metadata from a prior
// memory_versions row, first snapshotting the current state so the revert
// is itself undoable.
func (s *MemoryStore) RevertToVersion(ctx context.Context, id int64, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin revert: %w", err)
	}
	defer tx.Rollback()

	current, err := fetchForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}

	var content, tagsJSON, metadataJSON string
	err = tx.QueryRowContext(ctx,
		"SELECT content, tags, metadata FROM memory_versions WHERE memory_id = ? AND version = ?",
		id, version,
	).Scan(&content, &tagsJSON, &metadataJSON)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: load version to revert: %w", err)
	}

	if err := recordVersion(ctx, tx, current); err != nil {
		return err
	}

	var tags []string
	var metadata map[string]interface{}
	_ = json.Unmarshal([]byte(tagsJSON), &tags)
	_ = json.Unmarshal([]byte(metadataJSON), &metadata)

	newVersion := current.Version + 1
	now := time.Now().UTC()
	contentHash := fmt.Sprintf("%x", sha256.Sum256([]byte(strings.TrimSpace(content))))

	metaOut, _ := json.Marshal(metadata)
	_, err = tx.ExecContext(ctx, `
		UPDATE memories SET content = ?, metadata = ?, version = ?, updated_at = ?, content_hash = ?
		WHERE id = ?
	`, content, string(metaOut), newVersion, now, contentHash, id)
	if err != nil {
		return fmt.Errorf("sqlite: apply revert: %w", err)
	}

	if err := upsertTags(ctx, tx, id, tags); err != nil {
		return err
	}
	if err := syncFTSTags(ctx, tx, id, tags); err != nil {
		return err
	}

	return tx.Commit()
}

// Delete soft-deletes a memory.
func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "UPDATE memories SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0", time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: delete memory: %w", err)
	}
	return requireAffected(result)
}

// Purge hard-deletes a memory and all dependent rows (FK cascade).
func (s *MemoryStore) Purge(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("sqlite: purge memory: %w", err)
	}
	return requireAffected(result)
}

// Restore un-deletes a soft-deleted memory.
func (s *MemoryStore) Restore(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE memories SET deleted = 0, updated_at = ? WHERE id = ? AND deleted = 1",
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: restore memory: %w", err)
	}
	return requireAffected(result)
}

// UpdateLifecycleState transitions a memory between active/stale/archived.
func (s *MemoryStore) UpdateLifecycleState(ctx context.Context, id int64, state string) error {
	if !types.IsValidLifecycleState(state) {
		return fmt.Errorf("%w: invalid lifecycle state: %s", storage.ErrInvalidInput, state)
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE memories SET lifecycle_state = ?, updated_at = ? WHERE id = ? AND deleted = 0",
		state, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update lifecycle state: %w", err)
	}
	return requireAffected(result)
}

// IncrementAccessCount atomically increments access_count and sets
// last_accessed_at to the current UTC time.
func (s *MemoryStore) IncrementAccessCount(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE memories SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id = ? AND deleted = 0
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: increment access count: %w", err)
	}
	return requireAffected(result)
}

// FindByContentHash looks up a memory by its exact content hash within a
// scope, used for exact-duplicate detection at write time.
func (s *MemoryStore) FindByContentHash(ctx context.Context, workspace, scopeKind, scopeID, contentHash string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+memoryColumns+` FROM memories
		WHERE workspace = ? AND scope_kind = ? AND scope_id IS ? AND content_hash = ? AND deleted = 0
		LIMIT 1`, workspace, scopeKind, nullableString(scopeID), contentHash)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find by content hash: %w", err)
	}
	return m, nil
}

// Close flushes the WAL into the main database file and releases resources.
func (s *MemoryStore) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("sqlite: WAL checkpoint on close failed (non-fatal): %v", err)
	}
	return s.db.Close()
}

// GetDB returns the underlying database connection, used by config
// persistence and background workers that need direct SQL access.
func (s *MemoryStore) GetDB() *sql.DB {
	return s.db
}

// Path returns the filesystem path of the open store file, used by the
// snapshot/restore maintenance operations.
func (s *MemoryStore) Path() string {
	return s.path
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func upsertTags(ctx context.Context, ex execer, memoryID int64, tags []string) error {
	if _, err := ex.ExecContext(ctx, "DELETE FROM memory_tags WHERE memory_id = ?", memoryID); err != nil {
		return fmt.Errorf("sqlite: clear tags: %w", err)
	}
	for _, tag := range tags {
		norm := types.NormalizeTag(tag)
		if norm == "" {
			continue
		}
		if _, err := ex.ExecContext(ctx, "INSERT OR IGNORE INTO tags (name) VALUES (?)", norm); err != nil {
			return fmt.Errorf("sqlite: upsert tag: %w", err)
		}
		_, err := ex.ExecContext(ctx, `
			INSERT OR IGNORE INTO memory_tags (memory_id, tag_id)
			SELECT ?, id FROM tags WHERE name = ?
		`, memoryID, norm)
		if err != nil {
			return fmt.Errorf("sqlite: link tag: %w", err)
		}
	}
	return nil
}

// syncFTSTags refreshes the denormalized tags_text column for memoryID,
// which the external-content FTS triggers mirror into memories_fts's tags
// field (spec.md §4.3: "tags ... indexed as separate fields alongside
// content"). Routing the change through an UPDATE on memories lets the
// update trigger see matching old/new values, which FTS5's 'delete'
// command requires.
func syncFTSTags(ctx context.Context, ex execer, memoryID int64, tags []string) error {
	tagsBlob := strings.Join(tags, " ")
	if _, err := ex.ExecContext(ctx,
		"UPDATE memories SET tags_text = ? WHERE id = ? AND tags_text != ?",
		tagsBlob, memoryID, tagsBlob); err != nil {
		return fmt.Errorf("sqlite: fts tag sync: %w", err)
	}
	return nil
}

func tagsForMemory(ctx context.Context, ex execer, memoryID int64) ([]string, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT t.name FROM tags t
		JOIN memory_tags mt ON mt.tag_id = t.id
		WHERE mt.memory_id = ? ORDER BY t.name
	`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: tags for memory: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("sqlite: scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableInt64Ptr(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

// dbPathFromDSN extracts the filesystem path from a SQLite DSN. Handles bare
// paths and file: URIs. Returns "" for in-memory databases.
func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}
	return dsn
}

// isRecoverableWALError returns true if the error matches patterns caused by
// stale WAL files left behind after a crash.
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") || strings.Contains(msg, "database is locked")
}

// isWALStale checks whether -shm/-wal files exist and no other process
// currently holds them open (via lsof). Returns false (conservative) if lsof
// is unavailable.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	cmd := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath)
	output, err := cmd.Output()
	if err != nil {
		return true
	}
	return strings.TrimSpace(string(output)) == ""
}

func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("sqlite: failed to remove stale %s: %v", path, err)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
