package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/amara/lorekeep/internal/observability"
	"github.com/amara/lorekeep/pkg/lorekeep"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// Filterable metadata fields stored as dedicated columns; anything else is
// matched against the JSON metadata blob.
var metaColumns = map[string]string{
	"entityId": "entity_id",
	"worldId":  "world_id",
	"branchId": "branch_id",
	"kind":     "kind",
}

// SQLiteIndex implements Index on an embedded sqlite-vec database. It
// honors the same contract as the remote adapter so deployments without a
// hosted similarity-search service can run self-contained.
type SQLiteIndex struct {
	db        *sql.DB
	dimension int
	logger    zerolog.Logger
}

// SQLiteIndexConfig configures the embedded index
type SQLiteIndexConfig struct {
	DBPath    string
	Dimension int
	Logger    zerolog.Logger
}

// NewSQLiteIndex opens (or creates) the embedded index database
func NewSQLiteIndex(cfg SQLiteIndexConfig) (*SQLiteIndex, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("vector dimension is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	x := &SQLiteIndex{db: db, dimension: cfg.Dimension, logger: cfg.Logger}
	if err := x.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return x, nil
}

func (x *SQLiteIndex) initSchema() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS vector_meta (
			id TEXT PRIMARY KEY,
			entity_id TEXT,
			world_id TEXT,
			branch_id TEXT,
			kind TEXT,
			metadata TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_meta_entity ON vector_meta(entity_id);
		CREATE INDEX IF NOT EXISTS idx_meta_world ON vector_meta(world_id, kind);

		CREATE VIRTUAL TABLE IF NOT EXISTS vectors USING vec0(
			id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, x.dimension)

	_, err := x.db.Exec(schema)
	return err
}

// Close closes the underlying database
func (x *SQLiteIndex) Close() error {
	return x.db.Close()
}

// Upsert writes records idempotently by ID. Batches share a transaction;
// batches are independent of each other.
func (x *SQLiteIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	for start := 0; start < len(records); start += MaxUpsertBatch {
		end := start + MaxUpsertBatch
		if end > len(records) {
			end = len(records)
		}
		observability.RecordUpsertBatch(end - start)

		if err := x.upsertBatch(ctx, records[start:end]); err != nil {
			return &lorekeep.IndexOperationError{Op: "upsert", Cause: err}
		}
	}
	return nil
}

func (x *SQLiteIndex) upsertBatch(ctx context.Context, batch []Record) error {
	start := time.Now()
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rec := range batch {
		if len(rec.Values) != x.dimension {
			return fmt.Errorf("record %s has dimension %d, index expects %d", rec.ID, len(rec.Values), x.dimension)
		}

		embJSON, err := json.Marshal(rec.Values)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		metaJSON, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO vector_meta (id, entity_id, world_id, branch_id, kind, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID,
			rec.Metadata["entityId"],
			rec.Metadata["worldId"],
			rec.Metadata["branchId"],
			rec.Metadata["kind"],
			string(metaJSON),
			time.Now().Unix(),
		)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO vectors (id, embedding) VALUES (?, ?)",
			rec.ID, string(embJSON),
		); err != nil {
			return err
		}
	}

	err = tx.Commit()
	observability.RecordIndexOp("upsert", time.Since(start), err == nil)
	return err
}

// Query returns up to opts.TopK results by descending cosine similarity
func (x *SQLiteIndex) Query(ctx context.Context, vector []float32, opts QueryOptions) ([]QueryResult, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}
	if len(vector) != x.dimension {
		return nil, lorekeep.NewValidationError("vector",
			fmt.Sprintf("dimension mismatch: %d vs %d", len(vector), x.dimension))
	}

	embJSON, err := json.Marshal(vector)
	if err != nil {
		return nil, &lorekeep.IndexOperationError{Op: "query", Cause: err}
	}

	where, args := buildFilter(opts.Filter)
	query := fmt.Sprintf(`
		SELECT v.id, vec_distance_cosine(v.embedding, ?) AS distance, m.metadata
		FROM vectors v
		JOIN vector_meta m ON m.id = v.id
		%s
		ORDER BY distance ASC
		LIMIT ?`, where)

	queryArgs := append([]interface{}{string(embJSON)}, args...)
	queryArgs = append(queryArgs, topK)

	start := time.Now()
	rows, err := x.db.QueryContext(ctx, query, queryArgs...)
	observability.RecordIndexOp("query", time.Since(start), err == nil)
	if err != nil {
		return nil, &lorekeep.IndexOperationError{Op: "query", Cause: err}
	}
	defer rows.Close()

	var results []QueryResult
	for rows.Next() {
		var id, metaJSON string
		var distance float64
		if err := rows.Scan(&id, &distance, &metaJSON); err != nil {
			return nil, &lorekeep.IndexOperationError{Op: "query", Cause: err}
		}

		result := QueryResult{
			ID: id,
			// cosine distance in [0, 2] maps to similarity in [-1, 1]
			Score: 1.0 - distance,
		}
		if opts.IncludeMetadata {
			var meta map[string]string
			if err := json.Unmarshal([]byte(metaJSON), &meta); err == nil {
				result.Metadata = meta
			}
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// DeleteByIDs removes records by ID; absent IDs are not an error
func (x *SQLiteIndex) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	start := time.Now()
	err := x.deleteIDs(ctx, ids)
	observability.RecordIndexOp("delete", time.Since(start), err == nil)
	if err != nil {
		return &lorekeep.IndexOperationError{Op: "delete", Cause: err}
	}
	return nil
}

func (x *SQLiteIndex) deleteIDs(ctx context.Context, ids []string) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM vector_meta WHERE id IN ("+placeholders+")", args...); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM vectors WHERE id IN ("+placeholders+")", args...); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteByFilter removes all records matching the filter; an empty match
// set is success
func (x *SQLiteIndex) DeleteByFilter(ctx context.Context, filter Filter) error {
	if len(filter) == 0 {
		return lorekeep.NewValidationError("filter", "delete filter must not be empty")
	}

	where, args := buildFilter(filter)
	rows, err := x.db.QueryContext(ctx, "SELECT m.id FROM vector_meta m "+where, args...)
	if err != nil {
		return &lorekeep.IndexOperationError{Op: "delete", Cause: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return &lorekeep.IndexOperationError{Op: "delete", Cause: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return &lorekeep.IndexOperationError{Op: "delete", Cause: err}
	}
	if len(ids) == 0 {
		return nil
	}
	return x.DeleteByIDs(ctx, ids)
}

// FetchByIDs returns the stored records for ids; absent IDs are silently
// omitted from the result map
func (x *SQLiteIndex) FetchByIDs(ctx context.Context, ids []string) (map[string]Record, error) {
	out := make(map[string]Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	start := time.Now()
	rows, err := x.db.QueryContext(ctx, `
		SELECT v.id, vec_to_json(v.embedding), m.metadata
		FROM vectors v
		JOIN vector_meta m ON m.id = v.id
		WHERE v.id IN (`+placeholders+`)`, args...)
	observability.RecordIndexOp("fetch", time.Since(start), err == nil)
	if err != nil {
		return nil, &lorekeep.IndexOperationError{Op: "fetch", Cause: err}
	}
	defer rows.Close()

	for rows.Next() {
		var id, embJSON, metaJSON string
		if err := rows.Scan(&id, &embJSON, &metaJSON); err != nil {
			return nil, &lorekeep.IndexOperationError{Op: "fetch", Cause: err}
		}

		var values []float32
		if err := json.Unmarshal([]byte(embJSON), &values); err != nil {
			return nil, &lorekeep.IndexOperationError{Op: "fetch", Cause: err}
		}
		var meta map[string]string
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			meta = nil
		}

		out[id] = Record{ID: id, Values: values, Metadata: meta}
	}
	return out, rows.Err()
}

// buildFilter translates an exact-match conjunction into a WHERE clause.
// Known fields hit dedicated columns; anything else matches the JSON blob.
func buildFilter(filter Filter) (string, []interface{}) {
	if len(filter) == 0 {
		return "", nil
	}

	var conds []string
	var args []interface{}
	for key, value := range filter {
		if col, ok := metaColumns[key]; ok {
			conds = append(conds, fmt.Sprintf("m.%s = ?", col))
		} else {
			conds = append(conds, "json_extract(m.metadata, '$."+key+"') = ?")
		}
		args = append(args, value)
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}
