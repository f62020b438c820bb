package genqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/amara/lorekeep/internal/observability"
	"github.com/amara/lorekeep/pkg/lorekeep"
)

// SQLiteJobStore implements JobStore on an embedded sqlite database.
// Claim semantics rely on a conditional UPDATE, so two concurrent
// claimants can never both win the same job.
type SQLiteJobStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteJobStore opens (or creates) the job database
func NewSQLiteJobStore(dbPath string, logger zerolog.Logger) (*SQLiteJobStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteJobStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteJobStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS generation_jobs (
			id TEXT PRIMARY KEY,
			world_id TEXT NOT NULL,
			branch_id TEXT,
			entity_ids TEXT NOT NULL,
			prompt TEXT NOT NULL,
			tool TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			result_artifact_ref TEXT,
			consistency_score REAL,
			error_message TEXT,
			created_at INTEGER NOT NULL,
			completed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON generation_jobs(status, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database
func (s *SQLiteJobStore) Close() error {
	return s.db.Close()
}

// Insert stores a new queued job. Jobs are created by request handling
// outside the core; this exists for that boundary and for tests.
func (s *SQLiteJobStore) Insert(ctx context.Context, job *lorekeep.GenerationJob) error {
	entityIDs, err := json.Marshal(job.EntityIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal entity IDs: %w", err)
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := job.Status
	if status == "" {
		status = lorekeep.StatusQueued
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO generation_jobs (id, world_id, branch_id, entity_ids, prompt, tool, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorldID, job.BranchID, string(entityIDs), job.Prompt, job.Tool, string(status), createdAt.UnixMilli(),
	)
	return err
}

func (s *SQLiteJobStore) Get(ctx context.Context, jobID string) (*lorekeep.GenerationJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, world_id, branch_id, entity_ids, prompt, tool, status,
		       result_artifact_ref, consistency_score, error_message, created_at, completed_at
		FROM generation_jobs WHERE id = ?`, jobID)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return job, err
}

func (s *SQLiteJobStore) OldestQueued(ctx context.Context) (*lorekeep.GenerationJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, world_id, branch_id, entity_ids, prompt, tool, status,
		       result_artifact_ref, consistency_score, error_message, created_at, completed_at
		FROM generation_jobs
		WHERE status = 'queued'
		ORDER BY created_at ASC, id ASC
		LIMIT 1`)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (s *SQLiteJobStore) Claim(ctx context.Context, jobID string) (bool, error) {
	// The conditional update is the atomic claim-and-status-write
	res, err := s.db.ExecContext(ctx,
		"UPDATE generation_jobs SET status = 'processing' WHERE id = ? AND status = 'queued'",
		jobID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteJobStore) Complete(ctx context.Context, jobID, artifactRef string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = 'completed', result_artifact_ref = ?, error_message = NULL, completed_at = ?
		WHERE id = ? AND status = 'processing'`,
		artifactRef, time.Now().UnixMilli(), jobID,
	)
	if err != nil {
		return err
	}
	return requireOneRow(res, jobID, "complete")
}

func (s *SQLiteJobStore) Fail(ctx context.Context, jobID, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = 'failed', error_message = ?, completed_at = ?
		WHERE id = ? AND status = 'processing'`,
		errorMessage, time.Now().UnixMilli(), jobID,
	)
	if err != nil {
		return err
	}
	return requireOneRow(res, jobID, "fail")
}

func (s *SQLiteJobStore) SetConsistencyScore(ctx context.Context, jobID string, score float64) error {
	// A score only ever exists on a completed job with an artifact
	res, err := s.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET consistency_score = ?
		WHERE id = ? AND status = 'completed' AND result_artifact_ref IS NOT NULL`,
		score, jobID,
	)
	if err != nil {
		return err
	}
	return requireOneRow(res, jobID, "set consistency score")
}

func (s *SQLiteJobStore) CountQueued(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM generation_jobs WHERE status = 'queued'").Scan(&n)
	return n, err
}

// ResetToQueued clears a job back to queued. This is the only exit from a
// terminal or stuck state and every use is audited.
func (s *SQLiteJobStore) ResetToQueued(ctx context.Context, jobID, reason string) error {
	if reason == "" {
		return lorekeep.NewValidationError("reason", "a reset reason is required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = 'queued', result_artifact_ref = NULL, consistency_score = NULL,
		    error_message = NULL, completed_at = NULL
		WHERE id = ?`,
		jobID,
	)
	if err != nil {
		return err
	}
	if err := requireOneRow(res, jobID, "reset"); err != nil {
		return err
	}

	observability.GetAuditLogger().Record(ctx, observability.AuditEvent{
		Type:   "job_repair",
		Action: "job_reset",
		Status: "success",
		Metadata: map[string]interface{}{
			"job_id": jobID,
			"reason": reason,
		},
	})
	s.logger.Warn().Str("job_id", jobID).Str("reason", reason).Msg("Job reset to queued")
	return nil
}

func requireOneRow(res sql.Result, jobID, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("cannot %s job %s: not in the expected status", op, jobID)
	}
	return nil
}

// scanner covers both sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*lorekeep.GenerationJob, error) {
	var job lorekeep.GenerationJob
	var branchID, artifactRef, errorMessage sql.NullString
	var score sql.NullFloat64
	var entityIDs string
	var createdAt int64
	var completedAt sql.NullInt64
	var status string

	err := row.Scan(&job.ID, &job.WorldID, &branchID, &entityIDs, &job.Prompt, &job.Tool,
		&status, &artifactRef, &score, &errorMessage, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.Status = lorekeep.JobStatus(status)
	job.BranchID = branchID.String
	job.ResultArtifactRef = artifactRef.String
	job.ErrorMessage = errorMessage.String
	job.CreatedAt = time.UnixMilli(createdAt)
	if score.Valid {
		job.ConsistencyScore = &score.Float64
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		job.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(entityIDs), &job.EntityIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity IDs: %w", err)
	}
	return &job, nil
}
