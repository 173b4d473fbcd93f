package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/loomhq/loom/internal/types"
)

// SQLiteConfig holds connection options for the SQLite-backed store.
type SQLiteConfig struct {
	Path            string        // Database file path (":memory:" for tests)
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum connection lifetime
	BusyTimeout     time.Duration // SQLite busy timeout
	WALMode         bool          // Enable write-ahead logging
}

// DefaultSQLiteConfig returns sensible defaults for the given path.
func DefaultSQLiteConfig(path string) SQLiteConfig {
	return SQLiteConfig{
		Path:            path,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		BusyTimeout:     5 * time.Second,
		WALMode:         true,
	}
}

// SQLiteStore implements Store on SQLite with WAL mode enabled.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

// OpenSQLite opens (or creates) the store at path with default settings and
// applies migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	return OpenSQLiteWithConfig(DefaultSQLiteConfig(path))
}

// OpenSQLiteWithConfig opens the store with custom connection settings.
func OpenSQLiteWithConfig(cfg SQLiteConfig) (*SQLiteStore, error) {
	journal := "DELETE"
	if cfg.WALMode {
		journal = "WAL"
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_foreign_keys=on&_busy_timeout=%d",
		cfg.Path,
		journal,
		int(cfg.BusyTimeout.Milliseconds()),
	)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, types.WrapError(types.STORE_OPEN_FAILED, "failed to open database", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, types.WrapError(types.STORE_OPEN_FAILED, "failed to ping database", err)
	}

	s := &SQLiteStore{conn: conn, path: cfg.Path}
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *SQLiteStore) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// migrate applies the schema. Statements are idempotent.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			iteration INTEGER NOT NULL DEFAULT 0,
			max_iterations INTEGER NOT NULL DEFAULT 0,
			output TEXT,
			error TEXT,
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS execution_records (
			execution_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			unit_id TEXT NOT NULL,
			status TEXT NOT NULL,
			output TEXT,
			error TEXT,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			FOREIGN KEY (workflow_id) REFERENCES workflows(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_records_workflow
			ON execution_records(workflow_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS quality_scores (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			unit_id TEXT NOT NULL,
			dimension TEXT NOT NULL,
			score REAL NOT NULL,
			max_score REAL NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quality_scores_workflow
			ON quality_scores(workflow_id)`,
	}

	for _, stmt := range schema {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return types.WrapError(types.STORE_MIGRATION_FAILED, "failed to apply schema", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateExecutionRecord(ctx context.Context, rec *ExecutionRecord) error {
	if rec == nil || rec.ExecutionID.IsZero() {
		return types.NewError(types.STORE_QUERY_FAILED, "execution record requires an execution id")
	}

	output, err := marshalJSON(rec.Output)
	if err != nil {
		return err
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO execution_records
			(execution_id, workflow_id, unit_id, status, output, error, tokens_used, cost, duration_ms, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID.String(), rec.WorkflowID.String(), rec.UnitID, string(rec.Status),
		output, rec.Error, rec.TokensUsed, rec.Cost, rec.DurationMs, rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "failed to insert execution record", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateExecutionRecord(ctx context.Context, executionID types.ID, upd RecordUpdate) error {
	sets := []string{"status = ?"}
	args := []any{string(upd.Status)}

	if upd.Output != nil {
		output, err := marshalJSON(upd.Output)
		if err != nil {
			return err
		}
		sets = append(sets, "output = ?")
		args = append(args, output)
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}
	if upd.TokensUsed != nil {
		sets = append(sets, "tokens_used = ?")
		args = append(args, *upd.TokensUsed)
	}
	if upd.Cost != nil {
		sets = append(sets, "cost = ?")
		args = append(args, *upd.Cost)
	}
	if upd.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *upd.DurationMs)
	}
	if upd.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, *upd.EndedAt)
	}

	args = append(args, executionID.String())
	query := fmt.Sprintf("UPDATE execution_records SET %s WHERE execution_id = ?", strings.Join(sets, ", "))

	result, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "failed to update execution record", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return types.NewError(types.STORE_QUERY_FAILED,
			fmt.Sprintf("execution record %s not found", executionID))
	}
	return nil
}

func (s *SQLiteStore) GetExecutionRecord(ctx context.Context, executionID types.ID) (*ExecutionRecord, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT execution_id, workflow_id, unit_id, status, output, error, tokens_used, cost, duration_ms, started_at, ended_at
		FROM execution_records WHERE execution_id = ?`, executionID.String())

	rec, err := scanExecutionRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.STORE_QUERY_FAILED,
			fmt.Sprintf("execution record %s not found", executionID))
	}
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to query execution record", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListExecutionRecords(ctx context.Context, workflowID types.ID) ([]*ExecutionRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT execution_id, workflow_id, unit_id, status, output, error, tokens_used, cost, duration_ms, started_at, ended_at
		FROM execution_records WHERE workflow_id = ? ORDER BY started_at, execution_id`, workflowID.String())
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to list execution records", err)
	}
	defer rows.Close()

	var out []*ExecutionRecord
	for rows.Next() {
		rec, err := scanExecutionRecord(rows)
		if err != nil {
			return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to scan execution record", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, rec *WorkflowRecord) error {
	if rec == nil || rec.ID.IsZero() {
		return types.NewError(types.STORE_QUERY_FAILED, "workflow record requires an id")
	}

	output, err := marshalJSON(rec.Output)
	if err != nil {
		return err
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO workflows (id, name, status, iteration, max_iterations, output, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.Name, string(rec.Status), rec.Iteration, rec.MaxIterations,
		output, rec.Error, rec.CreatedAt, rec.CompletedAt,
	)
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "failed to insert workflow", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id types.ID) (*WorkflowRecord, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, name, status, iteration, max_iterations, output, error, created_at, completed_at
		FROM workflows WHERE id = ?`, id.String())

	var rec WorkflowRecord
	var idStr, status string
	var output, errMsg sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&idStr, &rec.Name, &status, &rec.Iteration, &rec.MaxIterations,
		&output, &errMsg, &rec.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.WORKFLOW_NOT_FOUND, fmt.Sprintf("workflow %s not found", id))
	}
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to query workflow", err)
	}

	rec.ID = types.ID(idStr)
	rec.Status = WorkflowStatus(status)
	if errMsg.Valid {
		rec.Error = errMsg.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if output.Valid && output.String != "" {
		if err := json.Unmarshal([]byte(output.String), &rec.Output); err != nil {
			return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to decode workflow output", err)
		}
	}
	return &rec, nil
}

func (s *SQLiteStore) UpdateWorkflowStatus(ctx context.Context, id types.ID, upd WorkflowUpdate) error {
	sets := []string{"status = ?"}
	args := []any{string(upd.Status)}

	if upd.Output != nil {
		output, err := marshalJSON(upd.Output)
		if err != nil {
			return err
		}
		sets = append(sets, "output = ?")
		args = append(args, output)
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}
	if upd.Iteration != nil {
		sets = append(sets, "iteration = ?")
		args = append(args, *upd.Iteration)
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *upd.CompletedAt)
	}

	args = append(args, id.String())
	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))

	result, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "failed to update workflow", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return types.NewError(types.WORKFLOW_NOT_FOUND, fmt.Sprintf("workflow %s not found", id))
	}
	return nil
}

func (s *SQLiteStore) AddQualityScore(ctx context.Context, score QualityScore) error {
	createdAt := score.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO quality_scores (workflow_id, unit_id, dimension, score, max_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		score.WorkflowID.String(), score.UnitID, score.Dimension, score.Score, score.MaxScore, createdAt,
	)
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "failed to insert quality score", err)
	}
	return nil
}

func (s *SQLiteStore) QueryQualityEvaluations(ctx context.Context, workflowID types.ID) ([]QualityScore, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT workflow_id, unit_id, dimension, score, max_score, created_at
		FROM quality_scores WHERE workflow_id = ? ORDER BY id`, workflowID.String())
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to query quality scores", err)
	}
	defer rows.Close()

	var out []QualityScore
	for rows.Next() {
		var score QualityScore
		var idStr string
		if err := rows.Scan(&idStr, &score.UnitID, &score.Dimension, &score.Score, &score.MaxScore, &score.CreatedAt); err != nil {
			return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to scan quality score", err)
		}
		score.WorkflowID = types.ID(idStr)
		out = append(out, score)
	}
	return out, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecutionRecord(row scanner) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	var execID, wfID, status string
	var output, errMsg sql.NullString
	var endedAt sql.NullTime

	err := row.Scan(&execID, &wfID, &rec.UnitID, &status, &output, &errMsg,
		&rec.TokensUsed, &rec.Cost, &rec.DurationMs, &rec.StartedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	rec.ExecutionID = types.ID(execID)
	rec.WorkflowID = types.ID(wfID)
	rec.Status = UnitStatus(status)
	if errMsg.Valid {
		rec.Error = errMsg.String
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	if output.Valid && output.String != "" {
		if err := json.Unmarshal([]byte(output.String), &rec.Output); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

func marshalJSON(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", types.WrapError(types.STORE_QUERY_FAILED, "failed to encode JSON payload", err)
	}
	return string(data), nil
}

var _ Store = (*SQLiteStore)(nil)
