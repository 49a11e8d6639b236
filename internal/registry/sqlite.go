package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver (CGO-free)
)

// SQLiteRegistry implements Registry on a SQLite database file. The
// active-port uniqueness invariant is enforced by a partial unique index
// so it holds even across manager restarts.
type SQLiteRegistry struct {
	db   *sql.DB
	path string
}

// NewSQLiteRegistry opens (or creates) the database at path and
// initializes the schema.
func NewSQLiteRegistry(path string) (*SQLiteRegistry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	r := &SQLiteRegistry{db: db, path: path}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *SQLiteRegistry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS servers (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL DEFAULT '',
		engine_type TEXT NOT NULL,
		name TEXT NOT NULL,
		model_path TEXT NOT NULL,
		model_name TEXT NOT NULL,
		training_job_id TEXT,
		base_url TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 0,
		process_id INTEGER NOT NULL DEFAULT 0,
		process_start_unix INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		config TEXT,
		error_message TEXT,
		started_at INTEGER NOT NULL,
		stopped_at INTEGER,
		last_health_check INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_servers_status ON servers(status);
	CREATE INDEX IF NOT EXISTS idx_servers_owner ON servers(owner);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_servers_active_port
		ON servers(owner, port)
		WHERE status IN ('starting', 'running') AND port != 0;
	`

	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := r.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	return nil
}

// Insert stores a new record.
func (r *SQLiteRegistry) Insert(ctx context.Context, rec *ServerRecord) error {
	if err := validateInsert(rec); err != nil {
		return err
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO servers (id, owner, engine_type, name, model_path, model_name,
		training_job_id, base_url, port, process_id, process_start_unix,
		status, config, error_message, started_at, stopped_at, last_health_check)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.Owner,
		string(rec.EngineType),
		rec.Name,
		rec.ModelPath,
		rec.ModelName,
		rec.TrainingJobID,
		rec.BaseURL,
		rec.Port,
		rec.ProcessID,
		rec.ProcessStartUnix,
		string(rec.Status),
		rec.ConfigJSON(),
		rec.ErrorMessage,
		rec.StartedAt.Unix(),
		unixOrNil(rec.StoppedAt),
		unixOrNil(rec.LastHealthCheck),
	)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "servers.id") {
			return wrapErr(ErrDuplicateID, err)
		}
		if strings.Contains(msg, "UNIQUE constraint") {
			return wrapErr(ErrPortConflict, err)
		}
		return fmt.Errorf("failed to insert server record: %w", err)
	}
	return nil
}

// Update applies a partial update inside a transaction so the status
// transition check and the write are atomic.
func (r *SQLiteRegistry) Update(ctx context.Context, id string, upd Update) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM servers WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read server record: %w", err)
	}

	setClauses := make([]string, 0, 5)
	args := make([]interface{}, 0, 6)

	if upd.Status != nil {
		if !ValidTransition(Status(current), *upd.Status) {
			return ErrInvalidTransition
		}
		setClauses = append(setClauses, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.ErrorMessage != nil {
		setClauses = append(setClauses, "error_message = ?")
		args = append(args, *upd.ErrorMessage)
	}
	if upd.StoppedAt != nil {
		setClauses = append(setClauses, "stopped_at = ?")
		args = append(args, upd.StoppedAt.Unix())
	}
	if upd.LastHealthCheck != nil {
		setClauses = append(setClauses, "last_health_check = ?")
		args = append(args, upd.LastHealthCheck.Unix())
	}
	if upd.BaseURL != nil {
		setClauses = append(setClauses, "base_url = ?")
		args = append(args, *upd.BaseURL)
	}
	if len(setClauses) == 0 {
		return nil
	}

	args = append(args, id)
	query := "UPDATE servers SET " + strings.Join(setClauses, ", ") + " WHERE id = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update server record: %w", err)
	}
	return tx.Commit()
}

// Get returns the record with the given id within the owner scope.
func (r *SQLiteRegistry) Get(ctx context.Context, id, owner string) (*ServerRecord, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ? AND owner = ?`, id, owner)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server record: %w", err)
	}
	return rec, nil
}

// ListByStatus returns records with the given status in the owner scope.
func (r *SQLiteRegistry) ListByStatus(ctx context.Context, status Status, owner string) ([]*ServerRecord, error) {
	return r.list(ctx, selectColumns+` WHERE status = ? AND owner = ? ORDER BY started_at`, string(status), owner)
}

// ListAllByStatus returns records with the given status across owners.
func (r *SQLiteRegistry) ListAllByStatus(ctx context.Context, status Status) ([]*ServerRecord, error) {
	return r.list(ctx, selectColumns+` WHERE status = ? ORDER BY started_at`, string(status))
}

func (r *SQLiteRegistry) list(ctx context.Context, query string, args ...interface{}) ([]*ServerRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list server records: %w", err)
	}
	defer rows.Close()

	records := []*ServerRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the underlying database.
func (r *SQLiteRegistry) Close() error { return r.db.Close() }

const selectColumns = `
	SELECT id, owner, engine_type, name, model_path, model_name,
		training_job_id, base_url, port, process_id, process_start_unix,
		status, config, error_message, started_at, stopped_at, last_health_check
	FROM servers`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*ServerRecord, error) {
	rec := &ServerRecord{}
	var (
		engineType, status        string
		trainingJobID, errMsg     sql.NullString
		configJSON                sql.NullString
		startedUnix               int64
		stoppedUnix, lastHCValue  sql.NullInt64
	)

	err := row.Scan(
		&rec.ID,
		&rec.Owner,
		&engineType,
		&rec.Name,
		&rec.ModelPath,
		&rec.ModelName,
		&trainingJobID,
		&rec.BaseURL,
		&rec.Port,
		&rec.ProcessID,
		&rec.ProcessStartUnix,
		&status,
		&configJSON,
		&errMsg,
		&startedUnix,
		&stoppedUnix,
		&lastHCValue,
	)
	if err != nil {
		return nil, err
	}

	rec.EngineType = EngineType(engineType)
	rec.Status = Status(status)
	rec.TrainingJobID = trainingJobID.String
	rec.ErrorMessage = errMsg.String
	rec.StartedAt = time.Unix(startedUnix, 0).UTC()
	if stoppedUnix.Valid {
		t := time.Unix(stoppedUnix.Int64, 0).UTC()
		rec.StoppedAt = &t
	}
	if lastHCValue.Valid {
		t := time.Unix(lastHCValue.Int64, 0).UTC()
		rec.LastHealthCheck = &t
	}
	if configJSON.Valid && configJSON.String != "" {
		_ = json.Unmarshal([]byte(configJSON.String), &rec.Config)
	}
	return rec, nil
}

func unixOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
