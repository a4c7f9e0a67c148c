package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spinstage/spinstage/pkg/errors"
	"github.com/spinstage/spinstage/pkg/partition"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for installation runs
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Create schema
	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new running record
func (r *Repository) Create(ctx context.Context, id, spin, method string) error {
	slog.Info("database_create_run", "run_id", id, "spin", spin, "method", method)

	query := `INSERT INTO runs (id, spin, method, stage, status) VALUES (?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, id, spin, method, "initializing", StatusRunning); err != nil {
		slog.Error("database_insert_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to insert run")
	}
	return nil
}

func (r *Repository) exec(ctx context.Context, id, what, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("database_update_failed", "run_id", id, "field", what, "error", err)
		return errors.Wrap(err, "failed to update "+what)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_run_not_found_for_update", "run_id", id)
		return fmt.Errorf("run not found: id=%s", id)
	}
	return nil
}

// UpdateStage records the stage a run has entered
func (r *Repository) UpdateStage(ctx context.Context, id, stage string) error {
	slog.Debug("database_update_stage", "run_id", id, "stage", stage)

	query := `UPDATE runs SET stage = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	return r.exec(ctx, id, "stage", query, stage, id)
}

// SavePartitioning stores the partitioning result of a run
func (r *Repository) SavePartitioning(ctx context.Context, id string, res *partition.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return errors.Wrap(err, "failed to encode partitioning result")
	}
	slog.Info("database_save_partitioning", "run_id", id)

	query := `UPDATE runs SET partitioning = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	return r.exec(ctx, id, "partitioning", query, string(data), id)
}

// Finish records the terminal result of a run
func (r *Repository) Finish(ctx context.Context, id string, success bool, stage, message, bootEntry string) error {
	status := StatusFailed
	if success {
		status = StatusSucceeded
	}
	slog.Info("database_finish_run", "run_id", id, "status", status, "stage", stage)

	query := `
		UPDATE runs
		SET status = ?, stage = ?, error_message = ?, boot_entry = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	return r.exec(ctx, id, "status", query, status, stage, message, bootEntry, id)
}

// MarkRolledBack records that the disk changes of a run were reversed
func (r *Repository) MarkRolledBack(ctx context.Context, id string, res *partition.Result) error {
	if err := r.SavePartitioning(ctx, id, res); err != nil {
		return err
	}
	query := `UPDATE runs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	return r.exec(ctx, id, "status", query, StatusRolledBack, id)
}

const selectRun = `
	SELECT id, spin, method, stage, status, partitioning, boot_entry, error_message, created_at, updated_at
	FROM runs
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var partitioning, bootEntry, errorMessage sql.NullString

	err := row.Scan(
		&run.ID, &run.Spin, &run.Method, &run.Stage, &run.Status,
		&partitioning, &bootEntry, &errorMessage,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	run.BootEntry = bootEntry.String
	run.ErrorMessage = errorMessage.String
	if partitioning.Valid && partitioning.String != "" && partitioning.String != "null" {
		var res partition.Result
		if err := json.Unmarshal([]byte(partitioning.String), &res); err != nil {
			return nil, errors.Wrap(err, "failed to decode partitioning result")
		}
		run.Partitioning = &res
	}
	return &run, nil
}

// Get retrieves a run by ID. It returns nil when the run does not exist.
func (r *Repository) Get(ctx context.Context, id string) (*Run, error) {
	slog.Debug("database_query_run", "run_id", id)

	run, err := scanRun(r.db.QueryRowContext(ctx, selectRun+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		slog.Info("database_run_not_found", "run_id", id)
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query run")
	}
	return run, nil
}

// List retrieves all runs, newest first
func (r *Repository) List(ctx context.Context) ([]*Run, error) {
	slog.Debug("database_list_runs")

	rows, err := r.db.QueryContext(ctx, selectRun+" ORDER BY created_at DESC, rowid DESC")
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "run_count", len(runs))
	return runs, nil
}

// Delete deletes a run by ID
func (r *Repository) Delete(ctx context.Context, id string) error {
	slog.Info("database_delete_run", "run_id", id)

	if _, err := r.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to delete run")
	}
	return nil
}
