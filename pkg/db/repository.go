package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/nabu-linux/lon-deployer/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for the artifact index and run history
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Debug("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Debug("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// UpsertArtifact records the outcome of an artifact fetch
func (r *Repository) UpsertArtifact(a *ArtifactRecord) error {
	slog.Debug("database_upsert_artifact", "name", a.Name, "integrity", a.Integrity)

	query := `
		INSERT INTO artifacts (name, url, md5, size, integrity, fetched_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
		    url = excluded.url, md5 = excluded.md5, size = excluded.size,
		    integrity = excluded.integrity, fetched_at = CURRENT_TIMESTAMP
	`
	if _, err := r.db.Exec(query, a.Name, a.URL, a.MD5, a.Size, a.Integrity); err != nil {
		slog.Error("database_upsert_artifact_failed", "name", a.Name, "error", err)
		return errors.Wrap(err, "failed to upsert artifact")
	}
	return nil
}

// GetArtifact retrieves an artifact record by name
func (r *Repository) GetArtifact(name string) (*ArtifactRecord, error) {
	query := `SELECT name, url, md5, size, integrity, fetched_at FROM artifacts WHERE name = ?`

	var a ArtifactRecord
	err := r.db.QueryRow(query, name).Scan(&a.Name, &a.URL, &a.MD5, &a.Size, &a.Integrity, &a.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_artifact_failed", "name", name, "error", err)
		return nil, errors.Wrap(err, "failed to query artifact")
	}
	return &a, nil
}

// ListArtifacts retrieves all artifact records
func (r *Repository) ListArtifacts() ([]*ArtifactRecord, error) {
	rows, err := r.db.Query(`SELECT name, url, md5, size, integrity, fetched_at FROM artifacts ORDER BY name`)
	if err != nil {
		slog.Error("database_list_artifacts_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list artifacts")
	}
	defer rows.Close()

	var records []*ArtifactRecord
	for rows.Next() {
		var a ArtifactRecord
		if err := rows.Scan(&a.Name, &a.URL, &a.MD5, &a.Size, &a.Integrity, &a.FetchedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		records = append(records, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return records, nil
}

// CreateRun inserts a new run record
func (r *Repository) CreateRun(run *Run) error {
	slog.Debug("database_create_run", "run_id", run.ID, "serial", run.Serial)

	if run.Status == "" {
		run.Status = StatusRunning
	}
	query := `
		INSERT INTO runs (id, serial, rootfs, rootfs_blake3, partition_percent, state, status, exit_code, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		run.ID, run.Serial, run.RootFS, run.RootFSBlake3, run.PartitionPercent,
		run.State, run.Status, run.ExitCode, run.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_run_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to insert run")
	}
	return nil
}

// UpdateState records the workflow state a run reached
func (r *Repository) UpdateState(id, state string) error {
	slog.Debug("database_update_state", "run_id", id, "state", state)

	query := `UPDATE runs SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.Exec(query, state, id); err != nil {
		slog.Error("database_state_update_failed", "run_id", id, "state", state, "error", err)
		return errors.Wrap(err, "failed to update state")
	}
	return nil
}

// SetFingerprint stores the BLAKE3 digest of the streamed rootfs image
func (r *Repository) SetFingerprint(id, digest string) error {
	query := `UPDATE runs SET rootfs_blake3 = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.Exec(query, digest, id); err != nil {
		return errors.Wrap(err, "failed to update fingerprint")
	}
	return nil
}

// FinishRun records the terminal outcome of a run
func (r *Repository) FinishRun(id, status string, exitCode int, errorMessage string) error {
	slog.Debug("database_finish_run", "run_id", id, "status", status, "exit_code", exitCode)

	query := `
		UPDATE runs SET status = ?, exit_code = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query, status, exitCode, errorMessage, id)
	if err != nil {
		slog.Error("database_finish_run_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to finish run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("run not found: id=%s", id)
	}
	return nil
}

// GetRun retrieves a run by id
func (r *Repository) GetRun(id string) (*Run, error) {
	query := `
		SELECT id, serial, rootfs, rootfs_blake3, partition_percent, state, status,
		       exit_code, error_message, created_at, updated_at
		FROM runs WHERE id = ?
	`
	run, err := scanRun(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_run_failed", "run_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query run")
	}
	return run, nil
}

// ListRuns retrieves runs, newest first. A limit of 0 returns all runs.
func (r *Repository) ListRuns(limit int) ([]*Run, error) {
	query := `
		SELECT id, serial, rootfs, rootfs_blake3, partition_percent, state, status,
		       exit_code, error_message, created_at, updated_at
		FROM runs ORDER BY created_at DESC, rowid DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_runs_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return runs, nil
}

// DeleteArtifact removes an artifact record by name
func (r *Repository) DeleteArtifact(name string) error {
	slog.Info("database_delete_artifact", "name", name)

	if _, err := r.db.Exec(`DELETE FROM artifacts WHERE name = ?`, name); err != nil {
		slog.Error("database_delete_artifact_failed", "name", name, "error", err)
		return errors.Wrap(err, "failed to delete artifact")
	}
	return nil
}

// PruneRuns deletes all but the keep most recent runs and returns how many
// were removed.
func (r *Repository) PruneRuns(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	query := `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?
		)
	`
	res, err := r.db.Exec(query, keep)
	if err != nil {
		slog.Error("database_prune_runs_failed", "keep", keep, "error", err)
		return 0, errors.Wrap(err, "failed to prune runs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count pruned runs")
	}
	slog.Info("database_runs_pruned", "keep", keep, "removed", n)
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var digest, errorMessage sql.NullString
	err := row.Scan(
		&run.ID, &run.Serial, &run.RootFS, &digest, &run.PartitionPercent,
		&run.State, &run.Status, &run.ExitCode, &errorMessage,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.RootFSBlake3 = digest.String
	run.ErrorMessage = errorMessage.String
	return &run, nil
}
