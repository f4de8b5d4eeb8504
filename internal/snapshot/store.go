package snapshot

// #region imports
import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #endregion

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS config_snapshots (
	snapshot_id  TEXT PRIMARY KEY,
	file_id      TEXT NOT NULL,
	source_path  TEXT NOT NULL,
	stored_path  TEXT NOT NULL,
	reason       TEXT NOT NULL,
	changed_by   TEXT NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_config_snapshots_file
ON config_snapshots(file_id, created_at);
`

// #endregion schema

// #region errors

// ErrNotFound marks an unknown snapshot id.
var ErrNotFound = errors.New("snapshot not found")

// ErrMissingArtifact marks metadata whose stored copy is gone from disk.
// Structural: surfaced to the caller, never silently repaired by deleting
// anything.
var ErrMissingArtifact = errors.New("snapshot artifact missing")

// #endregion

// #region record

// Record is the metadata for one stored configuration snapshot.
type Record struct {
	SnapshotID string
	FileID     string
	SourcePath string
	StoredPath string
	Reason     string
	ChangedBy  string
	CreatedAt  time.Time
}

// #endregion

// #region store

// Store keeps snapshot metadata in SQLite and the file copies in a
// snapshot directory. Every persisted configuration mutation in the core is
// preceded by Create, and Rollback snapshots the state it is about to
// overwrite, so no write path is irreversible.
type Store struct {
	db         *sql.DB
	dir        string
	maxPerFile int
}

// NewStore opens the metadata database and ensures the snapshot directory
// exists. maxPerFile bounds per-file retention; oldest entries are evicted
// with their stored copies.
func NewStore(dbPath, dir string, maxPerFile int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, dir: dir, maxPerFile: maxPerFile}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. audit).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion

// #region create

// Create copies the live file at sourcePath to an immutable timestamp-named
// location, records metadata, and evicts the oldest snapshots beyond the
// retention bound (metadata row and stored copy together).
func (s *Store) Create(fileID, sourcePath, reason, changedBy string) (Record, error) {
	content, err := os.ReadFile(sourcePath)
	if err != nil {
		return Record{}, fmt.Errorf("read live file %s: %w", sourcePath, err)
	}

	now := time.Now().UTC()
	id := uuid.New().String()
	storedPath := filepath.Join(s.dir,
		fmt.Sprintf("%s-%s-%s.snap", fileID, now.Format("20060102T150405.000000000Z"), id[:8]))

	if err := os.WriteFile(storedPath, content, 0o444); err != nil {
		return Record{}, fmt.Errorf("store copy: %w", err)
	}

	rec := Record{
		SnapshotID: id,
		FileID:     fileID,
		SourcePath: sourcePath,
		StoredPath: storedPath,
		Reason:     reason,
		ChangedBy:  changedBy,
		CreatedAt:  now,
	}

	_, err = s.db.Exec(
		`INSERT INTO config_snapshots
		 (snapshot_id, file_id, source_path, stored_path, reason, changed_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SnapshotID, rec.FileID, rec.SourcePath, rec.StoredPath,
		rec.Reason, rec.ChangedBy, rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		os.Remove(storedPath)
		return Record{}, fmt.Errorf("insert snapshot: %w", err)
	}

	if err := s.prune(fileID); err != nil {
		return Record{}, fmt.Errorf("prune snapshots: %w", err)
	}
	return rec, nil
}

// prune evicts the oldest snapshots for fileID beyond maxPerFile.
func (s *Store) prune(fileID string) error {
	// rowid is insertion order, which is exact even when two snapshots
	// land in the same instant.
	rows, err := s.db.Query(
		`SELECT snapshot_id, stored_path FROM config_snapshots
		 WHERE file_id = ? ORDER BY rowid DESC`, fileID)
	if err != nil {
		return err
	}
	defer rows.Close()

	type victim struct{ id, path string }
	var victims []victim
	n := 0
	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			return err
		}
		n++
		if n > s.maxPerFile {
			victims = append(victims, victim{id, path})
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, v := range victims {
		if _, err := s.db.Exec(`DELETE FROM config_snapshots WHERE snapshot_id = ?`, v.id); err != nil {
			return err
		}
		if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// #endregion

// #region rollback

// RollbackResult reports what a rollback did.
type RollbackResult struct {
	Restored      Record
	PreRollbackID string
}

// Rollback restores the live file from the snapshot. A fresh "pre_rollback"
// snapshot of the current live file is taken first, so rollback itself is
// always reversible. A missing stored copy fails naming the artifact and
// touches nothing.
func (s *Store) Rollback(snapshotID string) (RollbackResult, error) {
	rec, err := s.Get(snapshotID)
	if err != nil {
		return RollbackResult{}, err
	}

	content, err := os.ReadFile(rec.StoredPath)
	if err != nil {
		if os.IsNotExist(err) {
			return RollbackResult{}, fmt.Errorf("%w: %s", ErrMissingArtifact, rec.StoredPath)
		}
		return RollbackResult{}, fmt.Errorf("read artifact %s: %w", rec.StoredPath, err)
	}

	pre, err := s.Create(rec.FileID, rec.SourcePath, "pre_rollback", "system")
	if err != nil {
		return RollbackResult{}, fmt.Errorf("pre-rollback snapshot: %w", err)
	}

	// Single whole-file replace; no partial application.
	if err := os.WriteFile(rec.SourcePath, content, 0o644); err != nil {
		return RollbackResult{}, fmt.Errorf("restore live file: %w", err)
	}

	return RollbackResult{Restored: rec, PreRollbackID: pre.SnapshotID}, nil
}

// #endregion

// #region queries

// Get retrieves snapshot metadata by id.
func (s *Store) Get(snapshotID string) (Record, error) {
	var rec Record
	var createdStr string
	err := s.db.QueryRow(
		`SELECT snapshot_id, file_id, source_path, stored_path, reason, changed_by, created_at
		 FROM config_snapshots WHERE snapshot_id = ?`, snapshotID,
	).Scan(&rec.SnapshotID, &rec.FileID, &rec.SourcePath, &rec.StoredPath,
		&rec.Reason, &rec.ChangedBy, &createdStr)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, snapshotID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get snapshot %s: %w", snapshotID, err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return rec, nil
}

// List returns snapshots for fileID, newest first.
func (s *Store) List(fileID string) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT snapshot_id, file_id, source_path, stored_path, reason, changed_by, created_at
		 FROM config_snapshots WHERE file_id = ? ORDER BY rowid DESC`, fileID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var createdStr string
		if err := rows.Scan(&rec.SnapshotID, &rec.FileID, &rec.SourcePath, &rec.StoredPath,
			&rec.Reason, &rec.ChangedBy, &createdStr); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// #endregion
