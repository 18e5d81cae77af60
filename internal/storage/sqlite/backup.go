package sqlite

import (
	"database/sql"
	"fmt"
	"io"
	"os"
)

// Snapshot creates a consistent point-in-time copy of the store file at
// destPath using SQLite's VACUUM INTO, which handles WAL mode correctly.
// This backs the rebuild/maintenance surface; cloud upload and retention
// scheduling are the sync collaborator's concern (spec.md §1), not this
// store's.
func Snapshot(sourcePath, destPath string) error {
	sourceDB, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", sourcePath))
	if err != nil {
		return fmt.Errorf("sqlite: open source for snapshot: %w", err)
	}
	defer func() { _ = sourceDB.Close() }()

	if err := sourceDB.Ping(); err != nil {
		return fmt.Errorf("sqlite: ping source for snapshot: %w", err)
	}

	if _, err := sourceDB.Exec(fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return fmt.Errorf("sqlite: snapshot vacuum: %w", err)
	}

	return nil
}

// VerifySnapshot runs SQLite's integrity_check pragma against a snapshot file.
func VerifySnapshot(path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("sqlite: open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("sqlite: integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("sqlite: integrity check failed: %s", result)
	}
	return nil
}

// RestoreSnapshot copies a verified snapshot file over the target store path.
// The target store must not be open elsewhere when this is called.
func RestoreSnapshot(snapshotPath, targetPath string) error {
	if err := VerifySnapshot(snapshotPath); err != nil {
		return fmt.Errorf("sqlite: snapshot failed verification: %w", err)
	}

	src, err := os.Open(snapshotPath)
	if err != nil {
		return fmt.Errorf("sqlite: open snapshot: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("sqlite: create restore target: %w", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("sqlite: copy snapshot: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("sqlite: sync restore target: %w", err)
	}

	return VerifySnapshot(targetPath)
}
