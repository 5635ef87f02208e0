package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/catalog_downloader/internal/storage"
	"github.com/italolelis/catalog_downloader/internal/transfer"
)

// FileIndexRepository implements storage.FileIndex on SQLite.
type FileIndexRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.FileIndex = (*FileIndexRepository)(nil)

func NewFileIndexRepository(dbConn *sql.DB) *FileIndexRepository {
	return &FileIndexRepository{db: dbConn, now: time.Now}
}

// ReplaceEntryFiles atomically swaps the stored listing of entryID for files. A file id that
// moved between entries is taken over by the new listing.
func (r *FileIndexRepository) ReplaceEntryFiles(ctx context.Context, entryID string, files []*transfer.FileDescriptor) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE entry_id = ?`, entryID); err != nil {
		return fmt.Errorf("failed to clear entry files: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO files (id, entry_id, name, category, size_bytes, uploaded_at, listed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entry_id = excluded.entry_id,
			name = excluded.name,
			category = excluded.category,
			size_bytes = excluded.size_bytes,
			uploaded_at = excluded.uploaded_at,
			listed_at = excluded.listed_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	listedAt := r.now().UTC().Format(time.RFC3339Nano)

	for _, f := range files {
		var size sql.NullInt64
		if f.Size != nil {
			size = sql.NullInt64{Int64: *f.Size, Valid: true}
		}

		var uploadedAt sql.NullString
		if !f.UploadedAt.IsZero() {
			uploadedAt = sql.NullString{String: f.UploadedAt.UTC().Format(time.RFC3339Nano), Valid: true}
		}

		if _, err := stmt.ExecContext(ctx, f.ID, entryID, f.Name, string(f.Category), size, uploadedAt, listedAt); err != nil {
			return fmt.Errorf("failed to insert file %s: %w", f.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetFile returns the indexed descriptor of fileID or storage.ErrNotFound.
func (r *FileIndexRepository) GetFile(ctx context.Context, fileID string) (*transfer.FileDescriptor, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, entry_id, name, category, size_bytes, uploaded_at FROM files WHERE id = ?`, fileID)

	fd, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return fd, nil
}

// GetEntryFiles returns the indexed files of entryID ordered by name.
func (r *FileIndexRepository) GetEntryFiles(ctx context.Context, entryID string) ([]*transfer.FileDescriptor, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, entry_id, name, category, size_bytes, uploaded_at FROM files WHERE entry_id = ? ORDER BY name, id`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*transfer.FileDescriptor

	for rows.Next() {
		fd, err := scanFile(rows)
		if err != nil {
			return nil, err
		}

		files = append(files, fd)
	}

	return files, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(s scanner) (*transfer.FileDescriptor, error) {
	var (
		fd         transfer.FileDescriptor
		category   string
		size       sql.NullInt64
		uploadedAt sql.NullString
	)

	if err := s.Scan(&fd.ID, &fd.EntryID, &fd.Name, &category, &size, &uploadedAt); err != nil {
		return nil, err
	}

	fd.Category = transfer.FileCategory(category)

	if size.Valid {
		fd.Size = &size.Int64
	}

	if uploadedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, uploadedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse uploaded_at for %s: %w", fd.ID, err)
		}

		fd.UploadedAt = t
	}

	return &fd, nil
}
