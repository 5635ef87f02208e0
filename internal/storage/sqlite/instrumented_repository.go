package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/catalog_downloader/internal/storage"
	"github.com/italolelis/catalog_downloader/internal/telemetry"
	"github.com/italolelis/catalog_downloader/internal/transfer"
)

// InstrumentedFileIndexRepository wraps FileIndexRepository with telemetry.
type InstrumentedFileIndexRepository struct {
	repo      *FileIndexRepository
	telemetry *telemetry.Telemetry
}

var _ storage.FileIndex = (*InstrumentedFileIndexRepository)(nil)

// NewInstrumentedFileIndexRepository creates a new instrumented file index repository.
func NewInstrumentedFileIndexRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedFileIndexRepository {
	return &InstrumentedFileIndexRepository{
		repo:      NewFileIndexRepository(dbConn),
		telemetry: tel,
	}
}

// ReplaceEntryFiles replaces an entry's listing with telemetry.
func (r *InstrumentedFileIndexRepository) ReplaceEntryFiles(ctx context.Context, entryID string, files []*transfer.FileDescriptor) error {
	return r.telemetry.InstrumentDBOperation(ctx, "replace_entry_files", func(ctx context.Context) error {
		return r.repo.ReplaceEntryFiles(ctx, entryID, files)
	})
}

// GetFile retrieves a file with telemetry. A miss is not recorded as a failure.
func (r *InstrumentedFileIndexRepository) GetFile(ctx context.Context, fileID string) (*transfer.FileDescriptor, error) {
	var (
		result *transfer.FileDescriptor
		miss   bool
	)

	err := r.telemetry.InstrumentDBOperation(ctx, "get_file", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetFile(ctx, fileID)
		if err == storage.ErrNotFound {
			miss = true

			return nil
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	if miss {
		return nil, storage.ErrNotFound
	}

	return result, nil
}

// GetEntryFiles retrieves an entry's files with telemetry.
func (r *InstrumentedFileIndexRepository) GetEntryFiles(ctx context.Context, entryID string) ([]*transfer.FileDescriptor, error) {
	var result []*transfer.FileDescriptor

	err := r.telemetry.InstrumentDBOperation(ctx, "get_entry_files", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetEntryFiles(ctx, entryID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
