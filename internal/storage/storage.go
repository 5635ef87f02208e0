package storage

import (
	"context"
	"errors"

	"github.com/italolelis/catalog_downloader/internal/transfer"
)

// ErrNotFound is returned when the index has no record of a file.
var ErrNotFound = errors.New("not found in file index")

// FileIndex keeps the latest listing of each catalog entry. A new listing of an entry
// replaces the previous one; no history is kept.
type FileIndex interface {
	ReplaceEntryFiles(ctx context.Context, entryID string, files []*transfer.FileDescriptor) error
	GetFile(ctx context.Context, fileID string) (*transfer.FileDescriptor, error)
	GetEntryFiles(ctx context.Context, entryID string) ([]*transfer.FileDescriptor, error)
}
