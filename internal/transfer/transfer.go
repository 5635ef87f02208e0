package transfer

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Client performs the three remote operations against the catalog file service.
type Client interface {
	ListFiles(ctx context.Context, entryID string) ([]*FileDescriptor, error)
	FetchFile(ctx context.Context, fileID string, category FileCategory) (*Payload, error)
	FetchBundle(ctx context.Context, entryID string) (*Payload, error)
}

// FileCategory is the kind of a remote file.
type FileCategory string

const (
	CategoryData       FileCategory = "data"
	CategoryScript     FileCategory = "script"
	CategoryManifest   FileCategory = "manifest"
	CategoryDescriptor FileCategory = "descriptor"
)

var knownCategories = map[FileCategory]string{
	CategoryData:       "application/json",
	CategoryScript:     "text/x-lua",
	CategoryManifest:   "application/octet-stream",
	CategoryDescriptor: "text/plain",
}

// ParseFileCategory returns the category for s or an error when s is not a recognized category.
func ParseFileCategory(s string) (FileCategory, error) {
	c := FileCategory(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown file category %q", s)
	}

	return c, nil
}

func (c FileCategory) Valid() bool {
	_, ok := knownCategories[c]

	return ok
}

// ContentType is the media type handed to a sink for a file of this category.
func (c FileCategory) ContentType() string {
	if ct, ok := knownCategories[c]; ok {
		return ct
	}

	return "application/octet-stream"
}

// OperationCategory identifies a throttling bucket.
type OperationCategory string

const (
	OperationSingleFile OperationCategory = "single-file"
	OperationBundle     OperationCategory = "bundle"
)

// OperationCategories lists every throttling bucket.
var OperationCategories = []OperationCategory{OperationSingleFile, OperationBundle}

// TargetKey identifies a unit of in-flight work: a file id for single-file
// downloads or an entry id for bundles.
type TargetKey struct {
	Category OperationCategory
	TargetID string
}

func (k TargetKey) String() string {
	return string(k.Category) + ":" + k.TargetID
}

// FileDescriptor describes one remote file belonging to a catalog entry.
type FileDescriptor struct {
	ID         string
	EntryID    string
	Name       string
	Category   FileCategory
	Size       *int64 // nil when the remote service did not report it
	UploadedAt time.Time
}

// Payload is a successful transfer: a byte stream plus what is known about it.
// The receiver must close Body.
type Payload struct {
	Body        io.ReadCloser
	Filename    string
	Size        int64 // -1 when unknown
	ContentType string
}
