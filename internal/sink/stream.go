// Package sink delivers downloaded byte streams to their destination.
package sink

import (
	"context"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/italolelis/catalog_downloader/internal/transfer"
)

const fallbackFilename = "download"

// contextReader stops a copy as soon as ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}

	return cr.r.Read(p)
}

// ioErrWriter marks write failures as local so they are not confused with a failing
// remote stream on the read side of the same copy.
type ioErrWriter struct {
	w    io.Writer
	path string
}

func (ew ioErrWriter) Write(p []byte) (int, error) {
	n, err := ew.w.Write(p)
	if err != nil {
		return n, &transfer.LocalIOError{Path: ew.path, Err: err}
	}

	return n, nil
}

// SafeFilename reduces name to a single path element.
func SafeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")

	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || strings.TrimSpace(base) == "" {
		return fallbackFilename
	}

	return base
}

func contentDisposition(filename string) string {
	if cd := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); cd != "" {
		return cd
	}

	return "attachment"
}
