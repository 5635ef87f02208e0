package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/catalog_downloader/internal/downloader/progress"
	"github.com/italolelis/catalog_downloader/internal/logctx"
	"github.com/italolelis/catalog_downloader/internal/transfer"
)

const (
	dirPerm = 0o755

	// PartialSuffix marks files still being written.
	PartialSuffix = ".part"

	defaultProgressInterval = 50 * 1024 * 1024
)

// ErrTargetBusy is wrapped in a *transfer.LocalIOError when another delivery is already
// writing the same destination file.
var ErrTargetBusy = errors.New("destination is being written by another download")

// DiskSink saves streams under a directory. Bytes go to a hidden temporary file that is
// renamed into place only after the whole stream was written. At most one delivery writes a
// given destination at a time.
type DiskSink struct {
	dir              string
	progressInterval int64
	createTemp       func(dir, pattern string) (*os.File, error)

	mu      sync.Mutex
	writing map[string]struct{}
}

func NewDiskSink(dir string) *DiskSink {
	return &DiskSink{
		dir:              dir,
		progressInterval: defaultProgressInterval,
		createTemp:       os.CreateTemp,
		writing:          make(map[string]struct{}),
	}
}

// Path is where a payload named filename ends up.
func (s *DiskSink) Path(filename string) string {
	return filepath.Join(s.dir, SafeFilename(filename))
}

// Deliver writes p.Body to disk. Failures writing locally are *transfer.LocalIOError; a
// failing source stream is returned as is. The temporary file is removed on every failure.
func (s *DiskSink) Deliver(ctx context.Context, p *transfer.Payload) (err error) {
	target := s.Path(p.Filename)
	logger := logctx.LoggerFromContext(ctx).With("file_path", target)

	if err := ctx.Err(); err != nil {
		return err
	}

	if !s.claim(target) {
		return &transfer.LocalIOError{Path: target, Err: ErrTargetBusy}
	}
	defer s.unclaim(target)

	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return &transfer.LocalIOError{Path: s.dir, Err: err}
	}

	tmp, err := s.createTemp(s.dir, "."+filepath.Base(target)+".*"+PartialSuffix)
	if err != nil {
		return &transfer.LocalIOError{Path: target, Err: err}
	}

	defer func() {
		if err == nil {
			return
		}

		_ = tmp.Close()

		if rmErr := os.Remove(tmp.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.WarnContext(ctx, "failed to remove partial file", "partial", tmp.Name(), "err", rmErr)
		}
	}()

	if p.Size >= 0 {
		logger.InfoContext(ctx, "saving download", "file_size", humanize.Bytes(uint64(p.Size)))
	} else {
		logger.InfoContext(ctx, "saving download", "file_size", "unknown")
	}

	pr := progress.NewReader(contextReader{ctx: ctx, r: p.Body}, p.Size, s.progressInterval, func(read, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"downloaded", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(read)*100/float64(total), 2))
		} else {
			logger.DebugContext(ctx, "download progress", "downloaded", humanize.Bytes(uint64(read)))
		}
	})

	if _, err := io.Copy(ioErrWriter{w: tmp, path: target}, pr); err != nil {
		var localErr *transfer.LocalIOError
		if errors.As(err, &localErr) {
			return localErr
		}

		return fmt.Errorf("failed to save %s: %w", filepath.Base(target), err)
	}

	if err := tmp.Close(); err != nil {
		return &transfer.LocalIOError{Path: target, Err: err}
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		return &transfer.LocalIOError{Path: target, Err: err}
	}

	logger.InfoContext(ctx, "download saved", "bytes", humanize.Bytes(uint64(pr.BytesRead())))

	return nil
}

func (s *DiskSink) claim(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.writing[target]; busy {
		return false
	}

	s.writing[target] = struct{}{}

	return true
}

func (s *DiskSink) unclaim(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.writing, target)
}
