package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/catalog_downloader/internal/logctx"
	"github.com/italolelis/catalog_downloader/internal/sink"
)

// DeleteStaleParts removes partial download files in dir that were last modified more than
// olderThan ago. Partial files of running downloads are younger than the cutoff as long as
// olderThan exceeds the longest transfer budget. It returns the number of files removed.
func DeleteStaleParts(ctx context.Context, dir string, olderThan time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	cutoff := time.Now().Add(-olderThan)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	removed := 0

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, sink.PartialSuffix) {
			continue
		}

		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // finished or removed meanwhile
			}

			return removed, err
		}

		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.ErrorContext(ctx, "failed to delete stale partial file", "file", path, "err", err)

			return removed, err
		}

		removed++

		logger.InfoContext(ctx, "deleted stale partial file", "file", path, "age", time.Since(info.ModTime()).Round(time.Second))
	}

	return removed, nil
}

// Run sweeps dir every interval until ctx is done.
func Run(ctx context.Context, dir string, interval, olderThan time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
			if _, err := DeleteStaleParts(ctx, dir, olderThan); err != nil && ctx.Err() == nil {
				logger.ErrorContext(ctx, "failed to delete stale partial files", "err", err)
			}
		}
	}
}
