package downloader

import (
	"context"

	"github.com/italolelis/catalog_downloader/internal/logctx"
	"github.com/italolelis/catalog_downloader/internal/transfer"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// FileRequest names one file of a batch.
type FileRequest struct {
	FileID   string
	Category transfer.FileCategory
}

// BatchItem is the outcome of one FileRequest.
type BatchItem struct {
	Request FileRequest
	Result  *Result
	Err     error
}

// DownloadFiles runs several single-file downloads with bounded parallelism. Each item
// succeeds or fails on its own; one failure never cancels the others. Items are returned
// in request order.
func (c *Coordinator) DownloadFiles(ctx context.Context, reqs []FileRequest, sink Sink) []BatchItem {
	logger := logctx.LoggerFromContext(ctx)
	items := make([]BatchItem, len(reqs))

	var g errgroup.Group
	g.SetLimit(c.opts.MaxParallel)

	for i, req := range reqs {
		items[i].Request = req

		g.Go(func() error {
			items[i].Result, items[i].Err = c.DownloadFile(ctx, req.FileID, req.Category, sink)

			return nil
		})
	}

	_ = g.Wait()

	failed := lo.CountBy(items, func(it BatchItem) bool { return it.Err != nil })

	logger.InfoContext(ctx, "batch finished", "requested", len(reqs), "failed", failed)

	return items
}
