package downloader

import (
	"context"

	"github.com/italolelis/catalog_downloader/internal/logctx"
)

// Events are best effort: a full channel drops the event rather than stall a download.

func (c *Coordinator) emitFinished(ctx context.Context, r *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.OnDownloadFinished <- r:
	default:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "dropped download finished event")
	}
}

func (c *Coordinator) emitFailure(ctx context.Context, f *Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.OnDownloadFailed <- f:
	default:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "dropped download failed event")
	}
}
