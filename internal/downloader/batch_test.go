package downloader

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/catalog_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadFiles_FailuresAreIsolated(t *testing.T) {
	client := newFakeClient()
	client.fileFn = func(_ context.Context, fileID string, _ transfer.FileCategory) (*transfer.Payload, error) {
		if fileID == "missing" {
			return nil, &transfer.NotFoundError{Operation: "fetch_file", TargetID: fileID}
		}

		return textPayload("body of "+fileID, fileID+".json"), nil
	}

	c, _ := newCoordinator(t, client, func(o *Options) { o.SuccessCooldown = 0 })
	sink := newMemSink()

	items := c.DownloadFiles(context.Background(), []FileRequest{
		{FileID: "f1", Category: transfer.CategoryData},
		{FileID: "missing", Category: transfer.CategoryData},
		{FileID: "f3", Category: transfer.CategoryScript},
	}, sink)

	require.Len(t, items, 3)

	assert.NoError(t, items[0].Err)
	assert.Equal(t, "f1.json", items[0].Result.Filename)

	assert.Equal(t, "missing", items[1].Request.FileID)
	assert.Equal(t, transfer.KindNotFound, transfer.KindOf(items[1].Err))
	assert.Nil(t, items[1].Result)

	assert.NoError(t, items[2].Err)
	assert.Equal(t, "text/x-lua", items[2].Result.ContentType)

	assert.Equal(t, "body of f1", sink.received["f1.json"])
	assert.Equal(t, "body of f3", sink.received["f3.json"])
}

func TestDownloadFiles_BoundedParallelism(t *testing.T) {
	var active, peak atomic.Int32

	client := newFakeClient()
	client.fileFn = func(_ context.Context, fileID string, _ transfer.FileCategory) (*transfer.Payload, error) {
		n := active.Add(1)
		defer active.Add(-1)

		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		time.Sleep(20 * time.Millisecond)

		return textPayload("x", fileID), nil
	}

	c, _ := newCoordinator(t, client, func(o *Options) {
		o.SuccessCooldown = 0
		o.MaxParallel = 2
	})

	reqs := make([]FileRequest, 0, 6)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		reqs = append(reqs, FileRequest{FileID: id, Category: transfer.CategoryData})
	}

	items := c.DownloadFiles(context.Background(), reqs, newMemSink())

	for _, it := range items {
		assert.NoError(t, it.Err)
	}

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 6, client.Calls("file"))
}

func TestDownloadFiles_DuplicateInBatch(t *testing.T) {
	release := make(chan struct{})

	client := newFakeClient()
	client.fileFn = func(_ context.Context, fileID string, _ transfer.FileCategory) (*transfer.Payload, error) {
		<-release

		return textPayload("x", fileID), nil
	}

	c, _ := newCoordinator(t, client, func(o *Options) { o.SuccessCooldown = 0 })

	go func() {
		assert.Eventually(t, func() bool {
			return c.InFlight(transfer.TargetKey{Category: transfer.OperationSingleFile, TargetID: "f1"})
		}, time.Second, time.Millisecond)

		// give the second request time to be rejected
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	items := c.DownloadFiles(context.Background(), []FileRequest{
		{FileID: "f1", Category: transfer.CategoryData},
		{FileID: "f1", Category: transfer.CategoryData},
	}, newMemSink())

	kinds := []transfer.Kind{transfer.KindOf(items[0].Err), transfer.KindOf(items[1].Err)}
	assert.ElementsMatch(t, []transfer.Kind{transfer.KindNone, transfer.KindDuplicate}, kinds)
	assert.Equal(t, 1, client.Calls("file"))
}
