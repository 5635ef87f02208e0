package downloader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/italolelis/catalog_downloader/internal/cooldown"
	"github.com/italolelis/catalog_downloader/internal/logctx"
	"github.com/italolelis/catalog_downloader/internal/storage"
	"github.com/italolelis/catalog_downloader/internal/telemetry"
	"github.com/italolelis/catalog_downloader/internal/transfer"
	"github.com/samber/lo"
)

const outcomeCompleted = "completed"

// Sink receives the bytes of a successful transfer. It must not close p.Body.
type Sink interface {
	Deliver(ctx context.Context, p *transfer.Payload) error
}

// Options tunes a Coordinator.
type Options struct {
	// SuccessCooldown is armed after every successful remote call.
	SuccessCooldown time.Duration
	// DefaultCooldown is armed on throttling when the service advertised no delay.
	DefaultCooldown time.Duration
	// MaxParallel bounds DownloadFiles.
	MaxParallel int
	// EventBuffer is the capacity of the event channels.
	EventBuffer int
}

func DefaultOptions() Options {
	return Options{
		SuccessCooldown: 120 * time.Second,
		DefaultCooldown: 120 * time.Second,
		MaxParallel:     4,
		EventBuffer:     64,
	}
}

// Result describes a completed download.
type Result struct {
	Key         transfer.TargetKey
	Filename    string
	ContentType string
	Size        int64
	Duration    time.Duration
}

// Failure describes a download that reached the remote service and did not complete.
type Failure struct {
	Key transfer.TargetKey
	Err error
}

// Coordinator owns the in-flight set and the cooldowns. Requests for different targets run
// in parallel; a target is accepted at most once at a time.
type Coordinator struct {
	client    transfer.Client
	tracker   cooldown.Tracker[transfer.OperationCategory]
	index     storage.FileIndex
	telemetry *telemetry.Telemetry
	opts      Options

	mu       sync.Mutex
	inFlight map[transfer.TargetKey]struct{}
	closed   bool

	OnDownloadFinished chan *Result
	OnDownloadFailed   chan *Failure
}

// NewCoordinator wires a coordinator. index may be nil.
func NewCoordinator(
	client transfer.Client,
	tracker cooldown.Tracker[transfer.OperationCategory],
	index storage.FileIndex,
	tel *telemetry.Telemetry,
	opts Options,
) *Coordinator {
	if tel == nil {
		tel = &telemetry.Telemetry{}
	}

	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}

	return &Coordinator{
		client:             client,
		tracker:            tracker,
		index:              index,
		telemetry:          tel,
		opts:               opts,
		inFlight:           make(map[transfer.TargetKey]struct{}),
		OnDownloadFinished: make(chan *Result, opts.EventBuffer),
		OnDownloadFailed:   make(chan *Failure, opts.EventBuffer),
	}
}

// Close closes the event channels. No download may be started afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.OnDownloadFinished)
	close(c.OnDownloadFailed)
}

// ListFiles lists an entry's remote files and refreshes the file index. Listing never
// touches cooldowns.
func (c *Coordinator) ListFiles(ctx context.Context, entryID string) ([]*transfer.FileDescriptor, error) {
	ctx, logger := logctx.With(ctx, "entry_id", entryID)

	files, err := c.client.ListFiles(ctx, entryID)
	if err != nil {
		logger.WarnContext(ctx, "failed to list files", "kind", transfer.KindOf(err), "err", err)

		return nil, err
	}

	if c.index != nil {
		if err := c.index.ReplaceEntryFiles(ctx, entryID, files); err != nil {
			logger.WarnContext(ctx, "failed to update file index", "err", err)
		}
	}

	return files, nil
}

// ListFilesOrCached behaves like ListFiles but, when the remote service is unreachable,
// answers with the last indexed listing of entryID. cached reports the fallback.
func (c *Coordinator) ListFilesOrCached(ctx context.Context, entryID string) (files []*transfer.FileDescriptor, cached bool, err error) {
	files, err = c.ListFiles(ctx, entryID)
	if err == nil || c.index == nil || transfer.KindOf(err) != transfer.KindUnreachable {
		return files, false, err
	}

	indexed, indexErr := c.index.GetEntryFiles(ctx, entryID)
	if indexErr != nil || len(indexed) == 0 {
		if indexErr != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to read cached listing", "entry_id", entryID, "err", indexErr)
		}

		return nil, false, err
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "serving cached listing", "entry_id", entryID, "file_count", len(indexed))

	return indexed, true, nil
}

// LookupFile returns the last listed descriptor of fileID.
func (c *Coordinator) LookupFile(ctx context.Context, fileID string) (*transfer.FileDescriptor, error) {
	if c.index == nil {
		return nil, storage.ErrNotFound
	}

	return c.index.GetFile(ctx, fileID)
}

// DownloadFile fetches one file and hands it to sink. category is forwarded to the service
// and decides the content type given to sink.
func (c *Coordinator) DownloadFile(ctx context.Context, fileID string, category transfer.FileCategory, sink Sink) (*Result, error) {
	key := transfer.TargetKey{Category: transfer.OperationSingleFile, TargetID: fileID}

	return c.download(ctx, key, sink,
		func(ctx context.Context) (*transfer.Payload, error) {
			return c.client.FetchFile(ctx, fileID, category)
		},
		func(ctx context.Context, p *transfer.Payload) {
			p.ContentType = category.ContentType()

			if p.Filename == "" {
				p.Filename = c.indexedName(ctx, fileID)
			}
		},
	)
}

// DownloadBundle fetches the archive of every file of entryID and hands it to sink.
func (c *Coordinator) DownloadBundle(ctx context.Context, entryID string, sink Sink) (*Result, error) {
	key := transfer.TargetKey{Category: transfer.OperationBundle, TargetID: entryID}

	return c.download(ctx, key, sink,
		func(ctx context.Context) (*transfer.Payload, error) {
			return c.client.FetchBundle(ctx, entryID)
		},
		func(_ context.Context, p *transfer.Payload) {
			if p.Filename == "" {
				p.Filename = entryID + ".zip"
			}

			if p.ContentType == "" {
				p.ContentType = "application/zip"
			}
		},
	)
}

// IsBlocked reports whether category is cooling down.
func (c *Coordinator) IsBlocked(category transfer.OperationCategory) bool {
	return c.tracker.IsBlocked(category)
}

// Remaining is the cooldown left for category, for display only.
func (c *Coordinator) Remaining(category transfer.OperationCategory) time.Duration {
	return c.tracker.Remaining(category)
}

// Cooldowns returns the remaining cooldown of every category.
func (c *Coordinator) Cooldowns() map[transfer.OperationCategory]time.Duration {
	return lo.Associate(transfer.OperationCategories, func(cat transfer.OperationCategory) (transfer.OperationCategory, time.Duration) {
		return cat, c.tracker.Remaining(cat)
	})
}

// InFlight reports whether key is being downloaded.
func (c *Coordinator) InFlight(key transfer.TargetKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.inFlight[key]

	return ok
}

func (c *Coordinator) download(
	ctx context.Context,
	key transfer.TargetKey,
	sink Sink,
	fetch func(ctx context.Context) (*transfer.Payload, error),
	prepare func(ctx context.Context, p *transfer.Payload),
) (*Result, error) {
	ctx, logger := logctx.WithTarget(ctx, string(key.Category), key.TargetID)

	if err := c.accept(key); err != nil {
		logger.InfoContext(ctx, "download rejected", "reason", err)

		return nil, err
	}

	defer c.release(key)

	logger.DebugContext(ctx, "download accepted")

	var result *Result

	start := time.Now()

	err := c.telemetry.InstrumentDownload(ctx, string(key.Category), func(ctx context.Context) (string, error) {
		payload, err := fetch(ctx)
		if err != nil {
			c.armOnThrottle(ctx, key.Category, err)

			return string(transfer.KindOf(err)), err
		}
		defer payload.Body.Close()

		// The service counts calls, not outcomes, so every accepted call starts a cooldown.
		c.arm(key.Category, c.opts.SuccessCooldown, "success")

		prepare(ctx, payload)

		if err := sink.Deliver(ctx, payload); err != nil {
			return string(transfer.KindOf(err)), err
		}

		result = &Result{
			Key:         key,
			Filename:    payload.Filename,
			ContentType: payload.ContentType,
			Size:        payload.Size,
		}

		return outcomeCompleted, nil
	})
	if err != nil {
		logger.WarnContext(ctx, "download failed", "kind", transfer.KindOf(err), "err", err)
		c.emitFailure(ctx, &Failure{Key: key, Err: err})

		return nil, err
	}

	result.Duration = time.Since(start)

	logger.InfoContext(ctx, "download completed", "filename", result.Filename, "duration", result.Duration)
	c.emitFinished(ctx, result)

	return result, nil
}

// accept checks and inserts key in one critical section.
func (c *Coordinator) accept(key transfer.TargetKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.inFlight[key]; busy {
		c.telemetry.RecordRejection(string(key.Category), "duplicate")

		return &transfer.DuplicateError{Key: key}
	}

	if c.tracker.IsBlocked(key.Category) {
		c.telemetry.RecordRejection(string(key.Category), "cooldown")

		return &transfer.ThrottledError{
			Operation:  operationName(key.Category),
			Category:   key.Category,
			RetryAfter: c.tracker.Remaining(key.Category),
			Local:      true,
		}
	}

	c.inFlight[key] = struct{}{}

	return nil
}

func (c *Coordinator) release(key transfer.TargetKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
}

func (c *Coordinator) armOnThrottle(ctx context.Context, category transfer.OperationCategory, err error) {
	var throttled *transfer.ThrottledError
	if !errors.As(err, &throttled) {
		return
	}

	d := throttled.RetryAfter
	if d <= 0 {
		d = c.opts.DefaultCooldown
	}

	logctx.LoggerFromContext(ctx).WarnContext(ctx, "throttled by remote service", "cooldown", d)

	c.arm(category, d, "throttled")

	// Report the window actually in force, which may be the default or a longer one
	// armed by a concurrent request.
	throttled.RetryAfter = c.tracker.Remaining(category)
}

func (c *Coordinator) arm(category transfer.OperationCategory, d time.Duration, reason string) {
	c.tracker.Arm(category, d)
	c.telemetry.RecordCooldownArmed(string(category), reason)
}

func (c *Coordinator) indexedName(ctx context.Context, fileID string) string {
	if fd, err := c.LookupFile(ctx, fileID); err == nil && fd.Name != "" {
		return fd.Name
	}

	return fileID
}

func operationName(category transfer.OperationCategory) string {
	if category == transfer.OperationBundle {
		return "fetch_bundle"
	}

	return "fetch_file"
}
