package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/catalog_downloader/internal/downloader"
	"github.com/italolelis/catalog_downloader/internal/logctx"
	"github.com/italolelis/catalog_downloader/internal/sink"
	"github.com/italolelis/catalog_downloader/internal/storage"
	"github.com/italolelis/catalog_downloader/internal/telemetry"
	"github.com/italolelis/catalog_downloader/internal/transfer"
	"github.com/samber/lo"
)

const maxBatchBody = 1 << 20

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	ErrorType    string `json:"error_type"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

type fileResponse struct {
	ID         string     `json:"id"`
	EntryID    string     `json:"entry_id"`
	Name       string     `json:"name"`
	Category   string     `json:"category"`
	Size       *int64     `json:"size,omitempty"`
	UploadedAt *time.Time `json:"uploaded_at,omitempty"`
}

type listResponse struct {
	EntryID string         `json:"entry_id"`
	Files   []fileResponse `json:"files"`
	Cached  bool           `json:"cached,omitempty"`
}

type downloadResponse struct {
	Category    string `json:"category"`
	TargetID    string `json:"target_id"`
	Filename    string `json:"filename"`
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	DurationMS  int64  `json:"duration_ms"`
}

type batchRequest struct {
	Files []struct {
		ID       string `json:"id"`
		Category string `json:"category"`
	} `json:"files"`
}

type batchItemResponse struct {
	ID       string            `json:"id"`
	Download *downloadResponse `json:"download,omitempty"`
	Error    *ErrorResponse    `json:"error,omitempty"`
}

type cooldownResponse struct {
	Category    string `json:"category"`
	Blocked     bool   `json:"blocked"`
	RemainingMS int64  `json:"remaining_ms"`
}

// Pinger checks a backing store. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// GatewayHandler exposes the download coordinator over HTTP.
type GatewayHandler struct {
	coordinator *downloader.Coordinator
	disk        *sink.DiskSink
	db          Pinger
	username    string
	password    string
}

// NewGatewayHandler creates the API handler. db backs the health check and may be nil.
// Basic auth is enforced when username is set.
func NewGatewayHandler(coordinator *downloader.Coordinator, disk *sink.DiskSink, db Pinger, username, password string) *GatewayHandler {
	return &GatewayHandler{
		coordinator: coordinator,
		disk:        disk,
		db:          db,
		username:    username,
		password:    password,
	}
}

func (h *GatewayHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", h.HandleHealth)

	r.Group(func(r chi.Router) {
		r.Use(h.basicAuthMiddleware)

		r.Get("/cooldowns", h.HandleCooldowns)
		r.Get("/entries/{entryID}/files", h.HandleListFiles)
		r.Get("/entries/{entryID}/bundle", h.HandleStreamBundle)
		r.Post("/entries/{entryID}/bundle/download", h.HandleSaveBundle)
		r.Get("/files/{fileID}", h.HandleStreamFile)
		r.Post("/files/{fileID}/download", h.HandleSaveFile)
		r.Post("/files/download", h.HandleSaveFiles)
	})

	return r
}

func (h *GatewayHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "health check failed", "err", err)

			writeJSON(ctx, w, http.StatusServiceUnavailable, ErrorResponse{
				ErrorType: "unhealthy",
				Message:   "database unavailable",
				RequestID: telemetry.GetRequestID(ctx),
			})

			return
		}
	}

	writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "ok", "database": "connected"})
}

func (h *GatewayHandler) HandleCooldowns(w http.ResponseWriter, r *http.Request) {
	cooldowns := h.coordinator.Cooldowns()

	out := lo.Map(transfer.OperationCategories, func(c transfer.OperationCategory, _ int) cooldownResponse {
		remaining := cooldowns[c]

		return cooldownResponse{
			Category:    string(c),
			Blocked:     remaining > 0,
			RemainingMS: remaining.Milliseconds(),
		}
	})

	writeJSON(r.Context(), w, http.StatusOK, map[string]any{"cooldowns": out})
}

func (h *GatewayHandler) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryID")

	files, cached, err := h.coordinator.ListFilesOrCached(r.Context(), entryID)
	if err != nil {
		writeError(r.Context(), w, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, listResponse{
		EntryID: entryID,
		Files:   lo.Map(files, func(f *transfer.FileDescriptor, _ int) fileResponse { return toFileResponse(f) }),
		Cached:  cached,
	})
}

func (h *GatewayHandler) HandleSaveBundle(w http.ResponseWriter, r *http.Request) {
	res, err := h.coordinator.DownloadBundle(r.Context(), chi.URLParam(r, "entryID"), h.disk)
	if err != nil {
		writeError(r.Context(), w, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusCreated, h.toDownloadResponse(res))
}

func (h *GatewayHandler) HandleStreamBundle(w http.ResponseWriter, r *http.Request) {
	rs := sink.NewResponseSink(w)

	_, err := h.coordinator.DownloadBundle(r.Context(), chi.URLParam(r, "entryID"), rs)
	if err != nil {
		h.streamFailed(r.Context(), w, rs, err)
	}
}

func (h *GatewayHandler) HandleSaveFile(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")

	category, err := h.resolveCategory(r.Context(), fileID, r.URL.Query().Get("category"))
	if err != nil {
		writeBadRequest(r.Context(), w, err.Error())

		return
	}

	res, err := h.coordinator.DownloadFile(r.Context(), fileID, category, h.disk)
	if err != nil {
		writeError(r.Context(), w, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusCreated, h.toDownloadResponse(res))
}

func (h *GatewayHandler) HandleStreamFile(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")

	category, err := h.resolveCategory(r.Context(), fileID, r.URL.Query().Get("category"))
	if err != nil {
		writeBadRequest(r.Context(), w, err.Error())

		return
	}

	rs := sink.NewResponseSink(w)

	if _, err := h.coordinator.DownloadFile(r.Context(), fileID, category, rs); err != nil {
		h.streamFailed(r.Context(), w, rs, err)
	}
}

func (h *GatewayHandler) HandleSaveFiles(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBody)).Decode(&req); err != nil {
		writeBadRequest(r.Context(), w, "invalid request body")

		return
	}

	if len(req.Files) == 0 {
		writeBadRequest(r.Context(), w, "no files requested")

		return
	}

	reqs := make([]downloader.FileRequest, 0, len(req.Files))

	for _, f := range req.Files {
		if f.ID == "" {
			writeBadRequest(r.Context(), w, "file id is required")

			return
		}

		category, err := h.resolveCategory(r.Context(), f.ID, f.Category)
		if err != nil {
			writeBadRequest(r.Context(), w, err.Error())

			return
		}

		reqs = append(reqs, downloader.FileRequest{FileID: f.ID, Category: category})
	}

	items := h.coordinator.DownloadFiles(r.Context(), reqs, h.disk)

	out := lo.Map(items, func(it downloader.BatchItem, _ int) batchItemResponse {
		resp := batchItemResponse{ID: it.Request.FileID}

		if it.Err != nil {
			_, body := errorFor(r.Context(), it.Err)
			resp.Error = &body
		} else {
			d := h.toDownloadResponse(it.Result)
			resp.Download = &d
		}

		return resp
	})

	writeJSON(r.Context(), w, http.StatusOK, map[string]any{"results": out})
}

// resolveCategory prefers an explicit category and falls back to the last listing.
func (h *GatewayHandler) resolveCategory(ctx context.Context, fileID, raw string) (transfer.FileCategory, error) {
	if raw != "" {
		return transfer.ParseFileCategory(raw)
	}

	fd, err := h.coordinator.LookupFile(ctx, fileID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", errors.New("category is required for files that were never listed")
	}

	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to look up file", "file_id", fileID, "err", err)

		return "", errors.New("category is required, file index unavailable")
	}

	return fd.Category, nil
}

func (h *GatewayHandler) streamFailed(ctx context.Context, w http.ResponseWriter, rs *sink.ResponseSink, err error) {
	if !rs.Started() {
		writeError(ctx, w, err)

		return
	}

	// Headers are gone; the client sees a truncated body.
	logctx.LoggerFromContext(ctx).ErrorContext(ctx, "stream aborted after headers were sent", "err", err)
}

func (h *GatewayHandler) toDownloadResponse(res *downloader.Result) downloadResponse {
	return downloadResponse{
		Category:    string(res.Key.Category),
		TargetID:    res.Key.TargetID,
		Filename:    res.Filename,
		Path:        h.disk.Path(res.Filename),
		ContentType: res.ContentType,
		Size:        res.Size,
		DurationMS:  res.Duration.Milliseconds(),
	}
}

func (h *GatewayHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="catalog_downloader"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func toFileResponse(f *transfer.FileDescriptor) fileResponse {
	resp := fileResponse{
		ID:       f.ID,
		EntryID:  f.EntryID,
		Name:     f.Name,
		Category: string(f.Category),
		Size:     f.Size,
	}

	if !f.UploadedAt.IsZero() {
		resp.UploadedAt = lo.ToPtr(f.UploadedAt)
	}

	return resp
}

// errorFor maps a download error to its HTTP status and body.
func errorFor(ctx context.Context, err error) (int, ErrorResponse) {
	kind := transfer.KindOf(err)
	body := ErrorResponse{
		ErrorType: string(kind),
		Message:   err.Error(),
		RequestID: telemetry.GetRequestID(ctx),
	}

	switch kind {
	case transfer.KindNotFound:
		return http.StatusNotFound, body
	case transfer.KindThrottled:
		var throttled *transfer.ThrottledError
		if errors.As(err, &throttled) {
			body.RetryAfterMS = throttled.RetryAfter.Milliseconds()
		}

		return http.StatusTooManyRequests, body
	case transfer.KindDuplicate:
		return http.StatusConflict, body
	case transfer.KindUnreachable:
		var netErr *transfer.NetworkError
		if (errors.As(err, &netErr) && netErr.Timeout) || errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, body
		}

		return http.StatusBadGateway, body
	case transfer.KindMalformed, transfer.KindUnauthorized:
		return http.StatusBadGateway, body
	case transfer.KindCancelled:
		return http.StatusServiceUnavailable, body
	default:
		return http.StatusInternalServerError, body
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, body := errorFor(ctx, err)

	if status == http.StatusTooManyRequests && body.RetryAfterMS > 0 {
		secs := int64(math.Ceil(float64(body.RetryAfterMS) / 1000))
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}

	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "request failed", "status", status, "err", err)
	}

	writeJSON(ctx, w, status, body)
}

func writeBadRequest(ctx context.Context, w http.ResponseWriter, message string) {
	writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{
		ErrorType: "bad_request",
		Message:   message,
		RequestID: telemetry.GetRequestID(ctx),
	})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "err", err)
	}
}
