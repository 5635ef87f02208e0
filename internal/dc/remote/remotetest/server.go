// Package remotetest provides an in-process fake of the catalog file service.
package remotetest

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"mime"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/catalog_downloader/internal/transfer"
	"golang.org/x/time/rate"
)

// Operation names used by Hits.
const (
	OpList   = "list"
	OpFile   = "file"
	OpBundle = "bundle"
)

// File is a remote file served by the fake.
type File struct {
	ID         string
	EntryID    string
	Name       string
	Category   transfer.FileCategory
	Content    []byte
	UploadedAt time.Time
	// HideSize omits the size from listings.
	HideSize bool
}

type forcedStatus struct {
	status     int
	retryAfter string
	message    string
}

// Server is a fake remote service. All setters are safe to call while requests are served.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	files     map[string]File
	order     []string
	listings  map[string]string
	forced    map[string]forcedStatus
	limiters  map[string]*rate.Limiter
	latency   time.Duration
	token     string
	hits      map[string]int
	inFlight  map[string]int
	maxActive map[string]int
	gate      chan struct{}
}

// New starts a fake remote service that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		files:     make(map[string]File),
		listings:  make(map[string]string),
		forced:    make(map[string]forcedStatus),
		limiters:  make(map[string]*rate.Limiter),
		hits:      make(map[string]int),
		inFlight:  make(map[string]int),
		maxActive: make(map[string]int),
	}

	r := chi.NewRouter()
	r.Use(s.auth)
	r.With(s.track(OpList)).Get("/v1/entries/{entryID}/files", s.listFiles)
	r.With(s.track(OpBundle)).Get("/v1/entries/{entryID}/bundle", s.bundle)
	r.With(s.track(OpFile)).Get("/v1/files/{fileID}", s.file)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)

	return s
}

// AddFile registers f under its entry.
func (s *Server) AddFile(f File) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[f.ID]; !ok {
		s.order = append(s.order, f.ID)
	}

	s.files[f.ID] = f
}

// SetRawListing makes the listing of entryID return body verbatim.
func (s *Server) SetRawListing(entryID, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listings[entryID] = body
}

// Throttle makes every op request answer 429 with the given Retry-After header value.
// An empty value sends no header.
func (s *Server) Throttle(op, retryAfter string) {
	s.ForceStatus(op, http.StatusTooManyRequests, retryAfter, "rate limit exceeded")
}

// ForceStatus makes every op request answer status.
func (s *Server) ForceStatus(op string, status int, retryAfter, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.forced[op] = forcedStatus{status: status, retryAfter: retryAfter, message: message}
}

// Reset drops forced statuses and limits.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.forced = make(map[string]forcedStatus)
	s.limiters = make(map[string]*rate.Limiter)
}

// Limit applies a token bucket to op; requests over it get 429 with the time to the next token.
func (s *Server) Limit(op string, r rate.Limit, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.limiters[op] = rate.NewLimiter(r, burst)
}

// SetLatency delays every response by d, or until the request is cancelled.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latency = d
}

// Hold blocks every request until the returned release func is called.
func (s *Server) Hold() (release func()) {
	gate := make(chan struct{})

	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()

			close(gate)
		})
	}
}

// RequireToken rejects requests without the bearer token.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
}

// Hits returns how many requests reached op.
func (s *Server) Hits(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hits[op]
}

// MaxConcurrent returns the highest number of simultaneous op requests seen.
func (s *Server) MaxConcurrent(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.maxActive[op]
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()

		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) track(op string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.mu.Lock()
			s.hits[op]++
			s.inFlight[op]++
			s.maxActive[op] = max(s.maxActive[op], s.inFlight[op])
			forced, isForced := s.forced[op]
			limiter := s.limiters[op]
			latency := s.latency
			gate := s.gate
			s.mu.Unlock()

			defer func() {
				s.mu.Lock()
				s.inFlight[op]--
				s.mu.Unlock()
			}()

			if gate != nil {
				select {
				case <-gate:
				case <-r.Context().Done():
					return
				}
			}

			if latency > 0 {
				select {
				case <-time.After(latency):
				case <-r.Context().Done():
					return
				}
			}

			if isForced {
				if forced.retryAfter != "" {
					w.Header().Set("Retry-After", forced.retryAfter)
				}

				writeError(w, forced.status, http.StatusText(forced.status), forced.message)

				return
			}

			if limiter != nil {
				res := limiter.Reserve()
				if delay := res.Delay(); delay > 0 {
					res.Cancel()
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
					writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")

					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

type fileJSON struct {
	ID         string    `json:"id"`
	EntryID    string    `json:"entry_id"`
	Filename   string    `json:"filename"`
	Category   string    `json:"category"`
	Size       *int64    `json:"size,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryID")

	s.mu.Lock()
	raw, isRaw := s.listings[entryID]
	files := s.entryFiles(entryID)
	s.mu.Unlock()

	if isRaw {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(raw))

		return
	}

	if len(files) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "entry not found")

		return
	}

	out := make([]fileJSON, 0, len(files))

	for _, f := range files {
		item := fileJSON{
			ID:         f.ID,
			EntryID:    f.EntryID,
			Filename:   f.Name,
			Category:   string(f.Category),
			UploadedAt: f.UploadedAt,
		}

		if !f.HideSize {
			size := int64(len(f.Content))
			item.Size = &size
		}

		out = append(out, item)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"files": out})
}

func (s *Server) file(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	f, ok := s.files[chi.URLParam(r, "fileID")]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "file not found")

		return
	}

	w.Header().Set("Content-Type", f.Category.ContentType())
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Content)))
	_, _ = w.Write(f.Content)
}

func (s *Server) bundle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	files := s.entryFiles(chi.URLParam(r, "entryID"))
	s.mu.Unlock()

	if len(files) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "entry not found")

		return
	}

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for _, f := range files {
		fw, err := zw.Create(f.Name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())

			return
		}

		_, _ = fw.Write(f.Content)
	}

	if err := zw.Close(); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())

		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) entryFiles(entryID string) []File {
	var out []File

	for _, id := range s.order {
		if f := s.files[id]; f.EntryID == entryID {
			out = append(out, f)
		}
	}

	return out
}

func writeError(w http.ResponseWriter, status int, errorType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error_type": errorType, "message": message})
}
