package sink

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/italolelis/catalog_downloader/internal/transfer"
)

// ResponseSink streams a payload to an HTTP client as a browser download.
type ResponseSink struct {
	w       http.ResponseWriter
	started bool
}

func NewResponseSink(w http.ResponseWriter) *ResponseSink {
	return &ResponseSink{w: w}
}

// Started reports whether the response status line has been written. After that an error
// can no longer be reported to the client.
func (s *ResponseSink) Started() bool {
	return s.started
}

func (s *ResponseSink) Deliver(ctx context.Context, p *transfer.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	contentType := p.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := s.w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Disposition", contentDisposition(SafeFilename(p.Filename)))
	h.Set("X-Content-Type-Options", "nosniff")

	if p.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(p.Size, 10))
	}

	s.w.WriteHeader(http.StatusOK)
	s.started = true

	if _, err := io.Copy(ioErrWriter{w: s.w, path: "http response"}, contextReader{ctx: ctx, r: p.Body}); err != nil {
		return fmt.Errorf("failed to stream %s: %w", p.Filename, err)
	}

	return nil
}
