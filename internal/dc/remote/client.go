// Package remote is the HTTP client for the catalog file service.
package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/italolelis/catalog_downloader/internal/logctx"
	"github.com/italolelis/catalog_downloader/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	opListFiles   = "list_files"
	opFetchFile   = "fetch_file"
	opFetchBundle = "fetch_bundle"

	maxListBytes   = 8 << 20
	maxErrorBytes  = 4 << 10
	sniffBytes     = 3072
	maxRetryAfter  = 24 * time.Hour
	defaultArchive = ".zip"
)

// Options configures a Client.
type Options struct {
	BaseURL       string
	Token         string
	ListTimeout   time.Duration
	FileTimeout   time.Duration
	BundleTimeout time.Duration
	// Transport is the base round tripper. http.DefaultTransport when nil.
	Transport http.RoundTripper
}

// DefaultOptions returns the budgets used when nothing else is configured. Single files are
// expected to be small next to bundles, so their budget is shorter.
func DefaultOptions(baseURL string) Options {
	return Options{
		BaseURL:       baseURL,
		ListTimeout:   15 * time.Second,
		FileTimeout:   30 * time.Second,
		BundleTimeout: 5 * time.Minute,
	}
}

// Client implements transfer.Client over HTTP.
type Client struct {
	baseURL    *url.URL
	opts       Options
	httpClient *http.Client
	validate   *validator.Validate
	now        func() time.Time
}

var _ transfer.Client = (*Client)(nil)

// NewClient creates a client for the service at opts.BaseURL.
func NewClient(opts Options) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote base url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote base url %q: scheme must be http or https", opts.BaseURL)
	}

	if opts.ListTimeout <= 0 || opts.FileTimeout <= 0 || opts.BundleTimeout <= 0 {
		return nil, errors.New("remote timeouts must be positive")
	}

	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	var rt http.RoundTripper = otelhttp.NewTransport(base)
	if opts.Token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token, TokenType: "Bearer"}),
			Base:   rt,
		}
	}

	return &Client{
		baseURL:    u,
		opts:       opts,
		httpClient: &http.Client{Transport: rt},
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		now:        time.Now,
	}, nil
}

type fileDTO struct {
	ID         string    `json:"id" validate:"required"`
	EntryID    string    `json:"entry_id"`
	Filename   string    `json:"filename" validate:"required"`
	Category   string    `json:"category" validate:"required"`
	Size       *int64    `json:"size" validate:"omitempty,min=0"`
	UploadedAt time.Time `json:"uploaded_at"`
}

type listResponse struct {
	Files []fileDTO `json:"files"`
}

type errorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// ListFiles returns the descriptors of every file belonging to entryID.
func (c *Client) ListFiles(ctx context.Context, entryID string) ([]*transfer.FileDescriptor, error) {
	logger := logctx.LoggerFromContext(ctx).With("entry_id", entryID, "operation", opListFiles)

	resp, err := c.do(ctx, opListFiles, transfer.OperationCategory(""), entryID, c.opts.ListTimeout,
		"/v1/entries/"+url.PathEscape(entryID)+"/files", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body listResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxListBytes)).Decode(&body); err != nil {
		if k := transfer.KindOf(err); k == transfer.KindUnreachable || k == transfer.KindCancelled {
			return nil, err
		}

		return nil, &transfer.MalformedResponseError{Operation: opListFiles, Reason: "invalid JSON body", Err: err}
	}

	if len(body.Files) == 0 {
		return nil, &transfer.NotFoundError{Operation: opListFiles, TargetID: entryID}
	}

	files := make([]*transfer.FileDescriptor, 0, len(body.Files))
	seen := make(map[string]struct{}, len(body.Files))

	for i, dto := range body.Files {
		fd, err := c.toDescriptor(entryID, dto)
		if err != nil {
			return nil, &transfer.MalformedResponseError{
				Operation: opListFiles,
				Reason:    fmt.Sprintf("file %d: %v", i, err),
				Err:       err,
			}
		}

		if _, dup := seen[fd.ID]; dup {
			return nil, &transfer.MalformedResponseError{
				Operation: opListFiles,
				Reason:    fmt.Sprintf("duplicate file id %q", fd.ID),
			}
		}

		seen[fd.ID] = struct{}{}
		files = append(files, fd)
	}

	logger.DebugContext(ctx, "listed remote files", "file_count", len(files))

	return files, nil
}

func (c *Client) toDescriptor(entryID string, dto fileDTO) (*transfer.FileDescriptor, error) {
	if err := c.validate.Struct(dto); err != nil {
		return nil, err
	}

	category, err := transfer.ParseFileCategory(dto.Category)
	if err != nil {
		return nil, err
	}

	owner := dto.EntryID
	if owner == "" {
		owner = entryID
	}

	if owner != entryID {
		return nil, fmt.Errorf("file %q belongs to entry %q", dto.ID, owner)
	}

	return &transfer.FileDescriptor{
		ID:         dto.ID,
		EntryID:    owner,
		Name:       dto.Filename,
		Category:   category,
		Size:       dto.Size,
		UploadedAt: dto.UploadedAt,
	}, nil
}

// FetchFile streams one file. The category is passed to the service as a hint.
func (c *Client) FetchFile(ctx context.Context, fileID string, category transfer.FileCategory) (*transfer.Payload, error) {
	query := url.Values{}
	if category != "" {
		query.Set("category", string(category))
	}

	resp, err := c.do(ctx, opFetchFile, transfer.OperationSingleFile, fileID, c.opts.FileTimeout,
		"/v1/files/"+url.PathEscape(fileID), query)
	if err != nil {
		return nil, err
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "remote file stream opened",
		"file_id", fileID, "content_length", resp.ContentLength)

	return &transfer.Payload{
		Body:        resp.Body,
		Filename:    attachmentName(resp.Header),
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// FetchBundle streams the archive the service assembles for entryID. When the service does
// not name the archive, the name is derived from the entry id and the sniffed format.
func (c *Client) FetchBundle(ctx context.Context, entryID string) (*transfer.Payload, error) {
	resp, err := c.do(ctx, opFetchBundle, transfer.OperationBundle, entryID, c.opts.BundleTimeout,
		"/v1/entries/"+url.PathEscape(entryID)+"/bundle", nil)
	if err != nil {
		return nil, err
	}

	payload := &transfer.Payload{
		Body:        resp.Body,
		Filename:    attachmentName(resp.Header),
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
	}

	if payload.Filename != "" && payload.ContentType != "" {
		return payload, nil
	}

	br := bufio.NewReaderSize(resp.Body, sniffBytes)

	head, err := br.Peek(sniffBytes)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		resp.Body.Close()

		return nil, err
	}

	mt := mimetype.Detect(head)

	if payload.Filename == "" {
		ext := mt.Extension()
		if ext == "" || mt.Is("application/octet-stream") {
			ext = defaultArchive
		}

		payload.Filename = entryID + ext
	}

	if payload.ContentType == "" {
		payload.ContentType = mt.String()
	}

	payload.Body = struct {
		io.Reader
		io.Closer
	}{br, resp.Body}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "remote bundle stream opened",
		"entry_id", entryID, "filename", payload.Filename, "content_type", payload.ContentType)

	return payload, nil
}

// do sends a GET bound to its own timeout. On success the returned body keeps the timeout
// running until it is closed, so the budget covers the whole transfer.
func (c *Client) do(
	ctx context.Context,
	op string,
	category transfer.OperationCategory,
	targetID string,
	timeout time.Duration,
	path string,
	query url.Values,
) (*http.Response, error) {
	u := c.baseURL.JoinPath(path)
	u.RawQuery = query.Encode()

	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()

		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("Accept", "application/json, */*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		defer cancel()

		return nil, classifyTransportError(ctx, reqCtx, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()

		return nil, c.statusError(resp, op, category, targetID)
	}

	resp.Body = &timedBody{
		ReadCloser: resp.Body,
		parent:     ctx,
		reqCtx:     reqCtx,
		cancel:     cancel,
		op:         op,
	}

	return resp, nil
}

func (c *Client) statusError(resp *http.Response, op string, category transfer.OperationCategory, targetID string) error {
	message := readErrorMessage(resp)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return &transfer.NotFoundError{Operation: op, TargetID: targetID}
	case http.StatusTooManyRequests:
		return &transfer.ThrottledError{
			Operation:  op,
			Category:   category,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &transfer.AuthenticationError{
			Operation: op,
			Err:       fmt.Errorf("HTTP %d: %s", resp.StatusCode, message),
		}
	default:
		return &transfer.NetworkError{Operation: op, StatusCode: resp.StatusCode, APIMessage: message}
	}
}

func readErrorMessage(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))

	var body errorResponse
	if err := json.Unmarshal(b, &body); err == nil && body.Message != "" {
		return body.Message
	}

	if s := strings.TrimSpace(string(b)); s != "" {
		return s
	}

	return http.StatusText(resp.StatusCode)
}

// parseRetryAfter accepts delta-seconds (fractions allowed) or an HTTP date. Anything else,
// including non-positive values, means no delay was advertised.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}

	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 || math.IsNaN(secs) {
			return 0
		}

		if secs >= maxRetryAfter.Seconds() {
			return maxRetryAfter
		}

		return time.Duration(secs * float64(time.Second))
	}

	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d <= 0 {
			return 0
		}

		return min(d, maxRetryAfter)
	}

	return 0
}

func attachmentName(h http.Header) string {
	cd := h.Get("Content-Disposition")
	if cd == "" {
		return ""
	}

	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return ""
	}

	return params["filename"]
}

// classifyTransportError keeps cancellation by the caller distinct from the operation's
// own budget running out.
func classifyTransportError(parent, reqCtx context.Context, op string, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%s: %w", op, parent.Err())
	}

	var netErr net.Error

	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &transfer.NetworkError{Operation: op, Timeout: true, Err: err}
	}

	return &transfer.NetworkError{Operation: op, APIMessage: err.Error(), Err: err}
}

type timedBody struct {
	io.ReadCloser
	parent context.Context
	reqCtx context.Context
	cancel context.CancelFunc
	op     string
}

func (b *timedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = classifyTransportError(b.parent, b.reqCtx, b.op, err)
	}

	return n, err
}

func (b *timedBody) Close() error {
	defer b.cancel()

	return b.ReadCloser.Close()
}
