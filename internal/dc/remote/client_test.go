package remote

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/italolelis/catalog_downloader/internal/dc/remote/remotetest"
	"github.com/italolelis/catalog_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseURL string, mutate ...func(*Options)) *Client {
	t.Helper()

	opts := DefaultOptions(baseURL)
	for _, m := range mutate {
		m(&opts)
	}

	c, err := NewClient(opts)
	require.NoError(t, err)

	return c
}

func seed(s *remotetest.Server) {
	uploaded := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s.AddFile(remotetest.File{ID: "f1", EntryID: "entry42", Name: "stats.json", Category: transfer.CategoryData, Content: []byte(`{"hp":10}`), UploadedAt: uploaded})
	s.AddFile(remotetest.File{ID: "f2", EntryID: "entry42", Name: "init.lua", Category: transfer.CategoryScript, Content: []byte("return {}"), UploadedAt: uploaded, HideSize: true})
	s.AddFile(remotetest.File{ID: "f3", EntryID: "other", Name: "readme.txt", Category: transfer.CategoryDescriptor, Content: []byte("hi")})
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"bad scheme", DefaultOptions("ftp://remote.test")},
		{"unparsable", DefaultOptions("http://[::1")},
		{"zero timeout", Options{BaseURL: "http://remote.test", FileTimeout: time.Second, BundleTimeout: time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestListFiles(t *testing.T) {
	srv := remotetest.New(t)
	seed(srv)

	files, err := newTestClient(t, srv.URL).ListFiles(context.Background(), "entry42")
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, "f1", files[0].ID)
	assert.Equal(t, "entry42", files[0].EntryID)
	assert.Equal(t, "stats.json", files[0].Name)
	assert.Equal(t, transfer.CategoryData, files[0].Category)
	require.NotNil(t, files[0].Size)
	assert.Equal(t, int64(9), *files[0].Size)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), files[0].UploadedAt.UTC())

	assert.Equal(t, transfer.CategoryScript, files[1].Category)
	assert.Nil(t, files[1].Size)
}

func TestListFiles_NotFound(t *testing.T) {
	srv := remotetest.New(t)
	srv.SetRawListing("empty-entry", `{"files":[]}`)

	c := newTestClient(t, srv.URL)

	for _, entryID := range []string{"missing-entry", "empty-entry"} {
		t.Run(entryID, func(t *testing.T) {
			_, err := c.ListFiles(context.Background(), entryID)

			var nf *transfer.NotFoundError
			require.ErrorAs(t, err, &nf)
			assert.Equal(t, entryID, nf.TargetID)
		})
	}
}

func TestListFiles_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>oops</html>`},
		{"unknown category", `{"files":[{"id":"a","filename":"a.bin","category":"video"}]}`},
		{"negative size", `{"files":[{"id":"a","filename":"a.json","category":"data","size":-1}]}`},
		{"missing id", `{"files":[{"filename":"a.json","category":"data"}]}`},
		{"duplicate id", `{"files":[{"id":"a","filename":"a.json","category":"data"},{"id":"a","filename":"b.json","category":"data"}]}`},
		{"foreign entry", `{"files":[{"id":"a","entry_id":"other","filename":"a.json","category":"data"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := remotetest.New(t)
			srv.SetRawListing("entry42", tt.body)

			_, err := newTestClient(t, srv.URL).ListFiles(context.Background(), "entry42")

			var malformed *transfer.MalformedResponseError
			require.ErrorAs(t, err, &malformed)
			assert.Equal(t, "list_files", malformed.Operation)
			assert.Equal(t, transfer.KindMalformed, transfer.KindOf(err))
		})
	}
}

func TestFetchFile(t *testing.T) {
	srv := remotetest.New(t)
	seed(srv)

	payload, err := newTestClient(t, srv.URL).FetchFile(context.Background(), "f1", transfer.CategoryData)
	require.NoError(t, err)

	defer payload.Body.Close()

	body, err := io.ReadAll(payload.Body)
	require.NoError(t, err)

	assert.Equal(t, `{"hp":10}`, string(body))
	assert.Equal(t, "stats.json", payload.Filename)
	assert.Equal(t, int64(9), payload.Size)
	assert.Equal(t, "application/json", payload.ContentType)
	assert.Equal(t, 1, srv.Hits(remotetest.OpFile))
}

func TestFetchFile_SendsCategoryHintAndToken(t *testing.T) {
	var gotCategory, gotAuth string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCategory = r.URL.Query().Get("category")
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("x"))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL, func(o *Options) { o.Token = "secret" })

	payload, err := c.FetchFile(context.Background(), "f1", transfer.CategoryScript)
	require.NoError(t, err)
	payload.Body.Close()

	assert.Equal(t, "script", gotCategory)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestFetchFile_Failures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(s *remotetest.Server)
		fileID   string
		wantKind transfer.Kind
		check    func(t *testing.T, err error)
	}{
		{
			name:     "unknown file",
			setup:    func(*remotetest.Server) {},
			fileID:   "nope",
			wantKind: transfer.KindNotFound,
		},
		{
			name:     "throttled with retry after",
			setup:    func(s *remotetest.Server) { s.Throttle(remotetest.OpFile, "45") },
			fileID:   "f1",
			wantKind: transfer.KindThrottled,
			check: func(t *testing.T, err error) {
				var throttled *transfer.ThrottledError
				require.ErrorAs(t, err, &throttled)
				assert.Equal(t, 45*time.Second, throttled.RetryAfter)
				assert.Equal(t, transfer.OperationSingleFile, throttled.Category)
				assert.False(t, throttled.Local)
			},
		},
		{
			name:     "throttled without retry after",
			setup:    func(s *remotetest.Server) { s.Throttle(remotetest.OpFile, "") },
			fileID:   "f1",
			wantKind: transfer.KindThrottled,
			check: func(t *testing.T, err error) {
				var throttled *transfer.ThrottledError
				require.ErrorAs(t, err, &throttled)
				assert.Zero(t, throttled.RetryAfter)
			},
		},
		{
			name:     "token bucket exhausted",
			setup:    func(s *remotetest.Server) { s.Limit(remotetest.OpFile, 0.01, 0) },
			fileID:   "f1",
			wantKind: transfer.KindThrottled,
			check: func(t *testing.T, err error) {
				var throttled *transfer.ThrottledError
				require.ErrorAs(t, err, &throttled)
				assert.Positive(t, throttled.RetryAfter)
			},
		},
		{
			name:     "server error",
			setup:    func(s *remotetest.Server) { s.ForceStatus(remotetest.OpFile, http.StatusServiceUnavailable, "", "maintenance") },
			fileID:   "f1",
			wantKind: transfer.KindUnreachable,
			check: func(t *testing.T, err error) {
				var netErr *transfer.NetworkError
				require.ErrorAs(t, err, &netErr)
				assert.Equal(t, http.StatusServiceUnavailable, netErr.StatusCode)
				assert.Equal(t, "maintenance", netErr.APIMessage)
			},
		},
		{
			name:     "missing token",
			setup:    func(s *remotetest.Server) { s.RequireToken("secret") },
			fileID:   "f1",
			wantKind: transfer.KindUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := remotetest.New(t)
			seed(srv)
			tt.setup(srv)

			payload, err := newTestClient(t, srv.URL).FetchFile(context.Background(), tt.fileID, transfer.CategoryData)
			require.Error(t, err)
			assert.Nil(t, payload)
			assert.Equal(t, tt.wantKind, transfer.KindOf(err))

			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestFetchFile_Timeout(t *testing.T) {
	srv := remotetest.New(t)
	seed(srv)
	srv.SetLatency(2 * time.Second)

	c := newTestClient(t, srv.URL, func(o *Options) { o.FileTimeout = 50 * time.Millisecond })

	_, err := c.FetchFile(context.Background(), "f1", transfer.CategoryData)

	var netErr *transfer.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout)
	assert.Equal(t, transfer.KindUnreachable, transfer.KindOf(err))
}

func TestFetchFile_TimeoutWhileStreaming(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()

		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL, func(o *Options) { o.FileTimeout = 100 * time.Millisecond })

	payload, err := c.FetchFile(context.Background(), "f1", transfer.CategoryData)
	require.NoError(t, err)

	defer payload.Body.Close()

	_, err = io.ReadAll(payload.Body)
	require.Error(t, err)
	assert.Equal(t, transfer.KindUnreachable, transfer.KindOf(err))
}

func TestFetchFile_CallerCancel(t *testing.T) {
	srv := remotetest.New(t)
	seed(srv)
	srv.SetLatency(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := newTestClient(t, srv.URL).FetchFile(ctx, "f1", transfer.CategoryData)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, transfer.KindCancelled, transfer.KindOf(err))
}

func TestFetchBundle_SniffsArchive(t *testing.T) {
	srv := remotetest.New(t)
	seed(srv)

	payload, err := newTestClient(t, srv.URL).FetchBundle(context.Background(), "entry42")
	require.NoError(t, err)

	defer payload.Body.Close()

	assert.Equal(t, "entry42.zip", payload.Filename)
	assert.Equal(t, "application/zip", payload.ContentType)

	body, err := io.ReadAll(payload.Body)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), payload.Size)

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}

	assert.Equal(t, []string{"stats.json", "init.lua"}, names)
}

func TestFetchBundle_ServerName(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-7z-compressed")
		w.Header().Set("Content-Disposition", `attachment; filename="entry42-all.7z"`)
		_, _ = w.Write([]byte("archive"))
	}))
	defer ts.Close()

	payload, err := newTestClient(t, ts.URL).FetchBundle(context.Background(), "entry42")
	require.NoError(t, err)

	defer payload.Body.Close()

	assert.Equal(t, "entry42-all.7z", payload.Filename)
	assert.Equal(t, "application/x-7z-compressed", payload.ContentType)

	body, err := io.ReadAll(payload.Body)
	require.NoError(t, err)
	assert.Equal(t, "archive", string(body))
}

func TestFetchBundle_UnknownFormatDefaultsToZip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte{0x00, 0x01, 0x02, 0x03})
	}))
	defer ts.Close()

	payload, err := newTestClient(t, ts.URL).FetchBundle(context.Background(), "entry7")
	require.NoError(t, err)

	defer payload.Body.Close()

	assert.Equal(t, "entry7.zip", payload.Filename)
	assert.Equal(t, "application/octet-stream", payload.ContentType)

	body, err := io.ReadAll(payload.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03}, body, "sniffing must not consume the stream")
}

func TestFetchBundle_Throttled(t *testing.T) {
	srv := remotetest.New(t)
	seed(srv)
	srv.Throttle(remotetest.OpBundle, "120")

	_, err := newTestClient(t, srv.URL).FetchBundle(context.Background(), "entry42")

	var throttled *transfer.ThrottledError
	require.ErrorAs(t, err, &throttled)
	assert.Equal(t, transfer.OperationBundle, throttled.Category)
	assert.Equal(t, 120*time.Second, throttled.RetryAfter)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"45", 45 * time.Second},
		{" 120 ", 120 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{"0", 0},
		{"-3", 0},
		{"NaN", 0},
		{"soon", 0},
		{"999999999", 24 * time.Hour},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.in, now))
		})
	}
}
