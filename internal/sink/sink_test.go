package sink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/italolelis/catalog_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}

	n := copy(p, r.data)
	r.data = r.data[n:]

	return n, nil
}

func payload(body io.Reader, name string, size int64) *transfer.Payload {
	return &transfer.Payload{Body: io.NopCloser(body), Filename: name, Size: size, ContentType: "application/json"}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names
}

func TestSafeFilename(t *testing.T) {
	tests := map[string]string{
		"stats.json":         "stats.json",
		"../../etc/passwd":   "passwd",
		`..\..\boot.ini`:     "boot.ini",
		"/abs/path/x.lua":    "x.lua",
		"":                   "download",
		"..":                 "download",
		"   ":                "download",
		"entry42 bundle.zip": "entry42 bundle.zip",
	}

	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, SafeFilename(in))
		})
	}
}

func TestDiskSink_Deliver(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "downloads")
	s := NewDiskSink(dir)

	err := s.Deliver(context.Background(), payload(strings.NewReader(`{"hp":10}`), "stats.json", 9))
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "stats.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"hp":10}`, string(got))
	assert.Equal(t, []string{"stats.json"}, listDir(t, dir))
}

func TestDiskSink_OverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "init.lua"), []byte("old"), 0o600))

	require.NoError(t, NewDiskSink(dir).Deliver(context.Background(), payload(strings.NewReader("new"), "init.lua", -1)))

	got, err := os.ReadFile(filepath.Join(dir, "init.lua"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestDiskSink_StaysInsideDir(t *testing.T) {
	dir := t.TempDir()
	s := NewDiskSink(dir)

	require.NoError(t, s.Deliver(context.Background(), payload(strings.NewReader("x"), "../escape.txt", 1)))

	assert.Equal(t, filepath.Join(dir, "escape.txt"), s.Path("../escape.txt"))
	assert.FileExists(t, filepath.Join(dir, "escape.txt"))
}

func TestDiskSink_SourceFailureRemovesPartial(t *testing.T) {
	dir := t.TempDir()
	remoteErr := &transfer.NetworkError{Operation: "fetch_file", Timeout: true}

	err := NewDiskSink(dir).Deliver(context.Background(),
		payload(&failingReader{data: []byte("partial"), err: remoteErr}, "stats.json", 100))
	require.Error(t, err)

	var localErr *transfer.LocalIOError
	assert.False(t, errors.As(err, &localErr), "a failing source is not a local failure")
	assert.Equal(t, transfer.KindUnreachable, transfer.KindOf(err))
	assert.Empty(t, listDir(t, dir))
}

func TestDiskSink_CancelRemovesPartial(t *testing.T) {
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())

	pr, pw := io.Pipe()
	t.Cleanup(func() { pr.Close() })

	go func() {
		_, _ = pw.Write([]byte("first chunk"))
		cancel()
		_, _ = pw.Write([]byte("second chunk"))
		pw.Close()
	}()

	err := NewDiskSink(dir).Deliver(ctx, payload(pr, "bundle.zip", -1))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, listDir(t, dir))
}

func TestDiskSink_LocalFailure(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	err := NewDiskSink(blocker).Deliver(context.Background(), payload(strings.NewReader("x"), "a.json", 1))

	var localErr *transfer.LocalIOError
	require.ErrorAs(t, err, &localErr)
	assert.Equal(t, transfer.KindLocalIO, transfer.KindOf(err))
}

func TestDiskSink_WriteFailureSurfacedUnchanged(t *testing.T) {
	dir := t.TempDir()

	s := NewDiskSink(dir)
	s.createTemp = func(dir, pattern string) (*os.File, error) {
		f, err := os.CreateTemp(dir, pattern)
		if err != nil {
			return nil, err
		}

		require.NoError(t, f.Close())

		// Read-only handle: every write fails.
		return os.Open(f.Name())
	}

	err := s.Deliver(context.Background(), payload(strings.NewReader(`{"hp":10}`), "stats.json", 9))
	require.Error(t, err)

	localErr, ok := err.(*transfer.LocalIOError)
	require.True(t, ok, "got %T", err)
	assert.Equal(t, filepath.Join(dir, "stats.json"), localErr.Path)
	assert.Empty(t, listDir(t, dir))
}

func TestDiskSink_ConcurrentSameDestination(t *testing.T) {
	dir := t.TempDir()
	s := NewDiskSink(dir)

	pr, pw := io.Pipe()
	first := make(chan error, 1)

	go func() {
		first <- s.Deliver(context.Background(), payload(pr, "stats.json", -1))
	}()

	_, err := pw.Write([]byte(`{"from":"first"`))
	require.NoError(t, err)

	err = s.Deliver(context.Background(), payload(strings.NewReader(`{"from":"second"}`), "stats.json", -1))

	var localErr *transfer.LocalIOError
	require.ErrorAs(t, err, &localErr)
	assert.ErrorIs(t, err, ErrTargetBusy)

	_, err = pw.Write([]byte(`}`))
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.NoError(t, <-first)

	got, err := os.ReadFile(filepath.Join(dir, "stats.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"from":"first"}`, string(got))

	require.NoError(t, s.Deliver(context.Background(), payload(strings.NewReader("{}"), "stats.json", 2)),
		"destination is free again once the first delivery finished")
}

func TestResponseSink_Deliver(t *testing.T) {
	rec := httptest.NewRecorder()
	s := NewResponseSink(rec)

	require.False(t, s.Started())

	err := s.Deliver(context.Background(), &transfer.Payload{
		Body:        io.NopCloser(strings.NewReader("return {}")),
		Filename:    "init.lua",
		Size:        9,
		ContentType: "text/x-lua",
	})
	require.NoError(t, err)
	assert.True(t, s.Started())

	res := rec.Result()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/x-lua", res.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename=init.lua`, res.Header.Get("Content-Disposition"))
	assert.Equal(t, "9", res.Header.Get("Content-Length"))
	assert.Equal(t, "return {}", rec.Body.String())
}

func TestResponseSink_UnknownSizeAndType(t *testing.T) {
	rec := httptest.NewRecorder()

	err := NewResponseSink(rec).Deliver(context.Background(), &transfer.Payload{
		Body:     io.NopCloser(strings.NewReader("PK")),
		Filename: "entrée.zip",
		Size:     -1,
	})
	require.NoError(t, err)

	res := rec.Result()
	assert.Equal(t, "application/octet-stream", res.Header.Get("Content-Type"))
	assert.Empty(t, res.Header.Get("Content-Length"))
	assert.Equal(t, `attachment; filename*=utf-8''entr%C3%A9e.zip`, res.Header.Get("Content-Disposition"))
}

func TestResponseSink_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewResponseSink(httptest.NewRecorder())

	err := s.Deliver(ctx, payload(strings.NewReader("x"), "a.json", 1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.Started())
}
