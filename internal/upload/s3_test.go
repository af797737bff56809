package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type putRecord struct {
	path        string
	contentType string
	body        string
}

func fakeS3(t *testing.T, status int) (*httptest.Server, func() []putRecord) {
	t.Helper()
	var (
		mu   sync.Mutex
		puts []putRecord
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		puts = append(puts, putRecord{path: r.URL.Path, contentType: r.Header.Get("Content-Type"), body: string(body)})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []putRecord {
		mu.Lock()
		defer mu.Unlock()
		return append([]putRecord(nil), puts...)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0600))
	return p
}

func newUploader(t *testing.T, endpoint, publicBase string) *S3 {
	t.Helper()
	u, err := New(context.Background(), Options{
		Bucket:        "media",
		Region:        "us-east-1",
		Endpoint:      endpoint,
		AccessKey:     "key",
		SecretKey:     "secret",
		PublicBaseURL: publicBase,
		KeyPrefix:     "attachments",
		PathStyle:     true,
		Now:           func() time.Time { return time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC) },
	}, nil)
	require.NoError(t, err)
	return u
}

func TestUploadPutsObject(t *testing.T) {
	srv, puts := fakeS3(t, http.StatusOK)
	u := newUploader(t, srv.URL, "https://cdn.example.com/")
	file := writeFile(t, "Photo.JPG", "jpeg bytes")

	url, err := u.Upload(context.Background(), file)
	require.NoError(t, err)

	got := puts()
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0].path, "/media/attachments/2025/03/09/"), got[0].path)
	assert.True(t, strings.HasSuffix(got[0].path, ".jpg"), got[0].path)
	assert.Equal(t, "image/jpeg", got[0].contentType)
	assert.Contains(t, got[0].body, "jpeg bytes")

	key := strings.TrimPrefix(got[0].path, "/media/")
	assert.Equal(t, "https://cdn.example.com/"+key, url)
}

func TestUploadURLDefaultsToEndpoint(t *testing.T) {
	srv, _ := fakeS3(t, http.StatusOK)
	u := newUploader(t, srv.URL, "")

	url, err := u.Upload(context.Background(), writeFile(t, "notes.bin", "x"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, srv.URL+"/media/attachments/"), url)
}

func TestUploadServerError(t *testing.T) {
	srv, _ := fakeS3(t, http.StatusForbidden)
	u := newUploader(t, srv.URL, "")

	_, err := u.Upload(context.Background(), writeFile(t, "a.png", "x"))
	assert.Error(t, err)
}

func TestUploadMissingFile(t *testing.T) {
	srv, puts := fakeS3(t, http.StatusOK)
	u := newUploader(t, srv.URL, "")

	_, err := u.Upload(context.Background(), filepath.Join(t.TempDir(), "gone.png"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, puts())
}

func TestNewDisabledWithoutBucket(t *testing.T) {
	_, err := New(context.Background(), Options{}, nil)
	assert.True(t, errors.Is(err, ErrDisabled))
}
