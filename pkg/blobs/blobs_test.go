package blobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, blobs map[string]string, failures int32) (*ModelServer, *atomic.Int32) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= failures {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		body, ok := blobs[strings.TrimPrefix(r.URL.Path, "/models/")]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL + "/models")
	require.NoError(t, err)
	return &ModelServer{BlobserverURL: u, HTTPClient: srv.Client()}, &calls
}

func TestLoaderRetries(t *testing.T) {
	ms, calls := newTestServer(t, map[string]string{"abc": "model-bytes"}, 2)
	loader := &Loader{Reader: ms, MaxAttempts: 5, RetryDelay: time.Millisecond}

	data, err := loader.ReadAll(context.Background(), BlobInfo{Hash: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "model-bytes", string(data))
	assert.EqualValues(t, 3, calls.Load())
}

func TestLoaderDoesNotRetryMissing(t *testing.T) {
	ms, calls := newTestServer(t, nil, 0)
	loader := &Loader{Reader: ms, MaxAttempts: 5, RetryDelay: time.Millisecond}

	_, err := loader.ReadAll(context.Background(), BlobInfo{Hash: "nope"})
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.EqualValues(t, 1, calls.Load())
}

func TestLoaderMaxSize(t *testing.T) {
	ms, _ := newTestServer(t, map[string]string{"big": "0123456789"}, 0)
	loader := &Loader{Reader: ms, MaxSize: 4}

	_, err := loader.ReadAll(context.Background(), BlobInfo{Hash: "big"})
	assert.ErrorContains(t, err, "exceeds")
}

func TestDownloadAndHash(t *testing.T) {
	ms, _ := newTestServer(t, map[string]string{"abc": "hello"}, 0)
	dest := filepath.Join(t.TempDir(), "model.bin")

	loader := &Loader{Reader: ms}
	require.NoError(t, loader.Download(context.Background(), BlobInfo{Hash: "abc"}, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	info, err := HashFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", info.Hash)

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be renamed away")
}
