package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/examples/AI/infero/pkg/blobs"
)

type memStore struct {
	blobs     map[string][]byte
	downloads atomic.Int32
}

func (m *memStore) Open(ctx context.Context, info blobs.BlobInfo) (io.ReadCloser, error) {
	b, ok := m.blobs[info.Hash]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memStore) Download(ctx context.Context, info blobs.BlobInfo, destPath string) error {
	m.downloads.Add(1)
	b, ok := m.blobs[info.Hash]
	if !ok {
		return os.ErrNotExist
	}
	return os.WriteFile(destPath, b, 0644)
}

func hashOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newStore(t *testing.T, contents ...[]byte) (*httptest.Server, *memStore, string) {
	store := &memStore{blobs: make(map[string][]byte)}
	for _, b := range contents {
		store.blobs[hashOf(b)] = b
	}
	dir := t.TempDir()
	srv := httptest.NewServer(&httpServer{blobCache: &blobCache{BaseDir: dir, blobstore: store}})
	t.Cleanup(srv.Close)
	return srv, store, dir
}

func get(t *testing.T, url string) (int, []byte) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestMissIsFilledFromBlobstore(t *testing.T) {
	model := []byte("model bytes")
	srv, store, dir := newStore(t, model)
	hash := hashOf(model)

	for range 2 {
		code, body := get(t, srv.URL+"/"+hash)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, model, body)
	}
	assert.Equal(t, int32(1), store.downloads.Load(), "second request should be served from the cache")
	assert.FileExists(t, filepath.Join(dir, hash))
}

func TestUnknownBlob(t *testing.T) {
	srv, _, _ := newStore(t)
	code, _ := get(t, srv.URL+"/"+hashOf([]byte("absent")))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestInvalidHash(t *testing.T) {
	srv, store, _ := newStore(t)
	for _, name := range []string{"short", "../etc/passwd", hashOf(nil)[:63] + "z"} {
		code, _ := get(t, srv.URL+"/"+name)
		assert.NotEqual(t, http.StatusOK, code, name)
	}
	assert.Zero(t, store.downloads.Load())
}

func TestServedBlobLoadsThroughModelServer(t *testing.T) {
	model := []byte("weights")
	srv, _, _ := newStore(t, model)

	reader := &blobs.ModelServer{BlobserverURL: mustParse(t, srv.URL)}
	loader := &blobs.Loader{Reader: reader, MaxAttempts: 1}
	got, err := loader.ReadAll(context.Background(), blobs.BlobInfo{Hash: hashOf(model)})
	require.NoError(t, err)
	assert.Equal(t, model, got)
}

func mustParse(t *testing.T, s string) *url.URL {
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}
