package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/infero/pkg/blobs"
)

type httpServer struct {
	blobCache *blobCache
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokens := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(tokens) == 1 {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			hash := tokens[0]
			s.serveGETBlob(w, r, hash)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

func (s *httpServer) serveGETBlob(w http.ResponseWriter, r *http.Request, hash string) {
	ctx := r.Context()

	log := klog.FromContext(ctx)

	if !validHash(hash) {
		http.Error(w, "blob names are hex sha256 hashes", http.StatusBadRequest)
		return
	}

	f, err := s.blobCache.GetBlob(ctx, hash)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.Error(err, "error getting blob", "hash", hash)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	log.V(2).Info("serving blob", "path", f.Name())
	http.ServeFile(w, r, f.Name())
}

func validHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

// blobCache keeps blobs in BaseDir, filling misses from the blobstore.
type blobCache struct {
	BaseDir   string
	blobstore blobs.BlobReader

	downloads singleflight.Group
}

func (c *blobCache) GetBlob(ctx context.Context, hash string) (*os.File, error) {
	localPath := filepath.Join(c.BaseDir, hash)
	f, err := os.Open(localPath)
	if err == nil {
		return f, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening blob %q: %w", hash, err)
	}

	// Concurrent misses for one hash share a single download.
	_, err, _ = c.downloads.Do(hash, func() (any, error) {
		if _, err := os.Stat(localPath); err == nil {
			return nil, nil
		}
		return nil, c.blobstore.Download(context.WithoutCancel(ctx), blobs.BlobInfo{Hash: hash}, localPath)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching blob %q: %w", hash, err)
	}
	return os.Open(localPath)
}
