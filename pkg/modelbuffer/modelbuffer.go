// Package modelbuffer holds the serialized model bytes that are distributed to every
// process of a group before any engine is built.
package modelbuffer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/infero/pkg/blobs"
	"k8s.io/examples/AI/infero/pkg/errdefs"
)

// MaxModelSize bounds the size of a model accepted from any source.
const MaxModelSize = 16 << 30

// ModelBuffer is an immutable, contiguous serialized model.
type ModelBuffer struct {
	data []byte

	digestOnce sync.Once
	digest     [sha256.Size]byte
}

// FromBytes copies data into a new ModelBuffer.
func FromBytes(data []byte) *ModelBuffer {
	return &ModelBuffer{data: bytes.Clone(data)}
}

// Adopt wraps data without copying. The caller must not modify data afterwards.
func Adopt(data []byte) *ModelBuffer {
	if data == nil {
		data = []byte{}
	}
	return &ModelBuffer{data: data}
}

// FromPath reads the model file at path.
func FromPath(path string) (*ModelBuffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Mark(fmt.Errorf("reading model %q: %w", path, err), errdefs.ErrIO)
	}
	if len(data) == 0 {
		return nil, errdefs.IOf("model file %q is empty", path)
	}
	return Adopt(data), nil
}

// Size is the number of bytes in the buffer.
func (m *ModelBuffer) Size() int { return len(m.data) }

// Bytes returns the buffer content. Callers must treat it as read-only.
func (m *ModelBuffer) Bytes() []byte { return m.data }

// Digest is the SHA-256 of the content.
func (m *ModelBuffer) Digest() [sha256.Size]byte {
	m.digestOnce.Do(func() {
		m.digest = sha256.Sum256(m.data)
	})
	return m.digest
}

func (m *ModelBuffer) String() string {
	d := m.Digest()
	return fmt.Sprintf("ModelBuffer(size=%s, sha256=%x)", humanize.IBytes(uint64(m.Size())), d[:6])
}

// SourceOptions tune FromSource for remote model locations.
type SourceOptions struct {
	// GCSBlobstore overrides the store used for gs:// locations.
	GCSBlobstore blobs.BlobReader
	// MaxAttempts for remote downloads. Default 3.
	MaxAttempts int
	// RetryDelay between remote attempts. Default 5s.
	RetryDelay time.Duration
}

// FromSource loads a model from a location, which is one of:
//
//	gs://bucket/object           read from Google Cloud Storage
//	http(s)://host/prefix/<hash> read from a model-store
//	anything else                read as a local path
func FromSource(ctx context.Context, location string, opts SourceOptions) (*ModelBuffer, error) {
	log := klog.FromContext(ctx)

	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including Windows drive letters.
		return FromPath(location)
	}

	var reader blobs.BlobReader
	var info blobs.BlobInfo
	switch u.Scheme {
	case "file":
		return FromPath(u.Path)
	case "gs":
		object := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || object == "" {
			return nil, errdefs.Configurationf("model location %q must look like gs://<bucket>/<object>", location)
		}
		reader = opts.GCSBlobstore
		if reader == nil {
			reader = &blobs.GCSBlobstore{Bucket: u.Host}
		}
		info = blobs.BlobInfo{Hash: object}
	case "http", "https":
		dir, hash := path.Split(u.Path)
		if hash == "" {
			return nil, errdefs.Configurationf("model location %q has no blob hash", location)
		}
		base := *u
		base.Path = dir
		reader = &blobs.ModelServer{BlobserverURL: &base}
		info = blobs.BlobInfo{Hash: hash}
	default:
		return nil, errdefs.Configurationf("unsupported model location scheme %q", u.Scheme)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	loader := &blobs.Loader{
		Reader:      reader,
		MaxAttempts: maxAttempts,
		RetryDelay:  opts.RetryDelay,
		MaxSize:     MaxModelSize,
	}
	startedAt := time.Now()
	data, err := loader.ReadAll(ctx, info)
	if err != nil {
		return nil, errdefs.Mark(fmt.Errorf("fetching model %q: %w", location, err), errdefs.ErrIO)
	}
	if len(data) == 0 {
		return nil, errdefs.IOf("model %q is empty", location)
	}
	log.Info("fetched model", "location", location, "size", humanize.IBytes(uint64(len(data))), "duration", time.Since(startedAt))
	return Adopt(data), nil
}
