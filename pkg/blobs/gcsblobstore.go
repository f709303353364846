package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
)

type GCSBlobstore struct {
	Bucket string

	// Client is used when set; otherwise a client is created per call.
	Client *storage.Client
}

var _ Blobstore = (*GCSBlobstore)(nil)

func (j *GCSBlobstore) url(info BlobInfo) string {
	return "gs://" + j.Bucket + "/" + info.Hash
}

// client returns the storage client and a function releasing it.
func (j *GCSBlobstore) client(ctx context.Context) (*storage.Client, func(), error) {
	if j.Client != nil {
		return j.Client, func() {}, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCS storage client: %w", err)
	}
	return client, func() { client.Close() }, nil
}

func (j *GCSBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	gcsURL := j.url(info)

	client, release, err := j.client(ctx)
	if err != nil {
		return err
	}
	defer release()

	obj := client.Bucket(j.Bucket).Object(info.Hash)
	objAttrs, err := obj.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			objAttrs = nil
			log.Info("object not found in GCS", "url", gcsURL)
		} else {
			return fmt.Errorf("getting object attributes for %q: %w", gcsURL, err)
		}
	}
	if objAttrs != nil {
		log.Info("object already exists in GCS", "url", gcsURL)
		return nil
	}

	log.Info("uploading blob to GCS", "source", sourcePath, "destination", gcsURL)

	startedAt := time.Now()
	w := obj.NewWriter(ctx)
	n, err := io.Copy(w, src)
	if err != nil {
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing GCS writer: %w", err)
	}

	log.Info("uploaded blob to GCS", "url", gcsURL, "size", humanize.IBytes(uint64(n)), "duration", time.Since(startedAt))

	return nil
}

// gcsReader closes the per-call client together with the object reader.
type gcsReader struct {
	*storage.Reader
	release func()
}

func (r *gcsReader) Close() error {
	err := r.Reader.Close()
	r.release()
	return err
}

func (j *GCSBlobstore) Open(ctx context.Context, info BlobInfo) (io.ReadCloser, error) {
	gcsURL := j.url(info)

	client, release, err := j.client(ctx)
	if err != nil {
		return nil, err
	}

	r, err := client.Bucket(j.Bucket).Object(info.Hash).NewReader(ctx)
	if err != nil {
		release()
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("blob %q not found: %w", gcsURL, os.ErrNotExist)
		}
		return nil, fmt.Errorf("opening object from GCS %q: %w", gcsURL, err)
	}
	return &gcsReader{Reader: r, release: release}, nil
}

func (j *GCSBlobstore) Download(ctx context.Context, info BlobInfo, destinationPath string) error {
	log := klog.FromContext(ctx)
	gcsURL := j.url(info)

	log.Info("downloading blob from GCS", "source", gcsURL, "destination", destinationPath)

	startedAt := time.Now()
	r, err := j.Open(ctx, info)
	if err != nil {
		return err
	}
	defer r.Close()

	n, err := writeToFile(ctx, r, destinationPath)
	if err != nil {
		return fmt.Errorf("downloading from GCS: %w", err)
	}

	log.Info("downloaded blob from GCS", "source", gcsURL, "destination", destinationPath, "size", humanize.IBytes(uint64(n)), "duration", time.Since(startedAt))

	return nil
}
