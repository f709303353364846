package blobs

import (
	"context"
	"io"
)

type BlobReader interface {
	// Open streams the blob. If no such object exists, Open should return an error for
	// which errors.Is(err, os.ErrNotExist) is true.
	Open(ctx context.Context, info BlobInfo) (io.ReadCloser, error)

	// Download writes the blob to destPath, atomically.
	Download(ctx context.Context, info BlobInfo, destPath string) error
}

type Blobstore interface {
	BlobReader
	// Upload uploads the file at sourcePath to the blobstore, using the given hash as the object key.
	// If an object with the same hash already exists, Upload should do nothing and return no error.
	Upload(ctx context.Context, sourcePath string, info BlobInfo) error
}

// BlobInfo identifies a model blob. Hash is the object key, normally the hex SHA-256 of
// the content.
type BlobInfo struct {
	Hash string
}
