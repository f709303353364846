package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"k8s.io/klog/v2"
)

// Loader reads whole blobs, retrying transient failures.
type Loader struct {
	// Reader is the interface to fetch blobs
	Reader BlobReader

	// MaxAttempts is the number of times to attempt a download before failing
	MaxAttempts int

	// RetryDelay is the pause between attempts. Default 5s.
	RetryDelay time.Duration

	// MaxSize bounds the blob size; zero means unbounded.
	MaxSize int64
}

// ReadAll returns the full content of the blob. A missing blob is not retried.
func (l *Loader) ReadAll(ctx context.Context, info BlobInfo) ([]byte, error) {
	var data []byte
	err := l.retry(ctx, info, func() error {
		var err error
		data, err = l.readOnce(ctx, info)
		return err
	})
	return data, err
}

// Download writes the blob to destPath.
func (l *Loader) Download(ctx context.Context, info BlobInfo, destPath string) error {
	return l.retry(ctx, info, func() error {
		return l.Reader.Download(ctx, info, destPath)
	})
}

func (l *Loader) readOnce(ctx context.Context, info BlobInfo) ([]byte, error) {
	r, err := l.Reader.Open(ctx, info)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var src io.Reader = r
	if l.MaxSize > 0 {
		src = io.LimitReader(r, l.MaxSize+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("reading blob %q: %w", info.Hash, err)
	}
	if l.MaxSize > 0 && int64(len(data)) > l.MaxSize {
		return nil, fmt.Errorf("blob %q exceeds the %d byte limit", info.Hash, l.MaxSize)
	}
	return data, nil
}

func (l *Loader) retry(ctx context.Context, info BlobInfo, fn func() error) error {
	log := klog.FromContext(ctx)

	maxAttempts := max(l.MaxAttempts, 1)
	delay := l.RetryDelay
	if delay == 0 {
		delay = 5 * time.Second
	}

	attempt := 0
	for {
		attempt++

		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) || attempt >= maxAttempts {
			return err
		}

		log.Error(err, "downloading blob, will retry", "info", info, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
