package blobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
)

// ModelServer reads blobs from a model-store over HTTP.
type ModelServer struct {
	// BlobserverURL is the base URL to the blobserver, typically http://blobserver
	BlobserverURL *url.URL

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

var _ BlobReader = &ModelServer{}

func (l *ModelServer) httpClient() *http.Client {
	if l.HTTPClient != nil {
		return l.HTTPClient
	}
	return http.DefaultClient
}

func (l *ModelServer) Open(ctx context.Context, info BlobInfo) (io.ReadCloser, error) {
	log := klog.FromContext(ctx)

	url := l.BlobserverURL.JoinPath(info.Hash).String()
	log.Info("downloading from url", "url", url)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := l.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("doing request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("blob %q not found: %w", info.Hash, os.ErrNotExist)
		}
		return nil, fmt.Errorf("unexpected status downloading from upstream source: %v", resp.Status)
	}
	return resp.Body, nil
}

func (l *ModelServer) Download(ctx context.Context, info BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)

	startedAt := time.Now()
	r, err := l.Open(ctx, info)
	if err != nil {
		return err
	}
	defer r.Close()

	n, err := writeToFile(ctx, r, destPath)
	if err != nil {
		return fmt.Errorf("downloading blob %q: %w", info.Hash, err)
	}

	log.Info("downloaded blob", "hash", info.Hash, "size", humanize.IBytes(uint64(n)), "duration", time.Since(startedAt))

	return nil
}
