package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/infero/pkg/blobs"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := ":8080"
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		// We expect CACHE_DIR to be set when running on kubernetes, but default sensibly for local dev
		cacheDir = "~/.cache/infero/blobs"
	}
	upload := ""
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory")
	flag.StringVar(&upload, "upload", upload, "upload this model file to the bucket, print its location and exit")
	klog.InitFlags(nil)
	flag.Parse()

	cacheBucket := os.Getenv("CACHE_BUCKET")
	if cacheBucket == "" {
		return fmt.Errorf("must specify CACHE_BUCKET env var")
	}
	if !strings.HasPrefix(cacheBucket, "gs://") {
		return fmt.Errorf("CACHE_BUCKET must be a GCS bucket URL (gs://<bucketName>)")
	}
	cacheBucket = strings.TrimPrefix(cacheBucket, "gs://")
	log.Info("using GCS cache", "bucket", cacheBucket)
	blobstore := &blobs.GCSBlobstore{
		Bucket: cacheBucket,
	}

	if upload != "" {
		return uploadModel(ctx, blobstore, upload)
	}

	if strings.HasPrefix(cacheDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		cacheDir = filepath.Join(homeDir, strings.TrimPrefix(cacheDir, "~/"))
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	s := &httpServer{
		blobCache: &blobCache{
			BaseDir:   cacheDir,
			blobstore: blobstore,
		},
	}

	log.Info("serving models", "listen", listen, "cacheDir", cacheDir)
	if err := http.ListenAndServe(listen, s); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}

	return nil
}

// uploadModel stores the file under its SHA-256 so handles can load it as
// gs://<bucket>/<hash> or http://<model-store>/<hash>.
func uploadModel(ctx context.Context, blobstore blobs.Blobstore, path string) error {
	info, err := blobs.HashFile(path)
	if err != nil {
		return err
	}
	if err := blobstore.Upload(ctx, path, info); err != nil {
		return fmt.Errorf("uploading %q: %w", path, err)
	}
	fmt.Println(info.Hash)
	return nil
}
