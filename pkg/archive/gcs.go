//go:build gcp

package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
)

// GCSArchive uploads rotated audit files to a GCS bucket.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArchive creates a GCS-backed archive using application default
// credentials.
func NewGCSArchive(ctx context.Context, bucket, prefix string) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create GCS client: %w", err)
	}
	return &GCSArchive{client: client, bucket: bucket, prefix: prefix}, nil
}

// Archive uploads the file under prefix+basename.
func (a *GCSArchive) Archive(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archive: open source: %w", err)
	}
	defer f.Close()

	ctx := context.Background()
	obj := a.client.Bucket(a.bucket).Object(a.prefix + filepath.Base(path))
	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("archive: write gs://%s/%s: %w", a.bucket, obj.ObjectName(), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive: finalize gs://%s/%s: %w", a.bucket, obj.ObjectName(), err)
	}
	return nil
}
