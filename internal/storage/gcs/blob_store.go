// Package gcs writes scraped items to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

type objectWriter interface {
	io.WriteCloser
}

// newWriterFunc opens a writer for bucket/object with the given content type.
type newWriterFunc func(ctx context.Context, bucket, object, contentType string) objectWriter

// BlobStore writes items to a configured GCS bucket.
type BlobStore struct {
	bucket    string
	newWriter newWriterFunc
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return newBlobStore(cfg, func(ctx context.Context, bucket, object, contentType string) objectWriter {
		w := client.Bucket(bucket).Object(object).NewWriter(ctx)
		w.ContentType = contentType
		return w
	})
}

func newBlobStore(cfg Config, newWriter newWriterFunc) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{bucket: cfg.Bucket, newWriter: newWriter}, nil
}

// PutObject uploads data and returns a gs:// URI. The object only exists once
// the writer closes cleanly.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.newWriter(ctx, s.bucket, path, contentType)
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}
