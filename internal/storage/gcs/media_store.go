// Package gcs provides a MediaStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	// Prefix is prepended to every object name, e.g. "harvests/".
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

// MediaStore uploads finished downloads to a configured GCS bucket.
type MediaStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed media store.
func New(client *storage.Client, cfg Config) (*MediaStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &MediaStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Publish uploads the downloaded temp file at srcPath as an object named
// relPath (under the configured prefix), deletes the temp file, and returns
// a gs:// URI. Path separators in relPath become object name separators.
func (s *MediaStore) Publish(ctx context.Context, relPath, srcPath string) (string, error) {
	if strings.TrimSpace(relPath) == "" {
		return "", fmt.Errorf("relative path is required")
	}
	object := path.Join(s.prefix, strings.ReplaceAll(relPath, "\\", "/"))

	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("open temp file: %w", err)
	}
	defer src.Close()

	writer := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	if ct := mime.TypeByExtension(path.Ext(object)); ct != "" {
		writer.ContentType = ct
	}
	if _, err := io.Copy(writer, src); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("upload object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("upload object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	_ = os.Remove(srcPath)
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}
