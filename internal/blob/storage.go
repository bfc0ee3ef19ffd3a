// Package blob stores uploaded photos on the local filesystem or in
// S3-compatible object storage.
package blob

import (
	"context"
	"fmt"
	"io"
)

// Storage defines the operations the service needs from an object store.
type Storage interface {
	Save(ctx context.Context, path string, reader io.Reader, contentType string) error
	Delete(ctx context.Context, path string) error
	// URL returns the public URL of the object at path.
	URL(path string) string
}

type Config struct {
	Type      string // local, s3
	BasePath  string // local root directory
	BaseURL   string // public URL prefix
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string // custom S3 endpoint, e.g. MinIO or R2
}

func New(cfg Config) (Storage, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalStorage(cfg)
	case "s3":
		return NewS3Storage(cfg)
	default:
		return nil, fmt.Errorf("unsupported blob storage type: %s", cfg.Type)
	}
}
