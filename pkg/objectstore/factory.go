package objectstore

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/pkg/config"
	"github.com/ajitpratap0/nebula-loader/pkg/errors"
)

// NewFromConfig creates the client selected by cfg.Type.
func NewFromConfig(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Client, error) {
	var (
		client Client
		err    error
	)
	switch cfg.Type {
	case config.StorageS3:
		var c *S3Client
		c, err = NewS3Client(ctx, cfg, logger)
		client = c
	case config.StorageGCS:
		var c *GCSClient
		c, err = NewGCSClient(ctx, cfg, logger)
		client = c
	case config.StorageMinio:
		var c *MinioClient
		c, err = NewMinioClient(cfg, logger)
		client = c
	case config.StorageBlob:
		var c *BlobClient
		c, err = NewBlobClient(ctx, cfg.URL, logger)
		client = c
	case config.StorageMemory:
		client = NewMemoryClient()
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown storage type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}
