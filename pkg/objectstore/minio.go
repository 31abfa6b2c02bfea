package objectstore

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/pkg/config"
)

// MinioClient stores objects in a MinIO (or other S3-compatible) bucket
// using the low-level multipart API of minio.Core.
type MinioClient struct {
	core   *minio.Core
	bucket string
	logger *zap.Logger
}

// NewMinioClient creates a client from storage configuration.
func NewMinioClient(cfg config.StorageConfig, logger *zap.Logger) (*MinioClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, storageError(err, "create minio client for", cfg.Bucket)
	}
	return &MinioClient{
		core:   core,
		bucket: cfg.Bucket,
		logger: logger.With(zap.String("component", "minio"), zap.String("bucket", cfg.Bucket)),
	}, nil
}

// Put implements Client.
func (c *MinioClient) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := c.core.Client.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	return storageError(err, "put", key)
}

// List implements Client.
func (c *MinioClient) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range c.core.Client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, storageError(obj.Err, "list", prefix)
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size})
	}
	return out, nil
}

// Delete implements Client.
func (c *MinioClient) Delete(ctx context.Context, key string) error {
	err := c.core.Client.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{})
	return storageError(err, "delete", key)
}

// Move implements Client.
func (c *MinioClient) Move(ctx context.Context, srcKey, dstKey string) error {
	_, err := c.core.Client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: c.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: c.bucket, Object: srcKey})
	if err != nil {
		return storageError(err, "copy", srcKey)
	}
	return c.Delete(ctx, srcKey)
}

// StartMultipart implements Client.
func (c *MinioClient) StartMultipart(ctx context.Context, key, contentType string) (Upload, error) {
	uploadID, err := c.core.NewMultipartUpload(ctx, c.bucket, key, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, storageError(err, "create multipart upload", key)
	}
	return &minioUpload{client: c, key: key, uploadID: uploadID, parts: make(map[int]string)}, nil
}

// Close implements Client.
func (c *MinioClient) Close() error { return nil }

type minioUpload struct {
	client   *MinioClient
	key      string
	uploadID string

	mu     sync.Mutex
	parts  map[int]string
	last   int
	closed bool
}

func (u *minioUpload) Key() string { return u.key }

func (u *minioUpload) UploadPart(ctx context.Context, index int, data []byte) (PartETag, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return PartETag{}, ErrUploadClosed
	}
	if err := checkOrder(u.key, u.last, index); err != nil {
		return PartETag{}, err
	}
	part, err := u.client.core.PutObjectPart(ctx, u.client.bucket, u.key, u.uploadID, index,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	if err != nil {
		return PartETag{}, storageError(err, "upload part of", u.key)
	}
	u.parts[index] = part.ETag
	u.last = index
	return PartETag{Index: index, ETag: part.ETag}, nil
}

func (u *minioUpload) Complete(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrUploadClosed
	}
	indices := make([]int, 0, len(u.parts))
	for i := range u.parts {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	completed := make([]minio.CompletePart, 0, len(indices))
	for _, i := range indices {
		completed = append(completed, minio.CompletePart{PartNumber: i, ETag: u.parts[i]})
	}
	if _, err := u.client.core.CompleteMultipartUpload(ctx, u.client.bucket, u.key, u.uploadID, completed, minio.PutObjectOptions{}); err != nil {
		return storageError(err, "complete multipart upload of", u.key)
	}
	u.closed = true
	return nil
}

func (u *minioUpload) Abort(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	return storageError(u.client.core.AbortMultipartUpload(ctx, u.client.bucket, u.key, u.uploadID), "abort multipart upload of", u.key)
}
