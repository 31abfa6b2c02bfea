package objectstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/nebula-loader/pkg/config"
	"github.com/ajitpratap0/nebula-loader/pkg/errors"
)

// maxComposeSources is the GCS limit of source objects per compose call.
const maxComposeSources = 32

// GCSClient stores objects in a Google Cloud Storage bucket.
//
// GCS has no multipart API. Each part is written as its own temporary
// object and Complete composes them into the destination in batches.
type GCSClient struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	logger *zap.Logger
}

// NewGCSClient creates a client from storage configuration.
func NewGCSClient(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*GCSClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, storageError(err, "create gcs client for", cfg.Bucket)
	}
	return &GCSClient{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		name:   cfg.Bucket,
		logger: logger.With(zap.String("component", "gcs"), zap.String("bucket", cfg.Bucket)),
	}, nil
}

// Put implements Client.
func (c *GCSClient) Put(ctx context.Context, key string, data []byte, contentType string) error {
	w := c.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return storageError(err, "write", key)
	}
	return storageError(w.Close(), "close writer for", key)
}

// List implements Client.
func (c *GCSClient) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	it := c.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, storageError(err, "list", prefix)
		}
		out = append(out, ObjectInfo{Key: attrs.Name, Size: attrs.Size})
	}
	return out, nil
}

// Delete implements Client.
func (c *GCSClient) Delete(ctx context.Context, key string) error {
	err := c.bucket.Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return storageError(err, "delete", key)
}

// Move implements Client.
func (c *GCSClient) Move(ctx context.Context, srcKey, dstKey string) error {
	src := c.bucket.Object(srcKey)
	if _, err := c.bucket.Object(dstKey).CopierFrom(src).Run(ctx); err != nil {
		return storageError(err, "copy", srcKey)
	}
	return c.Delete(ctx, srcKey)
}

// StartMultipart implements Client.
func (c *GCSClient) StartMultipart(_ context.Context, key, contentType string) (Upload, error) {
	return &gcsUpload{client: c, key: key, contentType: contentType}, nil
}

// Close implements Client.
func (c *GCSClient) Close() error {
	return c.client.Close()
}

type gcsUpload struct {
	client      *GCSClient
	key         string
	contentType string

	mu     sync.Mutex
	parts  []int
	last   int
	closed bool
}

func (u *gcsUpload) partKey(index int) string {
	return fmt.Sprintf("%s.parts/%05d", u.key, index)
}

func (u *gcsUpload) Key() string { return u.key }

func (u *gcsUpload) UploadPart(ctx context.Context, index int, data []byte) (PartETag, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return PartETag{}, ErrUploadClosed
	}
	if err := checkOrder(u.key, u.last, index); err != nil {
		return PartETag{}, err
	}
	if err := u.client.Put(ctx, u.partKey(index), data, u.contentType); err != nil {
		return PartETag{}, err
	}
	if index != u.last {
		u.parts = append(u.parts, index)
	}
	u.last = index
	return PartETag{Index: index, ETag: u.partKey(index)}, nil
}

func (u *gcsUpload) Complete(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrUploadClosed
	}

	sort.Ints(u.parts)
	dst := u.client.bucket.Object(u.key)
	if len(u.parts) == 0 {
		if err := u.client.Put(ctx, u.key, nil, u.contentType); err != nil {
			return err
		}
		u.closed = true
		return nil
	}

	// Compose in batches; after the first batch the destination itself is
	// the first source of the next one.
	remaining := u.parts
	composed := false
	for len(remaining) > 0 {
		limit := maxComposeSources
		var sources []*storage.ObjectHandle
		if composed {
			sources = append(sources, dst)
			limit--
		}
		n := min(limit, len(remaining))
		for _, idx := range remaining[:n] {
			sources = append(sources, u.client.bucket.Object(u.partKey(idx)))
		}
		remaining = remaining[n:]

		composer := dst.ComposerFrom(sources...)
		composer.ContentType = u.contentType
		if _, err := composer.Run(ctx); err != nil {
			return storageError(err, "compose", u.key)
		}
		composed = true
	}
	u.closed = true
	u.deleteParts(ctx)
	return nil
}

func (u *gcsUpload) Abort(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	u.deleteParts(ctx)
	return nil
}

func (u *gcsUpload) deleteParts(ctx context.Context) {
	for _, idx := range u.parts {
		if err := u.client.Delete(ctx, u.partKey(idx)); err != nil {
			u.client.logger.Warn("failed to delete temporary part", zap.String("key", u.partKey(idx)), zap.Error(err))
		}
	}
}
