package objectstore

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
	"gocloud.dev/gcerrors"
)

// BlobClient stores objects in any bucket gocloud.dev can open by URL.
// Multipart uploads are staged as temporary part objects and concatenated
// on Complete.
type BlobClient struct {
	bucket *blob.Bucket
	url    string
	logger *zap.Logger
}

// NewBlobClient opens the bucket at url (file:///tmp/out, mem://, gs://b, s3://b).
func NewBlobClient(ctx context.Context, url string, logger *zap.Logger) (*BlobClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, storageError(err, "open bucket", url)
	}
	return &BlobClient{
		bucket: bucket,
		url:    url,
		logger: logger.With(zap.String("component", "blob"), zap.String("url", url)),
	}, nil
}

// Put implements Client.
func (c *BlobClient) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return storageError(c.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: contentType}), "put", key)
}

// Get reads a whole object.
func (c *BlobClient) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, storageError(err, "get", key)
	}
	return data, nil
}

// List implements Client.
func (c *BlobClient) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	iter := c.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, storageError(err, "list", prefix)
		}
		if obj.IsDir {
			continue
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size})
	}
	return out, nil
}

// Delete implements Client.
func (c *BlobClient) Delete(ctx context.Context, key string) error {
	err := c.bucket.Delete(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return storageError(err, "delete", key)
}

// Move implements Client.
func (c *BlobClient) Move(ctx context.Context, srcKey, dstKey string) error {
	if err := c.bucket.Copy(ctx, dstKey, srcKey, nil); err != nil {
		return storageError(err, "copy", srcKey)
	}
	return c.Delete(ctx, srcKey)
}

// StartMultipart implements Client.
func (c *BlobClient) StartMultipart(_ context.Context, key, contentType string) (Upload, error) {
	return &blobUpload{client: c, key: key, contentType: contentType}, nil
}

// Close implements Client.
func (c *BlobClient) Close() error {
	return c.bucket.Close()
}

type blobUpload struct {
	client      *BlobClient
	key         string
	contentType string

	mu     sync.Mutex
	parts  []int
	closed bool
}

func (u *blobUpload) Key() string { return u.key }

func (u *blobUpload) partKey(index int) string {
	return fmt.Sprintf("%s.parts/%05d", u.key, index)
}

func (u *blobUpload) UploadPart(ctx context.Context, index int, data []byte) (PartETag, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return PartETag{}, ErrUploadClosed
	}
	last := 0
	if n := len(u.parts); n > 0 {
		last = u.parts[n-1]
	}
	if err := checkOrder(u.key, last, index); err != nil {
		return PartETag{}, err
	}
	if err := u.client.bucket.WriteAll(ctx, u.partKey(index), data, nil); err != nil {
		return PartETag{}, storageError(err, "upload part of", u.key)
	}
	if index != last {
		u.parts = append(u.parts, index)
	}
	return PartETag{Index: index, ETag: u.partKey(index)}, nil
}

func (u *blobUpload) Complete(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrUploadClosed
	}
	sort.Ints(u.parts)

	w, err := u.client.bucket.NewWriter(ctx, u.key, &blob.WriterOptions{ContentType: u.contentType})
	if err != nil {
		return storageError(err, "create writer for", u.key)
	}
	for _, idx := range u.parts {
		r, err := u.client.bucket.NewReader(ctx, u.partKey(idx), nil)
		if err != nil {
			_ = w.Close()
			return storageError(err, "open part of", u.key)
		}
		_, err = io.Copy(w, r)
		_ = r.Close()
		if err != nil {
			_ = w.Close()
			return storageError(err, "concatenate parts of", u.key)
		}
	}
	if err := w.Close(); err != nil {
		return storageError(err, "close writer for", u.key)
	}
	u.closed = true
	u.cleanup(ctx)
	return nil
}

func (u *blobUpload) Abort(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	u.cleanup(ctx)
	return nil
}

func (u *blobUpload) cleanup(ctx context.Context) {
	for _, idx := range u.parts {
		if err := u.client.Delete(ctx, u.partKey(idx)); err != nil {
			u.client.logger.Warn("failed to delete temporary part",
				zap.String("key", u.key), zap.Int("index", idx), zap.Error(err))
		}
	}
}
