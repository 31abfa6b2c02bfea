package objectstore

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/pkg/config"
)

// S3Client stores objects in an S3 bucket or any S3-compatible endpoint.
type S3Client struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	logger   *zap.Logger
}

// NewS3Client creates a client from storage configuration. Static keys are
// used when configured; otherwise the default AWS credential chain applies.
func NewS3Client(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*S3Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, storageError(err, "load aws config for", cfg.Bucket)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Client{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		logger:   logger.With(zap.String("component", "s3"), zap.String("bucket", cfg.Bucket)),
	}, nil
}

// Put implements Client.
func (c *S3Client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	return storageError(err, "put", key)
}

// List implements Client.
func (c *S3Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	p := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, storageError(err, "list", prefix)
		}
		for _, obj := range page.Contents {
			out = append(out, ObjectInfo{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)})
		}
	}
	return out, nil
}

// Delete implements Client.
func (c *S3Client) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	return storageError(err, "delete", key)
}

// Move implements Client with a server-side copy followed by a delete.
func (c *S3Client) Move(ctx context.Context, srcKey, dstKey string) error {
	_, err := c.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(c.bucket + "/" + srcKey),
	})
	if err != nil {
		return storageError(err, "copy", srcKey)
	}
	return c.Delete(ctx, srcKey)
}

// StartMultipart implements Client.
func (c *S3Client) StartMultipart(ctx context.Context, key, contentType string) (Upload, error) {
	out, err := c.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return nil, storageError(err, "create multipart upload", key)
	}
	c.logger.Debug("multipart upload started", zap.String("key", key))
	return &s3Upload{
		client:   c,
		key:      key,
		uploadID: aws.ToString(out.UploadId),
		parts:    make(map[int]string),
	}, nil
}

// Close implements Client.
func (c *S3Client) Close() error { return nil }

type s3Upload struct {
	client   *S3Client
	key      string
	uploadID string

	mu     sync.Mutex
	parts  map[int]string
	last   int
	closed bool
}

func (u *s3Upload) Key() string { return u.key }

func (u *s3Upload) UploadPart(ctx context.Context, index int, data []byte) (PartETag, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return PartETag{}, ErrUploadClosed
	}
	if err := checkOrder(u.key, u.last, index); err != nil {
		return PartETag{}, err
	}

	out, err := u.client.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(u.client.bucket),
		Key:        aws.String(u.key),
		UploadId:   aws.String(u.uploadID),
		PartNumber: aws.Int32(int32(index)),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return PartETag{}, storageError(err, "upload part of", u.key)
	}
	etag := aws.ToString(out.ETag)
	u.parts[index] = etag
	u.last = index
	return PartETag{Index: index, ETag: etag}, nil
}

func (u *s3Upload) Complete(ctx context.Context) error {
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
	completed := make([]types.CompletedPart, 0, len(indices))
	for _, i := range indices {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(u.parts[i]),
			PartNumber: aws.Int32(int32(i)),
		})
	}

	_, err := u.client.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.client.bucket),
		Key:             aws.String(u.key),
		UploadId:        aws.String(u.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return storageError(err, "complete multipart upload of", u.key)
	}
	u.closed = true
	return nil
}

func (u *s3Upload) Abort(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	_, err := u.client.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.client.bucket),
		Key:      aws.String(u.key),
		UploadId: aws.String(u.uploadID),
	})
	return storageError(err, "abort multipart upload of", u.key)
}
