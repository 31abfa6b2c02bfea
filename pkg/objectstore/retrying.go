package objectstore

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/retry"
)

// RetryingClient retries retryable failures of the wrapped client.
type RetryingClient struct {
	Client
	policy *retry.Policy
	logger *zap.Logger
}

// WithRetry wraps c so every operation is retried according to policy.
func WithRetry(c Client, policy *retry.Policy, logger *zap.Logger) *RetryingClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingClient{Client: c, policy: policy, logger: logger}
}

func (c *RetryingClient) do(ctx context.Context, op, key string, fn func() error) error {
	attempt := 0
	return c.policy.Execute(ctx, func() error {
		attempt++
		err := fn()
		if err != nil {
			c.logger.Debug("storage operation failed", append([]zap.Field{
				zap.String("op", op),
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Bool("retryable", errors.IsRetryable(err)),
			}, errors.Fields(err)...)...)
		}
		return err
	})
}

// Put implements Client.
func (c *RetryingClient) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return c.do(ctx, "put", key, func() error {
		return c.Client.Put(ctx, key, data, contentType)
	})
}

// List implements Client.
func (c *RetryingClient) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := c.do(ctx, "list", prefix, func() error {
		var err error
		out, err = c.Client.List(ctx, prefix)
		return err
	})
	return out, err
}

// Delete implements Client.
func (c *RetryingClient) Delete(ctx context.Context, key string) error {
	return c.do(ctx, "delete", key, func() error {
		return c.Client.Delete(ctx, key)
	})
}

// Move implements Client.
func (c *RetryingClient) Move(ctx context.Context, srcKey, dstKey string) error {
	return c.do(ctx, "move", srcKey, func() error {
		return c.Client.Move(ctx, srcKey, dstKey)
	})
}

// StartMultipart implements Client.
func (c *RetryingClient) StartMultipart(ctx context.Context, key, contentType string) (Upload, error) {
	var up Upload
	err := c.do(ctx, "start multipart", key, func() error {
		var err error
		up, err = c.Client.StartMultipart(ctx, key, contentType)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &retryingUpload{Upload: up, client: c}, nil
}

type retryingUpload struct {
	Upload
	client *RetryingClient
}

func (u *retryingUpload) UploadPart(ctx context.Context, index int, data []byte) (PartETag, error) {
	var etag PartETag
	err := u.client.do(ctx, "upload part", u.Key(), func() error {
		var err error
		etag, err = u.Upload.UploadPart(ctx, index, data)
		return err
	})
	return etag, err
}

func (u *retryingUpload) Complete(ctx context.Context) error {
	return u.client.do(ctx, "complete", u.Key(), func() error {
		return u.Upload.Complete(ctx)
	})
}
