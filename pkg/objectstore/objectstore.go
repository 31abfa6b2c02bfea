// Package objectstore defines the keyed object store the load pipeline
// writes to, with implementations for S3, Google Cloud Storage, MinIO, any
// gocloud.dev blob URL and an in-memory store for tests.
//
// Objects are written with multipart uploads. Parts of one upload are sent
// in increasing index order and uploading the same index twice replaces the
// earlier attempt, so a failed part can be retried without duplicating data.
package objectstore

import (
	"context"
	"fmt"

	"github.com/ajitpratap0/nebula-loader/pkg/errors"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// PartETag identifies an uploaded part.
type PartETag struct {
	Index int
	ETag  string
}

// Client is a keyed remote object store.
type Client interface {
	// Put writes a whole object
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// List returns the objects whose key starts with prefix
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Delete removes an object; deleting a missing object is not an error
	Delete(ctx context.Context, key string) error
	// Move renames an object
	Move(ctx context.Context, srcKey, dstKey string) error
	// StartMultipart begins a multipart upload of key
	StartMultipart(ctx context.Context, key, contentType string) (Upload, error)
	// Close releases the client
	Close() error
}

// Upload is an in-progress multipart upload.
type Upload interface {
	// Key returns the destination key
	Key() string
	// UploadPart uploads part index (starting at 1)
	UploadPart(ctx context.Context, index int, data []byte) (PartETag, error)
	// Complete assembles the uploaded parts into the object
	Complete(ctx context.Context) error
	// Abort discards the upload
	Abort(ctx context.Context) error
}

// ErrUploadClosed is returned when an upload is used after Complete or Abort.
var ErrUploadClosed = errors.New(errors.ErrorTypeState, "upload already completed or aborted")

// ErrPartOutOfOrder is returned when a part index is lower than one already uploaded.
var ErrPartOutOfOrder = errors.New(errors.ErrorTypeValidation, "part uploaded out of order")

// storageError wraps a backend failure so it is retried.
func storageError(err error, op, key string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, errors.ErrorTypeStorage, fmt.Sprintf("%s %s failed", op, key)).
		WithDetail("key", key)
}

// checkOrder validates that index may follow last.
func checkOrder(key string, last, index int) error {
	if index < 1 || index < last {
		return errors.Wrap(ErrPartOutOfOrder, errors.ErrorTypeValidation, "invalid part index").
			WithDetail("key", key).
			WithDetail("index", index).
			WithDetail("last_index", last)
	}
	return nil
}
