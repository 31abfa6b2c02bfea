package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/internal/format"
	"github.com/ajitpratap0/nebula-loader/internal/memory"
	"github.com/ajitpratap0/nebula-loader/internal/queue"
	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/metrics"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
	"github.com/ajitpratap0/nebula-loader/pkg/objectstore"
)

// Events carried between steps. Record events are keyed by stream, part and
// result events by object key.
type (
	RecordEvent = queue.PipelineEvent[string, *models.Record]
	PartEvent   = queue.PipelineEvent[string, *format.Part]
	ResultEvent = queue.PipelineEvent[string, *PartResult]

	RecordQueue = queue.ResourceReservingPartitionedQueue[RecordEvent]
	PartQueue   = queue.ResourceReservingPartitionedQueue[PartEvent]
	ResultQueue = queue.ResourceReservingPartitionedQueue[ResultEvent]
)

// PartResult reports one part handled by the part loader.
type PartResult struct {
	Key       string
	Stream    models.StreamDescriptor
	PartIndex int
	IsFinal   bool
	// Uploaded is false for an empty final part that was not sent
	Uploaded bool
	ETag     objectstore.PartETag
	Bytes    int64
	Counts   models.CheckpointCounts
	// Upload is the multipart upload the part belongs to
	Upload objectstore.Upload
}

// ResultBytes is the reservation estimate of a PartResult.
const ResultBytes = 256

// UploadResult describes a finalized object.
type UploadResult struct {
	Key     string
	Stream  models.StreamDescriptor
	Parts   int
	Bytes   int64
	Records int64
	Counts  models.CheckpointCounts
}

// UploadObserver is notified of every finalized object.
type UploadObserver func(ctx context.Context, result UploadResult)

// RecordEstimate is the reservation estimate of a record event.
func RecordEstimate(ev RecordEvent) int64 {
	if m, ok := ev.(*queue.PipelineMessage[string, *models.Record]); ok {
		return m.Value.SizeBytes()
	}
	return 0
}

// PartEstimate is the reservation estimate of a part event.
func PartEstimate(ev PartEvent) int64 {
	if m, ok := ev.(*queue.PipelineMessage[string, *format.Part]); ok {
		return m.Value.Size()
	}
	return 0
}

// eosCounter counts end-of-stream sentinels per stream until every upstream
// producer has sent one.
type eosCounter struct {
	producers int
	seen      map[models.StreamDescriptor]int
}

func newEOSCounter(producers int) *eosCounter {
	return &eosCounter{producers: producers, seen: make(map[models.StreamDescriptor]int)}
}

// observe records a sentinel and reports whether it was the last one.
func (c *eosCounter) observe(stream models.StreamDescriptor) bool {
	c.seen[stream]++
	return c.seen[stream] == c.producers
}

// receive waits for the next item of in. ok is false when in is closed.
func receive[T any](ctx context.Context, in <-chan *memory.Reserved[T]) (item *memory.Reserved[T], ok bool, err error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case item, ok = <-in:
		return item, ok, nil
	}
}

// abortTimeout bounds the cleanup of unfinished uploads.
const abortTimeout = 30 * time.Second

// sharedUpload is an upload referenced by both the part loader and the
// completer. Only the first Abort reaches the store.
type sharedUpload struct {
	objectstore.Upload
	once sync.Once
	err  error
}

func (u *sharedUpload) Abort(ctx context.Context) error {
	u.once.Do(func() { u.err = u.Upload.Abort(ctx) })
	return u.err
}

// abortUploads discards uploads that will never be completed. It still runs
// when ctx is canceled.
func abortUploads(ctx context.Context, uploads []objectstore.Upload, logger *zap.Logger) {
	if len(uploads) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	aborted := 0
	for _, up := range uploads {
		if err := up.Abort(ctx); err != nil {
			logger.Warn("failed to abort upload", append([]zap.Field{zap.String("key", up.Key())}, errors.Fields(err)...)...)
			continue
		}
		aborted++
		metrics.UploadsAborted.Inc()
	}
	logger.Info("aborted unfinished uploads", zap.Int("aborted", aborted), zap.Int("uploads", len(uploads)))
}
