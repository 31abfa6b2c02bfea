// Package dlq implements dead-letter-first loaders. A loader writes records
// straight to a destination and hands back the records it could not store,
// which the pipeline then routes to object storage.
package dlq

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

// Loader starts per-stream batches. One batch is used by a single pipeline
// task at a time.
type Loader interface {
	Start(ctx context.Context, stream models.StreamDescriptor, partition int) (Batch, error)
	Close() error
}

// Batch accumulates records of one stream.
type Batch interface {
	// Accept adds a record. It returns *Complete when the records accepted so
	// far have been stored, Incomplete otherwise.
	Accept(ctx context.Context, rec *models.Record) (Result, error)
	// Finish stores whatever is pending and returns the outcome.
	Finish(ctx context.Context) (*Complete, error)
}

// Result is the outcome of Batch.Accept: Incomplete or *Complete.
type Result interface {
	result()
}

// Incomplete means records are still pending in the batch.
type Incomplete struct{}

// Complete reports that every record handed to the batch since the previous
// Complete has been dealt with: either stored (Accepted) or returned for the
// object storage path (Rejected).
type Complete struct {
	// Accepted counts the stored records per partition key
	Accepted models.CheckpointCounts
	// Rejected are records the destination refused
	Rejected []*models.Record
}

func (Incomplete) result() {}
func (*Complete) result()  {}

// Validator returns a non-nil error for records the destination must not receive.
type Validator func(rec *models.Record) error

// FlushFunc stores a batch of valid records.
type FlushFunc func(ctx context.Context, stream models.StreamDescriptor, records []*models.Record) error

// batchLoader validates records and flushes them in batches. With a nil
// flush every record is handed back for object storage.
type batchLoader struct {
	validate  Validator
	flush     FlushFunc
	batchSize int
	logger    *zap.Logger
}

func (l *batchLoader) Start(_ context.Context, stream models.StreamDescriptor, partition int) (Batch, error) {
	return &batch{
		loader: l,
		stream: stream,
		logger: l.logger.With(zap.String("stream", stream.String()), zap.Int("partition", partition)),
	}, nil
}

type batch struct {
	loader   *batchLoader
	stream   models.StreamDescriptor
	pending  []*models.Record
	rejected []*models.Record
	logger   *zap.Logger
}

func (b *batch) Accept(ctx context.Context, rec *models.Record) (Result, error) {
	err := b.loader.validate(rec)
	switch {
	case err != nil:
		b.logger.Debug("record rejected", zap.Error(err))
		b.rejected = append(b.rejected, rec)
	case b.loader.flush == nil:
		// No destination: valid records take the object storage path too.
		b.rejected = append(b.rejected, rec)
	default:
		b.pending = append(b.pending, rec)
	}
	if len(b.pending)+len(b.rejected) < b.loader.batchSize {
		return Incomplete{}, nil
	}
	return b.Finish(ctx)
}

func (b *batch) Finish(ctx context.Context) (*Complete, error) {
	done := &Complete{Accepted: make(models.CheckpointCounts), Rejected: b.rejected}
	if len(b.pending) > 0 {
		if err := b.loader.flush(ctx, b.stream, b.pending); err != nil {
			return nil, err
		}
	}
	for _, rec := range b.pending {
		done.Accepted.Add(rec.PartitionKey, 1)
	}
	b.pending = nil
	b.rejected = nil
	return done, nil
}
