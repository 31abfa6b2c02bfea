// Package ingest feeds decoded protocol events into the load pipeline.
package ingest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/internal/pipeline"
	"github.com/ajitpratap0/nebula-loader/internal/queue"
	"github.com/ajitpratap0/nebula-loader/internal/state"
	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
	"github.com/ajitpratap0/nebula-loader/pkg/protocol"
)

// ErrStreamFinished is wrapped by errors for input that arrives after its
// stream was reported complete.
var ErrStreamFinished = errors.New(errors.ErrorTypeState, "stream already finished")

// EventSource yields input events until io.EOF.
type EventSource interface {
	Next() (protocol.Event, error)
}

// Consumer reads events in input order. Records are tagged with the
// partition key of their stream's open checkpoint interval and published to
// the pipeline input partitioned by stream; checkpoints go to the state
// store; stream completion is broadcast as end-of-stream.
//
// Consumer is a single-worker pipeline Step so that the pipeline owns the
// lifetime of every producer of its queues.
type Consumer struct {
	source EventSource
	keys   *state.KeyClient
	store  *state.Store
	output *pipeline.RecordQueue
	notify func()
	logger *zap.Logger

	records     atomic.Int64
	checkpoints atomic.Int64

	mu       sync.Mutex
	streams  []models.StreamDescriptor
	seen     map[models.StreamDescriptor]struct{}
	finished map[models.StreamDescriptor]struct{}
}

// NewConsumer creates a consumer. notify, if set, is called after each
// accepted checkpoint.
func NewConsumer(source EventSource, keys *state.KeyClient, store *state.Store, output *pipeline.RecordQueue, notify func(), logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notify == nil {
		notify = func() {}
	}
	return &Consumer{
		source:   source,
		keys:     keys,
		store:    store,
		output:   output,
		notify:   notify,
		logger:   logger.With(zap.String("step", "ingest")),
		seen:     make(map[models.StreamDescriptor]struct{}),
		finished: make(map[models.StreamDescriptor]struct{}),
	}
}

// Name implements pipeline.Step.
func (c *Consumer) Name() string { return "ingest" }

// NumWorkers implements pipeline.Step.
func (c *Consumer) NumWorkers() int { return 1 }

// CloseOutput implements pipeline.OutputCloser.
func (c *Consumer) CloseOutput() { c.output.Close() }

// TaskForPartition implements pipeline.Step.
func (c *Consumer) TaskForPartition(int) pipeline.Task {
	return pipeline.TaskFunc(c.run)
}

// Records returns the number of records ingested.
func (c *Consumer) Records() int64 { return c.records.Load() }

// Checkpoints returns the number of checkpoints accepted.
func (c *Consumer) Checkpoints() int64 { return c.checkpoints.Load() }

// Streams returns the streams seen so far, in first-seen order.
func (c *Consumer) Streams() []models.StreamDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.StreamDescriptor(nil), c.streams...)
}

// FinishedStreams returns the streams the source reported complete.
func (c *Consumer) FinishedStreams() []models.StreamDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.StreamDescriptor, 0, len(c.finished))
	for _, s := range c.streams {
		if _, ok := c.finished[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

type next struct {
	event protocol.Event
	err   error
}

// read pulls events on its own goroutine since a blocked reader cannot be
// interrupted by ctx.
func (c *Consumer) read(stop <-chan struct{}) <-chan next {
	out := make(chan next)
	go func() {
		defer close(out)
		for {
			ev, err := c.source.Next()
			select {
			case out <- next{event: ev, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

func (c *Consumer) run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	events := c.read(stop)

	for {
		var n next
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n = <-events:
		}
		if n.err == io.EOF {
			c.logger.Info("end of input",
				zap.Int64("records", c.records.Load()),
				zap.Int64("checkpoints", c.checkpoints.Load()))
			return nil
		}
		if n.err != nil {
			return n.err
		}
		if err := c.handle(ctx, n.event); err != nil {
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, ev protocol.Event) error {
	switch e := ev.(type) {
	case *protocol.RecordEvent:
		rec := e.Record
		if err := c.checkOpen(rec.Stream, "record"); err != nil {
			return err
		}
		c.observe(rec.Stream)
		rec.PartitionKey = c.keys.PartitionKeyFor(rec.Stream)
		key := rec.Stream.String()
		msg := queue.NewMessage(key, rec, models.CheckpointCounts{rec.PartitionKey: 1})
		if err := c.output.Publish(ctx, c.output.PartitionFor(key), msg); err != nil {
			return err
		}
		c.records.Add(1)
		return nil

	case *protocol.StateEvent:
		if sc, ok := e.Checkpoint.(*models.StreamCheckpoint); ok {
			if err := c.checkOpen(sc.Stream, "state"); err != nil {
				return err
			}
		}
		if err := c.store.Accept(e.Checkpoint); err != nil {
			return err
		}
		c.checkpoints.Add(1)
		c.notify()
		return nil

	case *protocol.StreamCompleteEvent:
		if err := c.checkOpen(e.Stream, "stream status"); err != nil {
			return err
		}
		c.observe(e.Stream)
		c.mu.Lock()
		c.finished[e.Stream] = struct{}{}
		c.mu.Unlock()
		c.logger.Info("source finished stream", zap.Stringer("stream", e.Stream))
		return c.output.Broadcast(ctx, queue.NewEndOfStream[string, *models.Record](e.Stream))

	default:
		return nil
	}
}

// checkOpen fails when stream was already reported complete. Its objects may
// have been promoted, so later input could never be made durable.
func (c *Consumer) checkOpen(stream models.StreamDescriptor, kind string) error {
	c.mu.Lock()
	_, done := c.finished[stream]
	c.mu.Unlock()
	if !done {
		return nil
	}
	return errors.Wrap(ErrStreamFinished, errors.ErrorTypeState, "input after end of stream").
		WithDetail("stream", stream.String()).
		WithDetail("message", kind)
}

func (c *Consumer) observe(stream models.StreamDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[stream]; ok {
		return
	}
	c.seen[stream] = struct{}{}
	c.streams = append(c.streams, stream)
}
