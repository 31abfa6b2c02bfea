package state

import (
	"context"
	"sync"

	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/metrics"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

// StreamCompletionTracker records end-of-stream signals from the terminal
// pipeline partitions. A stream is complete once every partition has
// reported it. A stream may instead be marked failed; the first outcome wins.
type StreamCompletionTracker struct {
	numPartitions int
	streams       *skipmap.StringMap[*streamCompletion]
	onComplete    func(models.StreamDescriptor)
	logger        *zap.Logger
}

type streamCompletion struct {
	stream models.StreamDescriptor

	mu       sync.Mutex
	reported map[int]struct{}
	err      error
	done     chan struct{}
}

// StreamResult is the outcome of a stream that has finished processing.
type StreamResult struct {
	Stream models.StreamDescriptor
	// Err is nil when every partition finished the stream.
	Err error
}

// Succeeded reports whether the stream finished without failure.
func (r StreamResult) Succeeded() bool { return r.Err == nil }

func (c *streamCompletion) result() StreamResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return StreamResult{Stream: c.stream, Err: c.err}
}

func (c *streamCompletion) succeeded() bool {
	select {
	case <-c.done:
		return c.result().Succeeded()
	default:
		return false
	}
}

// NewStreamCompletionTracker creates a tracker expecting numPartitions
// reports per stream. onComplete, if set, is called once per completed stream.
func NewStreamCompletionTracker(numPartitions int, onComplete func(models.StreamDescriptor), logger *zap.Logger) *StreamCompletionTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamCompletionTracker{
		numPartitions: numPartitions,
		streams:       skipmap.NewString[*streamCompletion](),
		onComplete:    onComplete,
		logger:        logger.With(zap.String("component", "stream-tracker")),
	}
}

func (t *StreamCompletionTracker) entry(stream models.StreamDescriptor) *streamCompletion {
	c, _ := t.streams.LoadOrStoreLazy(stream.String(), func() *streamCompletion {
		return &streamCompletion{
			stream:   stream,
			reported: make(map[int]struct{}),
			done:     make(chan struct{}),
		}
	})
	return c
}

// Accept records that partition has finished stream. Repeated reports and
// reports for a failed stream are ignored. It returns true for the call that
// completed the stream.
func (t *StreamCompletionTracker) Accept(stream models.StreamDescriptor, partition int) bool {
	c := t.entry(stream)

	c.mu.Lock()
	if _, seen := c.reported[partition]; seen || c.err != nil || len(c.reported) >= t.numPartitions {
		c.mu.Unlock()
		return false
	}
	c.reported[partition] = struct{}{}
	completed := len(c.reported) == t.numPartitions
	if completed {
		close(c.done)
	}
	c.mu.Unlock()

	if completed {
		metrics.StreamsCompleted.Inc()
		t.logger.Info("stream complete", zap.Stringer("stream", stream))
		if t.onComplete != nil {
			t.onComplete(stream)
		}
	}
	return completed
}

// MarkFailed records that stream will not finish. It returns false when the
// stream already has an outcome.
func (t *StreamCompletionTracker) MarkFailed(stream models.StreamDescriptor, err error) bool {
	if err == nil {
		err = errors.New(errors.ErrorTypeInternal, "stream processing failed")
	}
	c := t.entry(stream)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return false
	default:
	}
	c.err = err
	close(c.done)
	c.mu.Unlock()

	metrics.StreamsFailed.Inc()
	t.logger.Warn("stream failed", append([]zap.Field{zap.Stringer("stream", stream)}, errors.Fields(err)...)...)
	return true
}

// IsComplete reports whether every partition has reported stream.
func (t *StreamCompletionTracker) IsComplete(stream models.StreamDescriptor) bool {
	c, ok := t.streams.Load(stream.String())
	return ok && c.succeeded()
}

// CompletedStreams returns the completed streams ordered by name.
func (t *StreamCompletionTracker) CompletedStreams() []models.StreamDescriptor {
	var out []models.StreamDescriptor
	t.streams.Range(func(_ string, c *streamCompletion) bool {
		if c.succeeded() {
			out = append(out, c.stream)
		}
		return true
	})
	return out
}

// FailedStreams returns the failed streams ordered by name.
func (t *StreamCompletionTracker) FailedStreams() []models.StreamDescriptor {
	var out []models.StreamDescriptor
	t.streams.Range(func(_ string, c *streamCompletion) bool {
		select {
		case <-c.done:
			if !c.result().Succeeded() {
				out = append(out, c.stream)
			}
		default:
		}
		return true
	})
	return out
}

// AwaitResult blocks until stream has an outcome or ctx is done.
func (t *StreamCompletionTracker) AwaitResult(ctx context.Context, stream models.StreamDescriptor) (StreamResult, error) {
	c := t.entry(stream)
	select {
	case <-c.done:
		return c.result(), nil
	case <-ctx.Done():
		return StreamResult{Stream: stream}, ctx.Err()
	}
}

// AwaitAll blocks until every stream in streams is complete or ctx is done.
// It returns the failure of the first failed stream it observes.
func (t *StreamCompletionTracker) AwaitAll(ctx context.Context, streams []models.StreamDescriptor) error {
	for _, s := range streams {
		res, err := t.AwaitResult(ctx, s)
		if err != nil {
			return err
		}
		if !res.Succeeded() {
			return errors.Wrap(res.Err, errors.ErrorTypeState, "stream failed").
				WithDetail("stream", s.String())
		}
	}
	return nil
}
