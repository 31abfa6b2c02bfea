package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/internal/dlq"
	"github.com/ajitpratap0/nebula-loader/internal/memory"
	"github.com/ajitpratap0/nebula-loader/internal/queue"
	"github.com/ajitpratap0/nebula-loader/internal/state"
	"github.com/ajitpratap0/nebula-loader/pkg/metrics"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
	"github.com/ajitpratap0/nebula-loader/pkg/observability"
)

// DlqOptions configures a DlqLoaderStep.
type DlqOptions struct {
	NumWorkers int
	// Producers is the number of upstream tasks that send end-of-stream
	Producers int
	// FlushInterval finishes every open batch periodically
	FlushInterval time.Duration
	Histogram     *state.Histogram
	Notify        func()
}

// DlqLoaderStep hands records to a dead-letter-first loader. Records the
// loader stores are counted as complete immediately; rejected records are
// published to the output queue and continue to object storage.
type DlqLoaderStep struct {
	loader dlq.Loader
	input  *RecordQueue
	output *RecordQueue
	opts   DlqOptions
	logger *zap.Logger
}

// NewDlqLoaderStep creates the DLQ loader step.
func NewDlqLoaderStep(loader dlq.Loader, input, output *RecordQueue, opts DlqOptions, logger *zap.Logger) *DlqLoaderStep {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Notify == nil {
		opts.Notify = func() {}
	}
	if opts.Producers < 1 {
		opts.Producers = 1
	}
	return &DlqLoaderStep{
		loader: loader,
		input:  input,
		output: output,
		opts:   opts,
		logger: logger.With(zap.String("step", "dlq_loader")),
	}
}

// Name implements Step.
func (s *DlqLoaderStep) Name() string { return "dlq_loader" }

// NumWorkers implements Step.
func (s *DlqLoaderStep) NumWorkers() int { return s.opts.NumWorkers }

// CloseOutput implements OutputCloser.
func (s *DlqLoaderStep) CloseOutput() { s.output.Close() }

// TaskForPartition implements Step.
func (s *DlqLoaderStep) TaskForPartition(partition int) Task {
	return &dlqTask{
		step:      s,
		partition: partition,
		batches:   make(map[models.StreamDescriptor]*dlqBatch),
		eos:       newEOSCounter(s.opts.Producers),
		logger:    s.logger.With(zap.Int("partition", partition)),
	}
}

type dlqBatch struct {
	batch dlq.Batch
	// reservations of records handed to the batch and not yet complete
	held []*memory.Reservation
}

func (b *dlqBatch) release() {
	for _, r := range b.held {
		r.Release()
	}
	b.held = b.held[:0]
}

type dlqTask struct {
	step      *DlqLoaderStep
	partition int
	batches   map[models.StreamDescriptor]*dlqBatch
	eos       *eosCounter
	logger    *zap.Logger
}

func (t *dlqTask) Run(ctx context.Context) error {
	defer func() {
		for _, b := range t.batches {
			b.release()
		}
	}()

	in := t.step.input.Consume(t.partition)
	var tick <-chan time.Time
	if t.step.opts.FlushInterval > 0 {
		ticker := time.NewTicker(t.step.opts.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			if err := t.finishAll(ctx); err != nil {
				return err
			}
		case item, ok := <-in:
			if !ok {
				return t.finishAll(ctx)
			}
			if err := t.handle(ctx, item); err != nil {
				return err
			}
		}
	}
}

func (t *dlqTask) handle(ctx context.Context, item *memory.Reserved[RecordEvent]) error {
	switch ev := item.Value.(type) {
	case *queue.PipelineMessage[string, *models.Record]:
		rec := ev.Value
		b, err := t.batch(ctx, rec.Stream)
		if err != nil {
			item.Release()
			return err
		}
		b.held = append(b.held, item.Reservation)

		timer := metrics.NewTimer()
		res, err := b.batch.Accept(ctx, rec)
		metrics.ObserveStep("dlq_loader", timer)
		if err != nil {
			return err
		}
		if done, ok := res.(*dlq.Complete); ok {
			return t.complete(ctx, b, done)
		}
		return nil
	case *queue.PipelineEndOfStream[string, *models.Record]:
		item.Release()
		if !t.eos.observe(ev.Stream) {
			return nil
		}
		if b, ok := t.batches[ev.Stream]; ok {
			if err := t.finish(ctx, b); err != nil {
				return err
			}
			delete(t.batches, ev.Stream)
		}
		return t.step.output.Broadcast(ctx, queue.NewEndOfStream[string, *models.Record](ev.Stream))
	default:
		item.Release()
		return nil
	}
}

func (t *dlqTask) batch(ctx context.Context, stream models.StreamDescriptor) (*dlqBatch, error) {
	if b, ok := t.batches[stream]; ok {
		return b, nil
	}
	batch, err := t.step.loader.Start(ctx, stream, t.partition)
	if err != nil {
		return nil, err
	}
	b := &dlqBatch{batch: batch}
	t.batches[stream] = b
	return b, nil
}

func (t *dlqTask) finish(ctx context.Context, b *dlqBatch) error {
	var done *dlq.Complete
	err := observability.Trace(ctx, "dlq_loader", "finish", func(ctx context.Context) error {
		var err error
		done, err = b.batch.Finish(ctx)
		return err
	})
	if err != nil {
		return err
	}
	return t.complete(ctx, b, done)
}

func (t *dlqTask) finishAll(ctx context.Context) error {
	for _, b := range t.batches {
		if len(b.held) == 0 {
			continue
		}
		if err := t.finish(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// complete counts stored records and forwards rejected ones. The batch's
// reservations are released only after the rejected records hold their own.
func (t *dlqTask) complete(ctx context.Context, b *dlqBatch, done *dlq.Complete) error {
	for _, rec := range done.Rejected {
		partition := t.step.output.PartitionFor(rec.Stream.String())
		counts := models.CheckpointCounts{rec.PartitionKey: 1}
		if err := t.step.output.Publish(ctx, partition, queue.NewMessage(rec.Stream.String(), rec, counts)); err != nil {
			return err
		}
	}
	b.release()

	if n := done.Accepted.Total(); n > 0 {
		t.step.opts.Histogram.IncrementAll(done.Accepted)
		metrics.RecordsCompleted.WithLabelValues("dlq_loader").Add(float64(n))
		t.step.opts.Notify()
	}
	if n := len(done.Rejected); n > 0 {
		metrics.DLQRejected.Add(float64(n))
		t.logger.Debug("records rejected by dlq loader", zap.Int("records", n))
	}
	return nil
}
