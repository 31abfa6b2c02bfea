package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/internal/format"
	"github.com/ajitpratap0/nebula-loader/internal/memory"
	"github.com/ajitpratap0/nebula-loader/internal/queue"
	"github.com/ajitpratap0/nebula-loader/pkg/metrics"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

// FormatterOptions configures a PartFormatterStep.
type FormatterOptions struct {
	NumWorkers int
	// Producers is the number of upstream tasks that send end-of-stream
	Producers     int
	PartSize      int64
	MaxObjectSize int64
	MaxObjectAge  time.Duration
	// Now is the clock used for object keys and ages
	Now func() time.Time
}

// PartFormatterStep serializes records into objects and cuts the objects
// into parts of at most PartSize bytes. Each stream has at most one open
// object per task; records of a stream always reach the same task.
type PartFormatterStep struct {
	formatter *format.Formatter
	input     *RecordQueue
	output    *PartQueue
	opts      FormatterOptions
	logger    *zap.Logger
}

// NewPartFormatterStep creates the formatter step.
func NewPartFormatterStep(formatter *format.Formatter, input *RecordQueue, output *PartQueue, opts FormatterOptions, logger *zap.Logger) *PartFormatterStep {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Producers < 1 {
		opts.Producers = 1
	}
	return &PartFormatterStep{
		formatter: formatter,
		input:     input,
		output:    output,
		opts:      opts,
		logger:    logger.With(zap.String("step", "part_formatter")),
	}
}

// Name implements Step.
func (s *PartFormatterStep) Name() string { return "part_formatter" }

// NumWorkers implements Step.
func (s *PartFormatterStep) NumWorkers() int { return s.opts.NumWorkers }

// CloseOutput implements OutputCloser.
func (s *PartFormatterStep) CloseOutput() { s.output.Close() }

// TaskForPartition implements Step.
func (s *PartFormatterStep) TaskForPartition(partition int) Task {
	return &formatterTask{
		step:      s,
		partition: partition,
		open:      make(map[models.StreamDescriptor]*format.ObjectWriter),
		files:     make(map[models.StreamDescriptor]int64),
		eos:       newEOSCounter(s.opts.Producers),
		logger:    s.logger.With(zap.Int("partition", partition)),
	}
}

type formatterTask struct {
	step      *PartFormatterStep
	partition int
	open      map[models.StreamDescriptor]*format.ObjectWriter
	files     map[models.StreamDescriptor]int64
	eos       *eosCounter
	logger    *zap.Logger
}

func (t *formatterTask) Run(ctx context.Context) error {
	in := t.step.input.Consume(t.partition)

	var tick <-chan time.Time
	if age := t.step.opts.MaxObjectAge; age > 0 {
		ticker := time.NewTicker(max(age/4, 10*time.Millisecond))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			if err := t.finishAged(ctx); err != nil {
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

func (t *formatterTask) handle(ctx context.Context, item *memory.Reserved[RecordEvent]) error {
	// the record is owned by the object buffer once encoded
	defer item.Release()

	switch ev := item.Value.(type) {
	case *queue.PipelineMessage[string, *models.Record]:
		timer := metrics.NewTimer()
		defer metrics.ObserveStep("part_formatter", timer)
		return t.write(ctx, ev.Value)
	case *queue.PipelineEndOfStream[string, *models.Record]:
		if !t.eos.observe(ev.Stream) {
			return nil
		}
		if o, ok := t.open[ev.Stream]; ok {
			if err := t.finish(ctx, o); err != nil {
				return err
			}
		}
		t.logger.Debug("stream finished", zap.Stringer("stream", ev.Stream))
		return t.step.output.Broadcast(ctx, queue.NewEndOfStream[string, *format.Part](ev.Stream))
	default:
		return nil
	}
}

func (t *formatterTask) write(ctx context.Context, rec *models.Record) error {
	o, ok := t.open[rec.Stream]
	if !ok {
		n := t.files[rec.Stream]
		t.files[rec.Stream] = n + 1
		var err error
		o, err = t.step.formatter.NewObject(rec.Stream, n, t.step.opts.Now())
		if err != nil {
			return err
		}
		t.open[rec.Stream] = o
	}
	if err := o.Write(rec); err != nil {
		return err
	}

	partSize := t.step.opts.PartSize
	for int64(o.BufferedBytes()) >= partSize {
		p, err := o.NextPart(false, int(partSize))
		if err != nil {
			return err
		}
		if err := t.publish(ctx, p); err != nil {
			return err
		}
	}
	if limit := t.step.opts.MaxObjectSize; limit > 0 && o.TotalBytes() >= limit {
		return t.finish(ctx, o)
	}
	return nil
}

// finish cuts the remaining bytes of o into parts, the last one final.
func (t *formatterTask) finish(ctx context.Context, o *format.ObjectWriter) error {
	delete(t.open, o.Stream)
	for {
		p, err := o.NextPart(true, int(t.step.opts.PartSize))
		if err != nil {
			return err
		}
		if err := t.publish(ctx, p); err != nil {
			return err
		}
		if p.IsFinal {
			t.logger.Debug("object finished",
				zap.String("key", o.Key),
				zap.Int64("records", o.Records()),
				zap.Int64("bytes", o.TotalBytes()))
			return nil
		}
	}
}

func (t *formatterTask) finishAged(ctx context.Context) error {
	now := t.step.opts.Now()
	for _, o := range t.open {
		if o.Age(now) >= t.step.opts.MaxObjectAge {
			if err := t.finish(ctx, o); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *formatterTask) finishAll(ctx context.Context) error {
	for _, o := range t.open {
		if err := t.finish(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

func (t *formatterTask) publish(ctx context.Context, p *format.Part) error {
	partition := t.step.output.PartitionFor(p.Key)
	return t.step.output.Publish(ctx, partition, queue.NewMessage(p.Key, p, p.Counts))
}
