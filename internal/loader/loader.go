// Package loader wires the load pipeline together from a LoaderConfig.
//
// A Loader owns one run: it sizes the memory budget, carves the queue
// budgets out of it, builds the ingest consumer and the pipeline steps, and
// runs them next to the checkpoint reconciler. A run succeeds only when every
// checkpoint read from the input has been emitted back to the orchestrator.
package loader

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/nebula-loader/internal/dlq"
	"github.com/ajitpratap0/nebula-loader/internal/format"
	"github.com/ajitpratap0/nebula-loader/internal/ingest"
	"github.com/ajitpratap0/nebula-loader/internal/memory"
	"github.com/ajitpratap0/nebula-loader/internal/pipeline"
	"github.com/ajitpratap0/nebula-loader/internal/queue"
	"github.com/ajitpratap0/nebula-loader/internal/state"
	"github.com/ajitpratap0/nebula-loader/pkg/config"
	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
	"github.com/ajitpratap0/nebula-loader/pkg/objectstore"
	"github.com/ajitpratap0/nebula-loader/pkg/protocol"
)

// ErrUnflushedCheckpoints is returned when input ended but some checkpoints
// never became complete.
var ErrUnflushedCheckpoints = errors.New(errors.ErrorTypeState, "checkpoints left unflushed")

// Loader runs the load pipeline against an object store.
type Loader struct {
	cfg      *config.LoaderConfig
	client   objectstore.Client
	dlq      dlq.Loader
	observer pipeline.UploadObserver
	now      func() time.Time
	logger   *zap.Logger
}

// Option customizes a Loader.
type Option func(*Loader)

// WithDLQLoader overrides the DLQ loader built from configuration. The
// pipeline takes the DLQ-first layout whenever a loader is set.
func WithDLQLoader(l dlq.Loader) Option {
	return func(ld *Loader) { ld.dlq = l }
}

// WithUploadObserver registers fn for every finalized object.
func WithUploadObserver(fn pipeline.UploadObserver) Option {
	return func(ld *Loader) { ld.observer = fn }
}

// WithClock sets the clock used for object keys and object age.
func WithClock(now func() time.Time) Option {
	return func(ld *Loader) { ld.now = now }
}

// Summary describes a finished run.
type Summary struct {
	Records            int64
	Checkpoints        int64
	CheckpointsEmitted int64
	Objects            int64
	Streams            []models.StreamDescriptor
	CompletedStreams   []models.StreamDescriptor
	FailedStreams      []models.StreamDescriptor
	Duration           time.Duration
}

// New validates cfg and creates a Loader writing to client.
func New(cfg *config.LoaderConfig, client objectstore.Client, logger *zap.Logger, opts ...Option) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid loader configuration")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{
		cfg:    cfg,
		client: client,
		now:    time.Now,
		logger: logger.With(zap.String("component", "loader")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// dlqLoader returns the configured DLQ loader, nil when the DLQ is disabled.
func (l *Loader) dlqLoader(ctx context.Context) (dlq.Loader, error) {
	if l.dlq != nil {
		return l.dlq, nil
	}
	if !l.cfg.DLQ.Enabled {
		return nil, nil
	}
	switch l.cfg.DLQ.Type {
	case "postgres":
		pg, err := dlq.NewPostgresLoader(ctx, l.cfg.DLQ, l.logger)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		// no destination: validated records continue to object storage
		return dlq.NewValidatingLoader(dlq.ObjectValidator(l.cfg.DLQ.MaxRecordBytes), nil, l.cfg.DLQ.BatchSize, l.logger), nil
	}
}

// queues collects the queues of a run so they can be released together.
type queues struct {
	input   *pipeline.RecordQueue
	dlqOut  *pipeline.RecordQueue
	parts   *pipeline.PartQueue
	results *pipeline.ResultQueue
}

func (q *queues) releasers() []pipeline.Releaser {
	var out []pipeline.Releaser
	if q.input != nil {
		out = append(out, q.input)
	}
	if q.dlqOut != nil {
		out = append(out, q.dlqOut)
	}
	if q.parts != nil {
		out = append(out, q.parts)
	}
	if q.results != nil {
		out = append(out, q.results)
	}
	return out
}

func (q *queues) release() {
	for _, r := range q.releasers() {
		r.Release()
	}
}

func (l *Loader) buildQueues(ctx context.Context, budget *memory.ReservationManager, withDLQ bool) (*queues, int64, error) {
	p := l.cfg.Pipeline
	total := budget.TotalCapacityBytes()
	inputBytes := memory.QueueBudget(total, l.cfg.Memory.InputQueueRatio)
	partBytes := memory.QueueBudget(total, l.cfg.Memory.PartQueueRatio)
	resultBytes := memory.QueueBudget(total, l.cfg.Memory.ResultQueueRatio)

	partSize := queue.ClampedPartSize(p.PartSizeBytes, partBytes, p.NumPartWorkers, p.NumUploadWorkers)
	if partSize < p.PartSizeBytes {
		l.logger.Warn("part size reduced to fit the part queue budget",
			zap.Int64("configured_bytes", p.PartSizeBytes),
			zap.Int64("part_size_bytes", partSize))
	}
	if partSize <= 0 {
		return nil, 0, errors.New(errors.ErrorTypeConfig, "memory budget too small for a single part").
			WithDetail("part_queue_bytes", partBytes)
	}

	q := &queues{}
	records := func(name string, partitions int) (*pipeline.RecordQueue, error) {
		return queue.NewResourceReservingPartitionedQueue(ctx, budget, queue.Options[pipeline.RecordEvent]{
			Name:          name,
			NumPartitions: partitions,
			BudgetBytes:   inputBytes,
			UnitBytes:     p.ExpectedRecordBytes,
			NumConsumers:  partitions,
			Estimate:      pipeline.RecordEstimate,
		}, l.logger)
	}

	var err error
	if withDLQ {
		if q.input, err = records("input", p.NumDLQWorkers); err != nil {
			return nil, 0, err
		}
		if q.dlqOut, err = records("dlq_output", p.NumFormatterWorkers); err != nil {
			q.release()
			return nil, 0, err
		}
	} else if q.input, err = records("input", p.NumFormatterWorkers); err != nil {
		return nil, 0, err
	}

	q.parts, err = queue.NewResourceReservingPartitionedQueue(ctx, budget, queue.Options[pipeline.PartEvent]{
		Name:          "parts",
		NumPartitions: p.NumPartWorkers,
		BudgetBytes:   partBytes,
		UnitBytes:     partSize,
		NumConsumers:  p.NumPartWorkers,
		Estimate:      pipeline.PartEstimate,
	}, l.logger)
	if err != nil {
		q.release()
		return nil, 0, err
	}

	q.results, err = queue.NewResourceReservingPartitionedQueue(ctx, budget, queue.Options[pipeline.ResultEvent]{
		Name:          "results",
		NumPartitions: p.NumUploadWorkers,
		BudgetBytes:   resultBytes,
		UnitBytes:     pipeline.ResultBytes,
		NumConsumers:  p.NumUploadWorkers,
	}, l.logger)
	if err != nil {
		q.release()
		return nil, 0, err
	}
	return q, partSize, nil
}

// Run reads protocol messages from input until EOF, loads every record and
// emits completed checkpoints to emitter in order.
func (l *Loader) Run(ctx context.Context, input io.Reader, emitter state.CheckpointEmitter) (*Summary, error) {
	start := time.Now()
	p := l.cfg.Pipeline

	total, err := memory.Budget(l.cfg.Memory)
	if err != nil {
		return nil, err
	}
	budget := memory.NewReservationManager("global", total, l.logger)

	dlqLoader, err := l.dlqLoader(ctx)
	if err != nil {
		return nil, err
	}
	if dlqLoader != nil {
		defer func() {
			if err := dlqLoader.Close(); err != nil {
				l.logger.Warn("failed to close dlq loader", zap.Error(err))
			}
		}()
	}

	qs, partSize, err := l.buildQueues(ctx, budget, dlqLoader != nil)
	if err != nil {
		return nil, err
	}

	formatter, err := format.NewFormatter(l.cfg.Format, l.cfg.Storage)
	if err != nil {
		qs.release()
		return nil, err
	}

	var emitted atomic.Int64
	counting := state.EmitterFunc(func(ctx context.Context, msg models.CheckpointMessage) error {
		if err := emitter.Emit(ctx, msg); err != nil {
			return err
		}
		emitted.Add(1)
		return nil
	})

	keys := state.NewKeyClient()
	histogram := state.NewHistogram(l.logger)
	store := state.NewStore(keys, histogram, l.logger)
	tracker := state.NewStreamCompletionTracker(p.NumUploadWorkers, func(s models.StreamDescriptor) {
		l.logger.Info("stream loaded", zap.Stringer("stream", s))
	}, l.logger)
	reconciler := state.NewReconciler(store, counting, p.FlushInterval, l.logger)

	var objects atomic.Int64
	observer := func(ctx context.Context, r pipeline.UploadResult) {
		objects.Add(1)
		if l.observer != nil {
			l.observer(ctx, r)
		}
	}

	var onStreamComplete func(context.Context, models.StreamDescriptor) error
	if l.cfg.Storage.Staging {
		promoter := objectstore.NewStagingPromoter(l.client, formatter.StreamPrefix, l.logger)
		onStreamComplete = func(ctx context.Context, s models.StreamDescriptor) error {
			_, err := promoter.Promote(ctx, s)
			return err
		}
	}

	consumer := ingest.NewConsumer(protocol.NewDecoder(input), keys, store, qs.input, reconciler.Notify, l.logger)

	steps := []pipeline.Step{consumer}
	formatterInput, formatterProducers := qs.input, 1
	if dlqLoader != nil {
		steps = append(steps, pipeline.NewDlqLoaderStep(dlqLoader, qs.input, qs.dlqOut, pipeline.DlqOptions{
			NumWorkers:    p.NumDLQWorkers,
			Producers:     1,
			FlushInterval: p.FlushInterval,
			Histogram:     histogram,
			Notify:        reconciler.Notify,
		}, l.logger))
		formatterInput, formatterProducers = qs.dlqOut, p.NumDLQWorkers
	}
	steps = append(steps,
		pipeline.NewPartFormatterStep(formatter, formatterInput, qs.parts, pipeline.FormatterOptions{
			NumWorkers:    p.NumFormatterWorkers,
			Producers:     formatterProducers,
			PartSize:      partSize,
			MaxObjectSize: p.MaxObjectSizeBytes,
			MaxObjectAge:  p.MaxObjectAge,
			Now:           l.now,
		}, l.logger),
		pipeline.NewPartLoaderStep(l.client, formatter.ContentType(), qs.parts, qs.results,
			p.NumPartWorkers, p.NumFormatterWorkers, l.logger),
		pipeline.NewUploadCompleterStep(qs.results, pipeline.CompleterOptions{
			NumWorkers:       p.NumUploadWorkers,
			Producers:        p.NumPartWorkers,
			Histogram:        histogram,
			Tracker:          tracker,
			Notify:           reconciler.Notify,
			Observer:         observer,
			OnStreamComplete: onStreamComplete,
		}, l.logger),
	)
	lp := pipeline.NewLoadPipeline(steps, qs.releasers(), l.logger)

	l.logger.Info("starting load",
		zap.Int64("budget_bytes", total),
		zap.Int64("part_size_bytes", partSize),
		zap.Bool("dlq", dlqLoader != nil),
		zap.Bool("staging", l.cfg.Storage.Staging))

	g, gctx := errgroup.WithContext(ctx)
	rctx, stopReconciler := context.WithCancel(gctx)
	defer stopReconciler()
	g.Go(func() error {
		defer stopReconciler()
		return lp.Run(gctx)
	})
	g.Go(func() error {
		return reconciler.Run(rctx)
	})

	summary := func() *Summary {
		return &Summary{
			Records:            consumer.Records(),
			Checkpoints:        consumer.Checkpoints(),
			CheckpointsEmitted: emitted.Load(),
			Objects:            objects.Load(),
			Streams:            consumer.Streams(),
			CompletedStreams:   tracker.CompletedStreams(),
			FailedStreams:      tracker.FailedStreams(),
			Duration:           time.Since(start),
		}
	}

	if err := g.Wait(); err != nil {
		for _, s := range consumer.Streams() {
			tracker.MarkFailed(s, err)
		}
		return summary(), err
	}
	if _, err := reconciler.Flush(ctx); err != nil {
		return summary(), err
	}
	if store.HasStates() || reconciler.HasInFlight() {
		return summary(), errors.Wrap(ErrUnflushedCheckpoints, errors.ErrorTypeState, "input ended with incomplete checkpoints").
			WithDetail("diagnostics", store.DescribeIncomplete())
	}

	for _, s := range consumer.FinishedStreams() {
		if !tracker.IsComplete(s) {
			l.logger.Warn("stream finished by source but not by pipeline", zap.Stringer("stream", s))
		}
	}

	res := summary()
	l.logger.Info("load finished",
		zap.Int64("records", res.Records),
		zap.Int64("checkpoints", res.CheckpointsEmitted),
		zap.Int64("objects", res.Objects),
		zap.Duration("duration", res.Duration))
	return res, nil
}
