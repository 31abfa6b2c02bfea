package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/internal/memory"
	"github.com/ajitpratap0/nebula-loader/internal/queue"
	"github.com/ajitpratap0/nebula-loader/internal/state"
	"github.com/ajitpratap0/nebula-loader/pkg/metrics"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
	"github.com/ajitpratap0/nebula-loader/pkg/objectstore"
	"github.com/ajitpratap0/nebula-loader/pkg/observability"
)

// CompleterOptions configures an UploadCompleterStep.
type CompleterOptions struct {
	NumWorkers int
	// Producers is the number of part loader tasks
	Producers int
	Histogram *state.Histogram
	Tracker   *state.StreamCompletionTracker
	// Notify is called after records were counted, typically Reconciler.Notify
	Notify func()
	// Observer, if set, sees every finalized object
	Observer UploadObserver
	// OnStreamComplete runs once per stream, on the task that completed it
	OnStreamComplete func(ctx context.Context, stream models.StreamDescriptor) error
}

// UploadCompleterStep finalizes objects once all of their parts are uploaded
// and reports their records to the completion histogram.
type UploadCompleterStep struct {
	input  *ResultQueue
	opts   CompleterOptions
	logger *zap.Logger
}

// NewUploadCompleterStep creates the completer step.
func NewUploadCompleterStep(input *ResultQueue, opts CompleterOptions, logger *zap.Logger) *UploadCompleterStep {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Notify == nil {
		opts.Notify = func() {}
	}
	return &UploadCompleterStep{
		input:  input,
		opts:   opts,
		logger: logger.With(zap.String("step", "upload_completer")),
	}
}

// Name implements Step.
func (s *UploadCompleterStep) Name() string { return "upload_completer" }

// NumWorkers implements Step.
func (s *UploadCompleterStep) NumWorkers() int { return s.opts.NumWorkers }

// TaskForPartition implements Step.
func (s *UploadCompleterStep) TaskForPartition(partition int) Task {
	return &completerTask{
		step:      s,
		partition: partition,
		pending:   make(map[string]*pendingObject),
		completed: make(map[models.StreamDescriptor]map[string]struct{}),
		eos:       newEOSCounter(s.opts.Producers),
		logger:    s.logger.With(zap.Int("partition", partition)),
	}
}

type pendingObject struct {
	results map[int]*PartResult
	final   int
}

func (o *pendingObject) ready() bool {
	return o.final > 0 && len(o.results) == o.final
}

type completerTask struct {
	step      *UploadCompleterStep
	partition int
	pending   map[string]*pendingObject
	// completed holds finalized keys per stream until the stream ends
	completed map[models.StreamDescriptor]map[string]struct{}
	eos       *eosCounter
	logger    *zap.Logger
}

func (t *completerTask) Run(ctx context.Context) error {
	defer func() {
		if len(t.pending) > 0 {
			abortUploads(ctx, t.unfinished(), t.logger)
		}
	}()

	in := t.step.input.Consume(t.partition)
	for {
		item, ok, err := receive(ctx, in)
		if err != nil {
			return err
		}
		if !ok {
			if len(t.pending) > 0 {
				t.logger.Warn("input ended with incomplete objects", zap.Int("objects", len(t.pending)))
			}
			return nil
		}
		if err := t.handle(ctx, item); err != nil {
			return err
		}
	}
}

// unfinished returns the uploads of objects still missing parts.
func (t *completerTask) unfinished() []objectstore.Upload {
	out := make([]objectstore.Upload, 0, len(t.pending))
	for _, obj := range t.pending {
		for _, r := range obj.results {
			out = append(out, r.Upload)
			break
		}
	}
	return out
}

func (t *completerTask) handle(ctx context.Context, item *memory.Reserved[ResultEvent]) error {
	defer item.Release()

	switch ev := item.Value.(type) {
	case *queue.PipelineMessage[string, *PartResult]:
		return t.accept(ctx, ev.Value)
	case *queue.PipelineEndOfStream[string, *PartResult]:
		if !t.eos.observe(ev.Stream) {
			return nil
		}
		delete(t.completed, ev.Stream)
		if t.step.opts.Tracker == nil || !t.step.opts.Tracker.Accept(ev.Stream, t.partition) {
			return nil
		}
		if fn := t.step.opts.OnStreamComplete; fn != nil {
			return fn(ctx, ev.Stream)
		}
		return nil
	default:
		return nil
	}
}

func (t *completerTask) accept(ctx context.Context, r *PartResult) error {
	if _, done := t.completed[r.Stream][r.Key]; done {
		t.logger.Debug("ignoring result for completed object", zap.String("key", r.Key), zap.Int("part", r.PartIndex))
		return nil
	}
	obj, ok := t.pending[r.Key]
	if !ok {
		obj = &pendingObject{results: make(map[int]*PartResult)}
		t.pending[r.Key] = obj
	}
	obj.results[r.PartIndex] = r
	if r.IsFinal {
		obj.final = r.PartIndex
	}
	if !obj.ready() {
		return nil
	}
	return t.complete(ctx, r.Key, obj)
}

func (t *completerTask) complete(ctx context.Context, key string, obj *pendingObject) error {
	timer := metrics.NewTimer()
	defer metrics.ObserveStep("upload_completer", timer)

	final := obj.results[obj.final]
	err := observability.Trace(ctx, "upload_completer", "complete", func(ctx context.Context) error {
		return final.Upload.Complete(ctx)
	})
	if err != nil {
		return err
	}

	results := make([]*PartResult, 0, len(obj.results))
	var size int64
	uploaded := 0
	for _, r := range obj.results {
		results = append(results, r)
		size += r.Bytes
		if r.Uploaded {
			uploaded++
		}
	}
	counts := partCounts(results)

	delete(t.pending, key)
	keys, ok := t.completed[final.Stream]
	if !ok {
		keys = make(map[string]struct{})
		t.completed[final.Stream] = keys
	}
	keys[key] = struct{}{}

	t.step.opts.Histogram.IncrementAll(counts)
	metrics.UploadsCompleted.Inc()
	metrics.RecordsCompleted.WithLabelValues("object_storage").Add(float64(counts.Total()))
	t.step.opts.Notify()

	t.logger.Debug("object completed",
		zap.String("key", key),
		zap.Int("parts", uploaded),
		zap.Int64("bytes", size),
		zap.Int64("records", counts.Total()))

	if t.step.opts.Observer != nil {
		t.step.opts.Observer(ctx, UploadResult{
			Key:     key,
			Stream:  final.Stream,
			Parts:   uploaded,
			Bytes:   size,
			Records: counts.Total(),
			Counts:  counts,
		})
	}
	return nil
}
