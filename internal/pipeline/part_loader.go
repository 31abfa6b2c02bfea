package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/internal/format"
	"github.com/ajitpratap0/nebula-loader/internal/memory"
	"github.com/ajitpratap0/nebula-loader/internal/queue"
	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/metrics"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
	"github.com/ajitpratap0/nebula-loader/pkg/objectstore"
	"github.com/ajitpratap0/nebula-loader/pkg/observability"
)

// ErrPartOutOfOrder is returned when a part does not follow the previous
// part of its object.
var ErrPartOutOfOrder = errors.New(errors.ErrorTypeState, "part received out of order")

// PartLoaderStep uploads parts. All parts of an object are routed to the
// same task, which starts the multipart upload on the first part and
// uploads the rest in index order.
type PartLoaderStep struct {
	client      objectstore.Client
	contentType string
	input       *PartQueue
	output      *ResultQueue
	numWorkers  int
	producers   int
	logger      *zap.Logger
}

// NewPartLoaderStep creates the part loader step. producers is the number of
// formatter tasks.
func NewPartLoaderStep(client objectstore.Client, contentType string, input *PartQueue, output *ResultQueue, numWorkers, producers int, logger *zap.Logger) *PartLoaderStep {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PartLoaderStep{
		client:      client,
		contentType: contentType,
		input:       input,
		output:      output,
		numWorkers:  numWorkers,
		producers:   producers,
		logger:      logger.With(zap.String("step", "part_loader")),
	}
}

// Name implements Step.
func (s *PartLoaderStep) Name() string { return "part_loader" }

// NumWorkers implements Step.
func (s *PartLoaderStep) NumWorkers() int { return s.numWorkers }

// CloseOutput implements OutputCloser.
func (s *PartLoaderStep) CloseOutput() { s.output.Close() }

// TaskForPartition implements Step.
func (s *PartLoaderStep) TaskForPartition(partition int) Task {
	return &partLoaderTask{
		step:      s,
		partition: partition,
		uploads:   make(map[string]*objectUpload),
		eos:       newEOSCounter(s.producers),
		logger:    s.logger.With(zap.Int("partition", partition)),
	}
}

type objectUpload struct {
	upload   objectstore.Upload
	last     int
	uploaded int
}

type partLoaderTask struct {
	step      *PartLoaderStep
	partition int
	uploads   map[string]*objectUpload
	eos       *eosCounter
	logger    *zap.Logger
}

func (t *partLoaderTask) Run(ctx context.Context) error {
	// uploads still open on exit never get their final part
	defer func() {
		if len(t.uploads) > 0 {
			abortUploads(ctx, t.open(), t.logger)
		}
	}()

	in := t.step.input.Consume(t.partition)
	for {
		item, ok, err := receive(ctx, in)
		if err != nil {
			return err
		}
		if !ok {
			if len(t.uploads) > 0 {
				t.logger.Warn("input ended with unfinished uploads", zap.Int("uploads", len(t.uploads)))
			}
			return nil
		}
		if err := t.handle(ctx, item); err != nil {
			return err
		}
	}
}

func (t *partLoaderTask) open() []objectstore.Upload {
	out := make([]objectstore.Upload, 0, len(t.uploads))
	for _, u := range t.uploads {
		out = append(out, u.upload)
	}
	return out
}

func (t *partLoaderTask) handle(ctx context.Context, item *memory.Reserved[PartEvent]) error {
	// the part's bytes stay reserved until its result is published
	defer item.Release()

	switch ev := item.Value.(type) {
	case *queue.PipelineMessage[string, *format.Part]:
		timer := metrics.NewTimer()
		defer metrics.ObserveStep("part_loader", timer)

		result, err := t.load(ctx, ev.Value)
		if err != nil {
			return err
		}
		partition := t.step.output.PartitionFor(result.Key)
		return t.step.output.Publish(ctx, partition, queue.NewMessage(result.Key, result, result.Counts))
	case *queue.PipelineEndOfStream[string, *format.Part]:
		if !t.eos.observe(ev.Stream) {
			return nil
		}
		return t.step.output.Broadcast(ctx, queue.NewEndOfStream[string, *PartResult](ev.Stream))
	default:
		return nil
	}
}

func (t *partLoaderTask) load(ctx context.Context, p *format.Part) (*PartResult, error) {
	state, ok := t.uploads[p.Key]
	if !ok {
		if p.PartIndex != 1 {
			return nil, t.outOfOrder(p, 0)
		}
		up, err := t.step.client.StartMultipart(ctx, p.Key, t.step.contentType)
		if err != nil {
			return nil, err
		}
		state = &objectUpload{upload: &sharedUpload{Upload: up}}
		t.uploads[p.Key] = state
	} else if p.PartIndex != state.last+1 {
		return nil, t.outOfOrder(p, state.last)
	}
	state.last = p.PartIndex

	result := &PartResult{
		Key:       p.Key,
		Stream:    p.Stream,
		PartIndex: p.PartIndex,
		IsFinal:   p.IsFinal,
		Bytes:     p.Size(),
		Counts:    p.Counts,
		Upload:    state.upload,
	}
	if p.IsFinal {
		delete(t.uploads, p.Key)
	}

	// an empty part is only sent when the object would otherwise have none
	if p.IsEmpty() && state.uploaded > 0 {
		return result, nil
	}

	err := observability.Trace(ctx, "part_loader", "upload_part", func(ctx context.Context) error {
		etag, err := state.upload.UploadPart(ctx, state.uploaded+1, p.Bytes)
		result.ETag = etag
		return err
	})
	if err != nil {
		return nil, err
	}
	state.uploaded++
	result.Uploaded = true
	metrics.PartsUploaded.Inc()
	metrics.BytesUploaded.Add(float64(p.Size()))
	return result, nil
}

func (t *partLoaderTask) outOfOrder(p *format.Part, last int) error {
	return errors.Wrap(ErrPartOutOfOrder, errors.ErrorTypeState, "invalid part sequence").
		WithDetail("key", p.Key).
		WithDetail("part_index", p.PartIndex).
		WithDetail("last_index", last)
}

// partCounts sums the counts of results.
func partCounts(results []*PartResult) models.CheckpointCounts {
	counts := make(models.CheckpointCounts)
	for _, r := range results {
		counts.Merge(r.Counts)
	}
	return counts
}
