// Package pipeline runs the multi-stage load pipeline that moves records
// from the input stream to durable object storage.
//
// # Overview
//
// A LoadPipeline is an ordered list of Steps. Every Step runs a fixed pool of
// Tasks, one per partition of its input queue, and publishes to the next
// Step through a ResourceReservingPartitionedQueue. The default layout is:
//
//	input -> [DLQ loader] -> part formatter -> part loader -> upload completer
//
// Queue items hold reservations against a shared memory budget, so a slow
// Step fills its input queue, exhausts that queue's budget and suspends its
// producers. Nothing is dropped.
//
// # End of stream
//
// When the source finishes a stream, an end-of-stream sentinel is broadcast
// to every partition. A Task forwards the sentinel only after it has seen it
// from every upstream producer, so once the upload completer has counted all
// sentinels for a stream, every object of that stream has been finalized.
//
// # Failure
//
// The first Task error cancels every other Task. When all Tasks have
// returned, the pipeline drains each queue and releases the reservations of
// undelivered items and the queue budgets themselves.
package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/nebula-loader/pkg/errors"
)

// Task is the unit of work of one Step partition.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

// Run implements Task.
func (f TaskFunc) Run(ctx context.Context) error { return f(ctx) }

// Step is one stage of the pipeline.
type Step interface {
	Name() string
	NumWorkers() int
	TaskForPartition(partition int) Task
}

// OutputCloser is implemented by Steps that publish to a queue. The pipeline
// closes a Step's output once every Task of the Step has returned without
// error, which ends the partitions of the next Step.
type OutputCloser interface {
	CloseOutput()
}

// Releaser returns the memory held by a queue.
type Releaser interface {
	Release()
}

// LoadPipeline runs Steps concurrently.
type LoadPipeline struct {
	steps  []Step
	queues []Releaser
	logger *zap.Logger
}

// NewLoadPipeline creates a pipeline over steps. queues are released, in
// order, once the pipeline has stopped.
func NewLoadPipeline(steps []Step, queues []Releaser, logger *zap.Logger) *LoadPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoadPipeline{
		steps:  steps,
		queues: queues,
		logger: logger.With(zap.String("component", "pipeline")),
	}
}

// Run starts every Task and waits for all of them. It returns the first
// error, after every queue has been released.
func (p *LoadPipeline) Run(ctx context.Context) error {
	defer p.teardown()

	for _, step := range p.steps {
		if step.NumWorkers() < 1 {
			return errors.Newf(errors.ErrorTypeConfig, "step %s has no workers", step.Name())
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, step := range p.steps {
		n := step.NumWorkers()
		var wg sync.WaitGroup
		wg.Add(n)
		for partition := 0; partition < n; partition++ {
			task := step.TaskForPartition(partition)
			name := step.Name()
			g.Go(func() error {
				defer wg.Done()
				if err := task.Run(gctx); err != nil {
					if gctx.Err() == nil || !errors.Is(err, context.Canceled) {
						fields := append([]zap.Field{zap.String("step", name), zap.Int("partition", partition)},
							errors.Fields(err)...)
						p.logger.Error("task failed", fields...)
					}
					return err
				}
				return nil
			})
		}

		if closer, ok := step.(OutputCloser); ok {
			g.Go(func() error {
				wg.Wait()
				if gctx.Err() == nil {
					closer.CloseOutput()
				}
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	p.logger.Info("pipeline finished")
	return nil
}

func (p *LoadPipeline) teardown() {
	for _, q := range p.queues {
		q.Release()
	}
}
