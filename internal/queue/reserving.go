package queue

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/internal/memory"
	"github.com/ajitpratap0/nebula-loader/pkg/metrics"
)

// ClampedPartSize returns the part size used for budgeting. A configured
// size larger than the per-worker share of bytesReserved is reduced to that
// share so every part and upload worker can hold one part at a time.
func ClampedPartSize(configuredPartSizeBytes, bytesReserved int64, numPartWorkers, numUploadWorkers int) int64 {
	workers := int64(numPartWorkers + numUploadWorkers)
	if workers <= 0 {
		return configuredPartSizeBytes
	}
	share := bytesReserved / workers
	if share < configuredPartSizeBytes {
		return share
	}
	return configuredPartSizeBytes
}

// QueueCapacity returns how many items of unitBytes fit in bytesReserved,
// leaving one unit of headroom per consumer. The result is at least 1.
func QueueCapacity(bytesReserved, unitBytes int64, numConsumers int) int {
	c := rawQueueCapacity(bytesReserved, unitBytes, numConsumers)
	if c < 1 {
		return 1
	}
	return c
}

func rawQueueCapacity(bytesReserved, unitBytes int64, numConsumers int) int {
	if unitBytes <= 0 {
		return 0
	}
	return int(bytesReserved/unitBytes) - numConsumers
}

// Options configures a ResourceReservingPartitionedQueue.
type Options[T any] struct {
	// Name labels the queue in logs and metrics
	Name string
	// NumPartitions is the number of partitions (usually the consumer step's workers)
	NumPartitions int
	// BudgetBytes is carved out of the parent budget for this queue
	BudgetBytes int64
	// UnitBytes is the expected size of one item, used for channel sizing
	UnitBytes int64
	// NumConsumers is subtracted from the item capacity
	NumConsumers int
	// Estimate returns the bytes to reserve for an item
	Estimate func(T) int64
}

// ResourceReservingPartitionedQueue wraps a PartitionedQueue so that every
// enqueued item holds a reservation against the queue's own sub-budget.
// Consumers receive *memory.Reserved values and must release them once the
// item has been handed downstream.
type ResourceReservingPartitionedQueue[T any] struct {
	queue    *PartitionedQueue[*memory.Reserved[T]]
	budget   *memory.ReservationManager
	estimate func(T) int64
	capacity int
	logger   *zap.Logger
}

// NewResourceReservingPartitionedQueue reserves opts.BudgetBytes from parent
// and sizes the queue from it.
func NewResourceReservingPartitionedQueue[T any](ctx context.Context, parent *memory.ReservationManager, opts Options[T], logger *zap.Logger) (*ResourceReservingPartitionedQueue[T], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "queue"), zap.String("queue_name", opts.Name))

	budget, err := parent.NewSubManager(ctx, opts.Name, opts.BudgetBytes)
	if err != nil {
		return nil, err
	}

	capacity := rawQueueCapacity(opts.BudgetBytes, opts.UnitBytes, opts.NumConsumers)
	if capacity < 1 {
		logger.Warn("queue budget too small for its consumers, using capacity 1",
			zap.Int64("budget_bytes", opts.BudgetBytes),
			zap.Int64("unit_bytes", opts.UnitBytes),
			zap.Int("num_consumers", opts.NumConsumers))
		capacity = 1
	}

	estimate := opts.Estimate
	if estimate == nil {
		unit := opts.UnitBytes
		estimate = func(T) int64 { return unit }
	}

	logger.Debug("queue created",
		zap.Int("partitions", opts.NumPartitions),
		zap.Int("capacity", capacity),
		zap.Int64("budget_bytes", opts.BudgetBytes))

	return &ResourceReservingPartitionedQueue[T]{
		queue:    NewPartitionedQueue[*memory.Reserved[T]](opts.Name, opts.NumPartitions, capacity),
		budget:   budget,
		estimate: estimate,
		capacity: capacity,
		logger:   logger,
	}, nil
}

// Name returns the queue name.
func (q *ResourceReservingPartitionedQueue[T]) Name() string { return q.queue.Name() }

// NumPartitions returns the number of partitions.
func (q *ResourceReservingPartitionedQueue[T]) NumPartitions() int { return q.queue.NumPartitions() }

// Capacity returns the per-partition item capacity.
func (q *ResourceReservingPartitionedQueue[T]) Capacity() int { return q.capacity }

// Budget returns the queue's sub-budget.
func (q *ResourceReservingPartitionedQueue[T]) Budget() *memory.ReservationManager { return q.budget }

// PartitionFor maps key to a partition of this queue.
func (q *ResourceReservingPartitionedQueue[T]) PartitionFor(key string) int {
	return q.queue.PartitionFor(key)
}

// Publish reserves the item's estimated size, blocking until the budget
// allows it, then enqueues it on partition.
func (q *ResourceReservingPartitionedQueue[T]) Publish(ctx context.Context, partition int, item T) error {
	return q.publish(ctx, partition, item, q.estimate(item))
}

// Broadcast enqueues item on every partition without reserving memory. It is
// meant for small control events.
func (q *ResourceReservingPartitionedQueue[T]) Broadcast(ctx context.Context, item T) error {
	for p := 0; p < q.queue.NumPartitions(); p++ {
		if err := q.publish(ctx, p, item, 0); err != nil {
			return err
		}
	}
	return nil
}

func (q *ResourceReservingPartitionedQueue[T]) publish(ctx context.Context, partition int, item T, bytes int64) error {
	r, err := q.budget.Reserve(ctx, bytes, q.queue.Name())
	if err != nil {
		return err
	}
	if err := q.queue.Publish(ctx, partition, memory.Wrap(r, item)); err != nil {
		r.Release()
		return err
	}
	return nil
}

// Consume returns the channel of partition.
func (q *ResourceReservingPartitionedQueue[T]) Consume(partition int) <-chan *memory.Reserved[T] {
	return q.queue.Consume(partition)
}

// Close closes every partition. Producers must have returned.
func (q *ResourceReservingPartitionedQueue[T]) Close() {
	q.queue.Close()
}

// Drain closes the queue and releases every item still buffered. It returns
// the number of items discarded.
func (q *ResourceReservingPartitionedQueue[T]) Drain() int {
	q.queue.Close()
	n := 0
	for p := 0; p < q.queue.NumPartitions(); p++ {
		for item := range q.queue.Consume(p) {
			item.Release()
			n++
		}
	}
	metrics.QueueDepth.WithLabelValues(q.queue.Name()).Set(0)
	if n > 0 {
		q.logger.Debug("released undelivered items", zap.Int("items", n))
	}
	return n
}

// Release drains the queue and returns its sub-budget to the parent.
func (q *ResourceReservingPartitionedQueue[T]) Release() {
	q.Drain()
	q.budget.Close()
}
