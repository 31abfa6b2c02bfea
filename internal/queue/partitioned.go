// Package queue provides the bounded, partition-keyed queues that connect
// pipeline steps.
//
// A PartitionedQueue is N independent buffered channels. Each partition has
// a single consumer task, so items published to one partition are seen in
// publish order, while distinct partitions are consumed in parallel. A
// ResourceReservingPartitionedQueue additionally reserves the estimated byte
// cost of every item from a memory budget before it is enqueued; producers
// block while the budget is exhausted, which is how backpressure travels
// upstream through the pipeline.
package queue

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/ajitpratap0/nebula-loader/pkg/metrics"
)

// Partitioner maps a key onto one of n partitions.
type Partitioner func(key string, n int) int

// HashPartitioner is the default partitioner. It is deterministic across
// processes and runs.
func HashPartitioner(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// PartitionedQueue is a set of bounded channels, one per partition.
//
// Close must only be called once every producer has returned; publishing to
// a closed queue panics.
type PartitionedQueue[T any] struct {
	name       string
	partitions []chan T
	closeOnce  sync.Once
}

// NewPartitionedQueue creates a queue with numPartitions channels, each able
// to buffer capacity items.
func NewPartitionedQueue[T any](name string, numPartitions, capacity int) *PartitionedQueue[T] {
	if numPartitions < 1 {
		numPartitions = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	partitions := make([]chan T, numPartitions)
	for i := range partitions {
		partitions[i] = make(chan T, capacity)
	}
	return &PartitionedQueue[T]{name: name, partitions: partitions}
}

// Name returns the queue name.
func (q *PartitionedQueue[T]) Name() string { return q.name }

// NumPartitions returns the number of partitions.
func (q *PartitionedQueue[T]) NumPartitions() int { return len(q.partitions) }

// PartitionFor maps key to a partition of this queue.
func (q *PartitionedQueue[T]) PartitionFor(key string) int {
	return HashPartitioner(key, len(q.partitions))
}

// Publish enqueues item on partition, blocking while the partition is full.
func (q *PartitionedQueue[T]) Publish(ctx context.Context, partition int, item T) error {
	select {
	case q.partitions[partition%len(q.partitions)] <- item:
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(q.Len()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast publishes item to every partition in order.
func (q *PartitionedQueue[T]) Broadcast(ctx context.Context, item T) error {
	for p := range q.partitions {
		if err := q.Publish(ctx, p, item); err != nil {
			return err
		}
	}
	return nil
}

// Consume returns the channel of partition. It is closed when the queue is closed.
func (q *PartitionedQueue[T]) Consume(partition int) <-chan T {
	return q.partitions[partition%len(q.partitions)]
}

// Len returns the number of buffered items across all partitions.
func (q *PartitionedQueue[T]) Len() int {
	n := 0
	for _, ch := range q.partitions {
		n += len(ch)
	}
	return n
}

// Close closes every partition. It is safe to call more than once.
func (q *PartitionedQueue[T]) Close() {
	q.closeOnce.Do(func() {
		for _, ch := range q.partitions {
			close(ch)
		}
	})
}
