package state

import (
	"fmt"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/pkg/metrics"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

// Histogram tracks expected versus processed record counts per checkpoint.
//
// Expected counts are registered per checkpoint Key when the checkpoint is
// accepted. Processed counts are kept per PartitionKey and are incremented by
// pipeline workers as records become durable; a checkpoint's processed count
// is the sum over the partition keys it covers.
type Histogram struct {
	expected *skipmap.StringMap[*expectation]
	actual   *skipmap.StringMap[*atomic.Int64]
	logger   *zap.Logger
}

type expectation struct {
	count      int64
	partitions []models.PartitionKey
	overcount  atomic.Bool
}

// NewHistogram creates an empty histogram.
func NewHistogram(logger *zap.Logger) *Histogram {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Histogram{
		expected: skipmap.NewString[*expectation](),
		actual:   skipmap.NewString[*atomic.Int64](),
		logger:   logger.With(zap.String("component", "histogram")),
	}
}

// AcceptExpectedCounts registers that key is responsible for expected records
// spread over partitions.
func (h *Histogram) AcceptExpectedCounts(key Key, expected int64, partitions []models.PartitionKey) {
	h.expected.Store(key.String(), &expectation{count: expected, partitions: partitions})
}

// Increment adds n processed records to partition. Safe for concurrent use.
func (h *Histogram) Increment(partition models.PartitionKey, n int64) {
	c, _ := h.actual.LoadOrStoreLazy(string(partition), func() *atomic.Int64 {
		return new(atomic.Int64)
	})
	c.Add(n)
}

// IncrementAll adds every count in counts.
func (h *Histogram) IncrementAll(counts models.CheckpointCounts) {
	for pk, n := range counts {
		h.Increment(pk, n)
	}
}

// Expected returns the expected count of key, or -1 if key is unknown.
func (h *Histogram) Expected(key Key) int64 {
	e, ok := h.expected.Load(key.String())
	if !ok {
		return -1
	}
	return e.count
}

// Actual returns the processed count of key.
func (h *Histogram) Actual(key Key) int64 {
	e, ok := h.expected.Load(key.String())
	if !ok {
		return 0
	}
	return h.sum(e.partitions)
}

func (h *Histogram) sum(partitions []models.PartitionKey) int64 {
	var total int64
	for _, pk := range partitions {
		if c, ok := h.actual.Load(string(pk)); ok {
			total += c.Load()
		}
	}
	return total
}

// IsComplete reports whether every record expected by key has been processed.
// More processed than expected is tolerated but logged and counted, since it
// points at a record being counted twice.
func (h *Histogram) IsComplete(key Key) bool {
	e, ok := h.expected.Load(key.String())
	if !ok {
		return false
	}
	actual := h.sum(e.partitions)
	if actual > e.count && e.overcount.CompareAndSwap(false, true) {
		metrics.HistogramOvercounts.Inc()
		h.logger.Warn("checkpoint processed more records than expected",
			zap.Stringer("key", key),
			zap.Int64("expected", e.count),
			zap.Int64("actual", actual))
	}
	return actual >= e.count
}

// WhyIncomplete describes the progress of key.
func (h *Histogram) WhyIncomplete(key Key) string {
	e, ok := h.expected.Load(key.String())
	if !ok {
		return fmt.Sprintf("no expected count registered for %s", key)
	}
	return fmt.Sprintf("%d/%d records processed", h.sum(e.partitions), e.count)
}

// Remove drops key and the counters of the partitions it covered.
func (h *Histogram) Remove(key Key) {
	e, ok := h.expected.LoadAndDelete(key.String())
	if !ok {
		return
	}
	for _, pk := range e.partitions {
		h.actual.Delete(string(pk))
	}
}

// Len returns the number of registered checkpoints.
func (h *Histogram) Len() int {
	return h.expected.Len()
}
