// Package state holds the checkpoint bookkeeping of a sync: key assignment,
// the completion histogram, the ordered checkpoint store, stream completion
// tracking and the flush loop that releases ready checkpoints.
//
// Checkpoints are released strictly in arrival order within their partition
// (the whole sync in global mode, each stream in stream mode) and only once
// every record they cover has been durably stored.
package state

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/metrics"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

// ErrMixedStateTypes is returned when global and stream checkpoints are mixed in one sync.
var ErrMixedStateTypes = errors.New(errors.ErrorTypeState, "mixed state types are not allowed")

// Mode is the checkpoint mode of a sync.
type Mode int32

const (
	// ModeUnset means no checkpoint has been accepted yet
	ModeUnset Mode = iota
	// ModeGlobal means the sync uses global checkpoints
	ModeGlobal
	// ModeStream means the sync uses per-stream checkpoints
	ModeStream
)

func (m Mode) String() string {
	switch m {
	case ModeGlobal:
		return "GLOBAL"
	case ModeStream:
		return "STREAM"
	default:
		return "UNSET"
	}
}

// KeyAssigner assigns a checkpoint its key and the partition keys it covers.
type KeyAssigner interface {
	Assign(msg models.CheckpointMessage) (Key, []models.PartitionKey)
}

// partitionState is the ordered set of pending checkpoints of one partition.
type partitionState struct {
	name         string
	states       *skipmap.Int64Map[models.CheckpointMessage]
	nextExpected atomic.Int64
}

func newPartitionState(name string) *partitionState {
	p := &partitionState{
		name:   name,
		states: skipmap.NewInt64[models.CheckpointMessage](),
	}
	p.nextExpected.Store(1)
	return p
}

// head returns the lowest pending id.
func (p *partitionState) head() (int64, models.CheckpointMessage, bool) {
	var (
		id    int64
		msg   models.CheckpointMessage
		found bool
	)
	p.states.Range(func(k int64, v models.CheckpointMessage) bool {
		id, msg, found = k, v, true
		return false
	})
	return id, msg, found
}

// Store orders accepted checkpoints and hands them out once complete.
// Accept and NextComplete may be called concurrently.
type Store struct {
	mode      atomic.Int32
	keys      KeyAssigner
	histogram *Histogram

	global *partitionState

	streams     *skipmap.StringMap[*partitionState]
	streamOrder *skipmap.Int64Map[*partitionState]
	streamSeq   atomic.Int64

	logger *zap.Logger
}

// NewStore creates a store using keys for key assignment and histogram for
// completion accounting.
func NewStore(keys KeyAssigner, histogram *Histogram, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		keys:        keys,
		histogram:   histogram,
		global:      newPartitionState(GlobalPartition),
		streams:     skipmap.NewString[*partitionState](),
		streamOrder: skipmap.NewInt64[*partitionState](),
		logger:      logger.With(zap.String("component", "state-store")),
	}
}

// Mode returns the mode fixed by the first accepted checkpoint.
func (s *Store) Mode() Mode {
	return Mode(s.mode.Load())
}

// Accept registers msg. The first accepted checkpoint fixes the mode of the
// sync; a checkpoint of the other mode afterwards returns ErrMixedStateTypes
// and leaves the store unchanged.
func (s *Store) Accept(msg models.CheckpointMessage) error {
	if msg.SourceStats() == nil {
		return errors.New(errors.ErrorTypeValidation, "checkpoint is missing source stats").
			WithDetail("kind", models.CheckpointKind(msg))
	}

	want := ModeStream
	if models.IsGlobal(msg) {
		want = ModeGlobal
	}
	if !s.mode.CompareAndSwap(int32(ModeUnset), int32(want)) {
		if current := s.Mode(); current != want {
			return errors.Wrap(ErrMixedStateTypes, errors.ErrorTypeState, "checkpoint rejected").
				WithDetail("mode", current.String()).
				WithDetail("kind", models.CheckpointKind(msg))
		}
	}

	key, covered := s.keys.Assign(msg)
	s.histogram.AcceptExpectedCounts(key, msg.SourceStats().RecordCount, covered)

	switch m := msg.(type) {
	case *models.StreamCheckpoint:
		s.streamPartition(m.Stream.String()).states.Store(key.ID, msg)
	case *models.GlobalCheckpoint, *models.GlobalSnapshotCheckpoint:
		s.global.states.Store(key.ID, msg)
	}

	metrics.CheckpointsAccepted.WithLabelValues(models.CheckpointKind(msg)).Inc()
	s.logger.Debug("checkpoint accepted",
		zap.Stringer("key", key),
		zap.Int64("expected_records", msg.SourceStats().RecordCount),
		zap.Int("partitions", len(covered)))
	return nil
}

func (s *Store) streamPartition(name string) *partitionState {
	p, _ := s.streams.LoadOrStoreLazy(name, func() *partitionState {
		p := newPartitionState(name)
		s.streamOrder.Store(s.streamSeq.Add(1), p)
		return p
	})
	return p
}

// NextComplete removes and returns the next checkpoint that is both next in
// order and complete. It returns false, without side effects, when none is
// ready. In stream mode streams are visited in the order they were first
// seen and the first ready one wins.
func (s *Store) NextComplete() (models.CheckpointMessage, bool) {
	switch s.Mode() {
	case ModeGlobal:
		return s.nextFrom(s.global)
	case ModeStream:
		var (
			msg models.CheckpointMessage
			ok  bool
		)
		s.streamOrder.Range(func(_ int64, p *partitionState) bool {
			msg, ok = s.nextFrom(p)
			return !ok
		})
		return msg, ok
	default:
		return nil, false
	}
}

func (s *Store) nextFrom(p *partitionState) (models.CheckpointMessage, bool) {
	id, _, found := p.head()
	if !found || id != p.nextExpected.Load() {
		return nil, false
	}
	key := Key{Partition: p.name, ID: id}
	if !s.histogram.IsComplete(key) {
		return nil, false
	}

	msg, ok := p.states.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	p.nextExpected.Store(id + 1)

	expected := s.histogram.Expected(key)
	s.histogram.Remove(key)
	msg.SetDestinationStats(&models.Stats{RecordCount: expected})

	metrics.CheckpointsEmitted.WithLabelValues(models.CheckpointKind(msg)).Inc()
	s.logger.Debug("checkpoint complete", zap.Stringer("key", key), zap.Int64("records", expected))
	return msg, true
}

// HasStates reports whether any checkpoint is still pending.
func (s *Store) HasStates() bool {
	if s.global.states.Len() > 0 {
		return true
	}
	pending := false
	s.streamOrder.Range(func(_ int64, p *partitionState) bool {
		pending = p.states.Len() > 0
		return !pending
	})
	return pending
}

// Diagnostic describes why the head of a partition has not been released.
type Diagnostic struct {
	Partition    string
	Head         Key
	NextExpected int64
	Pending      int
	// WaitingOn is "ordering" or "completeness"
	WaitingOn string
	Reason    string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s waiting on %s: %s (%d pending)", d.Head, d.WaitingOn, d.Reason, d.Pending)
}

// Diagnostics describes each partition with pending checkpoints. It does not
// modify the store.
func (s *Store) Diagnostics() []Diagnostic {
	var out []Diagnostic
	add := func(p *partitionState) {
		id, _, found := p.head()
		if !found {
			return
		}
		d := Diagnostic{
			Partition:    p.name,
			Head:         Key{Partition: p.name, ID: id},
			NextExpected: p.nextExpected.Load(),
			Pending:      p.states.Len(),
		}
		if id != d.NextExpected {
			d.WaitingOn = "ordering"
			d.Reason = fmt.Sprintf("head id %d but next expected id is %d", id, d.NextExpected)
		} else {
			d.WaitingOn = "completeness"
			d.Reason = s.histogram.WhyIncomplete(d.Head)
		}
		out = append(out, d)
	}

	add(s.global)
	s.streamOrder.Range(func(_ int64, p *partitionState) bool {
		add(p)
		return true
	})
	return out
}

// DescribeIncomplete renders Diagnostics on one line per partition.
func (s *Store) DescribeIncomplete() string {
	diags := s.Diagnostics()
	lines := make([]string, len(diags))
	for i, d := range diags {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}
