package models

import (
	"encoding/json"
	"fmt"
)

// CheckpointMessage is a checkpoint (state) message. It is a closed set of
// variants: *GlobalCheckpoint, *GlobalSnapshotCheckpoint and *StreamCheckpoint.
// Dispatch on it with a type switch.
type CheckpointMessage interface {
	// SourceStats returns the source-reported statistics, nil if absent
	SourceStats() *Stats
	// DestinationStats returns the statistics attached on emission
	DestinationStats() *Stats
	// SetDestinationStats attaches emission statistics
	SetDestinationStats(stats *Stats)

	checkpoint()
}

// Stats carries record counts for a checkpoint interval.
type Stats struct {
	RecordCount int64 `json:"recordCount"`
}

// StreamState is a per-stream state blob, used inside global checkpoints.
type StreamState struct {
	Stream StreamDescriptor `json:"stream_descriptor"`
	State  json.RawMessage  `json:"stream_state,omitempty"`
}

// GlobalCheckpoint covers every stream of the sync.
type GlobalCheckpoint struct {
	SharedState  json.RawMessage `json:"shared_state,omitempty"`
	StreamStates []StreamState   `json:"stream_states,omitempty"`
	Source       *Stats          `json:"sourceStats,omitempty"`
	Destination  *Stats          `json:"destinationStats,omitempty"`
}

// GlobalSnapshotCheckpoint is a global checkpoint emitted during an initial snapshot.
type GlobalSnapshotCheckpoint struct {
	SharedState  json.RawMessage `json:"shared_state,omitempty"`
	StreamStates []StreamState   `json:"stream_states,omitempty"`
	Source       *Stats          `json:"sourceStats,omitempty"`
	Destination  *Stats          `json:"destinationStats,omitempty"`
}

// StreamCheckpoint covers a single stream.
type StreamCheckpoint struct {
	Stream      StreamDescriptor `json:"stream_descriptor"`
	State       json.RawMessage  `json:"stream_state,omitempty"`
	Source      *Stats           `json:"sourceStats,omitempty"`
	Destination *Stats           `json:"destinationStats,omitempty"`
}

func (*GlobalCheckpoint) checkpoint()         {}
func (*GlobalSnapshotCheckpoint) checkpoint() {}
func (*StreamCheckpoint) checkpoint()         {}

// SourceStats implements CheckpointMessage.
func (c *GlobalCheckpoint) SourceStats() *Stats { return c.Source }

// DestinationStats implements CheckpointMessage.
func (c *GlobalCheckpoint) DestinationStats() *Stats { return c.Destination }

// SetDestinationStats implements CheckpointMessage.
func (c *GlobalCheckpoint) SetDestinationStats(s *Stats) { c.Destination = s }

// SourceStats implements CheckpointMessage.
func (c *GlobalSnapshotCheckpoint) SourceStats() *Stats { return c.Source }

// DestinationStats implements CheckpointMessage.
func (c *GlobalSnapshotCheckpoint) DestinationStats() *Stats { return c.Destination }

// SetDestinationStats implements CheckpointMessage.
func (c *GlobalSnapshotCheckpoint) SetDestinationStats(s *Stats) { c.Destination = s }

// SourceStats implements CheckpointMessage.
func (c *StreamCheckpoint) SourceStats() *Stats { return c.Source }

// DestinationStats implements CheckpointMessage.
func (c *StreamCheckpoint) DestinationStats() *Stats { return c.Destination }

// SetDestinationStats implements CheckpointMessage.
func (c *StreamCheckpoint) SetDestinationStats(s *Stats) { c.Destination = s }

// CheckpointKind names the variant of a checkpoint message.
func CheckpointKind(msg CheckpointMessage) string {
	switch msg.(type) {
	case *GlobalCheckpoint:
		return "GLOBAL"
	case *GlobalSnapshotCheckpoint:
		return "GLOBAL_SNAPSHOT"
	case *StreamCheckpoint:
		return "STREAM"
	default:
		panic(fmt.Sprintf("unknown checkpoint message %T", msg))
	}
}

// IsGlobal reports whether msg belongs to the global checkpoint mode.
func IsGlobal(msg CheckpointMessage) bool {
	switch msg.(type) {
	case *GlobalCheckpoint, *GlobalSnapshotCheckpoint:
		return true
	case *StreamCheckpoint:
		return false
	default:
		panic(fmt.Sprintf("unknown checkpoint message %T", msg))
	}
}
