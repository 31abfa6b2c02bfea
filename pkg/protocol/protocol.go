// Package protocol reads and writes the JSON-lines message stream exchanged
// with the orchestrator.
//
// Each line is one message with a "type" discriminator. The loader consumes
// RECORD, STATE and TRACE stream-status messages and writes STATE messages
// back once the records they cover are durable. Other message types are
// skipped.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

// Message types.
const (
	TypeRecord = "RECORD"
	TypeState  = "STATE"
	TypeTrace  = "TRACE"
	TypeLog    = "LOG"
)

// State types.
const (
	StateGlobal         = "GLOBAL"
	StateGlobalSnapshot = "GLOBAL_SNAPSHOT"
	StateStream         = "STREAM"
)

const (
	traceStreamStatus    = "STREAM_STATUS"
	streamStatusComplete = "COMPLETE"
)

// Event is a decoded input message: *RecordEvent, *StateEvent or
// *StreamCompleteEvent.
type Event interface {
	event()
}

// RecordEvent carries one record.
type RecordEvent struct {
	Record *models.Record
}

// StateEvent carries one checkpoint.
type StateEvent struct {
	Checkpoint models.CheckpointMessage
}

// StreamCompleteEvent signals that the source finished a stream.
type StreamCompleteEvent struct {
	Stream models.StreamDescriptor
}

func (*RecordEvent) event()         {}
func (*StateEvent) event()          {}
func (*StreamCompleteEvent) event() {}

type wireMessage struct {
	Type   string      `json:"type"`
	Record *wireRecord `json:"record,omitempty"`
	State  *wireState  `json:"state,omitempty"`
	Trace  *wireTrace  `json:"trace,omitempty"`
}

type wireRecord struct {
	Namespace string          `json:"namespace,omitempty"`
	Stream    string          `json:"stream"`
	Data      json.RawMessage `json:"data"`
	EmittedAt int64           `json:"emitted_at"`
}

type wireState struct {
	Type             string        `json:"type"`
	Stream           *wireStream   `json:"stream,omitempty"`
	Global           *wireGlobal   `json:"global,omitempty"`
	SourceStats      *models.Stats `json:"sourceStats,omitempty"`
	DestinationStats *models.Stats `json:"destinationStats,omitempty"`
}

type wireStream struct {
	Descriptor models.StreamDescriptor `json:"stream_descriptor"`
	State      json.RawMessage         `json:"stream_state,omitempty"`
}

type wireGlobal struct {
	SharedState  json.RawMessage      `json:"shared_state,omitempty"`
	StreamStates []models.StreamState `json:"stream_states,omitempty"`
}

type wireTrace struct {
	Type         string            `json:"type"`
	EmittedAt    float64           `json:"emitted_at,omitempty"`
	StreamStatus *wireStreamStatus `json:"stream_status,omitempty"`
}

type wireStreamStatus struct {
	Descriptor models.StreamDescriptor `json:"stream_descriptor"`
	Status     string                  `json:"status"`
}

func toRecord(w *wireRecord) *models.Record {
	return &models.Record{
		Stream:    models.StreamDescriptor{Namespace: w.Namespace, Name: w.Stream},
		Data:      w.Data,
		EmittedAt: time.UnixMilli(w.EmittedAt).UTC(),
	}
}

func fromRecord(r *models.Record) *wireRecord {
	return &wireRecord{
		Namespace: r.Stream.Namespace,
		Stream:    r.Stream.Name,
		Data:      r.Data,
		EmittedAt: r.EmittedAt.UnixMilli(),
	}
}
