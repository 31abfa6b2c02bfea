// Package models provides the data models shared by the loader: stream
// descriptors, records and the checkpoint message variants.
//
// Records and checkpoints arrive interleaved on a single ordered input. Every
// record is tagged at ingestion with the PartitionKey of the checkpoint
// interval it belongs to, which is how completed uploads are later reconciled
// against the checkpoint that covers them.
package models

import (
	"encoding/json"
	"time"
)

// StreamDescriptor identifies a stream by namespace and name.
type StreamDescriptor struct {
	// Namespace is optional; empty means the destination default
	Namespace string `json:"namespace,omitempty"`
	// Name is the stream name
	Name string `json:"name"`
}

// String renders the descriptor as namespace.name, or name when there is no namespace.
func (d StreamDescriptor) String() string {
	if d.Namespace == "" {
		return d.Name
	}
	return d.Namespace + "." + d.Name
}

// PartitionKey identifies one (stream, checkpoint interval) bucket of records.
// Completion counters are kept per partition key.
type PartitionKey string

// Record is a single data record flowing through the load pipeline.
type Record struct {
	// Stream the record belongs to
	Stream StreamDescriptor `json:"stream"`
	// Data holds the serialized record payload
	Data json.RawMessage `json:"data"`
	// EmittedAt is the time the source emitted the record
	EmittedAt time.Time `json:"emitted_at"`
	// PartitionKey is assigned at ingestion time
	PartitionKey PartitionKey `json:"-"`
}

// SizeBytes estimates the in-memory footprint of the record.
func (r *Record) SizeBytes() int64 {
	return int64(len(r.Data) + len(r.Stream.Name) + len(r.Stream.Namespace) + len(r.PartitionKey) + recordOverheadBytes)
}

// recordOverheadBytes approximates struct and slice header overhead.
const recordOverheadBytes = 64

// CheckpointCounts maps partition keys to the number of records seen for each.
type CheckpointCounts map[PartitionKey]int64

// Add increments the count for key by n.
func (c CheckpointCounts) Add(key PartitionKey, n int64) {
	c[key] += n
}

// Merge adds every count in other into c.
func (c CheckpointCounts) Merge(other CheckpointCounts) {
	for k, v := range other {
		c[k] += v
	}
}

// Total returns the sum of all counts.
func (c CheckpointCounts) Total() int64 {
	var total int64
	for _, v := range c {
		total += v
	}
	return total
}
