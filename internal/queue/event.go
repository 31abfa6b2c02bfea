package queue

import (
	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

// PipelineEvent flows between pipeline steps. It is either a
// *PipelineMessage or a *PipelineEndOfStream; the end of a partition is
// signalled by closing its channel.
type PipelineEvent[K comparable, V any] interface {
	pipelineEvent()
}

// PipelineMessage is a keyed payload together with the checkpoint counts of
// the records it carries.
type PipelineMessage[K comparable, V any] struct {
	Key    K
	Value  V
	Counts models.CheckpointCounts
}

// PipelineEndOfStream marks that no more messages for Stream will be
// published by the sending task.
type PipelineEndOfStream[K comparable, V any] struct {
	Stream models.StreamDescriptor
}

func (*PipelineMessage[K, V]) pipelineEvent()     {}
func (*PipelineEndOfStream[K, V]) pipelineEvent() {}

// NewMessage builds a message event.
func NewMessage[K comparable, V any](key K, value V, counts models.CheckpointCounts) PipelineEvent[K, V] {
	return &PipelineMessage[K, V]{Key: key, Value: value, Counts: counts}
}

// NewEndOfStream builds an end-of-stream event.
func NewEndOfStream[K comparable, V any](stream models.StreamDescriptor) PipelineEvent[K, V] {
	return &PipelineEndOfStream[K, V]{Stream: stream}
}
