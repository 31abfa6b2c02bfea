package state

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

// GlobalPartition is the Partition of keys assigned to global checkpoints.
const GlobalPartition = ""

// Key orders checkpoints within a partition. Partition is GlobalPartition
// for global checkpoints or the stream name for stream checkpoints. IDs are
// dense from 1 within a partition.
type Key struct {
	Partition string
	ID        int64
}

// Less reports whether k sorts before other.
func (k Key) Less(other Key) bool {
	if k.Partition != other.Partition {
		return k.Partition < other.Partition
	}
	return k.ID < other.ID
}

func (k Key) String() string {
	if k.Partition == GlobalPartition {
		return "global#" + strconv.FormatInt(k.ID, 10)
	}
	return k.Partition + "#" + strconv.FormatInt(k.ID, 10)
}

// KeyClient assigns checkpoint keys and tags records with the checkpoint
// interval they belong to.
//
// Every stream has a current interval. Records are tagged with it as they
// are read; accepting a checkpoint closes the intervals it covers so later
// records land in the next one. PartitionKeyFor and Assign must therefore be
// called in input order.
type KeyClient struct {
	streams   *skipmap.StringMap[*streamInterval]
	globalSeq atomic.Int64
}

type streamInterval struct {
	name     string
	current  atomic.Int64
	stateSeq atomic.Int64
}

func (s *streamInterval) partitionKey() models.PartitionKey {
	return partitionKey(s.name, s.current.Load())
}

// close returns the partition key of the current interval and opens the next one.
func (s *streamInterval) close() models.PartitionKey {
	return partitionKey(s.name, s.current.Add(1)-1)
}

func partitionKey(stream string, interval int64) models.PartitionKey {
	return models.PartitionKey(fmt.Sprintf("%s@%d", stream, interval))
}

// NewKeyClient creates a KeyClient with no known streams.
func NewKeyClient() *KeyClient {
	return &KeyClient{streams: skipmap.NewString[*streamInterval]()}
}

func (c *KeyClient) interval(stream models.StreamDescriptor) *streamInterval {
	name := stream.String()
	s, _ := c.streams.LoadOrStoreLazy(name, func() *streamInterval {
		return &streamInterval{name: name}
	})
	return s
}

// PartitionKeyFor returns the partition key of the stream's current interval.
func (c *KeyClient) PartitionKeyFor(stream models.StreamDescriptor) models.PartitionKey {
	return c.interval(stream).partitionKey()
}

// Assign returns the key of msg and the partition keys it covers, closing
// those intervals. A stream checkpoint covers its own stream; a global
// checkpoint covers every stream seen so far.
func (c *KeyClient) Assign(msg models.CheckpointMessage) (Key, []models.PartitionKey) {
	switch m := msg.(type) {
	case *models.StreamCheckpoint:
		s := c.interval(m.Stream)
		return Key{Partition: s.name, ID: s.stateSeq.Add(1)}, []models.PartitionKey{s.close()}
	case *models.GlobalCheckpoint, *models.GlobalSnapshotCheckpoint:
		var covered []models.PartitionKey
		c.streams.Range(func(_ string, s *streamInterval) bool {
			covered = append(covered, s.close())
			return true
		})
		return Key{Partition: GlobalPartition, ID: c.globalSeq.Add(1)}, covered
	default:
		panic(fmt.Sprintf("unknown checkpoint message %T", msg))
	}
}
