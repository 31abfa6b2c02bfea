package state

import (
	"encoding/json"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

type assignerFunc func(msg models.CheckpointMessage) (Key, []models.PartitionKey)

func (f assignerFunc) Assign(msg models.CheckpointMessage) (Key, []models.PartitionKey) {
	return f(msg)
}

// idFromState reads the id a test stashed in the checkpoint payload.
func idFromState(msg models.CheckpointMessage) int64 {
	var raw json.RawMessage
	switch m := msg.(type) {
	case *models.GlobalCheckpoint:
		raw = m.SharedState
	case *models.StreamCheckpoint:
		raw = m.State
	}
	id, _ := strconv.ParseInt(string(raw), 10, 64)
	return id
}

func globalCheckpoint(id, records int64) *models.GlobalCheckpoint {
	return &models.GlobalCheckpoint{
		SharedState: json.RawMessage(strconv.FormatInt(id, 10)),
		Source:      &models.Stats{RecordCount: records},
	}
}

func streamCheckpoint(stream string, id, records int64) *models.StreamCheckpoint {
	return &models.StreamCheckpoint{
		Stream: models.StreamDescriptor{Name: stream},
		State:  json.RawMessage(strconv.FormatInt(id, 10)),
		Source: &models.Stats{RecordCount: records},
	}
}

// payloadKeys assigns each global checkpoint the id stored in its payload and
// a partition key of its own.
func payloadKeys() KeyAssigner {
	return assignerFunc(func(msg models.CheckpointMessage) (Key, []models.PartitionKey) {
		id := idFromState(msg)
		return Key{Partition: GlobalPartition, ID: id}, []models.PartitionKey{models.PartitionKey("p" + strconv.FormatInt(id, 10))}
	})
}

func drain(s *Store) []int64 {
	var ids []int64
	for {
		msg, ok := s.NextComplete()
		if !ok {
			return ids
		}
		ids = append(ids, idFromState(msg))
	}
}

func TestStore_ReleasesInKeyOrder(t *testing.T) {
	h := NewHistogram(zaptest.NewLogger(t))
	s := NewStore(payloadKeys(), h, zaptest.NewLogger(t))

	for _, id := range []int64{2, 3} {
		require.NoError(t, s.Accept(globalCheckpoint(id, 1)))
		h.Increment(models.PartitionKey("p"+strconv.FormatInt(id, 10)), 1)
	}

	_, ok := s.NextComplete()
	assert.False(t, ok, "2 must wait for 1")

	diags := s.Diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, "ordering", diags[0].WaitingOn)
	assert.Equal(t, int64(2), diags[0].Head.ID)

	require.NoError(t, s.Accept(globalCheckpoint(1, 1)))
	h.Increment("p1", 1)

	assert.Equal(t, []int64{1, 2, 3}, drain(s))
	assert.False(t, s.HasStates())
	assert.Equal(t, 0, h.Len())
}

func TestStore_NextCompleteIsSideEffectFreeWhenIncomplete(t *testing.T) {
	h := NewHistogram(nil)
	s := NewStore(payloadKeys(), h, nil)

	require.NoError(t, s.Accept(globalCheckpoint(1, 2)))
	h.Increment("p1", 1)

	for i := 0; i < 3; i++ {
		_, ok := s.NextComplete()
		assert.False(t, ok)
	}
	assert.True(t, s.HasStates())
	assert.Equal(t, int64(2), h.Expected(Key{ID: 1}))
	assert.Contains(t, s.DescribeIncomplete(), "1/2 records processed")

	h.Increment("p1", 1)
	msg, ok := s.NextComplete()
	require.True(t, ok)
	assert.Equal(t, int64(1), idFromState(msg))
	require.NotNil(t, msg.DestinationStats())
	assert.Equal(t, int64(2), msg.DestinationStats().RecordCount)
}

func TestStore_RejectsMixedModes(t *testing.T) {
	t.Run("stream after global", func(t *testing.T) {
		s := NewStore(NewKeyClient(), NewHistogram(nil), nil)
		require.NoError(t, s.Accept(globalCheckpoint(1, 0)))

		err := s.Accept(streamCheckpoint("users", 1, 0))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMixedStateTypes)
		assert.True(t, errors.IsType(err, errors.ErrorTypeState))
		assert.Contains(t, err.Error(), "mixed state types are not allowed")
		assert.Equal(t, ModeGlobal, s.Mode())

		msg, ok := s.NextComplete()
		require.True(t, ok)
		assert.IsType(t, &models.GlobalCheckpoint{}, msg)
		assert.False(t, s.HasStates())
	})

	t.Run("global after stream", func(t *testing.T) {
		s := NewStore(NewKeyClient(), NewHistogram(nil), nil)
		require.NoError(t, s.Accept(streamCheckpoint("users", 1, 0)))
		assert.ErrorIs(t, s.Accept(&models.GlobalSnapshotCheckpoint{Source: &models.Stats{}}), ErrMixedStateTypes)
		assert.Equal(t, ModeStream, s.Mode())
	})
}

func TestStore_RequiresSourceStats(t *testing.T) {
	s := NewStore(NewKeyClient(), NewHistogram(nil), nil)
	err := s.Accept(&models.GlobalCheckpoint{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Equal(t, ModeUnset, s.Mode())
}

func TestStore_StreamModeFirstReadyStreamWins(t *testing.T) {
	keys := NewKeyClient()
	h := NewHistogram(nil)
	s := NewStore(keys, h, nil)
	users := models.StreamDescriptor{Name: "users"}
	orders := models.StreamDescriptor{Name: "orders"}

	usersPK := keys.PartitionKeyFor(users)
	require.NoError(t, s.Accept(streamCheckpoint("users", 1, 3)))
	ordersPK := keys.PartitionKeyFor(orders)
	require.NoError(t, s.Accept(streamCheckpoint("orders", 1, 2)))

	h.Increment(ordersPK, 2)
	msg, ok := s.NextComplete()
	require.True(t, ok)
	assert.Equal(t, orders, msg.(*models.StreamCheckpoint).Stream)

	h.Increment(usersPK, 3)
	msg, ok = s.NextComplete()
	require.True(t, ok)
	assert.Equal(t, users, msg.(*models.StreamCheckpoint).Stream)

	_, ok = s.NextComplete()
	assert.False(t, ok)
}

func TestStore_StreamModeVisitsStreamsInFirstSeenOrder(t *testing.T) {
	s := NewStore(NewKeyClient(), NewHistogram(nil), nil)
	require.NoError(t, s.Accept(streamCheckpoint("zeta", 1, 0)))
	require.NoError(t, s.Accept(streamCheckpoint("alpha", 1, 0)))
	require.NoError(t, s.Accept(streamCheckpoint("zeta", 2, 0)))

	var got []string
	for {
		msg, ok := s.NextComplete()
		if !ok {
			break
		}
		got = append(got, msg.(*models.StreamCheckpoint).Stream.Name)
	}
	assert.Equal(t, []string{"zeta", "zeta", "alpha"}, got)
}

func TestStore_ConcurrentAcceptIncrementAndFlush(t *testing.T) {
	const (
		checkpoints = 200
		perInterval = 10
	)
	keys := NewKeyClient()
	h := NewHistogram(zaptest.NewLogger(t))
	s := NewStore(keys, h, zaptest.NewLogger(t))
	stream := models.StreamDescriptor{Name: "events"}

	var workers sync.WaitGroup
	emitted := make(chan int64, checkpoints)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for received := 0; received < checkpoints; {
			msg, ok := s.NextComplete()
			if !ok {
				continue
			}
			emitted <- idFromState(msg)
			received++
		}
	}()

	for i := int64(1); i <= checkpoints; i++ {
		pk := keys.PartitionKeyFor(stream)
		for j := 0; j < perInterval; j++ {
			workers.Add(1)
			go func() {
				defer workers.Done()
				h.Increment(pk, 1)
			}()
		}
		require.NoError(t, s.Accept(globalCheckpoint(i, perInterval)))
	}
	workers.Wait()
	<-done
	close(emitted)

	var want, got []int64
	for i := int64(1); i <= checkpoints; i++ {
		want = append(want, i)
	}
	for id := range emitted {
		got = append(got, id)
	}
	assert.Equal(t, want, got)
	assert.False(t, s.HasStates())
}
