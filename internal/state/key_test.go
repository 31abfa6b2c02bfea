package state

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

func TestKeyClient_StreamCheckpointsCloseTheirInterval(t *testing.T) {
	c := NewKeyClient()
	users := models.StreamDescriptor{Namespace: "public", Name: "users"}

	first := c.PartitionKeyFor(users)
	key, covered := c.Assign(&models.StreamCheckpoint{Stream: users})
	assert.Equal(t, Key{Partition: "public.users", ID: 1}, key)
	assert.Equal(t, []models.PartitionKey{first}, covered)

	second := c.PartitionKeyFor(users)
	assert.NotEqual(t, first, second)

	key, covered = c.Assign(&models.StreamCheckpoint{Stream: users})
	assert.Equal(t, int64(2), key.ID)
	assert.Equal(t, []models.PartitionKey{second}, covered)
}

func TestKeyClient_GlobalCheckpointsCoverEveryStream(t *testing.T) {
	c := NewKeyClient()
	a := c.PartitionKeyFor(models.StreamDescriptor{Name: "a"})
	b := c.PartitionKeyFor(models.StreamDescriptor{Name: "b"})

	key, covered := c.Assign(&models.GlobalCheckpoint{})
	assert.Equal(t, Key{Partition: GlobalPartition, ID: 1}, key)
	assert.ElementsMatch(t, []models.PartitionKey{a, b}, covered)

	key, _ = c.Assign(&models.GlobalSnapshotCheckpoint{})
	assert.Equal(t, int64(2), key.ID)
	assert.NotEqual(t, a, c.PartitionKeyFor(models.StreamDescriptor{Name: "a"}))
}

func TestKey_Less(t *testing.T) {
	assert.True(t, Key{ID: 1}.Less(Key{ID: 2}))
	assert.False(t, Key{ID: 2}.Less(Key{ID: 2}))
	assert.True(t, Key{Partition: "a", ID: 9}.Less(Key{Partition: "b", ID: 1}))
	assert.Equal(t, "global#3", Key{ID: 3}.String())
	assert.Equal(t, "users#3", Key{Partition: "users", ID: 3}.String())
}
