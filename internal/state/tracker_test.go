package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

func TestStreamCompletionTracker_CompletesWhenAllPartitionsReport(t *testing.T) {
	var completed []models.StreamDescriptor
	tracker := NewStreamCompletionTracker(3, func(s models.StreamDescriptor) {
		completed = append(completed, s)
	}, nil)
	users := models.StreamDescriptor{Name: "users"}

	assert.False(t, tracker.Accept(users, 0))
	assert.False(t, tracker.Accept(users, 0), "repeated reports are ignored")
	assert.False(t, tracker.Accept(users, 1))
	assert.False(t, tracker.IsComplete(users))

	assert.True(t, tracker.Accept(users, 2))
	assert.True(t, tracker.IsComplete(users))
	assert.False(t, tracker.Accept(users, 2))

	assert.Equal(t, []models.StreamDescriptor{users}, completed)
	assert.Equal(t, []models.StreamDescriptor{users}, tracker.CompletedStreams())
}

func TestStreamCompletionTracker_ConcurrentReportsCompleteOnce(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	tracker := NewStreamCompletionTracker(8, func(models.StreamDescriptor) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, nil)
	stream := models.StreamDescriptor{Name: "orders"}

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				tracker.Accept(stream, p)
			}(p)
		}
	}
	wg.Wait()

	assert.True(t, tracker.IsComplete(stream))
	assert.Equal(t, 1, calls)
}

func TestStreamCompletionTracker_AwaitAll(t *testing.T) {
	tracker := NewStreamCompletionTracker(1, nil, nil)
	a := models.StreamDescriptor{Name: "a"}
	b := models.StreamDescriptor{Name: "b"}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	tracker.Accept(a, 0)
	assert.ErrorIs(t, tracker.AwaitAll(ctx, []models.StreamDescriptor{a, b}), context.DeadlineExceeded)

	go tracker.Accept(b, 0)
	require.NoError(t, tracker.AwaitAll(context.Background(), []models.StreamDescriptor{a, b}))
}

func TestStreamCompletionTracker_FailureIsObservedByWaiters(t *testing.T) {
	tracker := NewStreamCompletionTracker(2, nil, nil)
	users := models.StreamDescriptor{Name: "users"}
	cause := errors.New(errors.ErrorTypeStorage, "bucket gone")

	results := make(chan StreamResult, 1)
	go func() {
		res, err := tracker.AwaitResult(context.Background(), users)
		assert.NoError(t, err)
		results <- res
	}()

	tracker.Accept(users, 0)
	require.True(t, tracker.MarkFailed(users, cause))
	res := <-results
	assert.False(t, res.Succeeded())
	assert.ErrorIs(t, res.Err, cause)

	assert.False(t, tracker.Accept(users, 1), "a failed stream cannot complete")
	assert.False(t, tracker.MarkFailed(users, cause), "first outcome wins")
	assert.False(t, tracker.IsComplete(users))
	assert.Empty(t, tracker.CompletedStreams())
	assert.Equal(t, []models.StreamDescriptor{users}, tracker.FailedStreams())

	err := tracker.AwaitAll(context.Background(), []models.StreamDescriptor{users})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeState))
	assert.ErrorIs(t, err, cause)
}

func TestStreamCompletionTracker_CompletedStreamCannotFail(t *testing.T) {
	tracker := NewStreamCompletionTracker(1, nil, nil)
	orders := models.StreamDescriptor{Name: "orders"}

	require.True(t, tracker.Accept(orders, 0))
	assert.False(t, tracker.MarkFailed(orders, nil))

	res, err := tracker.AwaitResult(context.Background(), orders)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Empty(t, tracker.FailedStreams())
}
