package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
	"github.com/ajitpratap0/nebula-loader/pkg/testutil"
)

type recordingEmitter struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (e *recordingEmitter) Emit(_ context.Context, msg models.CheckpointMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.ids = append(e.ids, idFromState(msg))
	return nil
}

func (e *recordingEmitter) emitted() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.ids...)
}

func TestReconciler_FlushEmitsInOrder(t *testing.T) {
	h := NewHistogram(nil)
	s := NewStore(payloadKeys(), h, nil)
	emitter := &recordingEmitter{}
	r := NewReconciler(s, emitter, time.Hour, zaptest.NewLogger(t))

	for _, id := range []int64{3, 1, 2} {
		require.NoError(t, s.Accept(globalCheckpoint(id, 0)))
	}

	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{1, 2, 3}, emitter.emitted())
}

func TestReconciler_RunFlushesOnNotify(t *testing.T) {
	h := NewHistogram(nil)
	s := NewStore(payloadKeys(), h, nil)
	emitter := &recordingEmitter{}
	r := NewReconciler(s, emitter, time.Hour, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.NoError(t, s.Accept(globalCheckpoint(1, 1)))
	h.Increment("p1", 1)
	r.Notify()

	testutil.AssertEventually(t, func() bool {
		return len(emitter.emitted()) == 1
	}, time.Second, "checkpoint not flushed after notify")

	cancel()
	assert.NoError(t, <-done)
}

func TestReconciler_EmitErrorStopsRun(t *testing.T) {
	s := NewStore(payloadKeys(), NewHistogram(nil), nil)
	emitter := &recordingEmitter{err: errors.New(errors.ErrorTypeConnection, "broken pipe")}
	r := NewReconciler(s, emitter, time.Millisecond, nil)
	require.NoError(t, s.Accept(globalCheckpoint(1, 0)))

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to emit checkpoint")
}

// blockingEmitter waits for cancellation on its first call and records
// every later call.
type blockingEmitter struct {
	recordingEmitter
	entered chan struct{}
	once    sync.Once
}

func (e *blockingEmitter) Emit(ctx context.Context, msg models.CheckpointMessage) error {
	first := false
	e.once.Do(func() { first = true })
	if first {
		close(e.entered)
		<-ctx.Done()
		return ctx.Err()
	}
	return e.recordingEmitter.Emit(ctx, msg)
}

func TestReconciler_CanceledEmitIsRetriedByFinalFlush(t *testing.T) {
	s := NewStore(payloadKeys(), NewHistogram(nil), nil)
	emitter := &blockingEmitter{entered: make(chan struct{})}
	r := NewReconciler(s, emitter, time.Hour, zaptest.NewLogger(t))
	require.NoError(t, s.Accept(globalCheckpoint(1, 0)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	r.Notify()

	<-emitter.entered
	cancel()
	require.NoError(t, <-done)
	assert.False(t, s.HasStates(), "checkpoint left the store")
	assert.True(t, r.HasInFlight())

	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{1}, emitter.emitted())
	assert.False(t, r.HasInFlight())
}

func TestReconciler_FailedEmitKeepsOrder(t *testing.T) {
	s := NewStore(payloadKeys(), NewHistogram(nil), nil)
	emitter := &recordingEmitter{err: errors.New(errors.ErrorTypeConnection, "broken pipe")}
	r := NewReconciler(s, emitter, time.Hour, nil)
	for _, id := range []int64{1, 2} {
		require.NoError(t, s.Accept(globalCheckpoint(id, 0)))
	}

	_, err := r.Flush(context.Background())
	require.Error(t, err)

	emitter.mu.Lock()
	emitter.err = nil
	emitter.mu.Unlock()

	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2}, emitter.emitted())
}

func TestReconciler_LastFlushTime(t *testing.T) {
	h := NewHistogram(nil)
	s := NewStore(payloadKeys(), h, nil)
	r := NewReconciler(s, &recordingEmitter{}, time.Hour, nil)
	created := r.LastFlushTime()

	require.NoError(t, s.Accept(globalCheckpoint(1, 1)))
	time.Sleep(2 * time.Millisecond)
	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "partition p1 has not persisted its record")
	assert.Equal(t, created, r.LastFlushTime())

	h.Increment("p1", 1)
	n, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, r.LastFlushTime().After(created))
}
