package state

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

// CheckpointEmitter receives checkpoints released by the store, in order.
type CheckpointEmitter interface {
	Emit(ctx context.Context, msg models.CheckpointMessage) error
}

// EmitterFunc adapts a function to CheckpointEmitter.
type EmitterFunc func(ctx context.Context, msg models.CheckpointMessage) error

// Emit implements CheckpointEmitter.
func (f EmitterFunc) Emit(ctx context.Context, msg models.CheckpointMessage) error {
	return f(ctx, msg)
}

// Reconciler drains complete checkpoints from a Store on a fixed interval
// and whenever it is notified of progress.
//
// A checkpoint taken from the store stays in flight until the emitter accepts
// it, so a failed or canceled Emit is retried by the next Flush.
type Reconciler struct {
	store    *Store
	emitter  CheckpointEmitter
	interval time.Duration
	notify   chan struct{}
	logger   *zap.Logger

	mu        sync.Mutex
	inFlight  models.CheckpointMessage
	lastFlush atomic.Int64
}

// NewReconciler creates a reconciler flushing store into emitter every interval.
func NewReconciler(store *Store, emitter CheckpointEmitter, interval time.Duration, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		store:    store,
		emitter:  emitter,
		interval: interval,
		notify:   make(chan struct{}, 1),
		logger:   logger.With(zap.String("component", "reconciler")),
	}
	r.lastFlush.Store(time.Now().UnixNano())
	return r
}

// Notify requests a flush without waiting for the next tick.
func (r *Reconciler) Notify() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run flushes until ctx is done. It returns nil on cancellation; the caller
// is expected to perform a final Flush.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.notify:
		}
		if _, err := r.Flush(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// Flush emits every checkpoint that is ready and returns how many were emitted.
// A checkpoint whose Emit failed is emitted first on the next call.
func (r *Reconciler) Flush(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for {
		msg := r.inFlight
		if msg == nil {
			next, ok := r.store.NextComplete()
			if !ok {
				break
			}
			msg = next
			r.inFlight = msg
		}
		if err := r.emitter.Emit(ctx, msg); err != nil {
			return n, errors.Wrap(err, errors.ErrorTypeInternal, "failed to emit checkpoint").
				WithDetail("kind", models.CheckpointKind(msg))
		}
		r.inFlight = nil
		n++
	}
	if n > 0 {
		r.lastFlush.Store(time.Now().UnixNano())
		r.logger.Debug("flushed checkpoints", zap.Int("count", n))
	}
	return n, nil
}

// HasInFlight reports whether a checkpoint left the store but was never
// accepted by the emitter.
func (r *Reconciler) HasInFlight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight != nil
}

// LastFlushTime returns when a Flush last emitted a checkpoint, or the
// construction time if none has been emitted yet.
func (r *Reconciler) LastFlushTime() time.Time {
	return time.Unix(0, r.lastFlush.Load())
}
