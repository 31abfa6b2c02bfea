// Package memory implements the process-wide byte budget that bounds every
// queue in the load pipeline.
//
// A ReservationManager grants Reservations against a fixed capacity. Callers
// that cannot be granted capacity immediately suspend until other holders
// release theirs, which is how a slow downstream stage pushes back on its
// producers. A single request larger than the whole budget can never succeed
// and fails fast as a configuration error.
package memory

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/metrics"
)

var (
	// ErrReservationExceedsCapacity is returned when a single request is larger than the budget.
	ErrReservationExceedsCapacity = errors.New(errors.ErrorTypeConfig, "reservation exceeds total capacity")
	// ErrInsufficientCapacity is returned by TryReserve when headroom is missing right now.
	ErrInsufficientCapacity = errors.New(errors.ErrorTypeResource, "insufficient capacity")
)

// ReservationManager holds a byte budget and hands out reservations against it.
type ReservationManager struct {
	name  string
	total int64
	sem   *semaphore.Weighted

	reserved atomic.Int64
	acquired atomic.Int64
	released atomic.Int64

	// parent is set for sub-budgets carved out of another manager
	parent *Reservation

	logger *zap.Logger
}

// Stats is a snapshot of a manager's accounting.
type Stats struct {
	TotalBytes     int64
	ReservedBytes  int64
	AcquiredBytes  int64 // cumulative
	ReleasedBytes  int64 // cumulative
	RemainingBytes int64
}

// NewReservationManager creates a manager with the given capacity.
func NewReservationManager(name string, totalCapacityBytes int64, logger *zap.Logger) *ReservationManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReservationManager{
		name:   name,
		total:  totalCapacityBytes,
		sem:    semaphore.NewWeighted(totalCapacityBytes),
		logger: logger.With(zap.String("component", "reservation-manager"), zap.String("manager", name)),
	}
}

// Name returns the manager name used in logs and metrics.
func (m *ReservationManager) Name() string { return m.name }

// TotalCapacityBytes returns the configured budget.
func (m *ReservationManager) TotalCapacityBytes() int64 { return m.total }

// ReservedBytes returns the bytes currently held.
func (m *ReservationManager) ReservedBytes() int64 { return m.reserved.Load() }

// RemainingCapacityBytes returns the bytes that can still be reserved.
func (m *ReservationManager) RemainingCapacityBytes() int64 { return m.total - m.reserved.Load() }

// Stats returns a snapshot of the manager's accounting.
func (m *ReservationManager) Stats() Stats {
	reserved := m.reserved.Load()
	return Stats{
		TotalBytes:     m.total,
		ReservedBytes:  reserved,
		AcquiredBytes:  m.acquired.Load(),
		ReleasedBytes:  m.released.Load(),
		RemainingBytes: m.total - reserved,
	}
}

// Reserve blocks until bytes can be deducted from the budget or ctx is done.
// Requests larger than the whole budget fail immediately.
func (m *ReservationManager) Reserve(ctx context.Context, bytes int64, owner string) (*Reservation, error) {
	if err := m.check(bytes, owner); err != nil {
		return nil, err
	}
	if bytes == 0 {
		return m.grant(0, owner), nil
	}

	if !m.sem.TryAcquire(bytes) {
		metrics.ReservationWaits.WithLabelValues(m.name).Inc()
		m.logger.Debug("waiting for capacity",
			zap.String("owner", owner),
			zap.Int64("bytes", bytes),
			zap.Int64("remaining", m.RemainingCapacityBytes()))
		if err := m.sem.Acquire(ctx, bytes); err != nil {
			return nil, err
		}
	}
	return m.grant(bytes, owner), nil
}

// TryReserve deducts bytes from the budget without blocking. It returns
// ErrInsufficientCapacity when the headroom is not available right now.
func (m *ReservationManager) TryReserve(bytes int64, owner string) (*Reservation, error) {
	if err := m.check(bytes, owner); err != nil {
		return nil, err
	}
	if bytes > 0 && !m.sem.TryAcquire(bytes) {
		return nil, errors.Wrap(ErrInsufficientCapacity, errors.ErrorTypeResource, "reservation unavailable").
			WithDetail("manager", m.name).
			WithDetail("owner", owner).
			WithDetail("bytes", bytes).
			WithDetail("remaining", m.RemainingCapacityBytes())
	}
	return m.grant(bytes, owner), nil
}

// NewSubManager carves a child budget of bytes out of m. Closing the child
// returns its bytes to m.
func (m *ReservationManager) NewSubManager(ctx context.Context, name string, bytes int64) (*ReservationManager, error) {
	r, err := m.Reserve(ctx, bytes, name)
	if err != nil {
		return nil, err
	}
	child := NewReservationManager(name, bytes, m.logger)
	child.parent = r
	return child, nil
}

// Close returns a sub-budget to its parent. It is a no-op for root managers.
func (m *ReservationManager) Close() {
	if m.parent == nil {
		return
	}
	if held := m.reserved.Load(); held > 0 {
		m.logger.Warn("closing budget with outstanding reservations", zap.Int64("reserved_bytes", held))
	}
	m.parent.Release()
}

func (m *ReservationManager) check(bytes int64, owner string) error {
	if bytes < 0 {
		return errors.Newf(errors.ErrorTypeValidation, "negative reservation of %d bytes", bytes).
			WithDetail("owner", owner)
	}
	if bytes > m.total {
		return errors.Wrap(ErrReservationExceedsCapacity, errors.ErrorTypeConfig, "reservation can never be satisfied").
			WithDetail("manager", m.name).
			WithDetail("owner", owner).
			WithDetail("bytes", bytes).
			WithDetail("total", m.total)
	}
	return nil
}

func (m *ReservationManager) grant(bytes int64, owner string) *Reservation {
	m.acquired.Add(bytes)
	held := m.reserved.Add(bytes)
	metrics.ReservedBytes.WithLabelValues(m.name).Set(float64(held))
	return &Reservation{Bytes: bytes, Owner: owner, manager: m}
}

func (m *ReservationManager) release(bytes int64) {
	if bytes > 0 {
		m.sem.Release(bytes)
	}
	m.released.Add(bytes)
	held := m.reserved.Add(-bytes)
	metrics.ReservedBytes.WithLabelValues(m.name).Set(float64(held))
}

// Reservation is a receipt for bytes deducted from a ReservationManager.
// It is owned by its holder until Release is called.
type Reservation struct {
	Bytes int64
	Owner string

	manager  *ReservationManager
	released atomic.Bool
}

// Release returns the bytes to the manager. Releasing twice is a no-op.
func (r *Reservation) Release() {
	if r == nil || !r.released.CompareAndSwap(false, true) {
		return
	}
	r.manager.release(r.Bytes)
}

// Released reports whether the reservation has been released.
func (r *Reservation) Released() bool {
	return r.released.Load()
}

// Reserved pairs a value with the reservation that pays for its memory.
type Reserved[T any] struct {
	Value T
	*Reservation
}

// Wrap attaches value to reservation r.
func Wrap[T any](r *Reservation, value T) *Reserved[T] {
	return &Reserved[T]{Value: value, Reservation: r}
}

// Replace moves the reservation held by r to a new value. r must not be
// released by its previous holder afterwards.
func Replace[T, U any](r *Reserved[T], value U) *Reserved[U] {
	return &Reserved[U]{Value: value, Reservation: r.Reservation}
}
