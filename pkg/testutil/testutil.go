// Package testutil provides testing utilities for the loader packages.
package testutil

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-loader/internal/memory"
)

// TestContext returns a context that is canceled after timeout or when the
// test finishes, whichever comes first.
func TestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Budget returns a root reservation manager logging to the test output.
func Budget(t *testing.T, totalBytes int64) *memory.ReservationManager {
	t.Helper()
	return memory.NewReservationManager("global", totalBytes, zaptest.NewLogger(t))
}

// AssertReleased fails the test when m still holds reservations.
func AssertReleased(t *testing.T, m *memory.ReservationManager) {
	t.Helper()
	if stats := m.Stats(); stats.ReservedBytes != 0 {
		t.Errorf("%s still holds %d bytes (acquired %d, released %d)",
			m.Name(), stats.ReservedBytes, stats.AcquiredBytes, stats.ReleasedBytes)
	}
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
