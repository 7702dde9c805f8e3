package core

import (
	"testing"
	"time"

	"pkt.systems/coordd/internal/clock"
	"pkt.systems/coordd/internal/storage/memory"
)

// newTestService wires a Service against the in-memory backend and a manual
// clock so expiry and blocking deadlines are driven explicitly.
func newTestService(t *testing.T) (*Service, *clock.Manual) {
	t.Helper()
	manual := clock.NewManual(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	svc := New(Config{
		Store: memory.New(),
		Clock: manual,
	})
	return svc, manual
}
