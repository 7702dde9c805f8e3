package core

import (
	"context"
	"fmt"

	"pkt.systems/coordd/internal/storage"
)

// SweepExpiredSessions proactively reaps sessions whose renewal deadline has
// passed. Lazy checks on access already guarantee a dead session is never
// usable; the sweep exists so locks held by idle sessions still release (or
// cascade-delete) without waiting for the next reference. Returns the number
// of sessions reaped.
func (s *Service) SweepExpiredSessions(ctx context.Context) (int, error) {
	s.mu.Lock()
	ids, err := s.store.List(ctx, storage.BucketSessions, "")
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	now := s.clock.Now()
	reaped := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			s.mu.Unlock()
			return reaped, err
		}
		// loadSessionLocked reaps expired sessions as a side effect.
		if _, _, err := s.loadSessionLocked(ctx, id, now); err != nil {
			if NotFound(err) {
				reaped++
				continue
			}
			s.mu.Unlock()
			return reaped, err
		}
	}
	s.mu.Unlock()

	if reaped > 0 {
		s.logger.Info("session.sweep", "reaped", reaped)
	}
	return reaped, nil
}
