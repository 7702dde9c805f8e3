package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pkt.systems/coordd/api"
	"pkt.systems/coordd/internal/storage"
	"pkt.systems/coordd/internal/uuidv7"
)

// sessionRecord is the persisted form of a registered session.
type sessionRecord struct {
	ID            string              `json:"id"`
	Name          string              `json:"name,omitempty"`
	Behavior      api.SessionBehavior `json:"behavior"`
	TTLSeconds    int64               `json:"ttl_seconds"`
	CreateIndex   uint64              `json:"create_index"`
	LastRenewUnix int64               `json:"last_renew_unix"`
}

func (r sessionRecord) snapshot() Session {
	return Session{
		ID:            r.ID,
		Name:          r.Name,
		Behavior:      r.Behavior,
		TTLSeconds:    r.TTLSeconds,
		CreateIndex:   r.CreateIndex,
		LastRenewUnix: r.LastRenewUnix,
	}
}

// expired reports whether the session's renewal deadline has passed. TTL 0
// disables expiry.
func (r sessionRecord) expired(now time.Time) bool {
	if r.TTLSeconds <= 0 {
		return false
	}
	return now.Unix() >= r.LastRenewUnix+r.TTLSeconds
}

func sessionNotFound(id string) Failure {
	return Failure{Code: "session_not_found", Detail: fmt.Sprintf("session %s does not exist", id), HTTPStatus: http.StatusNotFound}
}

// CreateSession registers a session and stamps its create index. Only
// malformed input fails; behavior is matched case-insensitively.
func (s *Service) CreateSession(ctx context.Context, cmd SessionCreateCommand) (*SessionCreateResult, error) {
	behavior, err := api.NormalizeBehavior(cmd.Behavior)
	if err != nil {
		return nil, Failure{Code: "invalid_behavior", Detail: err.Error(), HTTPStatus: http.StatusBadRequest}
	}
	if cmd.TTLSeconds < 0 {
		return nil, Failure{Code: "invalid_ttl", Detail: "ttl_seconds must not be negative", HTTPStatus: http.StatusBadRequest}
	}

	s.mu.Lock()
	rec := sessionRecord{
		ID:            uuidv7.NewString(),
		Name:          cmd.Name,
		Behavior:      behavior,
		TTLSeconds:    cmd.TTLSeconds,
		CreateIndex:   s.alloc.Next(),
		LastRenewUnix: s.clock.Now().Unix(),
	}
	if err := s.storeSession(ctx, rec, ""); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.metrics.recordSession("create")
	s.metrics.addActiveSessions(1)
	s.logger.Info("session.create",
		"session", rec.ID,
		"behavior", string(behavior),
		"ttl_seconds", cmd.TTLSeconds,
		"create_index", rec.CreateIndex,
	)
	return &SessionCreateResult{ID: rec.ID, CreateIndex: rec.CreateIndex}, nil
}

// RenewSession refreshes the session's expiry deadline. A session past its
// deadline is reaped on the spot and reported as not found: a renew that
// lands first wins because both paths run under the registry lock.
func (s *Service) RenewSession(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	now := s.clock.Now()
	rec, etag, err := s.loadSessionLocked(ctx, id, now)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	rec.LastRenewUnix = now.Unix()
	if err := s.storeSession(ctx, rec, etag); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.metrics.recordSession("renew")
	snap := rec.snapshot()
	return &snap, nil
}

// DestroySession removes the session and resolves every entry it holds a
// lock on according to its behavior. The cascade runs under the table lock,
// so no reader observes a half-cleaned state.
func (s *Service) DestroySession(ctx context.Context, id string) (*SessionDestroyResult, error) {
	s.mu.Lock()
	now := s.clock.Now()
	rec, etag, err := s.loadSessionLocked(ctx, id, now)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	touched, err := s.reapSessionLocked(ctx, rec, etag)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	index := s.alloc.Current()
	s.mu.Unlock()

	s.hub.notify(touched...)
	s.metrics.recordSession("destroy")
	s.metrics.addActiveSessions(-1)
	s.logger.Info("session.destroy",
		"session", id,
		"behavior", string(rec.Behavior),
		"keys_touched", len(touched),
	)
	return &SessionDestroyResult{Destroyed: true, Index: index}, nil
}

// SessionInfo returns a one-element snapshot for the session, applying the
// lazy expiry check.
func (s *Service) SessionInfo(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	rec, _, err := s.loadSessionLocked(ctx, id, s.clock.Now())
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	snap := rec.snapshot()
	return &snap, nil
}

// Sessions lists every live session, reaping any that expired on the way.
func (s *Service) Sessions(ctx context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.store.List(ctx, storage.BucketSessions, "")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	now := s.clock.Now()
	var out []Session
	for _, id := range ids {
		rec, _, err := s.loadSessionLocked(ctx, id, now)
		if err != nil {
			if NotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, rec.snapshot())
	}
	return out, nil
}

// loadSessionLocked reads a session and applies the lazy expiry rule: a
// session past its deadline is reaped (cascade included) and reported as not
// found, so it can never again be renewed or used to acquire locks. Callers
// must hold s.mu for writing.
func (s *Service) loadSessionLocked(ctx context.Context, id string, now time.Time) (sessionRecord, string, error) {
	if id == "" {
		return sessionRecord{}, "", sessionNotFound(id)
	}
	raw, err := s.store.Get(ctx, storage.BucketSessions, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return sessionRecord{}, "", sessionNotFound(id)
		}
		return sessionRecord{}, "", fmt.Errorf("load session %s: %w", id, err)
	}
	var rec sessionRecord
	if err := json.Unmarshal(raw.Value, &rec); err != nil {
		return sessionRecord{}, "", fmt.Errorf("decode session %s: %w", id, err)
	}
	if rec.expired(now) {
		touched, reapErr := s.reapSessionLocked(ctx, rec, raw.ETag)
		if reapErr != nil {
			return sessionRecord{}, "", reapErr
		}
		s.hub.notify(touched...)
		s.metrics.recordSession("expire")
		s.metrics.addActiveSessions(-1)
		s.logger.Info("session.expire", "session", id, "keys_touched", len(touched))
		return sessionRecord{}, "", sessionNotFound(id)
	}
	return rec, raw.ETag, nil
}

// reapSessionLocked deletes the session record and resolves its locked
// entries per behavior: delete removes them, release clears the holder and
// stamps a fresh modify index. Returns the keys whose waiters need waking.
// Callers must hold s.mu for writing and notify after unlocking.
func (s *Service) reapSessionLocked(ctx context.Context, rec sessionRecord, etag string) ([]string, error) {
	keys, err := s.store.List(ctx, storage.BucketKV, "")
	if err != nil {
		return nil, fmt.Errorf("scan table for session %s: %w", rec.ID, err)
	}
	var touched []string
	for _, key := range keys {
		stored, entryETag, exists, err := s.loadEntry(ctx, key)
		if err != nil {
			return nil, err
		}
		if !exists || stored.Session != rec.ID {
			continue
		}
		switch rec.Behavior {
		case api.BehaviorDelete:
			if err := s.store.Delete(ctx, storage.BucketKV, key, entryETag); err != nil {
				return nil, fmt.Errorf("cascade delete %s: %w", key, err)
			}
			s.alloc.Next()
		default:
			stored.Session = ""
			stored.ModifyIndex = s.alloc.Next()
			if err := s.storeEntry(ctx, key, stored, entryETag); err != nil {
				return nil, err
			}
		}
		touched = append(touched, key)
	}
	if err := s.store.Delete(ctx, storage.BucketSessions, rec.ID, etag); err != nil {
		return nil, fmt.Errorf("delete session %s: %w", rec.ID, err)
	}
	return touched, nil
}

func (s *Service) storeSession(ctx context.Context, rec sessionRecord, expectedETag string) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.ID, err)
	}
	opts := storage.PutOptions{ExpectedETag: expectedETag}
	if expectedETag == "" {
		opts.IfNotExists = true
	}
	if _, err := s.store.Put(ctx, storage.BucketSessions, rec.ID, payload, opts); err != nil {
		return fmt.Errorf("store session %s: %w", rec.ID, err)
	}
	return nil
}
