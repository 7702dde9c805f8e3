package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"pkt.systems/coordd/internal/storage"
	"pkt.systems/pslog"
)

// kvRecord is the persisted form of one KV table row.
type kvRecord struct {
	Value       []byte `json:"value"`
	Flags       uint64 `json:"flags"`
	CreateIndex uint64 `json:"create_index"`
	ModifyIndex uint64 `json:"modify_index"`
	LockIndex   uint64 `json:"lock_index"`
	Session     string `json:"session,omitempty"`
}

func (r kvRecord) entry(key string) Entry {
	return Entry{
		Key:         key,
		Value:       append([]byte(nil), r.Value...),
		Flags:       r.Flags,
		CreateIndex: r.CreateIndex,
		ModifyIndex: r.ModifyIndex,
		LockIndex:   r.LockIndex,
		Session:     r.Session,
	}
}

func (s *Service) loadEntry(ctx context.Context, key string) (kvRecord, string, bool, error) {
	rec, err := s.store.Get(ctx, storage.BucketKV, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return kvRecord{}, "", false, nil
		}
		return kvRecord{}, "", false, fmt.Errorf("load entry %s: %w", key, err)
	}
	var stored kvRecord
	if err := json.Unmarshal(rec.Value, &stored); err != nil {
		return kvRecord{}, "", false, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return stored, rec.ETag, true, nil
}

func (s *Service) storeEntry(ctx context.Context, key string, rec kvRecord, expectedETag string) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", key, err)
	}
	if _, err := s.store.Put(ctx, storage.BucketKV, key, payload, storage.PutOptions{ExpectedETag: expectedETag}); err != nil {
		return fmt.Errorf("store entry %s: %w", key, err)
	}
	return nil
}

// Get reads one key, or every key under a prefix with cmd.Recurse. A
// non-zero WaitIndex suspends the caller until the target changes or the
// wait deadline elapses; the deadline and a qualifying write race in a
// single select, so exactly one outcome wins.
func (s *Service) Get(ctx context.Context, cmd GetCommand) (*GetResult, error) {
	key := strings.TrimSpace(cmd.Key)
	if key == "" && !cmd.Recurse {
		return nil, Failure{Code: "missing_key", Detail: "key is required", HTTPStatus: http.StatusBadRequest}
	}

	snap, err := s.snapshot(ctx, key, cmd.Recurse)
	if err != nil {
		return nil, err
	}
	if cmd.WaitIndex == 0 {
		return snap, nil
	}

	deadline := s.clock.After(s.resolveWait(cmd.Wait))
	// A target that was present in an earlier snapshot and is now gone was
	// deleted: that transition wakes the waiter just like a write. A target
	// absent from the start keeps waiting for its first write.
	wasFound := snap.Found
	for {
		if snap.changedSince(cmd.WaitIndex) || (wasFound && !snap.Found) {
			s.metrics.recordBlockingGet("change")
			return snap, nil
		}
		var wake <-chan struct{}
		var leave func()
		if cmd.Recurse {
			wake = s.hub.watchPrefix(key)
			leave = func() { s.hub.leavePrefix(key, wake) }
		} else {
			wake = s.hub.watchKey(key)
			leave = func() { s.hub.leaveKey(key, wake) }
		}
		// Re-read after registering so a write landing between the snapshot
		// and the registration is not missed.
		snap, err = s.snapshot(ctx, key, cmd.Recurse)
		if err != nil {
			leave()
			return nil, err
		}
		if snap.changedSince(cmd.WaitIndex) || (wasFound && !snap.Found) {
			leave()
			s.metrics.recordBlockingGet("change")
			return snap, nil
		}
		wasFound = wasFound || snap.Found
		select {
		case <-wake:
			snap, err = s.snapshot(ctx, key, cmd.Recurse)
			if err != nil {
				return nil, err
			}
		case <-deadline:
			leave()
			s.metrics.recordBlockingGet("timeout")
			return snap, nil
		case <-ctx.Done():
			leave()
			s.metrics.recordBlockingGet("canceled")
			return nil, ctx.Err()
		}
	}
}

// changedSince reports whether the snapshot differs from the caller's known
// index. An absent target does not count as changed on its own; the Get loop
// separately treats a found-to-absent transition as a delete.
func (r *GetResult) changedSince(waitIndex uint64) bool {
	if !r.Found {
		return false
	}
	var max uint64
	for _, entry := range r.Entries {
		if entry.ModifyIndex > max {
			max = entry.ModifyIndex
		}
	}
	return max != waitIndex
}

func (s *Service) snapshot(ctx context.Context, key string, recurse bool) (*GetResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := &GetResult{}
	if recurse {
		keys, err := s.store.List(ctx, storage.BucketKV, key)
		if err != nil {
			return nil, fmt.Errorf("scan prefix %s: %w", key, err)
		}
		for _, k := range keys {
			stored, _, exists, err := s.loadEntry(ctx, k)
			if err != nil {
				return nil, err
			}
			if !exists {
				continue
			}
			res.Entries = append(res.Entries, stored.entry(k))
		}
		res.Found = len(res.Entries) > 0
	} else {
		stored, _, exists, err := s.loadEntry(ctx, key)
		if err != nil {
			return nil, err
		}
		if exists {
			res.Entries = append(res.Entries, stored.entry(key))
			res.Found = true
		}
	}
	res.Index = s.alloc.Current()
	return res, nil
}

// Put writes a key under the CAS and session-lock rules. Conflicts return
// Applied=false without mutating anything; only malformed input or a broken
// backend produce errors. The lock check runs strictly before the CAS check.
func (s *Service) Put(ctx context.Context, cmd PutCommand) (*PutResult, error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	key := strings.TrimSpace(cmd.Key)
	if key == "" {
		return nil, Failure{Code: "missing_key", Detail: "key is required", HTTPStatus: http.StatusBadRequest}
	}
	if cmd.Acquire != "" && cmd.Release != "" {
		return nil, Failure{Code: "invalid_lock_flags", Detail: "acquire and release are mutually exclusive", HTTPStatus: http.StatusBadRequest}
	}

	s.mu.Lock()
	now := s.clock.Now()
	if cmd.Acquire != "" {
		if _, _, err := s.loadSessionLocked(ctx, cmd.Acquire, now); err != nil {
			s.mu.Unlock()
			if NotFound(err) {
				// An unknown or expired lock token is a rejected request,
				// not a retryable conflict.
				return nil, Failure{Code: "invalid_session", Detail: fmt.Sprintf("session %s is unknown or expired", cmd.Acquire), HTTPStatus: http.StatusBadRequest}
			}
			return nil, err
		}
	}

	stored, etag, exists, err := s.loadEntry(ctx, key)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	// The recorded lock holder is itself subject to lazy expiry: resolving
	// it reaps an expired session, cascade included, before the conflict
	// check sees the lock.
	if exists && stored.Session != "" && stored.Session != cmd.Acquire {
		if _, _, herr := s.loadSessionLocked(ctx, stored.Session, now); herr != nil {
			if !NotFound(herr) {
				s.mu.Unlock()
				return nil, herr
			}
			stored, etag, exists, err = s.loadEntry(ctx, key)
			if err != nil {
				s.mu.Unlock()
				return nil, err
			}
		}
	}

	conflict := ""
	switch {
	case cmd.Acquire != "" && exists && stored.Session != "" && stored.Session != cmd.Acquire:
		conflict = "lock_held"
	case cmd.Release != "" && stored.Session != cmd.Release:
		conflict = "not_lock_holder"
	case cmd.CAS != nil && !casMatches(*cmd.CAS, stored.ModifyIndex, exists):
		conflict = "cas_mismatch"
	}
	if conflict != "" {
		index := s.alloc.Current()
		s.mu.Unlock()
		logger.Debug("kv.put.conflict", "key", key, "reason", conflict)
		s.metrics.recordPut("conflict")
		return &PutResult{Applied: false, Index: index}, nil
	}

	idx := s.alloc.Next()
	if !exists {
		stored.CreateIndex = idx
	}
	if cmd.Acquire != "" && stored.Session != cmd.Acquire {
		stored.LockIndex++
		stored.Session = cmd.Acquire
	}
	if cmd.Release != "" {
		stored.Session = ""
	}
	stored.Value = append([]byte(nil), cmd.Value...)
	stored.Flags = cmd.Flags
	stored.ModifyIndex = idx

	if err := s.storeEntry(ctx, key, stored, etag); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	index := s.alloc.Current()
	s.mu.Unlock()

	s.hub.notify(key)
	s.metrics.recordPut("applied")
	logger.Debug("kv.put.applied",
		"key", key,
		"modify_index", idx,
		"acquired", cmd.Acquire != "",
		"released", cmd.Release != "",
	)
	return &PutResult{Applied: true, ModifyIndex: idx, Index: index}, nil
}

// casMatches implements the conditional-write rule: an existing entry must
// carry exactly the expected modify index; an absent entry passes only for
// the zero index.
func casMatches(expected, modifyIndex uint64, exists bool) bool {
	if !exists {
		return expected == 0
	}
	return modifyIndex == expected
}

// Delete removes a key, or a whole prefix with cmd.Recurse. The surfaced
// outcome is always true; deleting absent keys is a no-op that leaves the
// allocator untouched.
func (s *Service) Delete(ctx context.Context, cmd DeleteCommand) (*DeleteResult, error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	key := strings.TrimSpace(cmd.Key)
	if key == "" && !cmd.Recurse {
		return nil, Failure{Code: "missing_key", Detail: "key is required", HTTPStatus: http.StatusBadRequest}
	}

	s.mu.Lock()
	var removed []string
	if cmd.Recurse {
		keys, err := s.store.List(ctx, storage.BucketKV, key)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("scan prefix %s: %w", key, err)
		}
		for _, k := range keys {
			if err := s.store.Delete(ctx, storage.BucketKV, k, ""); err != nil {
				s.mu.Unlock()
				return nil, fmt.Errorf("delete entry %s: %w", k, err)
			}
			removed = append(removed, k)
		}
	} else {
		_, _, exists, err := s.loadEntry(ctx, key)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if exists {
			if err := s.store.Delete(ctx, storage.BucketKV, key, ""); err != nil {
				s.mu.Unlock()
				return nil, fmt.Errorf("delete entry %s: %w", key, err)
			}
			removed = append(removed, key)
		}
	}
	if len(removed) > 0 {
		// One index for the deletion event; waiters re-read and observe it.
		s.alloc.Next()
	}
	index := s.alloc.Current()
	s.mu.Unlock()

	if len(removed) > 0 {
		s.hub.notify(removed...)
		s.metrics.recordDelete(len(removed))
		logger.Debug("kv.delete.applied", "key", key, "recurse", cmd.Recurse, "removed", len(removed))
	}
	return &DeleteResult{Deleted: true, Index: index}, nil
}
