package core

import (
	"context"
	"testing"
	"time"
)

func mustSession(t *testing.T, svc *Service, cmd SessionCreateCommand) *SessionCreateResult {
	t.Helper()
	res, err := svc.CreateSession(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return res
}

func TestCreateSessionValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateSession(ctx, SessionCreateCommand{Behavior: "explode"}); err == nil {
		t.Fatalf("unknown behavior accepted")
	}
	if _, err := svc.CreateSession(ctx, SessionCreateCommand{TTLSeconds: -1}); err == nil {
		t.Fatalf("negative ttl accepted")
	}

	// Behavior is case-insensitive and defaults to release.
	res := mustSession(t, svc, SessionCreateCommand{Behavior: "DELETE", TTLSeconds: 15})
	info, err := svc.SessionInfo(ctx, res.ID)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if string(info.Behavior) != "delete" {
		t.Fatalf("behavior = %q, want delete", info.Behavior)
	}

	plain := mustSession(t, svc, SessionCreateCommand{})
	if info, err := svc.SessionInfo(ctx, plain.ID); err != nil || string(info.Behavior) != "release" {
		t.Fatalf("default behavior = %v (%v), want release", info, err)
	}
}

func TestSessionInfoAndList(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.SessionInfo(ctx, "missing"); err == nil || !NotFound(err) {
		t.Fatalf("info on missing session: %v", err)
	}

	a := mustSession(t, svc, SessionCreateCommand{Name: "worker-a", TTLSeconds: 30})
	b := mustSession(t, svc, SessionCreateCommand{Name: "worker-b"})

	sessions, err := svc.Sessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("listed %d sessions, want 2", len(sessions))
	}
	byID := map[string]Session{}
	for _, sess := range sessions {
		byID[sess.ID] = sess
	}
	if byID[a.ID].Name != "worker-a" || byID[b.ID].Name != "worker-b" {
		t.Fatalf("list payload mismatch: %+v", byID)
	}
}

func TestRenewUnknownSession(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.RenewSession(context.Background(), "nope"); err == nil || !NotFound(err) {
		t.Fatalf("renew unknown: %v", err)
	}
}

func TestSessionExpiryIsLazy(t *testing.T) {
	svc, manual := newTestService(t)
	ctx := context.Background()

	sess := mustSession(t, svc, SessionCreateCommand{TTLSeconds: 10})
	manual.Advance(9 * time.Second)
	if _, err := svc.SessionInfo(ctx, sess.ID); err != nil {
		t.Fatalf("session expired early: %v", err)
	}

	manual.Advance(2 * time.Second)
	if _, err := svc.SessionInfo(ctx, sess.ID); err == nil || !NotFound(err) {
		t.Fatalf("expired session still visible: %v", err)
	}
	// The reap is permanent: renew and destroy see the same not-found.
	if _, err := svc.RenewSession(ctx, sess.ID); err == nil || !NotFound(err) {
		t.Fatalf("renew after expiry: %v", err)
	}
	if _, err := svc.DestroySession(ctx, sess.ID); err == nil || !NotFound(err) {
		t.Fatalf("destroy after expiry: %v", err)
	}
}

func TestRenewResetsExpiryDeadline(t *testing.T) {
	svc, manual := newTestService(t)
	ctx := context.Background()

	sess := mustSession(t, svc, SessionCreateCommand{TTLSeconds: 10})
	manual.Advance(6 * time.Second)
	if _, err := svc.RenewSession(ctx, sess.ID); err != nil {
		t.Fatalf("renew: %v", err)
	}

	// 12s after creation but only 6s after renewal.
	manual.Advance(6 * time.Second)
	if _, err := svc.SessionInfo(ctx, sess.ID); err != nil {
		t.Fatalf("renewed session expired: %v", err)
	}

	manual.Advance(5 * time.Second)
	if _, err := svc.SessionInfo(ctx, sess.ID); err == nil || !NotFound(err) {
		t.Fatalf("session outlived renewed ttl: %v", err)
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	svc, manual := newTestService(t)
	sess := mustSession(t, svc, SessionCreateCommand{TTLSeconds: 0})
	manual.Advance(1000 * time.Hour)
	if _, err := svc.SessionInfo(context.Background(), sess.ID); err != nil {
		t.Fatalf("ttl=0 session expired: %v", err)
	}
}

func TestDestroyCascadeReleaseBehavior(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess := mustSession(t, svc, SessionCreateCommand{Behavior: "release", TTLSeconds: 60})
	mustPut(t, svc, PutCommand{Key: "lock/a", Value: []byte("a"), Acquire: sess.ID})
	mustPut(t, svc, PutCommand{Key: "lock/b", Value: []byte("b"), Acquire: sess.ID})
	mustPut(t, svc, PutCommand{Key: "plain", Value: []byte("p")})

	beforeA := mustGetOne(t, svc, "lock/a")
	if _, err := svc.DestroySession(ctx, sess.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	for _, key := range []string{"lock/a", "lock/b"} {
		entry := mustGetOne(t, svc, key)
		if entry.Session != "" {
			t.Fatalf("%s still locked by %q after destroy", key, entry.Session)
		}
	}
	// The release stamps a fresh modify index so blocking readers observe it.
	if after := mustGetOne(t, svc, "lock/a"); after.ModifyIndex <= beforeA.ModifyIndex {
		t.Fatalf("release did not advance modify index: %d -> %d", beforeA.ModifyIndex, after.ModifyIndex)
	}
	if got := mustGetOne(t, svc, "plain"); string(got.Value) != "p" {
		t.Fatalf("unlocked key affected by cascade: %q", got.Value)
	}
}

func TestDestroyCascadeDeleteBehavior(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess := mustSession(t, svc, SessionCreateCommand{Behavior: "delete", TTLSeconds: 60})
	mustPut(t, svc, PutCommand{Key: "ephemeral/a", Value: []byte("a"), Acquire: sess.ID})
	mustPut(t, svc, PutCommand{Key: "ephemeral/b", Value: []byte("b"), Acquire: sess.ID})
	mustPut(t, svc, PutCommand{Key: "durable", Value: []byte("d")})

	if _, err := svc.DestroySession(ctx, sess.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	for _, key := range []string{"ephemeral/a", "ephemeral/b"} {
		if res, err := svc.Get(ctx, GetCommand{Key: key}); err != nil || res.Found {
			t.Fatalf("%s survived delete-behavior destroy: %v %v", key, res, err)
		}
	}
	if _, err := svc.Get(ctx, GetCommand{Key: "durable"}); err != nil {
		t.Fatalf("unlocked key affected: %v", err)
	}
}

func TestExpiredSessionReleasesItsLocks(t *testing.T) {
	svc, manual := newTestService(t)
	ctx := context.Background()

	holder := mustSession(t, svc, SessionCreateCommand{Behavior: "release", TTLSeconds: 10})
	contender := mustSession(t, svc, SessionCreateCommand{TTLSeconds: 0})
	mustPut(t, svc, PutCommand{Key: "leader", Value: []byte("h"), Acquire: holder.ID})

	// While the holder lives, the contender is locked out.
	if res := mustPut(t, svc, PutCommand{Key: "leader", Value: []byte("c"), Acquire: contender.ID}); res.Applied {
		t.Fatalf("acquire succeeded against a live lock")
	}

	manual.Advance(11 * time.Second)

	// The expired holder is reaped on first touch and the lock frees up.
	res := mustPut(t, svc, PutCommand{Key: "leader", Value: []byte("c"), Acquire: contender.ID})
	if !res.Applied {
		t.Fatalf("acquire failed after holder expiry")
	}
	if got := mustGetOne(t, svc, "leader"); got.Session != contender.ID {
		t.Fatalf("lock holder = %q, want %q", got.Session, contender.ID)
	}
	if _, err := svc.SessionInfo(ctx, holder.ID); err == nil || !NotFound(err) {
		t.Fatalf("expired holder still registered: %v", err)
	}
}

func TestExpiredDeleteBehaviorHolderUnblocksAcquire(t *testing.T) {
	svc, manual := newTestService(t)
	ctx := context.Background()

	holder := mustSession(t, svc, SessionCreateCommand{Behavior: "delete", TTLSeconds: 10})
	contender := mustSession(t, svc, SessionCreateCommand{TTLSeconds: 0})
	mustPut(t, svc, PutCommand{Key: "job", Value: []byte("h"), Acquire: holder.ID})

	manual.Advance(11 * time.Second)

	// The acquire itself reaps the expired holder; its delete cascade
	// removes the old entry, so the contender creates a fresh one.
	res := mustPut(t, svc, PutCommand{Key: "job", Value: []byte("c"), Acquire: contender.ID})
	if !res.Applied {
		t.Fatalf("acquire failed after delete-behavior holder expiry")
	}
	got := mustGetOne(t, svc, "job")
	if got.Session != contender.ID || got.LockIndex != 1 || string(got.Value) != "c" {
		t.Fatalf("post-expiry entry: %+v", got)
	}
	if got.CreateIndex != got.ModifyIndex {
		t.Fatalf("entry survived the delete cascade: create=%d modify=%d", got.CreateIndex, got.ModifyIndex)
	}
	if _, err := svc.SessionInfo(ctx, holder.ID); err == nil || !NotFound(err) {
		t.Fatalf("expired holder still registered: %v", err)
	}
}

func TestSweepExpiredSessions(t *testing.T) {
	svc, manual := newTestService(t)
	ctx := context.Background()

	short1 := mustSession(t, svc, SessionCreateCommand{Behavior: "delete", TTLSeconds: 10})
	short2 := mustSession(t, svc, SessionCreateCommand{TTLSeconds: 10})
	forever := mustSession(t, svc, SessionCreateCommand{TTLSeconds: 0})
	mustPut(t, svc, PutCommand{Key: "held", Value: []byte("x"), Acquire: short1.ID})

	if n, err := svc.SweepExpiredSessions(ctx); err != nil || n != 0 {
		t.Fatalf("premature sweep reaped %d (%v)", n, err)
	}

	manual.Advance(11 * time.Second)
	n, err := svc.SweepExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("sweep reaped %d sessions, want 2", n)
	}

	// The delete-behavior cascade ran without any client touching the key.
	if res, err := svc.Get(ctx, GetCommand{Key: "held"}); err != nil || res.Found {
		t.Fatalf("held key survived sweep: %v %v", res, err)
	}
	if _, err := svc.SessionInfo(ctx, forever.ID); err != nil {
		t.Fatalf("ttl=0 session swept: %v", err)
	}
	if _, err := svc.SessionInfo(ctx, short2.ID); err == nil || !NotFound(err) {
		t.Fatalf("expired session survived sweep: %v", err)
	}
}
