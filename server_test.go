package coordd

import (
	"context"
	"net/http"
	"testing"
	"time"

	"pkt.systems/coordd/api"
	"pkt.systems/coordd/internal/clock"
	"pkt.systems/coordd/internal/core"
)

func TestServerStartsAndServes(t *testing.T) {
	ts := NewTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	if ts.Server.ListenerAddr() == nil {
		t.Fatalf("listener address unavailable")
	}
}

func TestServerShutdownIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.SweeperInterval = -1
	srv, stop, err := StartServer(nil, cfg)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown after stop: %v", err)
	}
}

func TestServerRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenProto = "udp"
	if _, err := NewServer(cfg); err == nil {
		t.Fatalf("invalid config accepted")
	}
}

func TestServerSweeperReapsSessions(t *testing.T) {
	manual := clock.NewManual(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.SweeperInterval = 15 * time.Second
	srv, stop, err := StartServer(nil, cfg, WithClock(manual))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = stop(ctx)
	}()

	ctx := context.Background()
	sess, err := srv.Core().CreateSession(ctx, core.SessionCreateCommand{Behavior: "delete", TTLSeconds: 10})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if applied, err := srv.Core().Put(ctx, core.PutCommand{Key: "held", Value: []byte("x"), Acquire: sess.ID}); err != nil || !applied.Applied {
		t.Fatalf("acquire: %v %v", applied, err)
	}

	// Wait for the sweeper to register its timer, then advance past both the
	// session TTL and the sweep interval.
	deadline := time.Now().Add(5 * time.Second)
	for manual.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeper never armed its timer")
		}
		time.Sleep(time.Millisecond)
	}
	manual.Advance(16 * time.Second)

	check := time.Now().Add(5 * time.Second)
	for {
		res, err := srv.Core().Get(ctx, core.GetCommand{Key: "held"})
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !res.Found {
			break
		}
		if time.Now().After(check) {
			t.Fatalf("sweeper never reaped the expired session")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerEndToEndWithClient(t *testing.T) {
	ts := NewTestServer(t)
	c := ts.Client(t)
	ctx := context.Background()

	sessionID, err := c.SessionCreate(ctx, api.SessionCreateRequest{Behavior: "release", TTLSeconds: 60})
	if err != nil {
		t.Fatalf("session create: %v", err)
	}
	acquired, err := c.Acquire(ctx, "svc/leader", []byte("node-1"), sessionID)
	if err != nil || !acquired {
		t.Fatalf("acquire: %v %v", acquired, err)
	}
	pair, meta, err := c.Get(ctx, "svc/leader", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if pair == nil || pair.Session != sessionID || meta.Index == 0 {
		t.Fatalf("pair=%+v meta=%+v", pair, meta)
	}
	if _, err := c.SessionDestroy(ctx, sessionID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	pair, _, err = c.Get(ctx, "svc/leader", nil)
	if err != nil {
		t.Fatalf("get after destroy: %v", err)
	}
	if pair == nil || pair.Session != "" {
		t.Fatalf("lock survived destroy: %+v", pair)
	}
}
