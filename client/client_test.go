package client_test

import (
	"context"
	"testing"
	"time"

	coordd "pkt.systems/coordd"
	"pkt.systems/coordd/api"
	"pkt.systems/coordd/client"
)

func TestNewValidatesBaseURL(t *testing.T) {
	if _, err := client.New(""); err == nil {
		t.Fatalf("empty base URL accepted")
	}
	c, err := client.New("127.0.0.1:9460")
	if err != nil {
		t.Fatalf("bare host rejected: %v", err)
	}
	_ = c
}

func TestKVRoundTrip(t *testing.T) {
	ts := coordd.NewTestServer(t)
	c := ts.Client(t)
	ctx := context.Background()

	applied, err := c.Put(ctx, "app/config", []byte("v1"), &api.WriteOptions{Flags: 9})
	if err != nil || !applied {
		t.Fatalf("put: %v %v", applied, err)
	}
	pair, meta, err := c.Get(ctx, "app/config", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if pair == nil || string(pair.Value) != "v1" || pair.Flags != 9 {
		t.Fatalf("pair: %+v", pair)
	}
	if meta.Index == 0 {
		t.Fatalf("meta index missing")
	}

	deleted, err := c.Delete(ctx, "app/config", false)
	if err != nil || !deleted {
		t.Fatalf("delete: %v %v", deleted, err)
	}
	pair, meta, err = c.Get(ctx, "app/config", nil)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if pair != nil {
		t.Fatalf("deleted key still returned: %+v", pair)
	}
	if meta == nil || meta.Index == 0 {
		t.Fatalf("not-found meta: %+v", meta)
	}
}

func TestCASThroughClient(t *testing.T) {
	ts := coordd.NewTestServer(t)
	c := ts.Client(t)
	ctx := context.Background()

	zero := uint64(0)
	if applied, err := c.Put(ctx, "counter", []byte("1"), &api.WriteOptions{CAS: &zero}); err != nil || !applied {
		t.Fatalf("create-only put: %v %v", applied, err)
	}
	if applied, err := c.Put(ctx, "counter", []byte("2"), &api.WriteOptions{CAS: &zero}); err != nil || applied {
		t.Fatalf("stale cas reported applied: %v %v", applied, err)
	}

	pair, _, err := c.Get(ctx, "counter", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	m := pair.ModifyIndex
	if applied, err := c.Put(ctx, "counter", []byte("2"), &api.WriteOptions{CAS: &m}); err != nil || !applied {
		t.Fatalf("matching cas: %v %v", applied, err)
	}
}

func TestListThroughClient(t *testing.T) {
	ts := coordd.NewTestServer(t)
	c := ts.Client(t)
	ctx := context.Background()

	for _, key := range []string{"jobs/a", "jobs/b", "misc/c"} {
		if _, err := c.Put(ctx, key, []byte(key), nil); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	pairs, meta, err := c.List(ctx, "jobs/", nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pairs) != 2 || pairs[0].Key != "jobs/a" || pairs[1].Key != "jobs/b" {
		t.Fatalf("list payload: %+v", pairs)
	}
	if meta.Index == 0 {
		t.Fatalf("list meta missing")
	}

	empty, meta, err := c.List(ctx, "nothing/", nil)
	if err != nil {
		t.Fatalf("empty list: %v", err)
	}
	if len(empty) != 0 || meta == nil {
		t.Fatalf("empty list: %v %v", empty, meta)
	}
}

func TestSessionLifecycleThroughClient(t *testing.T) {
	ts := coordd.NewTestServer(t)
	c := ts.Client(t)
	ctx := context.Background()

	id, err := c.SessionCreate(ctx, api.SessionCreateRequest{Name: "worker", TTLSeconds: 60})
	if err != nil || id == "" {
		t.Fatalf("session create: %q %v", id, err)
	}

	info, err := c.SessionInfo(ctx, id)
	if err != nil || info.Name != "worker" {
		t.Fatalf("info: %+v %v", info, err)
	}

	renewed, err := c.SessionRenew(ctx, id)
	if err != nil || renewed.ID != id {
		t.Fatalf("renew: %+v %v", renewed, err)
	}

	sessions, err := c.Sessions(ctx)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("sessions: %+v %v", sessions, err)
	}

	destroyed, err := c.SessionDestroy(ctx, id)
	if err != nil || !destroyed {
		t.Fatalf("destroy: %v %v", destroyed, err)
	}

	if _, err := c.SessionInfo(ctx, id); !client.IsNotFound(err) {
		t.Fatalf("info after destroy: %v", err)
	}
}

func TestLockHandoffThroughClient(t *testing.T) {
	ts := coordd.NewTestServer(t)
	c := ts.Client(t)
	ctx := context.Background()

	s1, err := c.SessionCreate(ctx, api.SessionCreateRequest{TTLSeconds: 60})
	if err != nil {
		t.Fatalf("create s1: %v", err)
	}
	s2, err := c.SessionCreate(ctx, api.SessionCreateRequest{TTLSeconds: 60})
	if err != nil {
		t.Fatalf("create s2: %v", err)
	}

	if acquired, err := c.Acquire(ctx, "leader", []byte("a"), s1); err != nil || !acquired {
		t.Fatalf("first acquire: %v %v", acquired, err)
	}
	if acquired, err := c.Acquire(ctx, "leader", []byte("b"), s2); err != nil || acquired {
		t.Fatalf("competing acquire: %v %v", acquired, err)
	}
	if released, err := c.Release(ctx, "leader", []byte("a"), s1); err != nil || !released {
		t.Fatalf("release: %v %v", released, err)
	}
	if acquired, err := c.Acquire(ctx, "leader", []byte("b"), s2); err != nil || !acquired {
		t.Fatalf("handoff acquire: %v %v", acquired, err)
	}
}

func TestBlockingGetThroughClient(t *testing.T) {
	ts := coordd.NewTestServer(t)
	c := ts.Client(t)
	ctx := context.Background()

	if _, err := c.Put(ctx, "cfg", []byte("v1"), nil); err != nil {
		t.Fatalf("seed put: %v", err)
	}
	pair, _, err := c.Get(ctx, "cfg", nil)
	if err != nil {
		t.Fatalf("seed get: %v", err)
	}

	done := make(chan *api.KVPair, 1)
	go func() {
		woken, _, err := c.Get(ctx, "cfg", &api.QueryOptions{WaitIndex: pair.ModifyIndex, Wait: "30s"})
		if err != nil {
			done <- nil
			return
		}
		done <- woken
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := c.Put(ctx, "cfg", []byte("v2"), nil); err != nil {
		t.Fatalf("wake put: %v", err)
	}

	select {
	case woken := <-done:
		if woken == nil || string(woken.Value) != "v2" {
			t.Fatalf("blocking get payload: %+v", woken)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("blocking get never returned")
	}
}

func TestInvalidSessionSurfacesAPIError(t *testing.T) {
	ts := coordd.NewTestServer(t)
	c := ts.Client(t)

	_, err := c.Acquire(context.Background(), "k", []byte("v"), "bogus-session")
	if err == nil {
		t.Fatalf("invalid session accepted")
	}
	apiErr, ok := err.(*client.APIError)
	if !ok || apiErr.Code != "invalid_session" {
		t.Fatalf("error = %v, want invalid_session APIError", err)
	}
}

func TestDatacentersAndHealth(t *testing.T) {
	ts := coordd.NewTestServer(t)
	c := ts.Client(t)
	ctx := context.Background()

	dcs, err := c.Datacenters(ctx)
	if err != nil || len(dcs) != 1 || dcs[0] != coordd.DefaultDatacenter {
		t.Fatalf("datacenters: %v %v", dcs, err)
	}
	if err := c.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
}
