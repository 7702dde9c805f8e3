package coordd

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pkt.systems/coordd/client"
)

// TestServer hosts an in-process coordd instance for tests. It binds an
// ephemeral localhost port and tears everything down via t.Cleanup.
type TestServer struct {
	Server *Server
	URL    string

	stop func(context.Context) error
}

// NewTestServer starts a server with an in-memory backend and test-friendly
// defaults. Extra options override the defaults.
func NewTestServer(t testing.TB, opts ...Option) *TestServer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Store = "mem://"
	// Tests drive expiry explicitly; a ticking sweeper only adds noise.
	cfg.SweeperInterval = -1

	// A nil lifecycle context keeps the server running until the cleanup
	// below stops it; readiness is immediate once the listener binds.
	srv, stop, err := StartServer(nil, cfg, opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	ts := &TestServer{
		Server: srv,
		URL:    fmt.Sprintf("http://%s", srv.ListenerAddr().String()),
		stop:   stop,
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ts.stop(shutdownCtx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

// Client returns an SDK client pointed at the test server.
func (ts *TestServer) Client(t testing.TB, opts ...client.Option) *client.Client {
	t.Helper()
	c, err := client.New(ts.URL, opts...)
	if err != nil {
		t.Fatalf("build test client: %v", err)
	}
	return c
}

// Stop shuts the server down before the test ends.
func (ts *TestServer) Stop(ctx context.Context) error {
	return ts.stop(ctx)
}
