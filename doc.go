// Package coordd implements a single-node coordination service: a key/value
// table with compare-and-set writes, session-scoped locks, a monotonic global
// index, and blocking (long-poll) queries.
//
// The package can be embedded directly:
//
//	cfg := coordd.DefaultConfig()
//	cfg.Listen = ":9460"
//	srv, err := coordd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
//	defer srv.Close()
//
// or run as a daemon via cmd/coordd. The client package provides the Go SDK,
// and api holds the wire types shared by both sides.
//
// Every write stamps a value from a strictly increasing global index. Reads
// return the index high-water mark in the X-Coordd-Index header; feeding it
// back as ?index= turns the next read into a long poll that returns when the
// target changes or the wait expires. Sessions carry a TTL and a destroy
// behavior ("release" or "delete") that decides what happens to the locks
// they hold when they expire or are destroyed.
package coordd
