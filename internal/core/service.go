package core

import (
	"sync"
	"time"

	"pkt.systems/coordd/internal/clock"
	"pkt.systems/coordd/internal/storage"
	"pkt.systems/pslog"
)

const (
	// DefaultWait bounds blocking reads that omit an explicit wait.
	DefaultWait = 5 * time.Minute
	// MaxWait is the hard ceiling enforced on caller-supplied waits.
	MaxWait = 10 * time.Minute
)

// Config assembles a coordination Service.
type Config struct {
	Store       storage.Backend
	Clock       clock.Clock
	Logger      pslog.Logger
	DefaultWait time.Duration
	MaxWait     time.Duration
}

// Service implements the coordination core: the KV table, the session
// registry, the global index allocator, and the blocking-query coordinator.
//
// A single RWMutex serializes mutations. Per-key locking would let unrelated
// writes proceed in parallel, but session-destroy cascades must be atomic
// across every key the session locks, and at single-node memory speeds the
// simpler invariant wins. Blocking reads never hold the lock while suspended.
type Service struct {
	store  storage.Backend
	clock  clock.Clock
	logger pslog.Logger

	alloc   indexAllocator
	hub     watchHub
	metrics *coordMetrics

	mu sync.RWMutex

	defaultWait time.Duration
	maxWait     time.Duration
}

// New constructs a Service from cfg.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	defaultWait := cfg.DefaultWait
	if defaultWait <= 0 {
		defaultWait = DefaultWait
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = MaxWait
	}
	s := &Service{
		store:       cfg.Store,
		clock:       clk,
		logger:      logger,
		defaultWait: defaultWait,
		maxWait:     maxWait,
	}
	s.hub.init()
	s.metrics = newCoordMetrics(logger)
	return s
}

// CurrentIndex exposes the allocator's latest value for response metadata.
func (s *Service) CurrentIndex() uint64 {
	return s.alloc.Current()
}

// resolveWait clamps a caller-supplied wait duration to the configured bounds.
func (s *Service) resolveWait(requested time.Duration) time.Duration {
	if requested <= 0 {
		return s.defaultWait
	}
	if requested > s.maxWait {
		return s.maxWait
	}
	return requested
}
