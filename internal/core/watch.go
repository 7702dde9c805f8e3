package core

import "sync"

// watchPoint is one broadcast channel plus the number of waiters parked on
// it. The count lets an abandoned waiter remove the registration instead of
// leaving the channel in the map until some future write.
type watchPoint struct {
	ch      chan struct{}
	waiters int
}

// watchHub is the blocking-query coordinator. Waiters subscribe to a key (or
// prefix) and receive a channel that is closed when any qualifying write,
// delete, or cascade touches it. Closing broadcasts: every waiter parked on
// the channel wakes from a single write. Registration is one-shot, and a
// waiter that leaves without being woken (deadline, disconnect) drops its
// count so unwatched entries do not accumulate.
type watchHub struct {
	mu       sync.Mutex
	keys     map[string]*watchPoint
	prefixes map[string]*watchPoint
}

func (h *watchHub) init() {
	h.keys = make(map[string]*watchPoint)
	h.prefixes = make(map[string]*watchPoint)
}

// watchKey returns the broadcast channel for exact-key changes.
func (h *watchHub) watchKey(key string) <-chan struct{} {
	return h.join(h.keys, key)
}

// watchPrefix returns the broadcast channel for changes under prefix.
func (h *watchHub) watchPrefix(prefix string) <-chan struct{} {
	return h.join(h.prefixes, prefix)
}

func (h *watchHub) join(points map[string]*watchPoint, name string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := points[name]
	if !ok {
		p = &watchPoint{ch: make(chan struct{})}
		points[name] = p
	}
	p.waiters++
	return p.ch
}

// leaveKey drops one waiter's registration after a deadline or cancellation.
// A no-op when notify already consumed the broadcast point, or when a fresh
// point has replaced the one the waiter held.
func (h *watchHub) leaveKey(key string, ch <-chan struct{}) {
	h.leave(h.keys, key, ch)
}

func (h *watchHub) leavePrefix(prefix string, ch <-chan struct{}) {
	h.leave(h.prefixes, prefix, ch)
}

func (h *watchHub) leave(points map[string]*watchPoint, name string, ch <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := points[name]
	if !ok || p.ch != ch {
		return
	}
	if p.waiters--; p.waiters <= 0 {
		delete(points, name)
	}
}

// notify wakes every waiter registered on any of the supplied keys, plus
// every prefix waiter whose prefix covers one of them. Must be called after
// the mutation has committed so woken readers observe the new state.
func (h *watchHub) notify(keys ...string) {
	if len(keys) == 0 {
		return
	}
	h.mu.Lock()
	for _, key := range keys {
		if p, ok := h.keys[key]; ok {
			close(p.ch)
			delete(h.keys, key)
		}
	}
	for prefix, p := range h.prefixes {
		for _, key := range keys {
			if hasPrefix(key, prefix) {
				close(p.ch)
				delete(h.prefixes, prefix)
				break
			}
		}
	}
	h.mu.Unlock()
}

// registered reports how many broadcast points are live.
func (h *watchHub) registered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.keys) + len(h.prefixes)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
