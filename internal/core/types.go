package core

import (
	"time"

	"pkt.systems/coordd/api"
)

// Entry is the coordination core's view of one KV table row.
type Entry struct {
	Key         string
	Value       []byte
	Flags       uint64
	CreateIndex uint64
	ModifyIndex uint64
	LockIndex   uint64
	Session     string
}

// Session is a read snapshot of a registered session.
type Session struct {
	ID            string
	Name          string
	Behavior      api.SessionBehavior
	TTLSeconds    int64
	CreateIndex   uint64
	LastRenewUnix int64
}

// GetCommand fetches one key or, with Recurse, every key under a prefix.
// A non-zero WaitIndex engages blocking semantics: the read suspends until
// the target's modify index differs from WaitIndex or Wait elapses.
type GetCommand struct {
	Key       string
	Recurse   bool
	WaitIndex uint64
	Wait      time.Duration
}

// GetResult carries the matched entries plus the allocator's current value.
// Found is false when nothing matched (absent key or empty prefix scan).
type GetResult struct {
	Entries []Entry
	Index   uint64
	Found   bool
}

// PutCommand writes a key, optionally guarded by CAS or session-lock rules.
type PutCommand struct {
	Key   string
	Value []byte
	Flags uint64
	// CAS, when set, makes the write conditional on ModifyIndex == *CAS;
	// zero means the key must not exist yet.
	CAS *uint64
	// Acquire requests the lock for this session id.
	Acquire string
	// Release clears the lock if this session id holds it.
	Release string
}

// PutResult reports whether the write was applied. Applied=false is the
// expected conflict outcome, not an error.
type PutResult struct {
	Applied     bool
	ModifyIndex uint64
	Index       uint64
}

// DeleteCommand removes one key or, with Recurse, a whole prefix.
type DeleteCommand struct {
	Key     string
	Recurse bool
}

// DeleteResult reports the surfaced always-true outcome plus the allocator's
// current value.
type DeleteResult struct {
	Deleted bool
	Index   uint64
}

// SessionCreateCommand registers a new session.
type SessionCreateCommand struct {
	Name       string
	Behavior   string
	TTLSeconds int64
}

// SessionCreateResult returns the fresh session id and its create index.
type SessionCreateResult struct {
	ID          string
	CreateIndex uint64
}

// SessionDestroyResult reports the destroy cascade outcome.
type SessionDestroyResult struct {
	Destroyed bool
	Index     uint64
}
