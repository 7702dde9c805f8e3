package api

import (
	"fmt"
	"strings"
)

// SessionBehavior selects what happens to keys a session holds locks on when
// the session is destroyed or expires.
type SessionBehavior string

const (
	// BehaviorRelease clears the lock holder and leaves the entries intact.
	BehaviorRelease SessionBehavior = "release"
	// BehaviorDelete removes every entry the session held a lock on.
	BehaviorDelete SessionBehavior = "delete"
)

// NormalizeBehavior maps user input onto a canonical SessionBehavior.
// Input is case-insensitive; the empty string defaults to release.
func NormalizeBehavior(raw string) (SessionBehavior, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(BehaviorRelease):
		return BehaviorRelease, nil
	case string(BehaviorDelete):
		return BehaviorDelete, nil
	default:
		return "", fmt.Errorf("unknown session behavior %q", raw)
	}
}

// SessionCreateRequest models the JSON payload for PUT /v1/session/create.
type SessionCreateRequest struct {
	// Name is an optional human-readable label for the session.
	Name string `json:"name,omitempty"`
	// Behavior is "release" or "delete" (case-insensitive, default release).
	Behavior string `json:"behavior,omitempty"`
	// TTLSeconds bounds the renewal deadline; 0 disables expiry.
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
}

// SessionCreateResponse is returned when a session is registered.
type SessionCreateResponse struct {
	// ID is the opaque session identifier.
	ID string `json:"id"`
}

// Session is the read snapshot returned by renew, info, and list.
type Session struct {
	// ID is the opaque session identifier.
	ID string `json:"id"`
	// Name is the label supplied at creation.
	Name string `json:"name,omitempty"`
	// Behavior is the destroy policy chosen at creation.
	Behavior SessionBehavior `json:"behavior"`
	// TTLSeconds is the renewal deadline; 0 means no expiry.
	TTLSeconds int64 `json:"ttl_seconds"`
	// CreateIndex is the global index stamped at creation.
	CreateIndex uint64 `json:"create_index"`
	// LastRenewUnix is the Unix time of the most recent create/renew.
	LastRenewUnix int64 `json:"last_renew_unix"`
}

// KVPair is one key/value entry as surfaced by read responses.
type KVPair struct {
	// Key identifies the entry within the table.
	Key string `json:"key"`
	// Value is the stored byte payload (base64 in JSON bodies).
	Value []byte `json:"value"`
	// Flags carries opaque client metadata stored alongside the value.
	Flags uint64 `json:"flags"`
	// CreateIndex is the global index at the entry's first write.
	CreateIndex uint64 `json:"create_index"`
	// ModifyIndex is the global index at the entry's latest write.
	ModifyIndex uint64 `json:"modify_index"`
	// LockIndex counts successful lock acquisitions on this key.
	LockIndex uint64 `json:"lock_index"`
	// Session is the lock-holding session id, when a lock is held.
	Session string `json:"session,omitempty"`
}

// QueryMeta carries response metadata shared by read operations.
type QueryMeta struct {
	// Index is the allocator's current value at response time; clients feed
	// it back as the blocking index on their next call.
	Index uint64
}

// QueryOptions tunes KV read requests.
type QueryOptions struct {
	// Recurse scans every key under the requested prefix.
	Recurse bool
	// WaitIndex engages blocking semantics: the read returns once the
	// target's modify index differs from WaitIndex or Wait elapses.
	WaitIndex uint64
	// Wait bounds a blocking read, e.g. "10s". Empty uses the server default.
	Wait string
	// AllowStale is accepted for wire compatibility; a single-node server
	// answers every read authoritatively.
	AllowStale bool
}

// WriteOptions tunes KV write requests.
type WriteOptions struct {
	// Flags stores opaque metadata with the entry.
	Flags uint64
	// CAS makes the write conditional on ModifyIndex == CAS.
	CAS *uint64
	// AcquireSession requests the lock for the given session.
	AcquireSession string
	// ReleaseSession releases the lock held by the given session.
	ReleaseSession string
}

// ErrorResponse is the JSON error envelope for non-2xx responses.
type ErrorResponse struct {
	// ErrorCode is a stable machine-readable failure code.
	ErrorCode string `json:"error"`
	// Detail is a human-readable explanation.
	Detail string `json:"detail,omitempty"`
}
