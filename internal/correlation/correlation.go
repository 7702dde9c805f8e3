// Package correlation carries a per-request correlation identifier on the
// context so log lines and responses from one request share an id.
package correlation

import (
	"context"
	"strings"

	"pkt.systems/coordd/internal/uuidv7"
)

// MaxIDLength caps accepted correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Generate returns a fresh correlation id.
func Generate() string {
	return uuidv7.NewString()
}

// Set attaches id to ctx when it normalizes to a valid identifier.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the correlation id carried on ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}

// Has reports whether ctx carries a correlation id.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Normalize trims and validates a caller-supplied correlation id. Identifiers
// must be printable ASCII without spaces and at most MaxIDLength runes.
func Normalize(raw string) (string, bool) {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r <= 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}
