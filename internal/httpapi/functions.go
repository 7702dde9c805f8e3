package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/coordd/internal/core/transport"
	"pkt.systems/coordd/internal/storage"
)

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

// convertCoreError maps core and storage errors onto httpError values the
// response writer understands. Anything unmapped surfaces as a 500.
func convertCoreError(err error) error {
	switch {
	case errors.Is(err, storage.ErrCASMismatch):
		return httpError{Status: http.StatusConflict, Code: "cas_mismatch", Detail: "storage cas mismatch"}
	case errors.Is(err, storage.ErrNotFound):
		return httpError{Status: http.StatusNotFound, Code: "not_found", Detail: "resource not found"}
	}
	if httpErr, ok := transport.ToHTTP(err); ok {
		return httpError{
			Status: httpErr.Status,
			Code:   httpErr.Code,
			Detail: httpErr.Detail,
		}
	}
	return err
}

// parseWait accepts a Go duration string ("1m30s", "10s") or a bare number of
// seconds. Empty input means "use the server default".
func parseWait(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("wait must not be negative")
		}
		return d, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("invalid wait %q", raw)
	}
	return time.Duration(secs) * time.Second, nil
}

// parseIndex parses a blocking-query or cas index parameter.
func parseIndex(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid index %q", raw)
	}
	return v, nil
}

// boolFlag reports whether a query flag is set. A bare flag (?recurse) counts
// as true; an explicit value is parsed as a boolean.
func boolFlag(values url.Values, name string) (bool, error) {
	if _, present := values[name]; !present {
		return false, nil
	}
	raw := strings.TrimSpace(values.Get(name))
	if raw == "" {
		return true, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s flag %q", name, raw)
	}
	return v, nil
}

func indexHeader(index uint64) map[string]string {
	return map[string]string{headerIndex: strconv.FormatUint(index, 10)}
}
