package coordd

import (
	"fmt"
	"net/url"
	"strings"

	"pkt.systems/coordd/internal/storage"
	"pkt.systems/coordd/internal/storage/memory"
)

type storeTarget struct {
	scheme string
}

func parseStoreURL(raw string) (storeTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return storeTarget{scheme: "mem"}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return storeTarget{}, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "", "mem", "memory":
		return storeTarget{scheme: "mem"}, nil
	default:
		return storeTarget{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

func openBackend(cfg Config) (storage.Backend, error) {
	target, err := parseStoreURL(cfg.Store)
	if err != nil {
		return nil, err
	}
	switch target.scheme {
	case "mem":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("store scheme %q not supported", target.scheme)
	}
}
