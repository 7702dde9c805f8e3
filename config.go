package coordd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9460"
	// DefaultListenProto controls the scheme used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultStore points the server at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultDatacenter names the single datacenter this node answers for.
	DefaultDatacenter = "dc1"
	// DefaultJSONMaxBytes bounds incoming request payloads.
	DefaultJSONMaxBytes = int64(1 << 20)
	// DefaultQueryWait bounds blocking reads that omit an explicit wait.
	DefaultQueryWait = 5 * time.Minute
	// DefaultQueryMaxWait is the hard ceiling enforced on caller-supplied waits.
	DefaultQueryMaxWait = 10 * time.Minute
	// DefaultSweeperInterval sets the tick frequency for expired-session sweeps.
	DefaultSweeperInterval = 15 * time.Second
	// DefaultShutdownTimeout caps the total shutdown time.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file cmd/coordd looks for when no
	// --config flag is given.
	DefaultConfigFileName = "coordd.yaml"
)

// Config captures everything a Server needs to start.
type Config struct {
	// Listen is the client-facing bind address, host:port.
	Listen string
	// ListenProto selects the listener protocol, "tcp" or "unix".
	ListenProto string
	// Store is the storage backend URL, e.g. "mem://".
	Store string
	// MetricsListen exposes a Prometheus scrape endpoint when non-empty.
	MetricsListen string
	// PprofListen exposes net/http/pprof when non-empty.
	PprofListen string
	// OTLPEndpoint enables trace export, e.g. "grpc://otel-collector:4317".
	OTLPEndpoint string
	// EnableRuntimeMetrics adds Go runtime instrumentation to the meter.
	EnableRuntimeMetrics bool
	// EnableHTTPTracing wraps every endpoint in otel spans.
	EnableHTTPTracing bool
	// Datacenter names this node in catalog responses.
	Datacenter string
	// JSONMaxBytes bounds request payloads.
	JSONMaxBytes int64
	// DefaultWait bounds blocking reads that omit an explicit wait.
	DefaultWait time.Duration
	// MaxWait caps caller-supplied wait durations.
	MaxWait time.Duration
	// SweeperInterval spaces proactive expired-session sweeps; 0 uses the
	// default, negative disables the sweeper.
	SweeperInterval time.Duration
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config populated with every default.
func DefaultConfig() Config {
	return Config{
		Listen:          DefaultListen,
		ListenProto:     DefaultListenProto,
		Store:           DefaultStore,
		MetricsListen:   DefaultMetricsListen,
		PprofListen:     DefaultPprofListen,
		Datacenter:      DefaultDatacenter,
		JSONMaxBytes:    DefaultJSONMaxBytes,
		DefaultWait:     DefaultQueryWait,
		MaxWait:         DefaultQueryMaxWait,
		SweeperInterval: DefaultSweeperInterval,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// normalized fills zero values with defaults without mutating the receiver.
func (c Config) normalized() Config {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.ListenProto) == "" {
		c.ListenProto = DefaultListenProto
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if strings.TrimSpace(c.Datacenter) == "" {
		c.Datacenter = DefaultDatacenter
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.DefaultWait <= 0 {
		c.DefaultWait = DefaultQueryWait
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultQueryMaxWait
	}
	if c.SweeperInterval == 0 {
		c.SweeperInterval = DefaultSweeperInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	c = c.normalized()
	switch c.ListenProto {
	case "tcp", "unix":
	default:
		return fmt.Errorf("config: unsupported listen proto %q", c.ListenProto)
	}
	if c.DefaultWait > c.MaxWait {
		return fmt.Errorf("config: default wait %s exceeds max wait %s", c.DefaultWait, c.MaxWait)
	}
	if _, err := parseStoreURL(c.Store); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.OTLPEndpoint != "" {
		if _, err := resolveOTLPTarget(c.OTLPEndpoint); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.coordd),
// overridable via COORDD_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("COORDD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".coordd"), nil
}
