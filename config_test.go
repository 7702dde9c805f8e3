package coordd

import (
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestZeroConfigNormalizes(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero config invalid after normalization: %v", err)
	}
	norm := cfg.normalized()
	if norm.Listen != DefaultListen || norm.Store != DefaultStore || norm.Datacenter != DefaultDatacenter {
		t.Fatalf("normalized defaults: %+v", norm)
	}
	if norm.DefaultWait != DefaultQueryWait || norm.MaxWait != DefaultQueryMaxWait {
		t.Fatalf("normalized waits: %v / %v", norm.DefaultWait, norm.MaxWait)
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"bad proto", func(c *Config) { c.ListenProto = "udp" }},
		{"wait inversion", func(c *Config) { c.DefaultWait = time.Hour; c.MaxWait = time.Minute }},
		{"bad store", func(c *Config) { c.Store = "s3://bucket/prefix" }},
		{"bad otlp", func(c *Config) { c.OTLPEndpoint = "smtp://collector" }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mut(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: accepted", tc.name)
		}
	}
}

func TestNegativeSweeperIntervalSurvivesNormalization(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweeperInterval = -1
	if got := cfg.normalized().SweeperInterval; got != -1 {
		t.Fatalf("sweeper interval = %v, want -1 (disabled)", got)
	}
}
