package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("24h", "90s") in both TOML and YAML files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// Pauses holds the module pause switches. A paused module rejects every state
// changing call.
type Pauses struct {
	Escrow bool `toml:"Escrow" yaml:"escrow"`
}

// Allocation credits an account at startup. Amounts are base units.
type Allocation struct {
	Address string `toml:"Address" yaml:"address"`
	Amount  string `toml:"Amount" yaml:"amount"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	Headers  string `toml:"Headers" yaml:"headers"`
	Traces   bool   `toml:"Traces" yaml:"traces"`
	Metrics  bool   `toml:"Metrics" yaml:"metrics"`
}

// RateLimit bounds JSON-RPC requests per client address. A zero rate
// disables limiting. X-Forwarded-For is only honoured for requests arriving
// from a TrustedProxies entry (an IP or CIDR).
type RateLimit struct {
	RequestsPerSecond float64  `toml:"RequestsPerSecond" yaml:"requestsPerSecond"`
	Burst             int      `toml:"Burst" yaml:"burst"`
	TrustedProxies    []string `toml:"TrustedProxies" yaml:"trustedProxies"`
}

// ParsedTrustedProxies resolves TrustedProxies into prefixes. A bare address
// becomes a single-host prefix.
func (r RateLimit) ParsedTrustedProxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(r.TrustedProxies))
	for _, raw := range r.TrustedProxies {
		entry := strings.TrimSpace(raw)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("rate_limit: trusted proxy %q: %w", raw, err)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("rate_limit: trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Auth configures bearer authentication of mutating RPC methods. Tokens are
// HMAC signed JWTs; the secret is normally supplied through the environment.
type Auth struct {
	JWTSecret string   `toml:"JWTSecret,omitempty" yaml:"jwtSecret,omitempty"`
	Issuer    string   `toml:"Issuer" yaml:"issuer"`
	Audience  string   `toml:"Audience" yaml:"audience"`
	ClockSkew Duration `toml:"ClockSkew" yaml:"clockSkew"`
}

// Logging controls where structured logs go. An empty File logs to stdout.
type Logging struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `toml:"MaxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"maxAgeDays"`
}
