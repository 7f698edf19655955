package config

import (
	"fmt"
	"net"
	"strings"
)

var validLogLevels = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "error": {}}

// Validate checks that the configuration can be used to start the daemon.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("RPCAddress must be set")
	}
	if _, _, err := net.SplitHostPort(c.RPCAddress); err != nil {
		return fmt.Errorf("RPCAddress: %w", err)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir must be set")
	}
	if c.CancelCooldown.Duration <= 0 {
		return fmt.Errorf("CancelCooldown must be positive")
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit: RequestsPerSecond must not be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit: Burst must be at least 1 when limiting is enabled")
	}
	if _, err := c.RateLimit.ParsedTrustedProxies(); err != nil {
		return err
	}
	if (c.Telemetry.Traces || c.Telemetry.Metrics) && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		return fmt.Errorf("telemetry: Endpoint required when exporters are enabled")
	}
	if c.Auth.ClockSkew.Duration < 0 {
		return fmt.Errorf("auth: ClockSkew must not be negative")
	}
	if level := strings.ToLower(strings.TrimSpace(c.Logging.Level)); level != "" {
		if _, ok := validLogLevels[level]; !ok {
			return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
		}
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("logging: rotation limits must not be negative")
	}
	if _, err := c.ParsedAllocations(); err != nil {
		return err
	}
	return nil
}
