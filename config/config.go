package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"escrowledger/crypto"
	"escrowledger/native/bank"
)

// Environment variables overriding file values.
const (
	EnvJWTSecret    = "ESCROW_RPC_JWT_SECRET"
	EnvEventArchive = "ESCROW_EVENT_ARCHIVE"
)

const defaultCancelCooldown = 24 * time.Hour

type Config struct {
	RPCAddress     string       `toml:"RPCAddress" yaml:"rpcAddress"`
	DataDir        string       `toml:"DataDir" yaml:"dataDir"`
	Environment    string       `toml:"Environment" yaml:"environment"`
	CancelCooldown Duration     `toml:"CancelCooldown" yaml:"cancelCooldown"`
	EventArchive   string       `toml:"EventArchive" yaml:"eventArchive"`
	Pauses         Pauses       `toml:"pauses" yaml:"pauses"`
	Allocations    []Allocation `toml:"allocations" yaml:"allocations"`
	Telemetry      Telemetry    `toml:"telemetry" yaml:"telemetry"`
	RateLimit      RateLimit    `toml:"rate_limit" yaml:"rateLimit"`
	Auth           Auth         `toml:"auth" yaml:"auth"`
	Logging        Logging      `toml:"logging" yaml:"logging"`
}

// Default returns the configuration written for a fresh data directory.
func Default() *Config {
	return &Config{
		RPCAddress:     "127.0.0.1:8545",
		DataDir:        "./escrow-data",
		Environment:    "local",
		CancelCooldown: Duration{defaultCancelCooldown},
		Allocations:    []Allocation{},
		Telemetry:      Telemetry{Endpoint: "localhost:4318", Insecure: true},
		RateLimit:      RateLimit{RequestsPerSecond: 20, Burst: 40},
		Auth:           Auth{Issuer: "escrowd", Audience: "escrow-rpc", ClockSkew: Duration{time.Minute}},
		Logging:        Logging{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
	}
}

// Load reads the configuration at path, creating it with defaults when it
// does not exist. Files ending in .yaml or .yml are parsed as YAML, anything
// else as TOML.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	if isYAML(path) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvEventArchive)); dsn != "" {
		c.EventArchive = dsn
	}
	if c.Allocations == nil {
		c.Allocations = []Allocation{}
	}
}

// EventArchiveDSN returns the archive location, defaulting to a sqlite file
// in the data directory. "off" disables archiving.
func (c *Config) EventArchiveDSN() string {
	dsn := strings.TrimSpace(c.EventArchive)
	switch {
	case strings.EqualFold(dsn, "off"):
		return ""
	case dsn == "":
		return filepath.Join(c.DataDir, "events.db")
	default:
		return dsn
	}
}

// ParsedAllocations resolves the configured allocations. Repeated addresses
// are summed.
func (c *Config) ParsedAllocations() (map[[20]byte]*big.Int, error) {
	out := make(map[[20]byte]*big.Int, len(c.Allocations))
	for i, alloc := range c.Allocations {
		addr, err := crypto.ParseAddress(alloc.Address)
		if err != nil {
			return nil, fmt.Errorf("allocations[%d]: %w", i, err)
		}
		amount, err := bank.ParseAmount(alloc.Amount)
		if err != nil {
			return nil, fmt.Errorf("allocations[%d]: %w", i, err)
		}
		if amount.Sign() == 0 {
			return nil, fmt.Errorf("allocations[%d]: amount must be positive", i)
		}
		raw := addr.Raw()
		if existing, ok := out[raw]; ok {
			existing.Add(existing, amount)
			continue
		}
		out[raw] = amount
	}
	return out, nil
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
