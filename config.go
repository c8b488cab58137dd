package registrar

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration consumed by the daemon:
// ownership, transport, storage and the governance parameters. It loads
// from a YAML or TOML file (selected by extension) with environment
// variable overrides under the REGISTRAR_ prefix.
type Config struct {
	// Owner is the owning authority principal for both the registry
	// and governance.
	Owner string `yaml:"owner" toml:"owner" env:"OWNER"`

	// Listen is the HTTP control surface bind address.
	Listen string `yaml:"listen" toml:"listen" env:"LISTEN"`

	// StoreDSN selects the durable store: empty for in-memory, a file
	// path or ":memory:" for SQLite.
	StoreDSN string `yaml:"storeDSN" toml:"storeDSN" env:"STORE_DSN"`

	// SnapshotSchedule is a cron expression for the daemon's periodic
	// JSON state export; empty disables the job.
	SnapshotSchedule string `yaml:"snapshotSchedule" toml:"snapshotSchedule" env:"SNAPSHOT_SCHEDULE"`

	// SnapshotPath is the file the periodic state export writes to.
	SnapshotPath string `yaml:"snapshotPath" toml:"snapshotPath" env:"SNAPSHOT_PATH"`

	// JWTSecret is the HMAC key verifying caller bearer tokens on the
	// HTTP surface.
	JWTSecret string `yaml:"jwtSecret" toml:"jwtSecret" env:"JWT_SECRET"`

	// Governance carries the proposal-workflow parameters.
	Governance GovernanceConfig `yaml:"governance" toml:"governance" envPrefix:"GOVERNANCE_"`
}

func (c *Config) applyDefaults() {
	if c.Owner == "" {
		c.Owner = "root"
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.SnapshotPath == "" {
		c.SnapshotPath = "registrar-state.json"
	}
	c.Governance.applyDefaults()
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Owner == "" {
		return ErrOwnerEmpty
	}
	return c.Governance.Validate()
}

// LoadConfig reads the configuration file at path (YAML by default,
// TOML for .toml files), applies REGISTRAR_* environment overrides and
// defaults, and validates the result. An empty path skips the file and
// builds the configuration from environment and defaults alone.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing TOML config: %w", err)
			}
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config: %w", err)
			}
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "REGISTRAR_"}); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// governanceConfigWire is the file representation of GovernanceConfig:
// durations are "24h"-style strings, which neither YAML nor TOML
// decodes into time.Duration on its own.
type governanceConfigWire struct {
	Identity         string `yaml:"identity"`
	TimelockDuration string `yaml:"timelockDuration"`
	MinTimelock      string `yaml:"minTimelock"`
	MaxTimelock      string `yaml:"maxTimelock"`
	ApprovalQuorum   int    `yaml:"approvalQuorum"`
	ProposalExpiry   string `yaml:"proposalExpiry"`
}

func (c *GovernanceConfig) fromWire(w governanceConfigWire) error {
	c.Identity = w.Identity
	c.ApprovalQuorum = w.ApprovalQuorum

	for _, field := range []struct {
		raw string
		dst *time.Duration
	}{
		{w.TimelockDuration, &c.TimelockDuration},
		{w.MinTimelock, &c.MinTimelock},
		{w.MaxTimelock, &c.MaxTimelock},
		{w.ProposalExpiry, &c.ProposalExpiry},
	} {
		if field.raw == "" {
			continue
		}
		d, err := time.ParseDuration(field.raw)
		if err != nil {
			return fmt.Errorf("%w: bad duration %q", ErrInvalidArgument, field.raw)
		}
		*field.dst = d
	}
	return nil
}

// UnmarshalYAML decodes duration fields from "24h"-style strings.
func (c *GovernanceConfig) UnmarshalYAML(node *yaml.Node) error {
	var w governanceConfigWire
	if err := node.Decode(&w); err != nil {
		return err
	}
	return c.fromWire(w)
}

// UnmarshalTOML decodes duration fields from "24h"-style strings.
func (c *GovernanceConfig) UnmarshalTOML(data interface{}) error {
	table, ok := data.(map[string]interface{})
	if !ok {
		return fmt.Errorf("%w: governance section must be a table", ErrInvalidArgument)
	}

	var w governanceConfigWire
	if v, ok := table["identity"].(string); ok {
		w.Identity = v
	}
	if v, ok := table["timelockDuration"].(string); ok {
		w.TimelockDuration = v
	}
	if v, ok := table["minTimelock"].(string); ok {
		w.MinTimelock = v
	}
	if v, ok := table["maxTimelock"].(string); ok {
		w.MaxTimelock = v
	}
	if v, ok := table["approvalQuorum"].(int64); ok {
		w.ApprovalQuorum = int(v)
	}
	if v, ok := table["proposalExpiry"].(string); ok {
		w.ProposalExpiry = v
	}
	return c.fromWire(w)
}
