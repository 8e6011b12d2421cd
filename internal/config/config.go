// Package config defines the gateway core's process configuration and
// loads it from a YAML file. Every tunable lives in an explicit struct
// with documented defaults; validation happens at load time.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"gatewaycore/internal/discovery"
	"gatewaycore/internal/gwerrors"
	"gatewaycore/internal/logging"
	"gatewaycore/internal/modbus"
	"gatewaycore/internal/pool"
	"gatewaycore/internal/relay"
	"gatewaycore/internal/types"
)

// Config is the gateway core's process-wide configuration.
type Config struct {
	Logging   logging.Config   `yaml:"logging"`
	Pool      pool.Config      `yaml:"pool"`
	Modbus    modbus.Config    `yaml:"modbus"`
	Discovery discovery.Config `yaml:"discovery"`
	Relay     relay.Config     `yaml:"relay"`
	Devices   []DeviceConfig   `yaml:"devices"`
	Patterns  PatternConfig    `yaml:"patterns"`
}

// DeviceConfig is one statically-configured device and its tag list.
type DeviceConfig struct {
	DeviceID string        `yaml:"device_id"`
	URI      string        `yaml:"uri"`
	Tags     []TagConfig   `yaml:"tags"`
	PollRate time.Duration `yaml:"poll_rate"`
}

// TagConfig is the YAML projection of types.Tag.
type TagConfig struct {
	Name          string  `yaml:"name"`
	Address       string  `yaml:"address"`
	DataType      string  `yaml:"data_type"`
	ScalingFactor float64 `yaml:"scaling_factor"`
	Offset        float64 `yaml:"offset"`
	ReadOnly      bool    `yaml:"read_only"`
}

// PatternConfig locates the on-disk pattern database.
type PatternConfig struct {
	StorePath string `yaml:"store_path"`
}

// Default returns the configuration the gateway core ships with when no
// file is provided: a development logger, standard pool/modbus tuning,
// and discovery/relay disabled-by-absence of targets.
func Default() Config {
	return Config{
		Logging:   logging.Config{Production: false},
		Pool:      pool.DefaultConfig(),
		Modbus:    modbus.DefaultConfig(),
		Discovery: discovery.DefaultConfig(),
		Patterns:  PatternConfig{StorePath: "patterns.json"},
	}
}

// Load reads and parses a YAML configuration file, starting from
// Default() so a partial file only overrides what it sets. Malformed
// YAML or a value that fails validation is reported as
// gwerrors.InvalidRequest, never a bare os/yaml error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, gwerrors.NewInvalidRequest(fmt.Sprintf("config: cannot read %q: %v", path, err))
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, gwerrors.NewInvalidRequest(fmt.Sprintf("config: cannot parse %q: %v", path, err))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants Load cannot guarantee purely from
// unmarshalling: every device must have a non-empty ID and URI, and
// every tag a non-empty name and address and a known data type.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.DeviceID == "" {
			return gwerrors.NewInvalidRequest("config: device entry missing device_id")
		}
		if seen[d.DeviceID] {
			return gwerrors.NewInvalidRequest(fmt.Sprintf("config: duplicate device_id %q", d.DeviceID))
		}
		seen[d.DeviceID] = true
		if d.URI == "" {
			return gwerrors.NewInvalidRequest(fmt.Sprintf("config: device %q missing uri", d.DeviceID))
		}
		for _, tc := range d.Tags {
			tag := types.Tag{Name: tc.Name, Address: tc.Address, DataType: types.DataType(tc.DataType)}
			if err := tag.Validate(); err != nil {
				return gwerrors.NewInvalidRequest(fmt.Sprintf("config: device %q: %v", d.DeviceID, err))
			}
		}
	}
	return nil
}
