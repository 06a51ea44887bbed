package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/tabtree/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	Source        SourceConfig  `mapstructure:"source" yaml:"source"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
	Wait          WaitConfig    `mapstructure:"wait" yaml:"wait"`
	Persist       PersistConfig `mapstructure:"persist" yaml:"persist"`
	Engine        EngineConfig  `mapstructure:"engine" yaml:"engine"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// Tab source kinds.
const (
	SourceMemory = "memory"
	SourceCDP    = "cdp"
)

// SourceConfig selects the external tab source.
type SourceConfig struct {
	Kind     string `mapstructure:"kind" yaml:"kind"`
	CDPURL   string `mapstructure:"cdp_url" yaml:"cdp_url"`
	Headless bool   `mapstructure:"headless" yaml:"headless"`
	// ExecPath overrides the browser binary when no cdp_url is given.
	ExecPath string `mapstructure:"exec_path" yaml:"exec_path"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr          string `mapstructure:"addr" yaml:"addr"`
	StreamHistory int    `mapstructure:"stream_history" yaml:"stream_history"`
}

// WaitConfig bounds the tab status waiter.
type WaitConfig struct {
	Initial    time.Duration `mapstructure:"initial" yaml:"initial"`
	Max        time.Duration `mapstructure:"max" yaml:"max"`
	Multiplier float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PersistConfig controls shape snapshots.
type PersistConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// EngineConfig controls tree engine checks.
type EngineConfig struct {
	CheckInvariants bool `mapstructure:"check_invariants" yaml:"check_invariants"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".tabtree", "state"),
		Source: SourceConfig{
			Kind:     SourceMemory,
			CDPURL:   "",
			Headless: true,
		},
		HTTP: HTTPConfig{
			Addr:          "127.0.0.1:27490",
			StreamHistory: 64,
		},
		Wait: WaitConfig{
			Initial:    schema.DefaultWaitInitial,
			Max:        schema.DefaultWaitMax,
			Multiplier: schema.DefaultWaitMultiplier,
			Timeout:    schema.DefaultWaitTimeout,
		},
		Persist: PersistConfig{
			Enabled: true,
		},
		Engine: EngineConfig{
			CheckInvariants: false,
		},
	}, nil
}

// ServiceConfig maps the file config onto the engine config.
func (c Config) ServiceConfig() schema.ServiceConfig {
	return schema.ServiceConfig{
		StateDir:        c.StateDir,
		PersistShapes:   c.Persist.Enabled,
		CheckInvariants: c.Engine.CheckInvariants,
		Wait: schema.WaitConfig{
			Initial:    c.Wait.Initial,
			Max:        c.Wait.Max,
			Multiplier: c.Wait.Multiplier,
			Timeout:    c.Wait.Timeout,
		},
	}
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tabtree", "config.yaml"), nil
}
