package appconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("source.kind", cfg.Source.Kind)
	v.SetDefault("source.cdp_url", cfg.Source.CDPURL)
	v.SetDefault("source.headless", cfg.Source.Headless)
	v.SetDefault("source.exec_path", cfg.Source.ExecPath)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.stream_history", cfg.HTTP.StreamHistory)
	v.SetDefault("wait.initial", cfg.Wait.Initial)
	v.SetDefault("wait.max", cfg.Wait.Max)
	v.SetDefault("wait.multiplier", cfg.Wait.Multiplier)
	v.SetDefault("wait.timeout", cfg.Wait.Timeout)
	v.SetDefault("persist.enabled", cfg.Persist.Enabled)
	v.SetDefault("engine.check_invariants", cfg.Engine.CheckInvariants)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateSourceConfig(cfg.Source); err != nil {
		return Config{}, err
	}
	if cfg.HTTP.StreamHistory < 0 {
		return Config{}, fmt.Errorf("http.stream_history must not be negative")
	}
	return cfg, nil
}

func validateSourceConfig(cfg SourceConfig) error {
	switch cfg.Kind {
	case SourceMemory:
		return nil
	case SourceCDP:
		if cfg.CDPURL == "" {
			return nil
		}
		parsed, err := url.Parse(cfg.CDPURL)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("source.cdp_url must include scheme and host (e.g. ws://127.0.0.1:9222)")
		}
		switch parsed.Scheme {
		case "ws", "wss", "http", "https":
			return nil
		}
		return fmt.Errorf("source.cdp_url scheme %q is not supported", parsed.Scheme)
	default:
		return fmt.Errorf("unsupported source.kind %q", cfg.Kind)
	}
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Source.CDPURL = expandEnv(cfg.Source.CDPURL)
	cfg.Source.ExecPath = expandEnv(cfg.Source.ExecPath)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
