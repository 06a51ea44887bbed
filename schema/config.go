package schema

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// ServiceConfig defines defaults and limits for the tree engine.
type ServiceConfig struct {
	StateDir string
	// PersistShapes saves each window's shape after structural changes.
	PersistShapes bool
	// CheckInvariants verifies tree invariants after every mutation.
	CheckInvariants bool
	Wait            WaitConfig
}

// WaitConfig bounds the tab status waiter.
type WaitConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Timeout of zero disables the overall deadline.
	Timeout time.Duration
}

const (
	// DefaultWaitInitial is the first poll delay.
	DefaultWaitInitial = 100 * time.Millisecond
	// DefaultWaitMax caps a single poll delay.
	DefaultWaitMax = 2 * time.Second
	// DefaultWaitMultiplier grows the delay between polls.
	DefaultWaitMultiplier = 2.0
	// DefaultWaitTimeout bounds the whole wait.
	DefaultWaitTimeout = 30 * time.Second
)

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ServiceConfig{}, err
		}
		cfg.StateDir = filepath.Join(home, ".tabtree", "state")
	}
	if cfg.Wait.Initial <= 0 {
		cfg.Wait.Initial = DefaultWaitInitial
	}
	if cfg.Wait.Max <= 0 {
		cfg.Wait.Max = DefaultWaitMax
	}
	if cfg.Wait.Multiplier == 0 {
		cfg.Wait.Multiplier = DefaultWaitMultiplier
	}
	if cfg.Wait.Timeout < 0 {
		return ServiceConfig{}, errors.New("wait timeout must not be negative")
	}
	if cfg.Wait.Multiplier < 1 {
		return ServiceConfig{}, errors.New("wait multiplier must be at least 1")
	}
	if cfg.Wait.Max < cfg.Wait.Initial {
		return ServiceConfig{}, errors.New("wait max must not be below wait initial")
	}
	return cfg, nil
}
