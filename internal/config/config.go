package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config carries everything the process needs at startup. Values come from
// the environment, with an optional YAML settings file overriding the
// billing/presence/payout knobs.
type Config struct {
	Driver   string
	DBSource string
	Port     string
	Env      string

	Billing  BillingConfig
	Presence PresenceConfig
	Payout   PayoutConfig
}

type BillingConfig struct {
	MinimumBillableMinutes int64         `yaml:"minimum_billable_minutes"`
	StaleAfter             time.Duration `yaml:"stale_after"`
	SweepInterval          time.Duration `yaml:"sweep_interval"`
}

type PresenceConfig struct {
	DebounceWindow time.Duration `yaml:"debounce_window"`
}

type PayoutConfig struct {
	// Threshold is in minor units; the default is a $15.00 equivalent.
	Threshold int64         `yaml:"threshold"`
	Interval  time.Duration `yaml:"interval"`
}

type settingsFile struct {
	Billing  BillingConfig  `yaml:"billing"`
	Presence PresenceConfig `yaml:"presence"`
	Payout   PayoutConfig   `yaml:"payout"`
}

func Load() (*Config, error) {
	driver := getEnvString("DB_DRIVER", "postgres")

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		if driver == "sqlite" {
			dbSource = "sessionops.db"
		} else {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required")
		}
	}

	staleAfter, err := getEnvDuration("SESSION_STALE_AFTER", 2*time.Hour)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := getEnvDuration("SESSION_SWEEP_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	debounce, err := getEnvDuration("PRESENCE_DEBOUNCE_WINDOW", 2*time.Second)
	if err != nil {
		return nil, err
	}
	payoutInterval, err := getEnvDuration("PAYOUT_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Driver:   driver,
		DBSource: dbSource,
		Port:     getEnvString("SERVER_PORT", "8080"),
		Env:      getEnvString("ENVIRONMENT", "development"),
		Billing: BillingConfig{
			MinimumBillableMinutes: getEnvInt64("BILLING_MINIMUM_MINUTES", 5),
			StaleAfter:             staleAfter,
			SweepInterval:          sweepInterval,
		},
		Presence: PresenceConfig{
			DebounceWindow: debounce,
		},
		Payout: PayoutConfig{
			Threshold: getEnvInt64("PAYOUT_THRESHOLD", 1500),
			Interval:  payoutInterval,
		},
	}

	if path := os.Getenv("SETTINGS_FILE"); path != "" {
		if err := cfg.applySettingsFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// applySettingsFile overlays non-zero values from a YAML settings file on top
// of the env-derived config.
func (c *Config) applySettingsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings file %s: %w", path, err)
	}
	var s settingsFile
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parse settings file %s: %w", path, err)
	}

	if s.Billing.MinimumBillableMinutes > 0 {
		c.Billing.MinimumBillableMinutes = s.Billing.MinimumBillableMinutes
	}
	if s.Billing.StaleAfter > 0 {
		c.Billing.StaleAfter = s.Billing.StaleAfter
	}
	if s.Billing.SweepInterval > 0 {
		c.Billing.SweepInterval = s.Billing.SweepInterval
	}
	if s.Presence.DebounceWindow > 0 {
		c.Presence.DebounceWindow = s.Presence.DebounceWindow
	}
	if s.Payout.Threshold > 0 {
		c.Payout.Threshold = s.Payout.Threshold
	}
	if s.Payout.Interval > 0 {
		c.Payout.Interval = s.Payout.Interval
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}
