package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/spinstage/spinstage/pkg/security"
)

// dataDir holds local state when no path is configured.
const dataDir = ".spinstage"

// Config holds all application configuration
type Config struct {
	// Working directory for downloads, staging trees and mount points
	WorkDir string `mapstructure:"work-dir"`

	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Elevated helper
	HelperTimeout time.Duration `mapstructure:"helper-timeout"`

	// Downloads
	DownloadRetries int           `mapstructure:"download-retries"`
	DownloadTimeout time.Duration `mapstructure:"download-timeout"`
	S3Region        string        `mapstructure:"s3-region"`

	// Partitioning
	TmpPartLabel string `mapstructure:"tmp-part-label"`
	ShrinkMargin int64  `mapstructure:"shrink-margin"`

	// Firmware
	BootSlotLimit int `mapstructure:"boot-slot-limit"`

	// FSM configuration
	Durable       bool `mapstructure:"durable"`
	FSMMaxRetries int  `mapstructure:"fsm-max-retries"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("work-dir", filepath.Join(dataDir, "work"))
	viper.SetDefault("sqlite-path", filepath.Join(dataDir, "runs.db"))
	viper.SetDefault("fsm-db-path", filepath.Join(dataDir, "fsm"))
	viper.SetDefault("helper-timeout", 2*time.Minute)
	viper.SetDefault("download-retries", 5)
	viper.SetDefault("download-timeout", 30*time.Second)
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("tmp-part-label", "SPINSTAGE")
	viper.SetDefault("shrink-margin", 16*1024*1024)
	viper.SetDefault("boot-slot-limit", 50)
	viper.SetDefault("durable", false)
	viper.SetDefault("fsm-max-retries", 3)

	// Environment variables (will be SPINSTAGE_WORK_DIR, etc.)
	viper.SetEnvPrefix("SPINSTAGE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.spinstage")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// resolvePaths makes the on-disk paths absolute. The elevated helper
// runs with its own working directory, so relative paths would point
// somewhere else on its side.
func (c *Config) resolvePaths() error {
	for _, p := range []*string{&c.WorkDir, &c.SQLitePath, &c.FSMDBPath} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", *p, err)
		}
		*p = abs
	}
	return nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.HelperTimeout <= 0 {
		return fmt.Errorf("helper-timeout must be positive")
	}
	if c.DownloadRetries < 0 {
		return fmt.Errorf("download-retries must be non-negative")
	}
	if c.DownloadTimeout <= 0 {
		return fmt.Errorf("download-timeout must be positive")
	}
	if err := security.ValidateLabel(c.TmpPartLabel); err != nil {
		return fmt.Errorf("tmp-part-label: %w", err)
	}
	if c.ShrinkMargin < 0 {
		return fmt.Errorf("shrink-margin must be non-negative")
	}
	if c.BootSlotLimit <= 0 || c.BootSlotLimit > 0xffff {
		return fmt.Errorf("boot-slot-limit must be between 1 and 65535")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	return nil
}
