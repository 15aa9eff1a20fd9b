package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Local state
	CacheDir  string `mapstructure:"cache-dir"`
	DBPath    string `mapstructure:"db-path"`
	FSMDBPath string `mapstructure:"fsm-db-path"`
	OutputDir string `mapstructure:"output-dir"`

	// Artifact source. The S3 bucket, when set, replaces the HTTP host.
	ArtifactBaseURL     string `mapstructure:"artifact-base-url"`
	ArtifactInfoURL     string `mapstructure:"artifact-info-url"`
	ArtifactS3Bucket    string `mapstructure:"artifact-s3-bucket"`
	ArtifactS3Region    string `mapstructure:"artifact-s3-region"`
	ArtifactMaxAttempts int    `mapstructure:"artifact-max-attempts"`
	AcceptUnverified    bool   `mapstructure:"accept-unverified"`

	// Device tools
	FastbootPath string `mapstructure:"fastboot-path"`
	ADBPath      string `mapstructure:"adb-path"`
	ADBAddr      string `mapstructure:"adb-addr"`

	// Device timing
	BootloaderTimeout      time.Duration `mapstructure:"bootloader-timeout"`
	BootloaderWaitAttempts int           `mapstructure:"bootloader-wait-attempts"`
	RecoveryTimeout        time.Duration `mapstructure:"recovery-timeout"`
	TransferTimeout        time.Duration `mapstructure:"transfer-timeout"`
	ListenerSettle         time.Duration `mapstructure:"listener-settle"`
	DeviceProduct          string        `mapstructure:"device-product"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	// Events
	NATSURL     string `mapstructure:"nats-url"`
	NATSSubject string `mapstructure:"nats-subject"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("cache-dir", "files")
	viper.SetDefault("db-path", ".lon-deployer/lon.db")
	viper.SetDefault("fsm-db-path", ".lon-deployer/fsm")
	viper.SetDefault("output-dir", ".")
	viper.SetDefault("artifact-base-url", "https://timoxa0.su")
	viper.SetDefault("artifact-info-url", "")
	viper.SetDefault("artifact-s3-bucket", "")
	viper.SetDefault("artifact-s3-region", "us-east-1")
	viper.SetDefault("artifact-max-attempts", 3)
	viper.SetDefault("accept-unverified", false)
	viper.SetDefault("fastboot-path", "fastboot")
	viper.SetDefault("adb-path", "adb")
	viper.SetDefault("adb-addr", "127.0.0.1:5037")
	viper.SetDefault("bootloader-timeout", 60*time.Second)
	viper.SetDefault("bootloader-wait-attempts", 3)
	viper.SetDefault("recovery-timeout", 120*time.Second)
	viper.SetDefault("transfer-timeout", 30*time.Minute)
	viper.SetDefault("listener-settle", 3*time.Second)
	viper.SetDefault("device-product", "nabu")
	viper.SetDefault("fsm-max-retries", 1)
	viper.SetDefault("nats-url", "")
	viper.SetDefault("nats-subject", "lon.deployer")

	// Environment variables (will be LON_CACHE_DIR, etc.)
	viper.SetEnvPrefix("LON")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.lon-deployer")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("cache-dir cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.ArtifactBaseURL == "" && c.ArtifactS3Bucket == "" {
		return fmt.Errorf("artifact-base-url or artifact-s3-bucket must be set")
	}
	if c.ArtifactMaxAttempts <= 0 {
		return fmt.Errorf("artifact-max-attempts must be positive")
	}
	if c.BootloaderTimeout <= 0 {
		return fmt.Errorf("bootloader-timeout must be positive")
	}
	if c.BootloaderWaitAttempts <= 0 {
		return fmt.Errorf("bootloader-wait-attempts must be positive")
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery-timeout must be positive")
	}
	if c.TransferTimeout <= 0 {
		return fmt.Errorf("transfer-timeout must be positive")
	}
	if c.ListenerSettle < 0 {
		return fmt.Errorf("listener-settle must be non-negative")
	}
	if c.DeviceProduct == "" {
		return fmt.Errorf("device-product cannot be empty")
	}
	if c.FSMMaxRetries < 1 {
		return fmt.Errorf("fsm-max-retries must be at least 1")
	}
	return nil
}
