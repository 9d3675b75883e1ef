package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the listen addresses of the node.
type ServerConfig struct {
	APIPort    string `mapstructure:"api_port"`
	ListenAddr string `mapstructure:"listen_addr"` // guardian TCP wire
}

// DBConfig holds the database connection parameters.
type DBConfig struct {
	Type       string `mapstructure:"type"` // postgres, badger or memory
	Host       string `mapstructure:"host"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbname"`
	Port       int    `mapstructure:"port"`
	SSLMode    string `mapstructure:"sslmode"`
	TimeZone   string `mapstructure:"timezone"`
	BadgerPath string `mapstructure:"badger_path"`
}

// LoggerConfig holds the logging configuration.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`  // e.g., "debug", "info", "warn", "error"
	Format     string `mapstructure:"format"` // "text" or "json"
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// SigningConfig tunes signing sessions.
type SigningConfig struct {
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	RetentionDays int           `mapstructure:"retention_days"`
}

// ReconstructionConfig tunes reconstruction requests and the lifetime of reconstructed secrets.
type ReconstructionConfig struct {
	RequestTTL       time.Duration `mapstructure:"request_ttl"`
	SigningSecretTTL time.Duration `mapstructure:"signing_secret_ttl"`
	DefaultSecretTTL time.Duration `mapstructure:"default_secret_ttl"`
}

// ResilienceConfig tunes timeout handling and fallbacks.
type ResilienceConfig struct {
	Timeout                 time.Duration `mapstructure:"timeout"`
	WarningFraction         float64       `mapstructure:"warning_fraction"`
	EmergencyFraction       float64       `mapstructure:"emergency_fraction"`
	EmergencyDelay          time.Duration `mapstructure:"emergency_delay"`
	EmergencyWindow         time.Duration `mapstructure:"emergency_window"`
	MinimumQuorum           int           `mapstructure:"minimum_quorum"`
	SweepInterval           time.Duration `mapstructure:"sweep_interval"`
	EnableBackupGuardians   bool          `mapstructure:"enable_backup_guardians"`
	EnableReducedQuorum     bool          `mapstructure:"enable_reduced_quorum"`
	EnableEmergencyRecovery bool          `mapstructure:"enable_emergency_recovery"`
}

// KeysConfig holds the master secret envelope keys are derived from.
type KeysConfig struct {
	MasterHex string `mapstructure:"master_hex"`
}

// PublicationConfig lists where signed artifacts go by default.
type PublicationConfig struct {
	Endpoints []string `mapstructure:"endpoints"`
}

// Config holds the application's configuration values.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DBConfig             `mapstructure:"database"`
	Logger         LoggerConfig         `mapstructure:"logger"`
	Signing        SigningConfig        `mapstructure:"signing"`
	Reconstruction ReconstructionConfig `mapstructure:"reconstruction"`
	Resilience     ResilienceConfig     `mapstructure:"resilience"`
	Keys           KeysConfig           `mapstructure:"keys"`
	Guardians      map[string]string    `mapstructure:"guardians"` // guardian id -> TCP address
	Publication    PublicationConfig    `mapstructure:"publication"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.api_port", "8080")
	v.SetDefault("server.listen_addr", ":7070")

	v.SetDefault("database.type", "memory")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.timezone", "UTC")
	v.SetDefault("database.badger_path", "data/badger")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)

	v.SetDefault("signing.session_ttl", 30*time.Minute)
	v.SetDefault("signing.max_attempts", 5)
	v.SetDefault("signing.retry_backoff", 10*time.Millisecond)
	v.SetDefault("signing.retention_days", 30)

	v.SetDefault("reconstruction.request_ttl", 24*time.Hour)
	v.SetDefault("reconstruction.signing_secret_ttl", 5*time.Minute)
	v.SetDefault("reconstruction.default_secret_ttl", 30*time.Minute)

	v.SetDefault("resilience.timeout", 30*time.Minute)
	v.SetDefault("resilience.warning_fraction", 0.5)
	v.SetDefault("resilience.emergency_fraction", 0.75)
	v.SetDefault("resilience.emergency_delay", 72*time.Hour)
	v.SetDefault("resilience.emergency_window", 7*24*time.Hour)
	v.SetDefault("resilience.minimum_quorum", 1)
	v.SetDefault("resilience.sweep_interval", time.Minute)
	v.SetDefault("resilience.enable_backup_guardians", true)
	v.SetDefault("resilience.enable_reduced_quorum", true)
	v.SetDefault("resilience.enable_emergency_recovery", true)
}

// LoadConfig reads the configuration file at path, if any, applies GUARDIAN_ prefixed
// environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("GUARDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Type {
	case "postgres", "badger", "memory":
	default:
		errs = append(errs, fmt.Errorf("database.type must be postgres, badger or memory, got %q", c.Database.Type))
	}
	if c.Signing.SessionTTL <= 0 {
		errs = append(errs, errors.New("signing.session_ttl must be positive"))
	}
	if c.Signing.MaxAttempts < 1 {
		errs = append(errs, errors.New("signing.max_attempts must be at least 1"))
	}
	if c.Signing.RetentionDays < 0 {
		errs = append(errs, errors.New("signing.retention_days must not be negative"))
	}
	if c.Reconstruction.RequestTTL <= 0 || c.Reconstruction.SigningSecretTTL <= 0 || c.Reconstruction.DefaultSecretTTL <= 0 {
		errs = append(errs, errors.New("reconstruction TTLs must be positive"))
	}
	r := c.Resilience
	if r.Timeout <= 0 {
		errs = append(errs, errors.New("resilience.timeout must be positive"))
	}
	if r.WarningFraction <= 0 || r.WarningFraction >= 1 || r.EmergencyFraction <= 0 || r.EmergencyFraction >= 1 {
		errs = append(errs, errors.New("resilience fractions must lie strictly between 0 and 1"))
	}
	if r.WarningFraction >= r.EmergencyFraction {
		errs = append(errs, errors.New("resilience.warning_fraction must be below emergency_fraction"))
	}
	if r.EmergencyDelay <= 0 || r.EmergencyWindow <= 0 {
		errs = append(errs, errors.New("resilience emergency delay and window must be positive"))
	}
	if r.MinimumQuorum < 1 {
		errs = append(errs, errors.New("resilience.minimum_quorum must be at least 1"))
	}
	return errors.Join(errs...)
}
