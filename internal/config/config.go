// Package config loads and validates server configuration.
//
// Configuration is read from a YAML file (qcfabric.yaml by default) with
// QCFABRIC_* environment variables taking precedence, e.g.
// QCFABRIC_DATABASE_DSN overrides database.dsn.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	API       APIConfig       `mapstructure:"api" yaml:"api"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" yaml:"heartbeat"`
	Services  ServicesConfig  `mapstructure:"services" yaml:"services"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// DatabaseConfig configures the Postgres connection
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// APIConfig configures the HTTP listener
type APIConfig struct {
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
	MaxClaimLimit int    `mapstructure:"max_claim_limit" yaml:"max_claim_limit"`
	MaxReturnSize int    `mapstructure:"max_return_size" yaml:"max_return_size"`
}

// HeartbeatConfig configures manager liveness detection. A manager is
// declared dead after max_missed periods without a heartbeat.
type HeartbeatConfig struct {
	Period    time.Duration `mapstructure:"period" yaml:"period"`
	MaxMissed int           `mapstructure:"max_missed" yaml:"max_missed"`
}

// ServicesConfig configures the background service iterator
type ServicesConfig struct {
	Period      time.Duration `mapstructure:"period" yaml:"period"`
	MaxParallel int           `mapstructure:"max_parallel" yaml:"max_parallel"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:             "postgres://localhost:5432/qcfabric",
			MaxOpenConns:    16,
			MaxIdleConns:    4,
			ConnectTimeout:  30 * time.Second,
			ConnMaxLifetime: time.Hour,
		},
		API: APIConfig{
			ListenAddress: ":7777",
			MaxClaimLimit: 200,
			MaxReturnSize: 200,
		},
		Heartbeat: HeartbeatConfig{
			Period:    30 * time.Second,
			MaxMissed: 5,
		},
		Services: ServicesConfig{
			Period:      10 * time.Second,
			MaxParallel: 20,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
	}
}

// Load reads configuration from the given file (optional) and environment
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("QCFABRIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("database.dsn", def.Database.DSN)
	v.SetDefault("database.max_open_conns", def.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", def.Database.MaxIdleConns)
	v.SetDefault("database.connect_timeout", def.Database.ConnectTimeout)
	v.SetDefault("database.conn_max_lifetime", def.Database.ConnMaxLifetime)
	v.SetDefault("api.listen_address", def.API.ListenAddress)
	v.SetDefault("api.max_claim_limit", def.API.MaxClaimLimit)
	v.SetDefault("api.max_return_size", def.API.MaxReturnSize)
	v.SetDefault("heartbeat.period", def.Heartbeat.Period)
	v.SetDefault("heartbeat.max_missed", def.Heartbeat.MaxMissed)
	v.SetDefault("services.period", def.Services.Period)
	v.SetDefault("services.max_parallel", def.Services.MaxParallel)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.json", def.Log.JSON)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for internally consistent values
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.API.ListenAddress == "" {
		return fmt.Errorf("api.listen_address is required")
	}
	if c.API.MaxClaimLimit <= 0 {
		return fmt.Errorf("api.max_claim_limit must be positive")
	}
	if c.API.MaxReturnSize <= 0 {
		return fmt.Errorf("api.max_return_size must be positive")
	}
	if c.Heartbeat.Period <= 0 {
		return fmt.Errorf("heartbeat.period must be positive")
	}
	if c.Heartbeat.MaxMissed <= 0 {
		return fmt.Errorf("heartbeat.max_missed must be positive")
	}
	if c.Services.Period <= 0 {
		return fmt.Errorf("services.period must be positive")
	}
	if c.Services.MaxParallel <= 0 {
		return fmt.Errorf("services.max_parallel must be positive")
	}
	return nil
}

// HeartbeatCutoff returns how long a manager may go without a heartbeat
// before the sweep declares it dead.
func (c *Config) HeartbeatCutoff() time.Duration {
	return time.Duration(c.Heartbeat.MaxMissed) * c.Heartbeat.Period
}

// WriteDefault writes a default config file, refusing to overwrite
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	header := []byte("# qcfabric server configuration.\n# Values may be overridden with QCFABRIC_* environment variables.\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
