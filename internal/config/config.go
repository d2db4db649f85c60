// Package config provides Viper-based configuration loading for arena processes.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cory-johannsen/arena/internal/bus"
)

// ServerConfig holds process identity settings.
type ServerConfig struct {
	// Role is the process role: "authority", "peer", or "standalone".
	Role string `mapstructure:"role"`
	// Name labels the process in logs.
	Name string `mapstructure:"name"`
}

// NetworkConfig holds bus channel and timing settings.
type NetworkConfig struct {
	// EventChannel is the base name of the default event channel.
	EventChannel string `mapstructure:"event_channel"`
	// DataEventChannel is the base name of the data-mode event channel.
	DataEventChannel string `mapstructure:"data_event_channel"`
	// DataRequestChannel is the base name of the data-mode request channel.
	DataRequestChannel string `mapstructure:"data_request_channel"`
	// WaitTimeout bounds how long a peer waits for the authority to create a channel.
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	// RequestTimeout bounds requests issued without a deadline.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// InboxSize is the endpoint event loop buffer.
	InboxSize int `mapstructure:"inbox_size"`
}

// GRPCConfig holds the bus transport listen/dial address.
type GRPCConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (g GRPCConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// ContentConfig locates data files loaded at startup.
type ContentConfig struct {
	KeybindsDir     string `mapstructure:"keybinds_dir"`
	InputScriptsDir string `mapstructure:"input_scripts_dir"`
	DefaultDataFile string `mapstructure:"default_data_file"`
	// InstructionLimit caps Lua opcodes per input script call; 0 uses the default.
	InstructionLimit int `mapstructure:"instruction_limit"`
}

// StorageConfig selects where the authority keeps player profiles.
type StorageConfig struct {
	// Backend is "postgres" or "memory".
	Backend string `mapstructure:"backend"`
}

// EndpointOptions translates n into bus endpoint options.
func (n NetworkConfig) EndpointOptions() []bus.EndpointOption {
	return []bus.EndpointOption{
		bus.WithChannelBases(n.EventChannel, n.DataEventChannel, n.DataRequestChannel),
		bus.WithDefaultWaitTimeout(n.WaitTimeout),
		bus.WithDefaultRequestTimeout(n.RequestTimeout),
		bus.WithInboxSize(n.InboxSize),
	}
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Network  NetworkConfig  `mapstructure:"network"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Content  ContentConfig  `mapstructure:"content"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateServer(c.Server),
		validateNetwork(c.Network),
		validateGRPC(c.GRPC),
		validateDatabase(c.Database),
		validateLogging(c.Logging),
		validateContent(c.Content),
		validateStorage(c.Storage),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	validRoles := map[string]bool{"authority": true, "peer": true, "standalone": true}
	if !validRoles[s.Role] {
		return fmt.Errorf("server.role must be one of [authority, peer, standalone], got %q", s.Role)
	}
	if s.Name == "" {
		return errors.New("server.name must not be empty")
	}
	return nil
}

func validateNetwork(n NetworkConfig) error {
	var errs []string
	if n.EventChannel == "" {
		errs = append(errs, "network.event_channel must not be empty")
	}
	if n.DataEventChannel == "" || n.DataRequestChannel == "" {
		errs = append(errs, "network.data_event_channel and network.data_request_channel must not be empty")
	}
	if n.DataEventChannel != "" && n.DataEventChannel == n.DataRequestChannel {
		errs = append(errs, "network.data_event_channel must differ from network.data_request_channel")
	}
	if n.WaitTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("network.wait_timeout must be positive, got %s", n.WaitTimeout))
	}
	if n.RequestTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("network.request_timeout must be positive, got %s", n.RequestTimeout))
	}
	if n.InboxSize < 1 {
		errs = append(errs, fmt.Sprintf("network.inbox_size must be >= 1, got %d", n.InboxSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGRPC(g GRPCConfig) error {
	var errs []string
	if g.Host == "" {
		errs = append(errs, "grpc.host must not be empty")
	}
	if g.Port < 1 || g.Port > 65535 {
		errs = append(errs, fmt.Sprintf("grpc.port must be 1-65535, got %d", g.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 || d.MinConns > d.MaxConns {
		errs = append(errs, fmt.Sprintf("database.min_conns must be 0-%d, got %d", d.MaxConns, d.MinConns))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateContent(c ContentConfig) error {
	if c.InstructionLimit < 0 {
		return fmt.Errorf("content.instruction_limit must be >= 0, got %d", c.InstructionLimit)
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	if s.Backend != "postgres" && s.Backend != "memory" {
		return fmt.Errorf("storage.backend must be one of [postgres, memory], got %q", s.Backend)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := NewViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// NewViper returns a Viper instance with arena defaults and ARENA_ environment
// overrides installed but no config file.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("ARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.role", "standalone")
	v.SetDefault("server.name", "arena")

	v.SetDefault("network.event_channel", "NetworkRemoteEvent")
	v.SetDefault("network.data_event_channel", "SendData")
	v.SetDefault("network.data_request_channel", "GetData")
	v.SetDefault("network.wait_timeout", "10s")
	v.SetDefault("network.request_timeout", "10s")
	v.SetDefault("network.inbox_size", 256)

	v.SetDefault("grpc.host", "127.0.0.1")
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "arena")
	v.SetDefault("database.password", "arena")
	v.SetDefault("database.name", "arena")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("content.keybinds_dir", "content/keybinds")
	v.SetDefault("content.input_scripts_dir", "content/scripts/input")
	v.SetDefault("content.default_data_file", "content/playerdata/default.yaml")
	v.SetDefault("content.instruction_limit", 0)

	v.SetDefault("storage.backend", "postgres")
}
