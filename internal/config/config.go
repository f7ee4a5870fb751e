// Package config provides configuration management for tsbridge using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// TSPacketSize is the MPEG-TS packet size all staging buffers are sized in.
const TSPacketSize = 188

// Default configuration values.
const (
	defaultServerPort            = 40780
	defaultServerTimeout         = 30 * time.Second
	defaultShutdownTimeout       = 10 * time.Second
	defaultMaxSessions           = 4
	defaultConnectTimeout        = 10 * time.Second
	defaultReadTimeout           = 30 * time.Second
	defaultResponseHeaderTimeout = 15 * time.Second
	defaultReadBufferSize        = 64 * 1024
	defaultCircuitBreakerThresh  = 3
	defaultCircuitBreakerTimeout = 30 * time.Second
	defaultInputPackets          = 2048
	defaultOutputPackets         = 4096
	defaultFilterMaxInput        = 8 * 1024 * 1024
	defaultFilterMaxOutput       = 8 * 1024 * 1024
	defaultFilterKillTimeout     = 3 * time.Second
	defaultPollInterval          = 20 * time.Millisecond
)

// Filter engine names.
const (
	EngineGo      = "go"
	EngineProcess = "process"
)

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig            `mapstructure:"logging"`
	Network  NetworkConfig            `mapstructure:"network"`
	Buffers  BuffersConfig            `mapstructure:"buffers"`
	Filter   FilterConfig             `mapstructure:"filter"`
	Player   PlayerConfig             `mapstructure:"player"`
	Server   ServerConfig             `mapstructure:"server"`
	Channels map[string]ChannelConfig `mapstructure:"channels"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// NetworkConfig configures the HTTP connection to the tuner or proxy.
type NetworkConfig struct {
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
	// ReadBufferSize is the bufio size in front of the response body.
	ReadBufferSize          ByteSize      `mapstructure:"read_buffer_size"`
	UserAgent               string        `mapstructure:"user_agent"` // empty = tsbridge/<version>
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`
	// Decompression asks for gzip, deflate or brotli and decodes the body.
	// Only useful behind proxies that compress responses.
	Decompression bool `mapstructure:"decompression"`
}

// BuffersConfig sizes the staging buffers, counted in 188-byte packets.
type BuffersConfig struct {
	InputPackets  int `mapstructure:"input_packets"`
	OutputPackets int `mapstructure:"output_packets"`
}

// InputBytes returns the input staging capacity in bytes.
func (c BuffersConfig) InputBytes() int {
	return c.InputPackets * TSPacketSize
}

// OutputBytes returns the output staging capacity in bytes.
func (c BuffersConfig) OutputBytes() int {
	return c.OutputPackets * TSPacketSize
}

// FilterConfig selects and configures the stream filter engine.
type FilterConfig struct {
	Engine      string        `mapstructure:"engine"`       // go, process
	BinaryPath  string        `mapstructure:"binary_path"`  // tsreadex binary for the process engine
	DefaultArgs string        `mapstructure:"default_args"` // used when a request carries no args
	MaxInput    ByteSize      `mapstructure:"max_input"`    // process engine input queue bound
	MaxOutput   ByteSize      `mapstructure:"max_output"`   // process engine output queue bound
	KillTimeout time.Duration `mapstructure:"kill_timeout"`
}

// PlayerConfig configures the blocking reader used by play and serve.
type PlayerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ServerConfig holds relay HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxSessions     int           `mapstructure:"max_sessions"`
}

// ChannelConfig names a stream source with its filter arguments.
type ChannelConfig struct {
	URL  string `mapstructure:"url"`
	Args string `mapstructure:"args"`
}

// Load reads configuration from file and environment variables.
// Environment variables are prefixed with TSBRIDGE_ and use underscores for
// nesting, e.g. TSBRIDGE_NETWORK_READ_TIMEOUT=45s.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tsbridge")
		v.AddConfigPath("$HOME/.tsbridge")
	}

	v.SetEnvPrefix("TSBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates configuration from an existing viper
// instance. Used by the CLI, which owns the global viper.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("network.connect_timeout", defaultConnectTimeout)
	v.SetDefault("network.read_timeout", defaultReadTimeout)
	v.SetDefault("network.response_header_timeout", defaultResponseHeaderTimeout)
	v.SetDefault("network.read_buffer_size", defaultReadBufferSize)
	v.SetDefault("network.user_agent", "")
	v.SetDefault("network.circuit_breaker_threshold", defaultCircuitBreakerThresh)
	v.SetDefault("network.circuit_breaker_timeout", defaultCircuitBreakerTimeout)
	v.SetDefault("network.decompression", false)

	v.SetDefault("buffers.input_packets", defaultInputPackets)
	v.SetDefault("buffers.output_packets", defaultOutputPackets)

	v.SetDefault("filter.engine", EngineGo)
	v.SetDefault("filter.binary_path", "tsreadex")
	v.SetDefault("filter.default_args", "-x 18/38/39 -n -1")
	v.SetDefault("filter.max_input", defaultFilterMaxInput)
	v.SetDefault("filter.max_output", defaultFilterMaxOutput)
	v.SetDefault("filter.kill_timeout", defaultFilterKillTimeout)

	v.SetDefault("player.poll_interval", defaultPollInterval)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.max_sessions", defaultMaxSessions)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Network.ConnectTimeout <= 0 {
		return fmt.Errorf("network.connect_timeout must be positive")
	}
	if c.Network.ReadTimeout <= 0 {
		return fmt.Errorf("network.read_timeout must be positive")
	}
	if c.Network.ReadBufferSize < TSPacketSize {
		return fmt.Errorf("network.read_buffer_size must be at least %d bytes", TSPacketSize)
	}

	if c.Buffers.InputPackets < 1 {
		return fmt.Errorf("buffers.input_packets must be at least 1")
	}
	if c.Buffers.OutputPackets <= c.Buffers.InputPackets {
		return fmt.Errorf("buffers.output_packets must be larger than buffers.input_packets")
	}

	switch c.Filter.Engine {
	case EngineGo:
	case EngineProcess:
		if c.Filter.BinaryPath == "" {
			return fmt.Errorf("filter.binary_path is required for the process engine")
		}
	default:
		return fmt.Errorf("filter.engine must be one of: %s, %s", EngineGo, EngineProcess)
	}

	if c.Player.PollInterval <= 0 {
		return fmt.Errorf("player.poll_interval must be positive")
	}

	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Server.MaxSessions < 1 {
		return fmt.Errorf("server.max_sessions must be at least 1")
	}

	for name, ch := range c.Channels {
		if ch.URL == "" {
			return fmt.Errorf("channels.%s.url is required", name)
		}
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
