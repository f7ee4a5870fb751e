package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Network: NetworkConfig{
			ConnectTimeout: 5 * time.Second,
			ReadTimeout:    10 * time.Second,
			ReadBufferSize: 64 * 1024,
		},
		Buffers: BuffersConfig{InputPackets: 2048, OutputPackets: 4096},
		Filter:  FilterConfig{Engine: EngineGo},
		Player:  PlayerConfig{PollInterval: 20 * time.Millisecond},
		Server:  ServerConfig{Port: 40780, MaxSessions: 4},
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Equal(t, 10*time.Second, cfg.Network.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.Network.ReadTimeout)
	assert.Equal(t, ByteSize(64*1024), cfg.Network.ReadBufferSize)
	assert.Equal(t, 3, cfg.Network.CircuitBreakerThreshold)
	assert.False(t, cfg.Network.Decompression)

	assert.Equal(t, 2048, cfg.Buffers.InputPackets)
	assert.Equal(t, 4096, cfg.Buffers.OutputPackets)
	assert.Equal(t, 2048*TSPacketSize, cfg.Buffers.InputBytes())
	assert.Greater(t, cfg.Buffers.OutputBytes(), cfg.Buffers.InputBytes())

	assert.Equal(t, EngineGo, cfg.Filter.Engine)
	assert.Equal(t, "tsreadex", cfg.Filter.BinaryPath)
	assert.Equal(t, "-x 18/38/39 -n -1", cfg.Filter.DefaultArgs)
	assert.Equal(t, ByteSize(8*1024*1024), cfg.Filter.MaxInput)
	assert.Equal(t, ByteSize(8*1024*1024), cfg.Filter.MaxOutput)

	assert.Equal(t, 20*time.Millisecond, cfg.Player.PollInterval)
	assert.Equal(t, 40780, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Server.MaxSessions)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logging:
  level: debug
  format: text
network:
  read_timeout: 45s
  read_buffer_size: 128KB
  decompression: true
buffers:
  input_packets: 1024
  output_packets: 3072
filter:
  engine: process
  binary_path: /usr/local/bin/tsreadex
  max_input: 4MB
  max_output: 16MB
channels:
  nhk:
    url: http://mirakurun:40772/api/services/3273601024/stream
    args: "-x 18/38/39 -n 1024"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 45*time.Second, cfg.Network.ReadTimeout)
	assert.Equal(t, ByteSize(128*1024), cfg.Network.ReadBufferSize)
	assert.True(t, cfg.Network.Decompression)
	assert.Equal(t, 1024, cfg.Buffers.InputPackets)
	assert.Equal(t, EngineProcess, cfg.Filter.Engine)
	assert.Equal(t, "/usr/local/bin/tsreadex", cfg.Filter.BinaryPath)
	assert.Equal(t, ByteSize(4*1024*1024), cfg.Filter.MaxInput)
	assert.Equal(t, ByteSize(16*1024*1024), cfg.Filter.MaxOutput)

	require.Contains(t, cfg.Channels, "nhk")
	assert.Equal(t, "-x 18/38/39 -n 1024", cfg.Channels["nhk"].Args)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TSBRIDGE_NETWORK_CONNECT_TIMEOUT", "3s")
	t.Setenv("TSBRIDGE_FILTER_ENGINE", "process")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Network.ConnectTimeout)
	assert.Equal(t, EngineProcess, cfg.Filter.Engine)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: [broken"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"zero connect timeout", func(c *Config) { c.Network.ConnectTimeout = 0 }, "network.connect_timeout"},
		{"zero read timeout", func(c *Config) { c.Network.ReadTimeout = 0 }, "network.read_timeout"},
		{"tiny read buffer", func(c *Config) { c.Network.ReadBufferSize = 100 }, "network.read_buffer_size"},
		{"no input packets", func(c *Config) { c.Buffers.InputPackets = 0 }, "buffers.input_packets"},
		{"output not larger", func(c *Config) { c.Buffers.OutputPackets = c.Buffers.InputPackets }, "buffers.output_packets"},
		{"unknown engine", func(c *Config) { c.Filter.Engine = "jni" }, "filter.engine"},
		{"process without binary", func(c *Config) {
			c.Filter.Engine = EngineProcess
			c.Filter.BinaryPath = ""
		}, "filter.binary_path"},
		{"zero poll", func(c *Config) { c.Player.PollInterval = 0 }, "player.poll_interval"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"no sessions", func(c *Config) { c.Server.MaxSessions = 0 }, "server.max_sessions"},
		{"channel without url", func(c *Config) {
			c.Channels = map[string]ChannelConfig{"bs": {Args: "-n 101"}}
		}, "channels.bs.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServerConfig_Address(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 40780}
	assert.Equal(t, "127.0.0.1:40780", s.Address())
}
