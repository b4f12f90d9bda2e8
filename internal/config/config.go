package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  ServerConfig  `json:"server" toml:"server"`
	Spdy    SpdyConfig    `json:"spdy" toml:"spdy"`
	Logging LoggingConfig `json:"logging" toml:"logging"`
}

// ServerConfig holds the listener and executor settings.
type ServerConfig struct {
	// Addr is the TLS listen address, e.g. ":8443".
	Addr string `json:"addr" toml:"addr"`
	// TLSCertFile and TLSKeyFile locate the server certificate.
	TLSCertFile string `json:"tls_cert_file" toml:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file" toml:"tls_key_file"`
	// MaxThreadsPerProcess sizes the executor shared by all sessions.
	MaxThreadsPerProcess int `json:"max_threads_per_process" toml:"max_threads_per_process"`
	// DocumentRoot is served by the built-in file handler.
	DocumentRoot string `json:"document_root" toml:"document_root"`
	// GracefulShutdownTimeout bounds the drain on shutdown, e.g. "30s".
	GracefulShutdownTimeout string `json:"graceful_shutdown_timeout" toml:"graceful_shutdown_timeout"`
}

// SpdyConfig holds the protocol knobs.
type SpdyConfig struct {
	// Enabled gates the NPN advertisement of spdy/2. Disabled servers fall
	// back to HTTP/1.1 for every connection.
	Enabled *bool `json:"spdy_enabled" toml:"spdy_enabled"`
	// MaxStreamsPerSession bounds concurrent inbound streams per session.
	MaxStreamsPerSession int `json:"max_streams_per_session" toml:"max_streams_per_session"`
	// ControlFrameCapBytes bounds a control frame's declared payload.
	// Accepts humanized sizes such as "16 MiB".
	ControlFrameCapBytes string `json:"control_frame_cap_bytes" toml:"control_frame_cap_bytes"`
	// EgressHighWaterBytes bounds buffered egress per session.
	EgressHighWaterBytes string `json:"egress_high_water_bytes" toml:"egress_high_water_bytes"`
	// ReadIdleTimeout, e.g. "5m"; empty disables the idle timeout.
	ReadIdleTimeout string `json:"read_idle_timeout" toml:"read_idle_timeout"`
	// PingTimeout bounds how long a locally issued PING may go unanswered.
	PingTimeout string `json:"ping_timeout" toml:"ping_timeout"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARNING, ERROR.
	Level string `json:"log_level" toml:"log_level"`
}

// Default returns the configuration used when a knob is absent.
func Default() *Config {
	enabled := true
	return &Config{
		Server: ServerConfig{
			Addr:                    ":8443",
			MaxThreadsPerProcess:    10,
			DocumentRoot:            ".",
			GracefulShutdownTimeout: "30s",
		},
		Spdy: SpdyConfig{
			Enabled:              &enabled,
			MaxStreamsPerSession: 100,
			ControlFrameCapBytes: "16 MiB",
			EgressHighWaterBytes: "1 MiB",
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// Load reads a TOML configuration file, fills in defaults and validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every knob for a usable value.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Server.MaxThreadsPerProcess <= 0 {
		return fmt.Errorf("server.max_threads_per_process must be positive, got %d", c.Server.MaxThreadsPerProcess)
	}
	if c.Spdy.MaxStreamsPerSession <= 0 {
		return fmt.Errorf("spdy.max_streams_per_session must be positive, got %d", c.Spdy.MaxStreamsPerSession)
	}
	if _, err := c.ControlFrameCap(); err != nil {
		return err
	}
	if _, err := c.EgressHighWater(); err != nil {
		return err
	}
	for _, d := range []struct {
		key   string
		value string
	}{
		{"server.graceful_shutdown_timeout", c.Server.GracefulShutdownTimeout},
		{"spdy.read_idle_timeout", c.Spdy.ReadIdleTimeout},
		{"spdy.ping_timeout", c.Spdy.PingTimeout},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
	}
	return nil
}

// SpdyEnabled reports whether spdy/2 should be advertised.
func (c *Config) SpdyEnabled() bool {
	return c.Spdy.Enabled == nil || *c.Spdy.Enabled
}

// ControlFrameCap returns the parsed control-frame payload cap in bytes.
func (c *Config) ControlFrameCap() (uint32, error) {
	n, err := humanize.ParseBytes(c.Spdy.ControlFrameCapBytes)
	if err != nil {
		return 0, fmt.Errorf("spdy.control_frame_cap_bytes: %w", err)
	}
	if n == 0 || n > 1<<31 {
		return 0, fmt.Errorf("spdy.control_frame_cap_bytes out of range: %s", c.Spdy.ControlFrameCapBytes)
	}
	return uint32(n), nil
}

// EgressHighWater returns the parsed per-session egress bound in bytes.
func (c *Config) EgressHighWater() (int, error) {
	n, err := humanize.ParseBytes(c.Spdy.EgressHighWaterBytes)
	if err != nil {
		return 0, fmt.Errorf("spdy.egress_high_water_bytes: %w", err)
	}
	if n == 0 || n > 1<<31 {
		return 0, fmt.Errorf("spdy.egress_high_water_bytes out of range: %s", c.Spdy.EgressHighWaterBytes)
	}
	return int(n), nil
}

// Duration parses one of the duration-valued knobs, "" meaning disabled.
func Duration(value string) time.Duration {
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}
