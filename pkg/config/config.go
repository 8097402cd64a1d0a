// Package config holds the RTI configuration and its loader.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// RTI_-prefixed environment variables, then command-line flags applied by
// the binary. Validate runs last and rejects the whole configuration if
// any field is out of range.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Clock sync modes.
const (
	ClockSyncOff  = "off"
	ClockSyncInit = "init"
	ClockSyncOn   = "on"
)

// StartingPort is where the port search begins when no port is configured.
const StartingPort = 15045

// PortRangeLimit is how many ports past StartingPort the search may try.
const PortRangeLimit = 1024

// Config is the complete RTI configuration.
type Config struct {
	Federation FederationConfig `yaml:"federation" env:"FEDERATION"`
	Server     ServerConfig     `yaml:"server" env:"SERVER"`
	ClockSync  ClockSyncConfig  `yaml:"clock_sync" env:"CLOCK_SYNC"`
	Journal    JournalConfig    `yaml:"journal" env:"JOURNAL"`
	Metrics    MetricsConfig    `yaml:"metrics" env:"METRICS"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
}

// FederationConfig describes the federation this RTI coordinates.
type FederationConfig struct {
	// ID must match the id every federate presents in FED_IDS.
	ID           string `yaml:"id" env:"ID"`
	NumFederates int    `yaml:"number_of_federates" env:"NUMBER_OF_FEDERATES"`
	// StartDelay is added to the largest proposed start time.
	StartDelay time.Duration `yaml:"start_delay" env:"START_DELAY"`
}

// ServerConfig controls the TCP listener and per-connection timeouts.
type ServerConfig struct {
	Host string `yaml:"host" env:"HOST"`
	// Port 0 searches upward from StartingPort.
	Port             int           `yaml:"port" env:"PORT"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	WriteTimeout     time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	CloseTimeout     time.Duration `yaml:"close_timeout" env:"CLOSE_TIMEOUT"`
	// ReadTimeout bounds each read of a relayed payload once its header
	// has arrived. A sender that stalls longer is disconnected.
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// RelayBufferSize bounds each chunk read from a sender while relaying.
	RelayBufferSize int `yaml:"relay_buffer_size" env:"RELAY_BUFFER_SIZE"`
}

// ClockSyncConfig controls physical clock synchronization.
type ClockSyncConfig struct {
	Mode                 string        `yaml:"mode" env:"MODE"`
	Period               time.Duration `yaml:"period" env:"PERIOD"`
	ExchangesPerInterval int           `yaml:"exchanges_per_interval" env:"EXCHANGES_PER_INTERVAL"`
	// Timeout bounds the wait for a UDP reply; a timed-out round is skipped.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// JournalConfig controls the SQLite coordination journal.
type JournalConfig struct {
	Enabled    bool   `yaml:"enabled" env:"ENABLED"`
	Path       string `yaml:"path" env:"PATH"`
	BufferSize int    `yaml:"buffer_size" env:"BUFFER_SIZE"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string   `yaml:"level" env:"LEVEL"`
	Format      string   `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		Federation: FederationConfig{
			ID:         "Unidentified Federation",
			StartDelay: time.Second,
		},
		Server: ServerConfig{
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     10 * time.Second,
			CloseTimeout:     5 * time.Second,
			ReadTimeout:      10 * time.Second,
			RelayBufferSize:  256,
		},
		ClockSync: ClockSyncConfig{
			Mode:                 ClockSyncInit,
			Period:               10 * time.Millisecond,
			ExchangesPerInterval: 10,
			Timeout:              time.Second,
		},
		Journal: JournalConfig{
			Path:       "rti-journal.db",
			BufferSize: 1024,
		},
		Metrics: MetricsConfig{
			Namespace: "rti",
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			OutputPaths: []string{"stderr"},
		},
	}
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Federation.NumFederates < 1 || c.Federation.NumFederates >= 65535 {
		errs = append(errs, fmt.Sprintf("number_of_federates must be in [1, 65535), got %d", c.Federation.NumFederates))
	}
	if len(c.Federation.ID) > 255 {
		errs = append(errs, "federation id longer than 255 bytes")
	}
	if c.Federation.StartDelay < 0 {
		errs = append(errs, "start_delay must not be negative")
	}
	if c.Server.Port < 0 || c.Server.Port >= 65536 {
		errs = append(errs, fmt.Sprintf("port must be in [0, 65535], got %d", c.Server.Port))
	}
	if c.Server.HandshakeTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.CloseTimeout < 0 ||
		c.Server.ReadTimeout < 0 {
		errs = append(errs, "server timeouts must not be negative")
	}
	if c.Server.RelayBufferSize < 21 {
		errs = append(errs, "relay_buffer_size must hold a tagged message header (21 bytes)")
	}
	switch c.ClockSync.Mode {
	case ClockSyncOff, ClockSyncInit, ClockSyncOn:
	default:
		errs = append(errs, fmt.Sprintf("clock_sync mode must be off, init or on, got %q", c.ClockSync.Mode))
	}
	if c.ClockSync.Mode != ClockSyncOff {
		if c.ClockSync.Period <= 0 {
			errs = append(errs, "clock_sync period must be positive")
		}
		if c.ClockSync.ExchangesPerInterval <= 0 {
			errs = append(errs, "clock_sync exchanges_per_interval must be positive")
		}
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, "journal path required when the journal is enabled")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log format must be json or console, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
