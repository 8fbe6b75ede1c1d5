package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/waggle-sensor/opcn2/internal/link"
	"github.com/waggle-sensor/opcn2/internal/monitoring"
	"github.com/waggle-sensor/opcn2/internal/protocol"
	"github.com/waggle-sensor/opcn2/internal/session"
	"github.com/waggle-sensor/opcn2/internal/transport"
)

// DriverConfig is the on-disk driver configuration. Every field is optional;
// the Get* methods supply defaults for anything left out, so partial files
// are safe. Durations are strings such as "20ms".
type DriverConfig struct {
	// Transport
	Transport      *string                `json:"transport,omitempty" yaml:"transport,omitempty"`
	Port           *string                `json:"port,omitempty" yaml:"port,omitempty"`
	Serial         *transport.PortOptions `json:"serial,omitempty" yaml:"serial,omitempty"`
	SPIMode        *int                   `json:"spi_mode,omitempty" yaml:"spi_mode,omitempty"`
	SPIFrequencyHz *int                   `json:"spi_frequency_hz,omitempty" yaml:"spi_frequency_hz,omitempty"`
	ByteDelay      *string                `json:"byte_delay,omitempty" yaml:"byte_delay,omitempty"`
	OpcodeDelay    *string                `json:"opcode_delay,omitempty" yaml:"opcode_delay,omitempty"`

	// Link handshake
	ReadTimeout             *string `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	BusyWindow              *string `json:"busy_window,omitempty" yaml:"busy_window,omitempty"`
	PostWriteDelay          *string `json:"post_write_delay,omitempty" yaml:"post_write_delay,omitempty"`
	RetryDelay              *string `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	MaxRetries              *int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	CommandInterval         *string `json:"command_interval,omitempty" yaml:"command_interval,omitempty"`
	RetryOnChecksumMismatch *bool   `json:"retry_on_checksum_mismatch,omitempty" yaml:"retry_on_checksum_mismatch,omitempty"`

	// Protocol
	Revision        *string `json:"revision,omitempty" yaml:"revision,omitempty"`
	CommandChecksum *string `json:"command_checksum,omitempty" yaml:"command_checksum,omitempty"`
	VerifyFirmware  *bool   `json:"verify_firmware,omitempty" yaml:"verify_firmware,omitempty"`

	// Sampling
	SampleWindow *string `json:"sample_window,omitempty" yaml:"sample_window,omitempty"`

	// Storage and logging
	Database *string              `json:"database,omitempty" yaml:"database,omitempty"`
	Log      monitoring.LogConfig `json:"log" yaml:"log"`
}

const maxFileSize = 1 * 1024 * 1024 // 1MB

// LoadDriverConfig loads a DriverConfig from a .json, .yaml or .yml file.
func LoadDriverConfig(path string) (*DriverConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &DriverConfig{}
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *DriverConfig) Validate() error {
	if c.Transport != nil {
		if _, err := transport.ParseKind(*c.Transport); err != nil {
			return err
		}
	}
	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	if c.SPIMode != nil && (*c.SPIMode < 0 || *c.SPIMode > 0xFF) {
		return fmt.Errorf("spi_mode must be a byte, got %d", *c.SPIMode)
	}
	if _, err := c.ISSOptions(); err != nil {
		return err
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"byte_delay", c.ByteDelay},
		{"opcode_delay", c.OpcodeDelay},
		{"read_timeout", c.ReadTimeout},
		{"busy_window", c.BusyWindow},
		{"post_write_delay", c.PostWriteDelay},
		{"retry_delay", c.RetryDelay},
		{"command_interval", c.CommandInterval},
		{"sample_window", c.SampleWindow},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		v, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, v)
		}
	}

	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got %d", *c.MaxRetries)
	}
	if _, err := c.CommandSet(); err != nil {
		return err
	}
	if _, err := monitoring.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetTransport returns the transport kind, usbiss by default.
func (c *DriverConfig) GetTransport() transport.Kind {
	if c.Transport == nil {
		return transport.KindUSBISS
	}
	k, err := transport.ParseKind(*c.Transport)
	if err != nil {
		return transport.KindUSBISS
	}
	return k
}

// GetPort returns the device path, /dev/ttyACM0 by default.
func (c *DriverConfig) GetPort() string {
	if c.Port == nil || *c.Port == "" {
		return "/dev/ttyACM0"
	}
	return *c.Port
}

// GetSerial returns the serial options with defaults applied.
func (c *DriverConfig) GetSerial() transport.PortOptions {
	var opts transport.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	normalized, err := opts.Normalize()
	if err != nil {
		normalized, _ = transport.PortOptions{}.Normalize()
	}
	return normalized
}

// GetSampleWindow returns the accumulation window, 10s by default.
func (c *DriverConfig) GetSampleWindow() time.Duration {
	return duration(c.SampleWindow, 10*time.Second)
}

// GetVerifyFirmware reports whether PowerOn checks the firmware, true by
// default.
func (c *DriverConfig) GetVerifyFirmware() bool {
	if c.VerifyFirmware == nil {
		return true
	}
	return *c.VerifyFirmware
}

// GetDatabase returns the sqlite path, opcn2.db by default.
func (c *DriverConfig) GetDatabase() string {
	if c.Database == nil || *c.Database == "" {
		return "opcn2.db"
	}
	return *c.Database
}

// ISSOptions returns the USB-ISS bridge options.
func (c *DriverConfig) ISSOptions() (transport.ISSOptions, error) {
	opts := transport.ISSOptions{
		ByteDelay:   duration(c.ByteDelay, 0),
		OpcodeDelay: duration(c.OpcodeDelay, 0),
	}
	if c.SPIMode != nil {
		opts.Mode = byte(*c.SPIMode)
	}
	if c.SPIFrequencyHz != nil {
		opts.Frequency = *c.SPIFrequencyHz
	}
	return opts.Normalize()
}

// LinkOptions returns the handshake timings, starting from
// link.DefaultOptions.
func (c *DriverConfig) LinkOptions() link.Options {
	d := link.DefaultOptions()
	opts := link.Options{
		ReadTimeout:     duration(c.ReadTimeout, d.ReadTimeout),
		BusyWindow:      duration(c.BusyWindow, d.BusyWindow),
		PostWriteDelay:  duration(c.PostWriteDelay, d.PostWriteDelay),
		RetryDelay:      duration(c.RetryDelay, d.RetryDelay),
		MaxRetries:      d.MaxRetries,
		CommandInterval: duration(c.CommandInterval, d.CommandInterval),
	}
	if c.MaxRetries != nil {
		opts.MaxRetries = *c.MaxRetries
	}
	if c.RetryOnChecksumMismatch != nil {
		opts.RetryOnChecksumMismatch = *c.RetryOnChecksumMismatch
	}
	return opts
}

// CommandSet resolves the configured revision and command checksum.
func (c *DriverConfig) CommandSet() (*protocol.CommandSet, error) {
	name := protocol.RevisionOPCN2
	if c.Revision != nil && *c.Revision != "" {
		name = *c.Revision
	}
	set, err := protocol.LookupRevision(name)
	if err != nil {
		return nil, err
	}
	if c.CommandChecksum == nil {
		return set, nil
	}
	alg, err := protocol.ParseChecksumAlgorithm(*c.CommandChecksum)
	if err != nil {
		return nil, fmt.Errorf("command_checksum: %w", err)
	}
	if alg == protocol.ChecksumNone {
		return set, nil
	}
	return set.WithCommandChecksum(alg)
}

// SessionConfig assembles the session configuration.
func (c *DriverConfig) SessionConfig() (session.Config, error) {
	set, err := c.CommandSet()
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Link:           c.LinkOptions(),
		CommandSet:     set,
		VerifyFirmware: c.GetVerifyFirmware(),
	}, nil
}

// OpenTransport opens the configured transport.
func (c *DriverConfig) OpenTransport() (transport.Transport, error) {
	iss, err := c.ISSOptions()
	if err != nil {
		return nil, err
	}
	return transport.Open(c.GetTransport(), c.GetPort(), c.GetSerial(), iss)
}
