// Package config loads the bridge configuration from YAML.
//
// Example:
//
//	printer:
//	  host: 192.168.1.20
//	  request_timeout: 30s
//	  poll_interval: 10s
//	serial:
//	  listen: 127.0.0.1:2323
//	  heat_timeout: 15m
//	  format:
//	    echo_line_number: true
//	api:
//	  listen: 127.0.0.1:8080
//	log:
//	  level: debug
//	  capture_file: /var/log/dremel/serial.dlog
//
// Durations use Go syntax ("10s", "1m30s"). Omitted fields keep defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete bridge configuration.
type Config struct {
	Printer PrinterConfig `yaml:"printer"`
	Serial  SerialConfig  `yaml:"serial"`
	API     APIConfig     `yaml:"api"`
	Log     LogConfig     `yaml:"log"`
}

// PrinterConfig addresses the printer and tunes status polling.
type PrinterConfig struct {
	Host           string        `yaml:"host"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`

	// MaxFailures is the number of missed polls tolerated before the
	// session reports the printer as unreachable.
	MaxFailures int `yaml:"max_failures"`

	// ReconcileGrace keeps a host-initiated state change from being
	// overwritten by a poll that raced with the command.
	ReconcileGrace time.Duration `yaml:"reconcile_grace"`
}

// SerialConfig tunes the virtual serial port.
type SerialConfig struct {
	// Listen is the TCP address of the serial endpoint.
	Listen string `yaml:"listen"`

	ReadTimeout time.Duration `yaml:"read_timeout"`
	HeatTimeout time.Duration `yaml:"heat_timeout"`

	MaxExtruderTemp float64 `yaml:"max_extruder_temp"`
	MaxBedTemp      float64 `yaml:"max_bed_temp"`

	Format FormatConfig `yaml:"format"`
}

// FormatConfig selects the response dialect.
type FormatConfig struct {
	OK             string `yaml:"ok"`
	EchoLineNumber bool   `yaml:"echo_line_number"`
	ResendPrefix   string `yaml:"resend_prefix"`
	ErrorPrefix    string `yaml:"error_prefix"`
}

// APIConfig configures the status HTTP API. An empty Listen disables it.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig configures operational logging and traffic capture.
type LogConfig struct {
	Level       string `yaml:"level"`
	CaptureFile string `yaml:"capture_file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Printer: PrinterConfig{
			RequestTimeout: 30 * time.Second,
			PollInterval:   10 * time.Second,
			MaxFailures:    3,
			ReconcileGrace: 5 * time.Second,
		},
		Serial: SerialConfig{
			Listen:          "127.0.0.1:2323",
			ReadTimeout:     2 * time.Second,
			HeatTimeout:     15 * time.Minute,
			MaxExtruderTemp: 280,
			MaxBedTemp:      100,
			Format: FormatConfig{
				OK:           "ok",
				ResendPrefix: "Resend:",
				ErrorPrefix:  "Error:",
			},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path on top of the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field ranges. Host is not required here so a file can
// leave it to the command line.
func (c Config) Validate() error {
	var errs []error
	if c.Printer.RequestTimeout <= 0 {
		errs = append(errs, errors.New("printer.request_timeout must be positive"))
	}
	if c.Printer.PollInterval <= 0 {
		errs = append(errs, errors.New("printer.poll_interval must be positive"))
	}
	if c.Printer.MaxFailures < 1 {
		errs = append(errs, errors.New("printer.max_failures must be at least 1"))
	}
	if c.Printer.ReconcileGrace < 0 {
		errs = append(errs, errors.New("printer.reconcile_grace must not be negative"))
	}
	if c.Serial.ReadTimeout < 0 {
		errs = append(errs, errors.New("serial.read_timeout must not be negative"))
	}
	if c.Serial.HeatTimeout <= 0 {
		errs = append(errs, errors.New("serial.heat_timeout must be positive"))
	}
	if c.Serial.MaxExtruderTemp <= 0 || c.Serial.MaxBedTemp <= 0 {
		errs = append(errs, errors.New("serial temperature limits must be positive"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// ParseLevel maps a level name to an slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
