// Command dremel-serial exposes a Dremel 3D45 as a Marlin-style serial
// printer on a TCP port.
//
// Hosts that only speak serial GCode (OctoPrint, Pronterface, pyserial
// scripts) connect to the endpoint as socket://host:port. Commands are
// translated to the printer's HTTP API; temperatures, job state and
// progress are reported back the way Marlin firmware does.
//
// Usage:
//
//	dremel-serial [flags]
//
// Flags:
//
//	-config string     YAML configuration file
//	-host string       Printer address (overrides printer.host)
//	-listen string     Serial endpoint address (overrides serial.listen)
//	-api string        Status API address, empty to disable (overrides api.listen)
//	-log-level string  Log level: debug, info, warn, error
//	-capture string    Write a traffic capture to this file
//	-interactive       Type GCode at a prompt instead of serving TCP
//
// Examples:
//
//	# Serve the printer at 192.168.1.20 on the default port
//	dremel-serial -host 192.168.1.20
//
//	# Serve with a config file and capture the traffic
//	dremel-serial -config /etc/dremel/serial.yaml -capture serial.dlog
//
//	# Talk to the printer by hand
//	dremel-serial -host 192.168.1.20 -interactive
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dremelbridge/dremel-go/cmd/dremel-serial/interactive"
	"github.com/dremelbridge/dremel-go/pkg/api"
	"github.com/dremelbridge/dremel-go/pkg/config"
	"github.com/dremelbridge/dremel-go/pkg/device"
	"github.com/dremelbridge/dremel-go/pkg/device/dremel"
	"github.com/dremelbridge/dremel-go/pkg/log"
	"github.com/dremelbridge/dremel-go/pkg/transport"
	"github.com/dremelbridge/dremel-go/pkg/vserial"
)

var version = "dev"

// Flags holds the command line. Empty values leave the file configuration
// untouched.
type Flags struct {
	ConfigFile  string
	Host        string
	Listen      string
	API         string
	LogLevel    string
	CaptureFile string
	Interactive bool
}

var flags Flags

func init() {
	flag.StringVar(&flags.ConfigFile, "config", "", "YAML configuration file")
	flag.StringVar(&flags.Host, "host", "", "Printer address (overrides printer.host)")
	flag.StringVar(&flags.Listen, "listen", "", "Serial endpoint address (overrides serial.listen)")
	flag.StringVar(&flags.API, "api", "", "Status API address (overrides api.listen)")
	flag.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&flags.CaptureFile, "capture", "", "Write a traffic capture to this file")
	flag.BoolVar(&flags.Interactive, "interactive", false, "Type GCode at a prompt instead of serving TCP")
}

func main() {
	flag.Parse()

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the optional file and applies flag overrides.
func loadConfig(f Flags) (config.Config, error) {
	cfg := config.Default()
	if f.ConfigFile != "" {
		var err error
		if cfg, err = config.Load(f.ConfigFile); err != nil {
			return config.Config{}, err
		}
	}

	if f.Host != "" {
		cfg.Printer.Host = f.Host
	}
	if f.Listen != "" {
		cfg.Serial.Listen = f.Listen
	}
	if f.API != "" {
		cfg.API.Listen = f.API
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.CaptureFile != "" {
		cfg.Log.CaptureFile = f.CaptureFile
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if cfg.Printer.Host == "" {
		return config.Config{}, fmt.Errorf("%w: printer host is required (-host or printer.host)", config.ErrInvalidConfig)
	}
	return cfg, nil
}

// sessionConfig maps the file configuration onto a session template.
func sessionConfig(cfg config.Config, printer device.Printer, logger *slog.Logger, capture log.Logger) vserial.Config {
	return vserial.Config{
		Printer:         printer,
		RequestTimeout:  cfg.Printer.RequestTimeout,
		PollInterval:    cfg.Printer.PollInterval,
		MaxFailures:     cfg.Printer.MaxFailures,
		ReconcileGrace:  cfg.Printer.ReconcileGrace,
		ReadTimeout:     cfg.Serial.ReadTimeout,
		HeatTimeout:     cfg.Serial.HeatTimeout,
		MaxExtruderTemp: cfg.Serial.MaxExtruderTemp,
		MaxBedTemp:      cfg.Serial.MaxBedTemp,
		Format: vserial.Format{
			OK:             cfg.Serial.Format.OK,
			EchoLineNumber: cfg.Serial.Format.EchoLineNumber,
			ResendPrefix:   cfg.Serial.Format.ResendPrefix,
			ErrorPrefix:    cfg.Serial.Format.ErrorPrefix,
		},
		Logger:  logger,
		Capture: capture,
	}
}

// openCapture returns the capture sink and a function closing it.
func openCapture(path string, logger *slog.Logger) (log.Logger, func(), error) {
	debug := log.NewSlogAdapter(logger.With("component", "capture"))
	if path == "" {
		if logger.Enabled(context.Background(), slog.LevelDebug) {
			return debug, func() {}, nil
		}
		return log.NoopLogger{}, func() {}, nil
	}

	fl, err := log.NewFileLogger(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open capture: %w", err)
	}
	logger.Info("capturing traffic", "file", path)

	closeFn := func() {
		if err := fl.Close(); err != nil {
			logger.Warn("capture close failed", "error", err)
		}
		logger.Info("capture closed", "events", fl.Written())
	}
	return log.NewMultiLogger(fl, debug), closeFn, nil
}

func run(cfg config.Config, logger *slog.Logger) error {
	printer, err := dremel.New(dremel.Config{
		Host:    cfg.Printer.Host,
		Timeout: cfg.Printer.RequestTimeout,
		Logger:  logger.With("component", "dremel"),
	})
	if err != nil {
		return err
	}

	capture, closeCapture, err := openCapture(cfg.Log.CaptureFile, logger)
	if err != nil {
		return err
	}
	defer closeCapture()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessCfg := sessionConfig(cfg, printer, logger, capture)

	if flags.Interactive {
		level, _ := config.ParseLevel(cfg.Log.Level)
		return runInteractive(ctx, cancel, sessCfg, level, logger)
	}

	srv, err := transport.NewServer(transport.ServerConfig{
		Address: cfg.Serial.Listen,
		Session: sessCfg,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()

	logger.Info("dremel-serial started",
		"version", version,
		"printer", cfg.Printer.Host,
		"serial", srv.Addr().String())

	if cfg.API.Listen != "" {
		apiSrv, err := api.NewServer(api.ServerConfig{
			Address: cfg.API.Listen,
			Version: version,
			Bridge:  srv,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := apiSrv.ListenAndServe(); err != nil {
				logger.Error("api server failed", "error", err)
				cancel()
			}
		}()
		defer apiSrv.Shutdown()
	}

	waitForShutdown(ctx, logger)
	logger.Info("shutting down")
	return nil
}

func runInteractive(ctx context.Context, cancel context.CancelFunc, sessCfg vserial.Config, level slog.Level, logger *slog.Logger) error {
	term, err := interactive.New(interactive.Config{Session: sessCfg, LogLevel: level})
	if err != nil {
		return err
	}

	go term.Run(ctx, cancel)
	waitForShutdown(ctx, logger)
	return term.Close()
}

func waitForShutdown(ctx context.Context, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig.String())
	case <-ctx.Done():
	}
}
