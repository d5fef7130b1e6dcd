package dremel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dremelbridge/dremel-go/pkg/device"
)

// Command keywords understood by the printer.
const (
	CmdPrinterInfo   = "GETPRINTERINFO"
	CmdPrinterStatus = "GETPRINTERSTATUS"
	CmdPause         = "PAUSE"
	CmdResume        = "RESUME"
	CmdCancel        = "CANCEL"
	CmdPrint         = "PRINT"
	CmdNozzleHeat    = "NOZZLEHEAT"
	CmdStopNozzle    = "STOPNOZZLEHEAT"
	CmdPlateHeat     = "PLATEHEAT"
	CmdStopPlate     = "STOPPLATEHEAT"
)

const (
	commandPath = "/command"
	uploadPath  = "/print_file_uploads"

	// DefaultTimeout bounds every request when Config.Timeout is zero.
	DefaultTimeout = 30 * time.Second

	// Extruder and platform ceilings reported as Temperature.Max.
	maxExtruder = 280
	maxPlatform = 100
	maxChamber  = 60
)

// Config configures a Client.
type Config struct {
	// Host is the printer address, with optional port ("192.168.1.20").
	Host string

	// Timeout bounds each request. Zero uses DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the transport. Nil uses a client with Timeout.
	HTTPClient *http.Client

	// Logger receives debug output. Nil discards.
	Logger *slog.Logger
}

// Client talks to one printer.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

var _ device.Printer = (*Client)(nil)

// New creates a client for the printer at cfg.Host.
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("dremel: host is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	base := cfg.Host
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		base:   strings.TrimRight(base, "/"),
		http:   hc,
		logger: logger,
	}, nil
}

// reply is the envelope shared by every command response.
type reply struct {
	Message string `json:"message"`
}

type infoReply struct {
	reply
	Machine    string `json:"machine_type"`
	Firmware   string `json:"firmware_version"`
	Serial     string `json:"SN"`
	APIVersion string `json:"api_version"`
}

type statusReply struct {
	reply
	Status string `json:"status"`

	Extruder       float64 `json:"temperature"`
	ExtruderTarget float64 `json:"extruder_target_temperature"`
	Platform       float64 `json:"platform_temperature"`
	PlatformTarget float64 `json:"buildPlate_target_temperature"`
	Chamber        float64 `json:"chamber_temperature"`

	Progress  float64 `json:"progress"`
	Elapsed   float64 `json:"elaspedtime"`
	Remaining float64 `json:"remaining"`
	Layer     int     `json:"layer"`
	JobName   string  `json:"jobname"`
	DoorOpen  int     `json:"door_open"`
	Filament  string  `json:"filament_type "`
	FanSpeed  int     `json:"fanSpeed"`
}

// Info implements device.Printer.
func (c *Client) Info(ctx context.Context) (device.Info, error) {
	var r infoReply
	if err := c.command(ctx, CmdPrinterInfo, &r); err != nil {
		return device.Info{}, err
	}
	return device.Info{
		Machine:      strings.TrimSpace(r.Machine),
		Firmware:     strings.TrimSpace(r.Firmware),
		SerialNumber: strings.TrimSpace(r.Serial),
		APIVersion:   strings.TrimSpace(r.APIVersion),
	}, nil
}

// Status implements device.Printer.
func (c *Client) Status(ctx context.Context) (device.Status, error) {
	var r statusReply
	if err := c.command(ctx, CmdPrinterStatus, &r); err != nil {
		return device.Status{}, err
	}

	return device.Status{
		State: parseJobState(r.Status),
		Temperatures: map[device.Zone]device.Temperature{
			device.ZoneExtruder: {Current: r.Extruder, Target: r.ExtruderTarget, Max: maxExtruder},
			device.ZonePlatform: {Current: r.Platform, Target: r.PlatformTarget, Max: maxPlatform},
			device.ZoneChamber:  {Current: r.Chamber, Max: maxChamber},
		},
		Progress:  r.Progress,
		Elapsed:   time.Duration(r.Elapsed) * time.Second,
		Remaining: time.Duration(r.Remaining) * time.Second,
		Layer:     r.Layer,
		JobName:   strings.TrimSpace(r.JobName),
		DoorOpen:  r.DoorOpen != 0,
		Filament:  strings.TrimSpace(r.Filament),
		FanSpeed:  r.FanSpeed,
		FetchedAt: time.Now(),
	}, nil
}

// SetTemperature implements device.Printer.
func (c *Client) SetTemperature(ctx context.Context, zone device.Zone, celsius float64) error {
	if !zone.Writable() {
		return fmt.Errorf("%w: %s", device.ErrUnsupportedZone, zone)
	}

	cmd := heatCommand(CmdNozzleHeat, CmdStopNozzle, celsius)
	if zone == device.ZonePlatform {
		cmd = heatCommand(CmdPlateHeat, CmdStopPlate, celsius)
	}
	return c.command(ctx, cmd, nil)
}

func heatCommand(set, stop string, celsius float64) string {
	if celsius <= 0 {
		return stop
	}
	return fmt.Sprintf("%s=%d", set, int(celsius+0.5))
}

// Pause implements device.Printer.
func (c *Client) Pause(ctx context.Context) error {
	return c.command(ctx, CmdPause, nil)
}

// Resume implements device.Printer.
func (c *Client) Resume(ctx context.Context) error {
	return c.command(ctx, CmdResume, nil)
}

// Stop implements device.Printer.
func (c *Client) Stop(ctx context.Context) error {
	return c.command(ctx, CmdCancel, nil)
}

// StartPrint implements device.Printer.
func (c *Client) StartPrint(ctx context.Context, upload string) error {
	if upload == "" {
		return fmt.Errorf("%w: empty file name", device.ErrRejected)
	}
	return c.command(ctx, CmdPrint+"="+upload, nil)
}

// Upload implements device.Printer.
func (c *Client) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", device.ErrUploadFailed, err)
	}
	defer f.Close()

	name := filepath.Base(localPath)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("print_file", name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", device.ErrUploadFailed, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("%w: %v", device.ErrUploadFailed, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", device.ErrUploadFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+uploadPath, &body)
	if err != nil {
		return "", &device.CommError{Op: "upload", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var r reply
	if err := c.do(req, "upload", &r); err != nil {
		return "", err
	}

	c.logger.Debug("uploaded file", "name", name, "bytes", body.Len())
	return name, nil
}

// command posts a single keyword and decodes the reply into out.
func (c *Client) command(ctx context.Context, cmd string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+commandPath, strings.NewReader(cmd))
	if err != nil {
		return &device.CommError{Op: cmd, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	c.logger.Debug("printer command", "cmd", cmd)

	if out == nil {
		out = &reply{}
	}
	return c.do(req, cmd, out)
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &device.CommError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &device.CommError{Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &device.CommError{Op: op, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &device.CommError{Op: op, Err: fmt.Errorf("decode reply: %w", err)}
	}

	msg := messageOf(out)
	if msg != "" && !strings.EqualFold(msg, "success") {
		return fmt.Errorf("%w: %s: %s", device.ErrRejected, op, msg)
	}
	return nil
}

func messageOf(v any) string {
	switch r := v.(type) {
	case *reply:
		return r.Message
	case *infoReply:
		return r.Message
	case *statusReply:
		return r.Message
	default:
		return ""
	}
}

func parseJobState(s string) device.JobState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "building", "printing":
		return device.JobBuilding
	case "pausing":
		return device.JobPausing
	case "paused":
		return device.JobPaused
	case "completed":
		return device.JobCompleted
	case "aborting", "abort":
		return device.JobAborting
	case "error", "fault":
		return device.JobError
	default:
		return device.JobReady
	}
}
