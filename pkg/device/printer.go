package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Device errors.
var (
	ErrUnsupportedZone = errors.New("unsupported temperature zone")
	ErrUploadFailed    = errors.New("upload failed")
	ErrRejected        = errors.New("command rejected by printer")
)

// Zone identifies a heated zone of the printer.
type Zone uint8

const (
	// ZoneExtruder is the nozzle heater (Marlin T).
	ZoneExtruder Zone = iota

	// ZonePlatform is the build plate heater (Marlin B).
	ZonePlatform

	// ZoneChamber is the enclosure sensor (Marlin C). Read-only.
	ZoneChamber
)

// Zones lists every zone in report order.
var Zones = []Zone{ZoneExtruder, ZonePlatform, ZoneChamber}

// String returns the zone name.
func (z Zone) String() string {
	switch z {
	case ZoneExtruder:
		return "extruder"
	case ZonePlatform:
		return "platform"
	case ZoneChamber:
		return "chamber"
	default:
		return "unknown"
	}
}

// Writable reports whether the zone accepts a target temperature.
func (z Zone) Writable() bool {
	return z == ZoneExtruder || z == ZonePlatform
}

// Temperature is a single zone reading in degrees Celsius.
type Temperature struct {
	Current float64
	Target  float64
	Max     float64
}

// JobState is the printer-reported job state.
type JobState uint8

const (
	// JobReady means the printer is idle and can accept a job.
	JobReady JobState = iota

	// JobBuilding means a job is printing.
	JobBuilding

	// JobPausing means a pause was requested and is in progress.
	JobPausing

	// JobPaused means a job is paused.
	JobPaused

	// JobCompleted means the last job finished and the printer is idle.
	JobCompleted

	// JobAborting means a cancel is in progress.
	JobAborting

	// JobError means the printer reported a fault.
	JobError
)

// String returns the state name.
func (s JobState) String() string {
	switch s {
	case JobReady:
		return "READY"
	case JobBuilding:
		return "BUILDING"
	case JobPausing:
		return "PAUSING"
	case JobPaused:
		return "PAUSED"
	case JobCompleted:
		return "COMPLETED"
	case JobAborting:
		return "ABORTING"
	case JobError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Status is a snapshot of the printer state.
type Status struct {
	State        JobState
	Temperatures map[Zone]Temperature

	// Progress is the job completion in percent (0..100).
	Progress  float64
	Elapsed   time.Duration
	Remaining time.Duration
	Layer     int

	// JobName is the upload identifier of the active or last job.
	JobName string

	DoorOpen bool
	Filament string
	FanSpeed int

	// FetchedAt is when the snapshot was taken.
	FetchedAt time.Time
}

// IsPrinting reports whether a job is actively building.
func (s Status) IsPrinting() bool {
	return s.State == JobBuilding
}

// IsPaused reports whether a job is paused or pausing.
func (s Status) IsPaused() bool {
	return s.State == JobPaused || s.State == JobPausing
}

// IsReady reports whether the printer has no active job.
func (s Status) IsReady() bool {
	return s.State == JobReady || s.State == JobCompleted || s.State == JobAborting
}

// Temperature returns the reading for zone, or a zero value if absent.
func (s Status) Temperature(z Zone) Temperature {
	if s.Temperatures == nil {
		return Temperature{}
	}
	return s.Temperatures[z]
}

// Info identifies the printer.
type Info struct {
	Machine      string
	Firmware     string
	SerialNumber string
	APIVersion   string
}

// Printer is the set of operations the serial session needs from a device.
type Printer interface {
	// Info returns identification data. Used as the connection handshake.
	Info(ctx context.Context) (Info, error)

	// Status fetches a fresh status snapshot.
	Status(ctx context.Context) (Status, error)

	// SetTemperature sets a zone target. A target of 0 turns the heater off.
	SetTemperature(ctx context.Context, zone Zone, celsius float64) error

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error

	// StartPrint starts printing a previously uploaded file.
	StartPrint(ctx context.Context, upload string) error

	// Upload transfers a local file and returns its upload identifier.
	Upload(ctx context.Context, localPath string) (string, error)
}

// CommError reports a failed exchange with the printer.
type CommError struct {
	Op  string
	Err error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommError) Unwrap() error {
	return e.Err
}

// IsCommError reports whether err is or wraps a *CommError.
func IsCommError(err error) bool {
	var ce *CommError
	return errors.As(err, &ce)
}
