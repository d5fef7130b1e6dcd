package device

import (
	"errors"
	"fmt"
	"testing"
)

func TestZone(t *testing.T) {
	if ZoneExtruder.String() != "extruder" || ZonePlatform.String() != "platform" || ZoneChamber.String() != "chamber" {
		t.Error("unexpected zone names")
	}
	if ZoneChamber.Writable() {
		t.Error("chamber should not be writable")
	}
	if !ZoneExtruder.Writable() || !ZonePlatform.Writable() {
		t.Error("extruder and platform should be writable")
	}
}

func TestStatusPredicates(t *testing.T) {
	t.Run("Printing", func(t *testing.T) {
		s := Status{State: JobBuilding}
		if !s.IsPrinting() || s.IsPaused() || s.IsReady() {
			t.Errorf("predicates wrong for %v", s.State)
		}
	})

	t.Run("Pausing", func(t *testing.T) {
		s := Status{State: JobPausing}
		if !s.IsPaused() {
			t.Error("pausing should count as paused")
		}
	})

	t.Run("Completed", func(t *testing.T) {
		s := Status{State: JobCompleted}
		if !s.IsReady() {
			t.Error("completed should count as ready")
		}
	})

	t.Run("MissingTemperature", func(t *testing.T) {
		var s Status
		if got := s.Temperature(ZoneExtruder); got != (Temperature{}) {
			t.Errorf("Temperature() = %+v, want zero", got)
		}
	})
}

func TestCommError(t *testing.T) {
	base := errors.New("timeout")
	err := fmt.Errorf("refresh: %w", &CommError{Op: "GETPRINTERSTATUS", Err: base})

	if !IsCommError(err) {
		t.Error("IsCommError() = false for wrapped CommError")
	}
	if !errors.Is(err, base) {
		t.Error("CommError should unwrap to its cause")
	}
	if IsCommError(base) {
		t.Error("IsCommError() = true for plain error")
	}
}
