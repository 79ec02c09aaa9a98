package capture

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gocv.io/x/gocv"
)

// DefaultMaxDevices is how many device indices the GoCV enumerator probes.
const DefaultMaxDevices = 4

// ErrUnknownSource is returned when a source ID is not in the last enumeration.
var ErrUnknownSource = errors.New("unknown camera source")

// Source is one enumerated camera.
type Source struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Enumerator lists the camera sources currently available.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]Source, error)
}

// DeviceEnumerationError reports that the device inventory could not be read.
type DeviceEnumerationError struct {
	Err error
}

func (e *DeviceEnumerationError) Error() string {
	return fmt.Sprintf("camera enumeration failed: %v", e.Err)
}

func (e *DeviceEnumerationError) Unwrap() error { return e.Err }

// DeviceAcquisitionError reports that a source could not be opened.
type DeviceAcquisitionError struct {
	SourceID string
	Err      error
}

func (e *DeviceAcquisitionError) Error() string {
	return fmt.Sprintf("camera %q unavailable: %v", e.SourceID, e.Err)
}

func (e *DeviceAcquisitionError) Unwrap() error { return e.Err }

// GocvEnumerator probes device indices 0..MaxDevices-1 and reports those that open.
type GocvEnumerator struct {
	MaxDevices int
}

// Enumerate opens and immediately releases each candidate device.
func (e *GocvEnumerator) Enumerate(ctx context.Context) ([]Source, error) {
	n := e.MaxDevices
	if n <= 0 {
		n = DefaultMaxDevices
	}

	var sources []Source
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, &DeviceEnumerationError{Err: err}
		}

		vc, err := gocv.OpenVideoCapture(i)
		if err != nil {
			continue
		}
		if vc.IsOpened() {
			sources = append(sources, Source{
				ID:    strconv.Itoa(i),
				Label: fmt.Sprintf("Camera %d", i+1),
			})
		}
		vc.Close()
	}

	return sources, nil
}

// StaticEnumerator returns a fixed list. It backs mock runs and tests.
type StaticEnumerator struct {
	Sources []Source
	Err     error
}

// Enumerate returns a copy of Sources, or Err when set.
func (e *StaticEnumerator) Enumerate(ctx context.Context) ([]Source, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	return append([]Source(nil), e.Sources...), nil
}

func findSource(sources []Source, id string) (Source, bool) {
	for _, s := range sources {
		if s.ID == id {
			return s, true
		}
	}
	return Source{}, false
}
