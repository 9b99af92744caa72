// Package capture defines the camera interface used to collect photo
// evidence during execution.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPermissionDenied is returned when camera access was refused.
	ErrPermissionDenied = errors.New("camera permission denied")

	// ErrDeviceUnavailable is returned when no usable camera exists or
	// the selected one went away.
	ErrDeviceUnavailable = errors.New("camera device unavailable")

	ErrNotOpen = errors.New("camera not open")
)

// Error is a capture failure on a specific device.
// Kind is one of ErrPermissionDenied or ErrDeviceUnavailable.
type Error struct {
	Kind   error
	Device string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Device, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Device)
}

// Is reports whether target is the kind of e.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Device is an available camera.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Image is a single captured still.
type Image struct {
	Data        []byte
	ContentType string
	CapturedAt  time.Time
}

// Camera is an opened device.
type Camera interface {
	Capture(ctx context.Context) (*Image, error)
	Close() error
}

// Service lists and opens devices.
// Open returns an *Error of kind ErrPermissionDenied or
// ErrDeviceUnavailable if the device can not be used.
type Service interface {
	ListDevices(ctx context.Context) ([]Device, error)
	Open(ctx context.Context, deviceID string) (Camera, error)
}
