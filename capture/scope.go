package capture

import (
	"context"
	"fmt"
	"sync"
)

// Scope holds at most one open camera between Open and Close.
// It is opened when a photo step is entered and closed when that step
// is left by any path, including abandonment.
type Scope struct {
	svc      Service
	deviceID string

	mu     sync.Mutex
	camera Camera
}

// NewScope creates a scope for deviceID on svc.
// If deviceID is empty the first listed device is used.
func NewScope(svc Service, deviceID string) *Scope {
	return &Scope{svc: svc, deviceID: deviceID}
}

// Open opens the camera unless it is already open.
func (s *Scope) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.camera != nil {
		return nil
	}
	deviceID := s.deviceID
	if deviceID == "" {
		devices, err := s.svc.ListDevices(ctx)
		if err != nil {
			return fmt.Errorf("listing devices: %w", err)
		}
		if len(devices) < 1 {
			return &Error{Kind: ErrDeviceUnavailable, Device: "(none)"}
		}
		deviceID = devices[0].ID
	}
	camera, err := s.svc.Open(ctx, deviceID)
	if err != nil {
		return err
	}
	s.camera = camera
	return nil
}

// Capture takes a still with the open camera.
func (s *Scope) Capture(ctx context.Context) (*Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.camera == nil {
		return nil, ErrNotOpen
	}
	return s.camera.Capture(ctx)
}

// IsOpen reports whether a camera is held.
func (s *Scope) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.camera != nil
}

// Close releases the camera. It is safe to call when nothing is open.
func (s *Scope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.camera == nil {
		return nil
	}
	err := s.camera.Close()
	s.camera = nil
	return err
}
