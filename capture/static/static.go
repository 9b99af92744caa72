// Package static implements a capture service returning fixed images.
// It tracks open cameras so tests can verify release.
package static

import (
	"context"
	"sync"
	"time"

	"github.com/protravka/protravka/capture"
)

// Service is an in-memory capture service.
type Service struct {
	mu         sync.Mutex
	devices    []capture.Device
	image      []byte
	openErr    error
	captureErr error
	open       int
	opens      int
}

// New creates a new static capture service with the device IDs.
func New(image []byte, deviceIDs ...string) *Service {
	s := &Service{image: image}
	for _, id := range deviceIDs {
		s.devices = append(s.devices, capture.Device{ID: id, Name: id})
	}
	return s
}

// SetOpenError makes subsequent opens fail with err.
func (s *Service) SetOpenError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// SetCaptureError makes subsequent captures fail with err.
func (s *Service) SetCaptureError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captureErr = err
}

// OpenCount returns the number of cameras currently open.
func (s *Service) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Opens returns how many times a camera was opened.
func (s *Service) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *Service) ListDevices(_ context.Context) ([]capture.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capture.Device(nil), s.devices...), nil
}

func (s *Service) Open(_ context.Context, deviceID string) (capture.Camera, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	for _, d := range s.devices {
		if d.ID == deviceID {
			s.open++
			s.opens++
			return &camera{svc: s}, nil
		}
	}
	return nil, &capture.Error{Kind: capture.ErrDeviceUnavailable, Device: deviceID}
}

type camera struct {
	svc    *Service
	closed bool
}

func (c *camera) Capture(_ context.Context) (*capture.Image, error) {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	if c.closed {
		return nil, capture.ErrNotOpen
	}
	if c.svc.captureErr != nil {
		return nil, c.svc.captureErr
	}
	return &capture.Image{
		Data:        append([]byte(nil), c.svc.image...),
		ContentType: "image/jpeg",
		CapturedAt:  time.Now(),
	}, nil
}

func (c *camera) Close() error {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.svc.open--
	}
	return nil
}
