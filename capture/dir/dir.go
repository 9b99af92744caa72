// Package dir implements a capture service that serves still images
// from directories. Each subdirectory of the base path is a device;
// captures cycle through its image files in name order.
package dir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/protravka/protravka/capture"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
}

// Service serves images from subdirectories of a base path.
type Service struct {
	path string
}

// New creates a new directory capture service rooted at path.
func New(path string) *Service {
	return &Service{path: path}
}

func kindOf(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return capture.ErrPermissionDenied
	}
	return capture.ErrDeviceUnavailable
}

// ListDevices returns each subdirectory of the base path.
func (s *Service) ListDevices(_ context.Context) ([]capture.Device, error) {
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, &capture.Error{Kind: kindOf(err), Device: s.path, Err: err}
	}
	var devices []capture.Device
	for _, e := range entries {
		if e.IsDir() {
			devices = append(devices, capture.Device{ID: e.Name(), Name: e.Name()})
		}
	}
	return devices, nil
}

func (s *Service) images(deviceID string) ([]string, error) {
	devPath := filepath.Join(s.path, filepath.Base(deviceID))
	entries, err := os.ReadDir(devPath)
	if err != nil {
		return nil, &capture.Error{Kind: kindOf(err), Device: deviceID, Err: err}
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := imageExts[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			files = append(files, filepath.Join(devPath, e.Name()))
		}
	}
	if len(files) < 1 {
		return nil, &capture.Error{Kind: capture.ErrDeviceUnavailable, Device: deviceID, Err: errors.New("no images")}
	}
	sort.Strings(files)
	return files, nil
}

// Open opens the device directory.
func (s *Service) Open(_ context.Context, deviceID string) (capture.Camera, error) {
	files, err := s.images(deviceID)
	if err != nil {
		return nil, err
	}
	return &camera{device: deviceID, files: files}, nil
}

type camera struct {
	mu     sync.Mutex
	device string
	files  []string
	next   int
	closed bool
}

func (c *camera) Capture(ctx context.Context) (*capture.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, capture.ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := c.files[c.next%len(c.files)]
	c.next++
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, &capture.Error{Kind: kindOf(err), Device: c.device, Err: fmt.Errorf("reading %s: %w", name, err)}
	}
	return &capture.Image{
		Data:        data,
		ContentType: http.DetectContentType(data),
		CapturedAt:  time.Now(),
	}, nil
}

func (c *camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
