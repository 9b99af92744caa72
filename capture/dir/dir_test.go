package dir

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/protravka/protravka/capture"
)

func TestDirService(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "cam0"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(base, "empty"), 0755); err != nil {
		t.Fatal(err)
	}
	for name, data := range map[string]string{"a.jpg": "first", "b.png": "second", "notes.txt": "skip"} {
		if err := os.WriteFile(filepath.Join(base, "cam0", name), []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
	}

	s := New(base)
	devices, err := s.ListDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(devices), 2; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	_, err = s.Open(ctx, "empty")
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Errorf("have: %v, want: %v", err, capture.ErrDeviceUnavailable)
	}

	_, err = s.Open(ctx, "missing")
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Errorf("have: %v, want: %v", err, capture.ErrDeviceUnavailable)
	}

	cam, err := s.Open(ctx, "cam0")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"first", "second", "first"} {
		img, err := cam.Capture(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if have := string(img.Data); have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
	}
	if err = cam.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err = cam.Capture(ctx); !errors.Is(err, capture.ErrNotOpen) {
		t.Errorf("have: %v, want: %v", err, capture.ErrNotOpen)
	}
}
