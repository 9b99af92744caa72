package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/protravka/protravka/gateway"
	"github.com/protravka/protravka/resilient"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfig       = "treatctl.yaml"
	defaultAuthorityURL = "http://localhost:9004"
	defaultStateDir     = "state"
)

var (
	ErrMissingAuthorityURL = errors.New("missing authority url")
	ErrMissingOperatorID   = errors.New("missing operator id")
	ErrMissingCaptureDir   = errors.New("missing capture dir")
)

// Config is the operator device configuration.
type Config struct {
	AuthorityURL string `yaml:"authority_url"`
	APIKey       string `yaml:"api_key"`

	OperatorID   string `yaml:"operator_id"`
	OperatorName string `yaml:"operator_name"`

	// StateDir holds the execution store and the offline queue.
	StateDir string `yaml:"state_dir"`

	// CaptureDir holds one subdirectory of images per capture device.
	CaptureDir string `yaml:"capture_dir"`
	Device     string `yaml:"device"`

	CallTimeout    time.Duration `yaml:"call_timeout"`
	CallAttempts   int           `yaml:"call_attempts"`
	WorkerInterval time.Duration `yaml:"worker_interval"`
	Retention      time.Duration `yaml:"retention"`
}

func defaults() *Config {
	return &Config{
		AuthorityURL:   defaultAuthorityURL,
		StateDir:       defaultStateDir,
		CallTimeout:    resilient.DefaultTimeout,
		CallAttempts:   resilient.DefaultAttempts,
		WorkerInterval: gateway.DefaultDuration,
		Retention:      gateway.DefaultRetention,
	}
}

// loadConfig reads the YAML file at path over the defaults.
// A missing file is not an error unless required is set.
func loadConfig(path string, required bool) (*Config, error) {
	cfg := defaults()
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return cfg, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err = yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks c for missing values.
func (c *Config) Validate() error {
	if c.AuthorityURL == "" {
		return ErrMissingAuthorityURL
	}
	if c.OperatorID == "" {
		return ErrMissingOperatorID
	}
	if c.CaptureDir == "" {
		return ErrMissingCaptureDir
	}
	return nil
}

func (c *Config) recordsDir() string {
	return filepath.Join(c.StateDir, "records")
}

func (c *Config) queueDir() string {
	return filepath.Join(c.StateDir, "queue")
}
