package main

import (
	"fmt"

	"github.com/protravka/protravka/authority/client"
	"github.com/protravka/protravka/capture/dir"
	"github.com/protravka/protravka/engine"
	storediskv "github.com/protravka/protravka/engine/storage/diskv"
	"github.com/protravka/protravka/execution"
	"github.com/protravka/protravka/gateway"
	queuediskv "github.com/protravka/protravka/gateway/queue/diskv"
	"github.com/protravka/protravka/resilient"

	"github.com/micromdm/nanolib/log"
)

// device is the local state and services of one operator device.
type device struct {
	operator execution.Operator
	client   *client.Client
	store    *storediskv.Diskv
	queue    *queuediskv.Diskv
	gateway  *gateway.Gateway
	worker   *gateway.Worker
	engine   *engine.Engine
}

func newDevice(cfg *Config, logger log.Logger) (*device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := client.New(
		cfg.AuthorityURL,
		client.WithAPIKey(cfg.APIKey),
		client.WithLogger(logger.With("service", "client")),
	)
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}

	caller := resilient.New(
		resilient.WithTimeout(cfg.CallTimeout),
		resilient.WithAttempts(cfg.CallAttempts),
	)

	d := &device{
		operator: execution.Operator{ID: cfg.OperatorID, Name: cfg.OperatorName},
		client:   c,
		store:    storediskv.New(cfg.recordsDir()),
		queue:    queuediskv.New(cfg.queueDir()),
	}

	d.gateway = gateway.New(
		c,
		d.queue,
		d.store,
		gateway.WithLogger(logger.With("service", "gateway")),
		gateway.WithCaller(caller),
	)

	d.worker = gateway.NewWorker(
		d.gateway,
		gateway.WithWorkerLogger(logger.With("service", "worker")),
		gateway.WithWorkerDuration(cfg.WorkerInterval),
		gateway.WithRetention(cfg.Retention),
	)

	opts := []engine.Option{
		engine.WithLogger(logger.With("service", "engine")),
		engine.WithCaller(caller),
	}
	if cfg.Device != "" {
		opts = append(opts, engine.WithDevice(cfg.Device))
	}
	d.engine = engine.New(d.store, c, d.gateway, dir.New(cfg.CaptureDir), opts...)

	return d, nil
}
