// Package engine implements the execution workflow engine.
//
// The engine walks one operator through the execution of one order.
// Starting requires a successful claim of the order. Every step
// transition is committed as a saga: the record is advanced locally,
// persisted as the step requires and, if persisting fails, returned
// to the step's named rollback step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/protravka/protravka/authority"
	"github.com/protravka/protravka/capture"
	"github.com/protravka/protravka/claim"
	"github.com/protravka/protravka/engine/storage"
	"github.com/protravka/protravka/execution"
	"github.com/protravka/protravka/logkeys"
	"github.com/protravka/protravka/metrics"
	"github.com/protravka/protravka/resilient"
	"github.com/protravka/protravka/utils/uuid"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	// ErrActiveRecord is returned when starting an order this device
	// already executes. Resume it instead.
	ErrActiveRecord = errors.New("order has an active execution record")

	// ErrNoRecord is returned when resuming an order without an
	// execution record locally or at the authority.
	ErrNoRecord = errors.New("no execution record")

	// ErrNotRecordOwner is returned when resuming another operator's record.
	ErrNotRecordOwner = errors.New("execution record owned by another operator")

	// ErrClaimLost is returned when the authority no longer considers
	// the operator the owner of the order. The local record has been
	// deactivated.
	ErrClaimLost = errors.New("claim lost")
)

// Authority is the remote authority as seen by the engine.
type Authority interface {
	claim.Remote

	ReleaseOrder(ctx context.Context, orderID string, op execution.Operator) (*execution.Order, error)
	CompleteOrder(ctx context.Context, orderID string, op execution.Operator) (*execution.Order, error)

	// GetRecord returns the last snapshot the authority accepted.
	GetRecord(ctx context.Context, orderID string) (*execution.ExecutionRecord, error)
}

// Persister delivers snapshots and media to the authority.
// See the gateway package.
type Persister interface {
	// Save delivers a snapshot, queueing it while the authority is
	// unreachable. Only rejections and local failures are returned.
	Save(ctx context.Context, r *execution.ExecutionRecord) error

	// SaveCheckpoint delivers a snapshot synchronously.
	SaveCheckpoint(ctx context.Context, r *execution.ExecutionRecord) error

	SaveMedia(ctx context.Context, id, contentType string, data []byte) error
}

// Engine starts and resumes execution sessions.
type Engine struct {
	store     storage.Storage
	authority Authority
	persister Persister
	capture   capture.Service
	claimer   *claim.Claimer

	deviceID string
	caller   *resilient.Caller
	metrics  *metrics.Metrics
	logger   log.Logger
	ider     uuid.IDer
	now      func() time.Time
}

// Options configure the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics records step transitions and rollbacks in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithCaller sets the bounds of calls to the authority.
func WithCaller(c *resilient.Caller) Option {
	return func(e *Engine) {
		e.caller = c
	}
}

// WithDevice selects the capture device. By default the first listed
// device is used.
func WithDevice(deviceID string) Option {
	return func(e *Engine) {
		e.deviceID = deviceID
	}
}

// WithIDer sets the generator of media identifiers.
func WithIDer(ider uuid.IDer) Option {
	return func(e *Engine) {
		e.ider = ider
	}
}

// New creates a new engine.
func New(store storage.Storage, auth Authority, persister Persister, svc capture.Service, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		authority: auth,
		persister: persister,
		capture:   svc,
		logger:    log.NopLogger,
		ider:      uuid.NewUUID(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.caller == nil {
		e.caller = resilient.New(resilient.WithMetrics(e.metrics))
	}
	e.claimer = claim.New(
		auth,
		claim.WithLogger(e.logger.With("service", "claim")),
		claim.WithMetrics(e.metrics),
		claim.WithCaller(e.caller),
	)
	return e
}

func ownedBy(o *execution.Order, op execution.Operator) bool {
	return o.Status == execution.StatusExecutionInProgress && o.ClaimedBy != nil && o.ClaimedBy.ID == op.ID
}

// Start claims orderID for op and starts executing it at the first step.
// A competing claim returns a *claim.ConflictError and an unknown
// claim outcome an error wrapping claim.ErrIndeterminate. In both
// cases no execution record is created.
func (e *Engine) Start(ctx context.Context, orderID string, op execution.Operator) (*Session, error) {
	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.OrderID, orderID,
		logkeys.OperatorID, op.ID,
	)
	if _, err := e.store.RetrieveRecord(ctx, orderID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrActiveRecord, orderID)
	} else if !errors.Is(err, storage.ErrRecordNotFound) {
		return nil, fmt.Errorf("retrieving record: %w", err)
	}

	result, err := e.claimer.Claim(ctx, orderID, op)
	if err != nil {
		return nil, err
	}
	if err = result.Err(orderID); err != nil {
		return nil, err
	}

	r, err := execution.NewExecutionRecord(result.Order, op, e.now())
	if err == nil {
		err = e.store.CreateRecord(ctx, r)
	}
	if err != nil {
		logger.Info(logkeys.Message, "creating record", logkeys.Error, err)
		e.release(ctx, orderID, op)
		return nil, fmt.Errorf("creating record: %w", err)
	}
	logger.Debug(logkeys.Message, "execution started", "reconciled", result.Reconciled)
	return e.newSession(ctx, result.Order, r), nil
}

// Resume continues executing orderID at the step it was left.
// If the local record was lost but op still owns the claim, the
// execution continues from the last snapshot the authority accepted.
// If the authority can not be reached the local record is resumed
// without order details.
func (e *Engine) Resume(ctx context.Context, orderID string, op execution.Operator) (*Session, error) {
	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.OrderID, orderID,
		logkeys.OperatorID, op.ID,
	)
	r, err := e.store.RetrieveRecord(ctx, orderID)
	if err != nil && !errors.Is(err, storage.ErrRecordNotFound) {
		return nil, fmt.Errorf("retrieving record: %w", err)
	}
	if r != nil {
		if err = r.Validate(); err != nil {
			return nil, fmt.Errorf("validating record: %w", err)
		}
	}
	if r != nil && r.Operator.ID != op.ID {
		return nil, fmt.Errorf("%w: %s", ErrNotRecordOwner, orderID)
	}

	order, orderErr := resilient.Call(ctx, e.caller, "get_order", func(ctx context.Context) (*execution.Order, error) {
		return e.authority.GetOrder(ctx, orderID)
	})
	switch {
	case errors.Is(orderErr, authority.ErrUnreachable):
		if r == nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrNoRecord, orderID, orderErr)
		}
		logger.Info(logkeys.Message, "resuming without order", logkeys.Error, orderErr)
		order = nil
	case orderErr != nil:
		return nil, fmt.Errorf("retrieving order: %w", orderErr)
	case !ownedBy(order, op):
		if r != nil {
			e.deactivate(ctx, orderID)
		}
		logger.Info(logkeys.Message, "claim lost", logkeys.OrderStatus, order.Status)
		return nil, fmt.Errorf("%w: %s is %s", ErrClaimLost, orderID, order.Status)
	case r != nil && r.ClaimEpoch != order.ClaimEpoch:
		logger.Info(logkeys.Message, "record from earlier claim", "record_epoch", r.ClaimEpoch, "claim_epoch", order.ClaimEpoch)
		if err = e.deactivate(ctx, orderID); err != nil {
			return nil, fmt.Errorf("deactivating record: %w", err)
		}
		r = nil
	}

	if r == nil {
		if r, err = e.recoverRecord(ctx, order, op); err != nil {
			return nil, err
		}
		logger.Debug(logkeys.Message, "record recovered", logkeys.Seq, r.Seq)
	}
	logger.Debug(logkeys.Message, "execution resumed", logkeys.Step, r.CurrentStep)
	return e.newSession(ctx, order, r), nil
}

// recoverRecord recreates the local record of an order op owns from
// the last accepted snapshot, or afresh if there is none.
func (e *Engine) recoverRecord(ctx context.Context, order *execution.Order, op execution.Operator) (*execution.ExecutionRecord, error) {
	r, err := resilient.Call(ctx, e.caller, "get_record", func(ctx context.Context) (*execution.ExecutionRecord, error) {
		return e.authority.GetRecord(ctx, order.ID)
	})
	switch {
	case errors.Is(err, authority.ErrRecordNotFound) || (err == nil && (r.Operator.ID != op.ID || r.ClaimEpoch != order.ClaimEpoch)):
		if r, err = execution.NewExecutionRecord(order, op, e.now()); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("%w: %s: %w", ErrNoRecord, order.ID, err)
	default:
		if err = r.Validate(); err != nil {
			return nil, fmt.Errorf("validating recovered record: %w", err)
		}
	}
	if err = e.store.CreateRecord(ctx, r); err != nil {
		return nil, fmt.Errorf("creating record: %w", err)
	}
	return r, nil
}

// Active returns the records this device executes.
func (e *Engine) Active(ctx context.Context) ([]*execution.ExecutionRecord, error) {
	return e.store.ListRecords(ctx)
}

// release gives up the claim of orderID, logging any failure.
func (e *Engine) release(ctx context.Context, orderID string, op execution.Operator) error {
	_, err := resilient.Call(ctx, e.caller, "release_order", func(ctx context.Context) (*execution.Order, error) {
		return e.authority.ReleaseOrder(ctx, orderID, op)
	})
	if err != nil {
		ctxlog.Logger(ctx, e.logger).Info(
			logkeys.Message, "releasing claim",
			logkeys.OrderID, orderID,
			logkeys.Error, err,
		)
	}
	return err
}

// deactivate ends the local record of orderID, logging any failure.
func (e *Engine) deactivate(ctx context.Context, orderID string) error {
	err := e.store.DeactivateRecord(context.WithoutCancel(ctx), orderID)
	if err != nil {
		ctxlog.Logger(ctx, e.logger).Info(
			logkeys.Message, "deactivating record",
			logkeys.OrderID, orderID,
			logkeys.Error, err,
		)
	}
	return err
}
