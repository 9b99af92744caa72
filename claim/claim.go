// Package claim implements the ownership claim protocol: an operator
// gains exclusive execution of an order through a compare-and-swap
// status transition performed by the remote authority.
package claim

import (
	"context"
	"errors"
	"fmt"

	"github.com/protravka/protravka/authority"
	"github.com/protravka/protravka/execution"
	"github.com/protravka/protravka/logkeys"
	"github.com/protravka/protravka/metrics"
	"github.com/protravka/protravka/resilient"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// Outcome of a claim attempt.
type Outcome int

const (
	// Claimed means the caller owns execution of the order.
	Claimed Outcome = iota

	// AlreadyClaimed means another operator owns execution.
	AlreadyClaimed

	// Indeterminate means it is unknown whether the claim happened.
	// The caller must not execute the order.
	Indeterminate
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case AlreadyClaimed:
		return "already_claimed"
	case Indeterminate:
		return "indeterminate"
	default:
		return fmt.Sprintf("unknown outcome: %d", o)
	}
}

var (
	ErrAlreadyClaimed = errors.New("order already claimed")
	ErrIndeterminate  = errors.New("claim indeterminate")
)

// ConflictError reports the operator already executing an order.
type ConflictError struct {
	OrderID   string
	ClaimedBy execution.Operator
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("order %s already claimed by %s", e.OrderID, e.ClaimedBy)
}

func (e *ConflictError) Unwrap() error {
	return ErrAlreadyClaimed
}

// Result of a claim attempt.
type Result struct {
	Outcome Outcome

	// Order is the order as last known to the authority.
	// Nil if the authority could not be reached at all.
	Order *execution.Order

	// ClaimedBy is the competing operator for AlreadyClaimed.
	ClaimedBy execution.Operator

	// Reconciled is set when the outcome was decided by querying
	// the order after the claim request failed in transit.
	Reconciled bool

	// Cause is the transport failure behind Indeterminate.
	Cause error
}

// Err returns nil if the order was claimed, a *ConflictError if
// another operator owns it or an error wrapping ErrIndeterminate.
func (r *Result) Err(orderID string) error {
	switch r.Outcome {
	case Claimed:
		return nil
	case AlreadyClaimed:
		return &ConflictError{OrderID: orderID, ClaimedBy: r.ClaimedBy}
	default:
		if r.Cause != nil {
			return fmt.Errorf("%w: %s: %w", ErrIndeterminate, orderID, r.Cause)
		}
		return fmt.Errorf("%w: %s", ErrIndeterminate, orderID)
	}
}

// Remote is the remote authority as seen by the claimer.
type Remote interface {
	// ClaimOrder moves the order from ready to execution in progress
	// for op. Claiming an order op already executes succeeds.
	// Returns an *authority.ClaimedError if another operator has it.
	ClaimOrder(ctx context.Context, orderID string, op execution.Operator) (*execution.Order, error)

	GetOrder(ctx context.Context, orderID string) (*execution.Order, error)
}

// Claimer performs claims.
type Claimer struct {
	remote  Remote
	caller  *resilient.Caller
	logger  log.Logger
	metrics *metrics.Metrics
}

// Option configures a Claimer.
type Option func(*Claimer)

// WithLogger sets the claimer logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Claimer) {
		c.logger = logger
	}
}

// WithMetrics records claim calls in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Claimer) {
		c.metrics = m
	}
}

// WithCaller sets the bounds of remote calls.
func WithCaller(caller *resilient.Caller) Option {
	return func(c *Claimer) {
		c.caller = caller
	}
}

// New creates a Claimer claiming orders at remote.
// Without WithCaller calls use the resilient defaults.
func New(remote Remote, opts ...Option) *Claimer {
	c := &Claimer{remote: remote, logger: log.NopLogger}
	for _, opt := range opts {
		opt(c)
	}
	if c.caller == nil {
		c.caller = resilient.New(resilient.WithMetrics(c.metrics))
	}
	return c
}

// Claim attempts to claim orderID for op.
// Rejections other than a competing claim (such as the order not
// being executable) are returned as errors.
func (c *Claimer) Claim(ctx context.Context, orderID string, op execution.Operator) (*Result, error) {
	if orderID == "" {
		return nil, execution.ErrMissingOrderID
	}
	if op.ID == "" {
		return nil, execution.ErrMissingOperatorID
	}
	logger := ctxlog.Logger(ctx, c.logger).With(
		logkeys.OrderID, orderID,
		logkeys.OperatorID, op.ID,
	)

	order, err := resilient.Call(ctx, c.caller, "claim_order", func(ctx context.Context) (*execution.Order, error) {
		return c.remote.ClaimOrder(ctx, orderID, op)
	})
	var claimed *authority.ClaimedError
	var result *Result
	switch {
	case err == nil:
		result = &Result{Outcome: Claimed, Order: order}
	case errors.As(err, &claimed):
		result = &Result{Outcome: AlreadyClaimed, ClaimedBy: claimed.ClaimedBy}
	case errors.Is(err, authority.ErrUnreachable):
		result = c.reconcile(ctx, orderID, op, err)
	default:
		logger.Info(logkeys.Message, "claim rejected", logkeys.Error, err)
		return nil, fmt.Errorf("claiming order %s: %w", orderID, err)
	}

	c.metrics.Claim(result.Outcome.String())
	logger = logger.With(
		logkeys.Outcome, result.Outcome.String(),
		"reconciled", result.Reconciled,
	)
	switch result.Outcome {
	case Claimed:
		logger.Debug(logkeys.Message, "order claimed")
	case AlreadyClaimed:
		logger.Info(
			logkeys.Message, "order claimed by other operator",
			logkeys.OperatorName, result.ClaimedBy.String(),
		)
	default:
		logger.Info(logkeys.Message, "claim indeterminate", logkeys.Error, result.Cause)
	}
	return result, nil
}

// reconcile decides the outcome of a claim whose request did not get
// an answer by looking at the order itself.
func (c *Claimer) reconcile(ctx context.Context, orderID string, op execution.Operator, cause error) *Result {
	order, err := resilient.Call(ctx, c.caller, "get_order", func(ctx context.Context) (*execution.Order, error) {
		return c.remote.GetOrder(ctx, orderID)
	})
	if err != nil {
		return &Result{Outcome: Indeterminate, Cause: errors.Join(cause, err)}
	}
	r := &Result{Order: order, Reconciled: true}
	if order.Status == execution.StatusExecutionInProgress && order.ClaimedBy != nil {
		if order.ClaimedBy.ID == op.ID {
			r.Outcome = Claimed
		} else {
			r.Outcome = AlreadyClaimed
			r.ClaimedBy = *order.ClaimedBy
		}
		return r
	}
	// the claim did not happen (yet); do not guess
	r.Outcome = Indeterminate
	r.Cause = cause
	return r
}
