// Package authority implements the remote authority: the single
// source of truth for order status, execution claims and accepted
// execution record snapshots.
package authority

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/protravka/protravka/authority/storage"
	"github.com/protravka/protravka/execution"
	"github.com/protravka/protravka/logkeys"
	"github.com/protravka/protravka/metrics"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed record.schema.json
var recordSchemaJSON string

var recordSchemaLoader = gojsonschema.NewStringLoader(recordSchemaJSON)

// LabControl reports the lab control feature flag of accounts.
type LabControl interface {
	UsesLabControl(accountID string) bool
}

// Service implements the authority operations.
type Service struct {
	store    storage.Storage
	accounts LabControl
	metrics  *metrics.Metrics
	logger   log.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithLogger(logger log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics counts claims and snapshot saves.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithAccounts sets the source of account feature flags.
// Without it the flag stored on the order is used.
func WithAccounts(accounts LabControl) Option {
	return func(s *Service) {
		s.accounts = accounts
	}
}

func New(store storage.Storage, opts ...Option) *Service {
	s := &Service{store: store, logger: log.NopLogger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// storageErr maps storage errors to rejections.
func storageErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrOrderNotFound):
		return fmt.Errorf("%w: %w", ErrOrderNotFound, err)
	case errors.Is(err, storage.ErrRecordNotFound):
		return fmt.Errorf("%w: %w", ErrRecordNotFound, err)
	}
	return err
}

func (s *Service) withFlags(o *execution.Order) *execution.Order {
	if s.accounts != nil && o.AccountID != "" {
		o.UsesLabControl = s.accounts.UsesLabControl(o.AccountID)
	}
	return o
}

// PutOrder creates or replaces an order.
func (s *Service) PutOrder(ctx context.Context, o *execution.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	// the claim epoch only moves forward
	if prev, err := s.store.RetrieveOrder(ctx, o.ID); err == nil && prev.ClaimEpoch > o.ClaimEpoch {
		o.ClaimEpoch = prev.ClaimEpoch
	}
	o.UpdatedAt = s.now()
	return s.store.StoreOrder(ctx, o)
}

// GetOrder returns an order with its account flags applied.
func (s *Service) GetOrder(ctx context.Context, id string) (*execution.Order, error) {
	o, err := s.store.RetrieveOrder(ctx, id)
	if err != nil {
		return nil, storageErr(err)
	}
	return s.withFlags(o), nil
}

// ListOrders returns orders having status, or all orders.
func (s *Service) ListOrders(ctx context.Context, status execution.OrderStatus) ([]*execution.Order, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: %q", execution.ErrInvalidStatus, status)
	}
	orders, err := s.store.ListOrders(ctx, status)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		s.withFlags(o)
	}
	return orders, nil
}

func claimedBy(o *execution.Order, op execution.Operator) bool {
	return o.Status == execution.StatusExecutionInProgress && o.ClaimedBy != nil && o.ClaimedBy.ID == op.ID
}

// ClaimOrder moves a ready order to execution in progress for op.
// At most one claim per order succeeds. Claiming an order op already
// executes succeeds without change. Every fresh claim starts a new
// claim epoch.
func (s *Service) ClaimOrder(ctx context.Context, id string, op execution.Operator) (*execution.Order, error) {
	if op.ID == "" {
		return nil, execution.ErrMissingOperatorID
	}
	logger := ctxlog.Logger(ctx, s.logger).With(logkeys.OrderID, id, logkeys.OperatorID, op.ID)
	o, err := s.store.UpdateOrder(ctx, id, func(o *execution.Order) error {
		switch {
		case claimedBy(o, op):
			if op.Name != "" {
				o.ClaimedBy.Name = op.Name
			}
			return nil
		case o.Status == execution.StatusExecutionInProgress && o.ClaimedBy != nil:
			return &ClaimedError{OrderID: o.ID, ClaimedBy: *o.ClaimedBy}
		case o.Status != execution.StatusReadyToExecute:
			return fmt.Errorf("%w: %s is %s", ErrNotExecutable, o.ID, o.Status)
		}
		o.Status = execution.StatusExecutionInProgress
		o.ClaimedBy = &op
		o.ClaimEpoch++
		o.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		var claimed *ClaimedError
		if errors.As(err, &claimed) {
			s.metrics.Claim(CodeAlreadyClaimed)
		} else {
			s.metrics.Claim(metrics.OutcomeRejected)
		}
		logger.Debug(logkeys.Message, "claim rejected", logkeys.Error, err)
		return nil, storageErr(err)
	}
	s.metrics.Claim("claimed")
	logger.Debug(logkeys.Message, "order claimed")
	return s.withFlags(o), nil
}

// ReleaseOrder returns an order op executes to ready to execute.
// Releasing a ready, unclaimed order succeeds without change.
func (s *Service) ReleaseOrder(ctx context.Context, id string, op execution.Operator) (*execution.Order, error) {
	o, err := s.store.UpdateOrder(ctx, id, func(o *execution.Order) error {
		if o.Status == execution.StatusReadyToExecute && o.ClaimedBy == nil {
			return nil
		}
		if !claimedBy(o, op) {
			return fmt.Errorf("%w: %s", ErrNotClaimOwner, o.ID)
		}
		o.Status = execution.StatusReadyToExecute
		o.ClaimedBy = nil
		o.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}
	ctxlog.Logger(ctx, s.logger).Debug(
		logkeys.Message, "order released",
		logkeys.OrderID, id,
		logkeys.OperatorID, op.ID,
	)
	return s.withFlags(o), nil
}

// CompleteOrder ends execution of an order op executes and moves it
// to awaiting acknowledgement or, for accounts using lab control,
// awaiting lab control. The claim ends with it.
// Completing again after a lost reply succeeds without change.
func (s *Service) CompleteOrder(ctx context.Context, id string, op execution.Operator) (*execution.Order, error) {
	o, err := s.store.UpdateOrder(ctx, id, func(o *execution.Order) error {
		if !claimedBy(o, op) {
			return fmt.Errorf("%w: %s", ErrNotClaimOwner, o.ID)
		}
		o.Status = s.withFlags(o).CompletionStatus()
		o.ClaimedBy = nil
		o.UpdatedAt = s.now()
		return nil
	})
	if errors.Is(err, ErrNotClaimOwner) {
		if done, doneErr := s.completedBy(ctx, id, op); doneErr == nil && done != nil {
			return done, nil
		}
	}
	if err != nil {
		return nil, storageErr(err)
	}
	ctxlog.Logger(ctx, s.logger).Debug(
		logkeys.Message, "order completed",
		logkeys.OrderID, id,
		logkeys.OperatorID, op.ID,
		logkeys.OrderStatus, o.Status,
	)
	return s.withFlags(o), nil
}

// completedBy returns the order if op already completed it.
func (s *Service) completedBy(ctx context.Context, id string, op execution.Operator) (*execution.Order, error) {
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != o.CompletionStatus() {
		return nil, nil
	}
	r, err := s.store.RetrieveRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Operator.ID != op.ID || r.ClaimEpoch != o.ClaimEpoch || r.TreatmentFinishedAt.IsZero() {
		return nil, nil
	}
	return o, nil
}

// ValidateSnapshot checks raw against the snapshot JSON schema.
func ValidateSnapshot(raw []byte) error {
	result, err := gojsonschema.Validate(recordSchemaLoader, gojsonschema.NewStringLoader(string(raw)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if !result.Valid() {
		var issues []string
		for _, desc := range result.Errors() {
			issues = append(issues, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidSnapshot, strings.Join(issues, "; "))
	}
	return nil
}

// SaveRecord accepts a raw snapshot. It is rejected unless the
// snapshot's operator executes the order, the snapshot belongs to the
// order's current claim epoch and, within that epoch, its sequence
// number is greater than the last accepted one.
func (s *Service) SaveRecord(ctx context.Context, raw []byte) (*execution.ExecutionRecord, error) {
	if err := ValidateSnapshot(raw); err != nil {
		return nil, err
	}
	r := new(execution.ExecutionRecord)
	if err := r.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	logger := ctxlog.Logger(ctx, s.logger).With(
		logkeys.OrderID, r.OrderID,
		logkeys.OperatorID, r.Operator.ID,
		logkeys.Seq, r.Seq,
		logkeys.Step, r.CurrentStep,
	)
	err := s.store.UpdateRecord(ctx, r.OrderID, func(o *execution.Order, prev *execution.ExecutionRecord) (*execution.ExecutionRecord, error) {
		if !claimedBy(o, r.Operator) {
			return nil, fmt.Errorf("%w: %s", ErrNotClaimOwner, o.ID)
		}
		if r.ClaimEpoch != o.ClaimEpoch {
			return nil, fmt.Errorf("%w: claim epoch %d is not %d", ErrStaleSnapshot, r.ClaimEpoch, o.ClaimEpoch)
		}
		if prev != nil && prev.ClaimEpoch == r.ClaimEpoch && r.Seq <= prev.Seq {
			return nil, fmt.Errorf("%w: seq %d not after %d", ErrStaleSnapshot, r.Seq, prev.Seq)
		}
		r.UpdatedAt = s.now()
		return r, nil
	})
	if err != nil {
		s.metrics.Save("snapshot", metrics.OutcomeRejected)
		logger.Debug(logkeys.Message, "snapshot rejected", logkeys.Error, err)
		return nil, storageErr(err)
	}
	s.metrics.Save("snapshot", metrics.OutcomeDelivered)
	logger.Debug(logkeys.Message, "snapshot accepted")
	return r, nil
}

// GetRecord returns the last accepted snapshot of orderID.
func (s *Service) GetRecord(ctx context.Context, orderID string) (*execution.ExecutionRecord, error) {
	r, err := s.store.RetrieveRecord(ctx, orderID)
	return r, storageErr(err)
}

// PutMedia stores an uploaded image. Uploads are idempotent.
func (s *Service) PutMedia(ctx context.Context, id, contentType string, data []byte) error {
	if id == "" || len(data) < 1 {
		return ErrMissingMedia
	}
	return s.store.StoreMedia(ctx, id, contentType, data)
}

// GetMedia returns an uploaded image and its content type.
func (s *Service) GetMedia(ctx context.Context, id string) ([]byte, string, error) {
	return s.store.RetrieveMedia(ctx, id)
}
