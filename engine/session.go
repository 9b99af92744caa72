package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/protravka/protravka/authority"
	"github.com/protravka/protravka/capture"
	"github.com/protravka/protravka/execution"
	"github.com/protravka/protravka/logkeys"
	"github.com/protravka/protravka/resilient"

	"github.com/micromdm/nanolib/log"
	"github.com/shopspring/decimal"
)

var (
	// ErrTransitionInFlight is returned for actions requested while
	// another action of the session has not finished.
	ErrTransitionInFlight = errors.New("transition in flight")

	// ErrWrongStep is returned for actions the current step does not take.
	ErrWrongStep = errors.New("action not available at current step")

	// ErrFinished is returned for actions on a completed or abandoned session.
	ErrFinished = errors.New("execution finished")
)

// CheckpointError is returned when committing a transition failed.
// The record was returned to Rollback, which re-requests whatever was
// not durably saved.
type CheckpointError struct {
	Step     execution.Step
	Rollback execution.Step
	Err      error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("leaving %s failed, returned to %s: %v", e.Step, e.Rollback, e.Err)
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// affirmSteps are left only after the operator affirmed them.
var affirmSteps = map[execution.Step]string{
	execution.StepInitialOverview:      "quantities",
	execution.StepAllProductsOverview:  "summary",
	execution.StepTreatingConfirmation: "treating finished",
	execution.StepCompletion:           "completion",
}

// Session is one operator executing one order.
// Actions are strictly sequential: an action requested while another
// is running returns ErrTransitionInFlight.
type Session struct {
	e      *Engine
	scope  *capture.Scope
	logger log.Logger

	// held for the duration of every action
	busy sync.Mutex

	// guards the fields below; written only while busy is held
	mu       sync.RWMutex
	order    *execution.Order
	record   *execution.ExecutionRecord
	machine  *machine
	affirmed bool
	finished bool
}

func (e *Engine) newSession(ctx context.Context, order *execution.Order, r *execution.ExecutionRecord) *Session {
	s := &Session{
		e:      e,
		scope:  capture.NewScope(e.capture, e.deviceID),
		order:  order,
		record: r,
		logger: e.logger.With(
			logkeys.OrderID, r.OrderID,
			logkeys.OperatorID, r.Operator.ID,
		),
	}
	s.rebuild(r.CurrentStep)
	s.enter(ctx, r.CurrentStep)
	return s
}

// rebuild positions a new machine at step.
func (s *Session) rebuild(step execution.Step) {
	m, err := newMachine(s.record.OrderID, step)
	if err != nil {
		// only for invalid steps, which Validate excludes
		panic(err)
	}
	s.machine = m
}

// enter acquires the camera for photo steps. A failure is logged and
// surfaced again by CapturePhoto.
func (s *Session) enter(ctx context.Context, step execution.Step) {
	spec, _ := execution.Spec(step)
	if !spec.Capture {
		return
	}
	if err := s.scope.Open(ctx); err != nil {
		s.logger.Info(logkeys.Message, "opening camera", logkeys.Step, step, logkeys.Error, err)
	}
}

// leave releases the camera unless step needs it.
func (s *Session) leave(step execution.Step) {
	if spec, _ := execution.Spec(step); spec.Capture {
		return
	}
	s.closeCamera()
}

func (s *Session) closeCamera() {
	if err := s.scope.Close(); err != nil {
		s.logger.Info(logkeys.Message, "closing camera", logkeys.Error, err)
	}
}

// begin serializes actions. The returned func ends the action.
func (s *Session) begin() (func(), error) {
	if !s.busy.TryLock() {
		return nil, ErrTransitionInFlight
	}
	if s.finished {
		s.busy.Unlock()
		return nil, ErrFinished
	}
	return s.busy.Unlock, nil
}

func (s *Session) wrongStep(want ...execution.Step) error {
	return fmt.Errorf("%w: at %s, want %v", ErrWrongStep, s.record.CurrentStep, want)
}

// edit applies fn to a copy of the record, stores it locally and
// makes it current. It is only available at the given steps.
func (s *Session) edit(ctx context.Context, fn func(*execution.ExecutionRecord) error, steps ...execution.Step) error {
	end, err := s.begin()
	if err != nil {
		return err
	}
	defer end()
	ok := false
	for _, step := range steps {
		ok = ok || s.record.CurrentStep == step
	}
	if !ok {
		return s.wrongStep(steps...)
	}
	r := s.record.Clone()
	if err = fn(r); err != nil {
		return err
	}
	r.UpdatedAt = s.e.now()
	if err = s.e.store.StoreRecord(ctx, r); err != nil {
		return fmt.Errorf("storing record: %w", err)
	}
	s.mu.Lock()
	s.record = r
	s.mu.Unlock()
	return nil
}

// Affirm records the operator's affirmation of the current step:
// understanding the quantities, acknowledging the summary, having
// finished treating or confirming completion.
func (s *Session) Affirm(ctx context.Context) error {
	end, err := s.begin()
	if err != nil {
		return err
	}
	defer end()
	if _, ok := affirmSteps[s.record.CurrentStep]; !ok {
		return s.wrongStep(
			execution.StepInitialOverview,
			execution.StepAllProductsOverview,
			execution.StepTreatingConfirmation,
			execution.StepCompletion,
		)
	}
	s.mu.Lock()
	s.affirmed = true
	s.mu.Unlock()
	return nil
}

// ChooseMethod selects the application method. It can not change
// once the method choice step is left.
func (s *Session) ChooseMethod(ctx context.Context, m execution.Method) error {
	if !m.Valid() {
		return fmt.Errorf("%w: %q", execution.ErrInvalidMethod, m)
	}
	return s.edit(ctx, func(r *execution.ExecutionRecord) error {
		r.ApplicationMethod = m
		return nil
	}, execution.StepApplicationMethodChoice)
}

// EnterAppliedRate enters the applied rate of the product under work.
func (s *Session) EnterAppliedRate(ctx context.Context, kg decimal.Decimal) error {
	return s.edit(ctx, func(r *execution.ExecutionRecord) error {
		pe, err := r.CurrentProduct()
		if err != nil {
			return err
		}
		pe.AppliedRateKg = decimal.NewNullDecimal(kg)
		return nil
	}, execution.StepApplyingProduct)
}

// EnterPackedQuantity enters the packed quantity. Packing less than
// the target is allowed; see View for the shortage.
func (s *Session) EnterPackedQuantity(ctx context.Context, kg decimal.Decimal) error {
	return s.edit(ctx, func(r *execution.ExecutionRecord) error {
		r.PackedQuantityKg = decimal.NewNullDecimal(kg)
		return nil
	}, execution.StepPackingDetails)
}

// EnterConsumption enters the aggregate consumption for Slurry or the
// consumption of the product under work for CDS.
func (s *Session) EnterConsumption(ctx context.Context, kg decimal.Decimal) error {
	return s.edit(ctx, func(r *execution.ExecutionRecord) error {
		if r.ApplicationMethod == execution.MethodSlurry {
			r.ConsumptionQuantityKg = decimal.NewNullDecimal(kg)
			return nil
		}
		pe, err := r.CurrentProduct()
		if err != nil {
			return err
		}
		pe.ProductConsumptionPerLotKg = decimal.NewNullDecimal(kg)
		return nil
	}, execution.StepConsumptionDetails)
}

// setPhoto references mediaID as the photo the current step captures.
func setPhoto(r *execution.ExecutionRecord, mediaID string) error {
	switch r.CurrentStep {
	case execution.StepProvingProduct:
		pe, err := r.CurrentProduct()
		if err != nil {
			return err
		}
		pe.ApplicationPhoto = mediaID
	case execution.StepPackingProving:
		r.PackingPhoto = mediaID
	case execution.StepConsumptionProving:
		if r.ApplicationMethod == execution.MethodSlurry {
			r.ConsumptionPhoto = mediaID
			return nil
		}
		pe, err := r.CurrentProduct()
		if err != nil {
			return err
		}
		pe.ConsumptionPhoto = mediaID
	default:
		return fmt.Errorf("%w: %s takes no photo", ErrWrongStep, r.CurrentStep)
	}
	return nil
}

// CapturePhoto takes a photo for the current step and returns its
// media ID. Capturing again replaces the previous photo. Capture
// failures (see the capture package errors) leave the step as is.
func (s *Session) CapturePhoto(ctx context.Context) (string, error) {
	var mediaID string
	err := s.edit(ctx, func(r *execution.ExecutionRecord) error {
		if err := s.scope.Open(ctx); err != nil {
			return err
		}
		img, err := s.scope.Capture(ctx)
		if err != nil {
			return err
		}
		mediaID = s.e.ider.ID()
		if err = setPhoto(r, mediaID); err != nil {
			return err
		}
		if err = s.e.persister.SaveMedia(ctx, mediaID, img.ContentType, img.Data); err != nil {
			return fmt.Errorf("saving photo: %w", err)
		}
		s.logger.Debug(
			logkeys.Message, "photo captured",
			logkeys.Step, r.CurrentStep,
			logkeys.ProductIndex, r.CurrentProductIndex,
			logkeys.MediaID, mediaID,
		)
		return nil
	}, execution.StepProvingProduct, execution.StepPackingProving, execution.StepConsumptionProving)
	if err != nil {
		return "", err
	}
	return mediaID, nil
}

// Next leaves the current step once its gate is met. At Completion it
// completes the execution.
//
// A *execution.GateError is returned if the gate is not met. A
// *CheckpointError is returned if the transition could not be
// persisted; the record is then at the step's rollback step. An
// error wrapping ErrClaimLost ends the session.
func (s *Session) Next(ctx context.Context) error {
	end, err := s.begin()
	if err != nil {
		return err
	}
	defer end()

	r := s.record
	if err = r.CheckGate(); err != nil {
		return err
	}
	if what, ok := affirmSteps[r.CurrentStep]; ok {
		if err = execution.CheckAffirmed(r.CurrentStep, what, s.affirmed); err != nil {
			return err
		}
	}
	if r.CurrentStep.Terminal() {
		return s.complete(ctx)
	}
	return s.transition(ctx)
}

// transition commits leaving the current step.
func (s *Session) transition(ctx context.Context) error {
	prev := s.record
	spec, _ := execution.Spec(prev.CurrentStep)
	from := prev.Position()
	to, _ := execution.Next(from, prev.ApplicationMethod, prev.ProductCount())
	logger := s.logger.With(
		logkeys.Step, from.Step,
		logkeys.ProductIndex, from.ProductIndex,
	)

	if err := s.machine.advance(from, to); err != nil {
		s.rebuild(from.Step)
		return err
	}

	now := s.e.now()
	r := prev.Clone()
	r.CurrentStep = to.Step
	r.CurrentProductIndex = to.ProductIndex
	if from.Step == execution.StepAllProductsOverview && r.TreatmentStartedAt.IsZero() {
		r.TreatmentStartedAt = now
	}
	r.Seq++
	r.UpdatedAt = now

	s.mu.Lock()
	s.record = r
	s.affirmed = false
	s.mu.Unlock()

	if err := s.persist(ctx, spec.OnLeave, r); err != nil {
		if errors.Is(err, authority.ErrNotClaimOwner) {
			return s.lose(ctx, err)
		}
		return s.rollback(ctx, prev, r.Seq, spec, err)
	}

	s.e.metrics.Transition(string(from.Step), string(to.Step))
	logger.Debug(
		logkeys.Message, "step committed",
		"next_step", to.Step,
		logkeys.Seq, r.Seq,
		"persistence", spec.OnLeave.String(),
	)
	s.leave(to.Step)
	s.enter(ctx, to.Step)
	return nil
}

// persist stores r locally and delivers it as p requires.
func (s *Session) persist(ctx context.Context, p execution.Persistence, r *execution.ExecutionRecord) error {
	if err := s.e.store.StoreRecord(ctx, r); err != nil {
		return fmt.Errorf("storing record: %w", err)
	}
	switch p {
	case execution.PersistSnapshot:
		return s.e.persister.Save(ctx, r.Clone())
	case execution.PersistCheckpoint:
		return s.e.persister.SaveCheckpoint(ctx, r.Clone())
	}
	return nil
}

// rollback returns the record to the rollback step of spec. The data
// of prev is kept and seq is not reused.
func (s *Session) rollback(ctx context.Context, prev *execution.ExecutionRecord, seq int64, spec execution.StepSpec, cause error) error {
	r := prev.Clone()
	r.CurrentStep = spec.Rollback
	r.Seq = seq
	r.UpdatedAt = s.e.now()
	if err := s.e.store.StoreRecord(context.WithoutCancel(ctx), r); err != nil {
		s.logger.Info(logkeys.Message, "storing rolled back record", logkeys.Error, err)
	}

	s.mu.Lock()
	s.record = r
	s.affirmed = false
	s.rebuild(r.CurrentStep)
	s.mu.Unlock()

	s.e.metrics.Rollback(string(spec.Step), string(spec.Rollback))
	s.logger.Info(
		logkeys.Message, "transition rolled back",
		logkeys.Step, spec.Step,
		logkeys.RollbackStep, spec.Rollback,
		logkeys.Seq, seq,
		logkeys.Error, cause,
	)
	s.leave(r.CurrentStep)
	s.enter(ctx, r.CurrentStep)
	return &CheckpointError{Step: spec.Step, Rollback: spec.Rollback, Err: cause}
}

// lose ends the session after the authority rejected the operator as
// claim owner.
func (s *Session) lose(ctx context.Context, cause error) error {
	s.closeCamera()
	s.e.deactivate(ctx, s.record.OrderID)
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.logger.Info(logkeys.Message, "claim lost", logkeys.Error, cause)
	return fmt.Errorf("%w: %w", ErrClaimLost, cause)
}

// complete records the end of treatment, saves it as a checkpoint and
// moves the order to its completion status, ending the claim.
func (s *Session) complete(ctx context.Context) error {
	prev := s.record
	spec, _ := execution.Spec(prev.CurrentStep)
	now := s.e.now()
	r := prev.Clone()
	r.TreatmentFinishedAt = now
	r.Seq++
	r.UpdatedAt = now

	s.mu.Lock()
	s.record = r
	s.mu.Unlock()

	err := s.persist(ctx, spec.OnLeave, r)
	var order *execution.Order
	if err == nil {
		order, err = resilient.Call(ctx, s.e.caller, "complete_order", func(ctx context.Context) (*execution.Order, error) {
			return s.e.authority.CompleteOrder(ctx, r.OrderID, r.Operator)
		})
	}
	if errors.Is(err, authority.ErrNotClaimOwner) || errors.Is(err, authority.ErrUnreachable) {
		if done, ok := s.completedRemotely(ctx, r); ok {
			s.logger.Info(logkeys.Message, "completion reconciled", logkeys.Error, err)
			order, err = done, nil
		}
	}
	if errors.Is(err, authority.ErrNotClaimOwner) {
		return s.lose(ctx, err)
	} else if err != nil {
		return s.rollback(ctx, prev, r.Seq, spec, err)
	}

	s.closeCamera()
	s.e.deactivate(ctx, r.OrderID)
	s.mu.Lock()
	s.order = order
	s.affirmed = false
	s.finished = true
	s.mu.Unlock()
	s.e.metrics.Transition(string(spec.Step), string(order.Status))
	s.logger.Debug(
		logkeys.Message, "execution completed",
		logkeys.Seq, r.Seq,
		logkeys.OrderStatus, order.Status,
	)
	return nil
}

// completedRemotely returns the order if the authority already
// completed it with the treatment of r, as when a completion reply
// was lost.
func (s *Session) completedRemotely(ctx context.Context, r *execution.ExecutionRecord) (*execution.Order, bool) {
	order, err := resilient.Call(ctx, s.e.caller, "get_order", func(ctx context.Context) (*execution.Order, error) {
		return s.e.authority.GetOrder(ctx, r.OrderID)
	})
	if err != nil || order.Status != order.CompletionStatus() {
		return nil, false
	}
	accepted, err := resilient.Call(ctx, s.e.caller, "get_record", func(ctx context.Context) (*execution.ExecutionRecord, error) {
		return s.e.authority.GetRecord(ctx, r.OrderID)
	})
	if err != nil {
		return nil, false
	}
	if accepted.Operator.ID != r.Operator.ID || accepted.ClaimEpoch != r.ClaimEpoch || accepted.TreatmentFinishedAt.IsZero() {
		return nil, false
	}
	return order, true
}

// Abandon ends the execution before completion. The camera and the
// local record are released even if releasing the claim fails, in
// which case the error is returned.
func (s *Session) Abandon(ctx context.Context) error {
	end, err := s.begin()
	if err != nil {
		return err
	}
	defer end()
	s.closeCamera()
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.e.deactivate(ctx, s.record.OrderID)
	s.logger.Debug(logkeys.Message, "execution abandoned", logkeys.Step, s.record.CurrentStep)
	if err = s.e.release(ctx, s.record.OrderID, s.record.Operator); err != nil {
		return fmt.Errorf("releasing claim: %w", err)
	}
	return nil
}

// Close releases the camera. The execution can be resumed later.
func (s *Session) Close() error {
	return s.scope.Close()
}

// Record returns a copy of the execution record.
func (s *Session) Record() *execution.ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.Clone()
}
