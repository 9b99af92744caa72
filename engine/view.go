package engine

import (
	"github.com/protravka/protravka/execution"

	"github.com/shopspring/decimal"
)

// View is what an operator interface shows for the current step.
type View struct {
	OrderID  string
	Operator execution.Operator

	Step         execution.Step
	Method       execution.Method
	ProductIndex int
	ProductCount int

	// Target and Entry describe the product under work. Target is nil
	// if the order is not known (resumed offline).
	Target *execution.OrderProduct
	Entry  execution.ProductExecution

	// Affirm names what the operator affirms to leave the step, if anything.
	Affirm   string
	Affirmed bool

	// Capture is set for photo steps; CameraOpen reports whether the
	// camera is held.
	Capture    bool
	CameraOpen bool

	SeedsToTreatKg   decimal.NullDecimal
	PackedQuantityKg decimal.NullDecimal

	// PackingShortageKg is how much less than the target was packed.
	// Only valid once the packed quantity and the target are known.
	PackingShortageKg decimal.NullDecimal

	// GateErr is why the step can not be left yet, or nil.
	GateErr error

	Seq         int64
	OrderStatus execution.OrderStatus
	Finished    bool
}

// View returns the state of the session for display.
func (s *Session) View() *View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.record
	spec, _ := execution.Spec(r.CurrentStep)
	v := &View{
		OrderID:          r.OrderID,
		Operator:         r.Operator,
		Step:             r.CurrentStep,
		Method:           r.ApplicationMethod,
		ProductIndex:     r.CurrentProductIndex,
		ProductCount:     r.ProductCount(),
		Affirm:           affirmSteps[r.CurrentStep],
		Affirmed:         s.affirmed,
		Capture:          spec.Capture,
		CameraOpen:       s.scope.IsOpen(),
		PackedQuantityKg: r.PackedQuantityKg,
		Seq:              r.Seq,
		Finished:         s.finished,
		GateErr:          r.CheckGate(),
	}
	if pe, err := r.CurrentProduct(); err == nil {
		v.Entry = *pe
	}
	if v.GateErr == nil && v.Affirm != "" {
		v.GateErr = execution.CheckAffirmed(r.CurrentStep, v.Affirm, s.affirmed)
	}
	if s.order == nil {
		return v
	}
	v.OrderStatus = s.order.Status
	v.SeedsToTreatKg = decimal.NewNullDecimal(s.order.SeedsToTreatKg)
	if r.CurrentProductIndex < len(s.order.Products) {
		target := s.order.Products[r.CurrentProductIndex]
		v.Target = &target
	}
	if r.PackedQuantityKg.Valid {
		v.PackingShortageKg = decimal.NewNullDecimal(
			execution.PackingShortage(s.order.SeedsToTreatKg, r.PackedQuantityKg.Decimal),
		)
	}
	return v
}
