package execution

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrGateNotMet is wrapped by every GateError.
var ErrGateNotMet = errors.New("step gate not met")

// GateError is a local validation failure: the data or affirmation
// needed to leave Step has not been provided. It is never persisted
// and only blocks moving on.
type GateError struct {
	Step   Step
	Reason string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrGateNotMet, e.Step, e.Reason)
}

func (e *GateError) Unwrap() error {
	return ErrGateNotMet
}

func gateErr(s Step, format string, a ...interface{}) error {
	return &GateError{Step: s, Reason: fmt.Sprintf(format, a...)}
}

// CheckPositive returns a GateError unless v is set and greater than zero.
func CheckPositive(s Step, what string, v decimal.NullDecimal) error {
	if !v.Valid {
		return gateErr(s, "%s not entered", what)
	}
	if !v.Decimal.IsPositive() {
		return gateErr(s, "%s must be positive", what)
	}
	return nil
}

// CheckEntered returns a GateError unless v is set and not negative.
func CheckEntered(s Step, what string, v decimal.NullDecimal) error {
	if !v.Valid {
		return gateErr(s, "%s not entered", what)
	}
	if v.Decimal.IsNegative() {
		return gateErr(s, "%s must not be negative", what)
	}
	return nil
}

// CheckAffirmed returns a GateError unless the operator affirmed what.
func CheckAffirmed(s Step, what string, affirmed bool) error {
	if !affirmed {
		return gateErr(s, "%s not confirmed", what)
	}
	return nil
}

// CheckGate verifies the data captured in r satisfies the gate of its
// current step. Steps gated only by an operator affirmation always
// pass here; the engine checks the affirmation itself.
func (r *ExecutionRecord) CheckGate() error {
	s := r.CurrentStep
	switch s {
	case StepApplicationMethodChoice:
		if !r.ApplicationMethod.Valid() {
			return gateErr(s, "application method not selected")
		}
	case StepApplyingProduct:
		pe, err := r.CurrentProduct()
		if err != nil {
			return err
		}
		return CheckPositive(s, "applied rate", pe.AppliedRateKg)
	case StepProvingProduct:
		pe, err := r.CurrentProduct()
		if err != nil {
			return err
		}
		if pe.ApplicationPhoto == "" {
			return gateErr(s, "application photo not captured")
		}
	case StepPackingDetails:
		return CheckEntered(s, "packed quantity", r.PackedQuantityKg)
	case StepPackingProving:
		if r.PackingPhoto == "" {
			return gateErr(s, "packing photo not captured")
		}
	case StepConsumptionDetails:
		if r.ApplicationMethod == MethodSlurry {
			return CheckEntered(s, "consumption quantity", r.ConsumptionQuantityKg)
		}
		pe, err := r.CurrentProduct()
		if err != nil {
			return err
		}
		return CheckEntered(s, "product consumption", pe.ProductConsumptionPerLotKg)
	case StepConsumptionProving:
		if r.ApplicationMethod == MethodSlurry {
			if r.ConsumptionPhoto == "" {
				return gateErr(s, "consumption photo not captured")
			}
			return nil
		}
		pe, err := r.CurrentProduct()
		if err != nil {
			return err
		}
		if pe.ConsumptionPhoto == "" {
			return gateErr(s, "consumption photo not captured")
		}
	}
	return nil
}
