package execution

import "fmt"

// Step is a named position in the execution workflow.
type Step string

// Storage backends and remote snapshots persist these values.
const (
	StepInitialOverview         Step = "initial_overview"
	StepApplicationMethodChoice Step = "application_method_choice"
	StepApplyingProduct         Step = "applying_product"
	StepProvingProduct          Step = "proving_product"
	StepAllProductsOverview     Step = "all_products_overview"
	StepTreatingConfirmation    Step = "treating_confirmation"
	StepPackingDetails          Step = "packing_details"
	StepPackingProving          Step = "packing_proving"
	StepConsumptionDetails      Step = "consumption_details"
	StepConsumptionProving      Step = "consumption_proving"
	StepCompletion              Step = "completion"
)

// Persistence is what leaving a step requires of the persistence layers.
type Persistence uint

const (
	// PersistLocal only changes navigation. The record is written to
	// the local execution store and reaches the remote authority with
	// the next data-bearing transition.
	PersistLocal Persistence = iota

	// PersistSnapshot writes locally and hands a full snapshot to the
	// persistence gateway, which queues it if the remote is unreachable.
	PersistSnapshot

	// PersistCheckpoint writes locally and saves to the remote
	// authority synchronously. Failure is surfaced to the operator and
	// the step is rolled back.
	PersistCheckpoint
)

func (p Persistence) String() string {
	switch p {
	case PersistLocal:
		return "local"
	case PersistSnapshot:
		return "snapshot"
	case PersistCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("unknown persistence: %d", p)
	}
}

// StepSpec describes one step of the workflow.
type StepSpec struct {
	Step Step

	// PerProduct steps are repeated for each product; the record's
	// CurrentProductIndex selects the product.
	PerProduct bool

	// Capture steps need the camera open while the step is current.
	Capture bool

	// OnLeave is the persistence required to commit leaving the step.
	OnLeave Persistence

	// Rollback is the step the record is returned to if committing
	// the transition out of this step fails. It is always at or before
	// this step and re-requests any data not yet durably saved.
	Rollback Step
}

// stepTable is the complete workflow topology in order.
// Branching (per-product loops and the Slurry/CDS consumption
// difference) is decided by Next.
var stepTable = [...]StepSpec{
	{Step: StepInitialOverview, OnLeave: PersistSnapshot, Rollback: StepInitialOverview},
	{Step: StepApplicationMethodChoice, OnLeave: PersistSnapshot, Rollback: StepApplicationMethodChoice},
	{Step: StepApplyingProduct, PerProduct: true, OnLeave: PersistLocal, Rollback: StepApplyingProduct},
	{Step: StepProvingProduct, PerProduct: true, Capture: true, OnLeave: PersistSnapshot, Rollback: StepApplyingProduct},
	{Step: StepAllProductsOverview, OnLeave: PersistCheckpoint, Rollback: StepAllProductsOverview},
	{Step: StepTreatingConfirmation, OnLeave: PersistSnapshot, Rollback: StepTreatingConfirmation},
	{Step: StepPackingDetails, OnLeave: PersistSnapshot, Rollback: StepPackingDetails},
	{Step: StepPackingProving, Capture: true, OnLeave: PersistLocal, Rollback: StepPackingProving},
	{Step: StepConsumptionDetails, PerProduct: true, OnLeave: PersistLocal, Rollback: StepConsumptionDetails},
	{Step: StepConsumptionProving, PerProduct: true, Capture: true, OnLeave: PersistSnapshot, Rollback: StepConsumptionDetails},
	{Step: StepCompletion, OnLeave: PersistCheckpoint, Rollback: StepCompletion},
}

// Steps returns all workflow steps in order.
func Steps() []Step {
	steps := make([]Step, len(stepTable))
	for i, s := range stepTable {
		steps[i] = s.Step
	}
	return steps
}

// Spec returns the table entry of s.
func Spec(s Step) (StepSpec, bool) {
	for _, spec := range stepTable {
		if spec.Step == s {
			return spec, true
		}
	}
	return StepSpec{}, false
}

// Valid reports whether s is a known step.
func (s Step) Valid() bool {
	_, ok := Spec(s)
	return ok
}

// Ordinal returns the position of s in the workflow, or -1.
func (s Step) Ordinal() int {
	for i, spec := range stepTable {
		if spec.Step == s {
			return i
		}
	}
	return -1
}

// Terminal reports whether s is the last step of the workflow.
func (s Step) Terminal() bool {
	return s == StepCompletion
}

// Position is the workflow location: a step and, for per-product
// steps, the product index.
type Position struct {
	Step         Step
	ProductIndex int
}

// Next returns the position after leaving from with the given method
// and product count. It returns false for the terminal step.
func Next(from Position, method Method, productCount int) (Position, bool) {
	switch from.Step {
	case StepInitialOverview:
		return Position{StepApplicationMethodChoice, from.ProductIndex}, true
	case StepApplicationMethodChoice:
		return Position{StepApplyingProduct, 0}, true
	case StepApplyingProduct:
		return Position{StepProvingProduct, from.ProductIndex}, true
	case StepProvingProduct:
		if from.ProductIndex < productCount-1 {
			return Position{StepApplyingProduct, from.ProductIndex + 1}, true
		}
		// the index is left on the last product until packing resets it
		return Position{StepAllProductsOverview, from.ProductIndex}, true
	case StepAllProductsOverview:
		return Position{StepTreatingConfirmation, from.ProductIndex}, true
	case StepTreatingConfirmation:
		return Position{StepPackingDetails, from.ProductIndex}, true
	case StepPackingDetails:
		return Position{StepPackingProving, from.ProductIndex}, true
	case StepPackingProving:
		return Position{StepConsumptionDetails, 0}, true
	case StepConsumptionDetails:
		return Position{StepConsumptionProving, from.ProductIndex}, true
	case StepConsumptionProving:
		if method == MethodCDS && from.ProductIndex < productCount-1 {
			return Position{StepConsumptionDetails, from.ProductIndex + 1}, true
		}
		return Position{StepCompletion, from.ProductIndex}, true
	case StepCompletion:
		return from, false
	}
	panic(fmt.Sprintf("execution: unhandled step %q", from.Step))
}
