package engine

import (
	"errors"
	"fmt"

	"github.com/protravka/protravka/execution"

	"github.com/felixgeelhaar/statekit"
)

// ErrInvalidTransition is returned when a transition is not in the
// workflow topology.
var ErrInvalidTransition = errors.New("invalid transition")

// Machine states. These must remain untyped string constants for
// statekit.StateID compatibility and match the execution.Step values.
const (
	stateInitialOverview         = "initial_overview"
	stateApplicationMethodChoice = "application_method_choice"
	stateApplyingProduct         = "applying_product"
	stateProvingProduct          = "proving_product"
	stateAllProductsOverview     = "all_products_overview"
	stateTreatingConfirmation    = "treating_confirmation"
	statePackingDetails          = "packing_details"
	statePackingProving          = "packing_proving"
	stateConsumptionDetails      = "consumption_details"
	stateConsumptionProving      = "consumption_proving"
	stateCompletion              = "completion"
)

// Machine events.
const (
	// eventNext moves to the following step.
	eventNext = "next"

	// eventNextProduct loops back for the next product.
	eventNextProduct = "next_product"
)

func init() {
	states := map[string]execution.Step{
		stateInitialOverview:         execution.StepInitialOverview,
		stateApplicationMethodChoice: execution.StepApplicationMethodChoice,
		stateApplyingProduct:         execution.StepApplyingProduct,
		stateProvingProduct:          execution.StepProvingProduct,
		stateAllProductsOverview:     execution.StepAllProductsOverview,
		stateTreatingConfirmation:    execution.StepTreatingConfirmation,
		statePackingDetails:          execution.StepPackingDetails,
		statePackingProving:          execution.StepPackingProving,
		stateConsumptionDetails:      execution.StepConsumptionDetails,
		stateConsumptionProving:      execution.StepConsumptionProving,
		stateCompletion:              execution.StepCompletion,
	}
	if len(states) != len(execution.Steps()) {
		panic("engine: machine states out of sync with workflow steps")
	}
	for state, step := range states {
		if state != string(step) {
			panic(fmt.Sprintf("engine: machine state %q does not match step %q", state, step))
		}
	}
}

type machineContext struct {
	OrderID string
}

// machine tracks the workflow step with a statekit interpreter.
type machine struct {
	interp *statekit.Interpreter[machineContext]
}

// newMachine builds the workflow machine positioned at step.
func newMachine(orderID string, step execution.Step) (*machine, error) {
	if !step.Valid() {
		return nil, fmt.Errorf("%w: %q", execution.ErrInvalidStep, step)
	}
	builder := statekit.NewMachine[machineContext]("execution").
		WithInitial(statekit.StateID(step)).
		WithContext(machineContext{OrderID: orderID})

	builder.State(stateInitialOverview).
		On(eventNext).Target(stateApplicationMethodChoice).
		Done()

	builder.State(stateApplicationMethodChoice).
		On(eventNext).Target(stateApplyingProduct).
		Done()

	builder.State(stateApplyingProduct).
		On(eventNext).Target(stateProvingProduct).
		Done()

	builder.State(stateProvingProduct).
		On(eventNextProduct).Target(stateApplyingProduct).
		On(eventNext).Target(stateAllProductsOverview).
		Done()

	builder.State(stateAllProductsOverview).
		On(eventNext).Target(stateTreatingConfirmation).
		Done()

	builder.State(stateTreatingConfirmation).
		On(eventNext).Target(statePackingDetails).
		Done()

	builder.State(statePackingDetails).
		On(eventNext).Target(statePackingProving).
		Done()

	builder.State(statePackingProving).
		On(eventNext).Target(stateConsumptionDetails).
		Done()

	builder.State(stateConsumptionDetails).
		On(eventNext).Target(stateConsumptionProving).
		Done()

	builder.State(stateConsumptionProving).
		On(eventNextProduct).Target(stateConsumptionDetails).
		On(eventNext).Target(stateCompletion).
		Done()

	// terminal
	builder.State(stateCompletion).
		Done()

	m, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("building state machine: %w", err)
	}
	interp := statekit.NewInterpreter(m)
	interp.Start()
	return &machine{interp: interp}, nil
}

// Step returns the current step.
func (m *machine) Step() execution.Step {
	return execution.Step(m.interp.State().Value)
}

// advance moves the machine from one position to the next. The next
// position is decided by execution.Next; the machine rejects anything
// not in the topology.
func (m *machine) advance(from, to execution.Position) error {
	if m.Step() != from.Step {
		return fmt.Errorf("%w: machine at %s, record at %s", ErrInvalidTransition, m.Step(), from.Step)
	}
	event := eventNext
	if to.Step.Ordinal() < from.Step.Ordinal() {
		event = eventNextProduct
	}
	m.interp.Send(statekit.Event{Type: statekit.EventType(event)})
	if m.Step() != to.Step {
		return fmt.Errorf("%w: %s from %s reached %s, not %s", ErrInvalidTransition, event, from.Step, m.Step(), to.Step)
	}
	return nil
}
