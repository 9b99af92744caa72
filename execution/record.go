package execution

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Method is how treatment products are applied to the seed.
type Method string

const (
	// MethodSlurry mixes all products into one slurry; consumption is
	// captured once for the whole lot.
	MethodSlurry Method = "slurry"

	// MethodCDS doses each product separately; consumption is
	// captured per product.
	MethodCDS Method = "cds"
)

// Valid reports whether m is a known application method.
func (m Method) Valid() bool {
	return m == MethodSlurry || m == MethodCDS
}

// ProductExecution holds the readings and evidence captured for one product.
type ProductExecution struct {
	ProductID string `json:"product_id"`

	AppliedRateKg    decimal.NullDecimal `json:"applied_rate_kg"`
	ApplicationPhoto string              `json:"application_photo,omitempty"`

	// Only captured when the method is MethodCDS.
	ProductConsumptionPerLotKg decimal.NullDecimal `json:"product_consumption_per_lot_kg"`
	ConsumptionPhoto           string              `json:"consumption_photo,omitempty"`
}

// ExecutionRecord is the durable execution progress of one order.
// It is owned by exactly one operator for its whole lifetime and is
// always saved as a full snapshot.
type ExecutionRecord struct {
	OrderID  string   `json:"order_id"`
	Operator Operator `json:"operator"`

	// Seq increases with every snapshot handed to persistence. The
	// remote authority rejects snapshots not newer than the last one
	// it accepted so that a late replay can not regress state.
	Seq int64 `json:"seq"`

	// ClaimEpoch is the order claim epoch the record was created in.
	// Snapshots from an earlier epoch are stale whatever their Seq.
	ClaimEpoch int64 `json:"claim_epoch"`

	CurrentStep         Step   `json:"current_step"`
	ApplicationMethod   Method `json:"application_method,omitempty"`
	CurrentProductIndex int    `json:"current_product_index"`

	// ProductExecutions has one entry per order product in order
	// product order.
	ProductExecutions []ProductExecution `json:"product_executions"`

	PackedQuantityKg decimal.NullDecimal `json:"packed_quantity_kg"`
	PackingPhoto     string              `json:"packing_photo,omitempty"`

	// Aggregate consumption, only captured when the method is MethodSlurry.
	ConsumptionQuantityKg decimal.NullDecimal `json:"consumption_quantity_kg"`
	ConsumptionPhoto      string              `json:"consumption_photo,omitempty"`

	TreatmentStartedAt  time.Time `json:"treatment_started_at,omitzero"`
	TreatmentFinishedAt time.Time `json:"treatment_finished_at,omitzero"`

	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

var (
	ErrEmptyRecord            = errors.New("empty execution record")
	ErrInvalidStep            = errors.New("invalid step")
	ErrInvalidMethod          = errors.New("invalid application method")
	ErrProductIndexOutOfRange = errors.New("product index out of range")
	ErrUnknownProduct         = errors.New("unknown product")
)

// NewExecutionRecord creates the record for a freshly claimed order,
// positioned at the first step.
func NewExecutionRecord(order *Order, operator Operator, now time.Time) (*ExecutionRecord, error) {
	if err := order.Validate(); err != nil {
		return nil, fmt.Errorf("validating order: %w", err)
	}
	if operator.ID == "" {
		return nil, ErrMissingOperatorID
	}
	r := &ExecutionRecord{
		OrderID:           order.ID,
		Operator:          operator,
		ClaimEpoch:        order.ClaimEpoch,
		CurrentStep:       StepInitialOverview,
		ProductExecutions: make([]ProductExecution, len(order.Products)),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for i, p := range order.Products {
		r.ProductExecutions[i].ProductID = p.ProductID
	}
	return r, nil
}

// Validate checks r for missing values and broken invariants.
func (r *ExecutionRecord) Validate() error {
	if r == nil {
		return ErrEmptyRecord
	}
	if r.OrderID == "" {
		return ErrMissingOrderID
	}
	if r.Operator.ID == "" {
		return ErrMissingOperatorID
	}
	if !r.CurrentStep.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStep, r.CurrentStep)
	}
	if r.ApplicationMethod != "" && !r.ApplicationMethod.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, r.ApplicationMethod)
	}
	if len(r.ProductExecutions) < 1 {
		return ErrNoProducts
	}
	if r.CurrentProductIndex < 0 || r.CurrentProductIndex >= len(r.ProductExecutions) {
		return fmt.Errorf("%w: %d of %d", ErrProductIndexOutOfRange, r.CurrentProductIndex, len(r.ProductExecutions))
	}
	for _, pe := range r.ProductExecutions {
		if pe.ProductID == "" {
			return ErrMissingProductID
		}
	}
	return nil
}

// ProductCount is the number of products executed.
func (r *ExecutionRecord) ProductCount() int {
	return len(r.ProductExecutions)
}

// Position returns the current workflow position.
func (r *ExecutionRecord) Position() Position {
	return Position{Step: r.CurrentStep, ProductIndex: r.CurrentProductIndex}
}

// CurrentProduct returns the entry of the product under work.
// By construction of Validate and the transition table the index is
// always in range; an out of range index returns an error rather than
// panicking.
func (r *ExecutionRecord) CurrentProduct() (*ProductExecution, error) {
	if r.CurrentProductIndex < 0 || r.CurrentProductIndex >= len(r.ProductExecutions) {
		return nil, fmt.Errorf("%w: %d of %d", ErrProductIndexOutOfRange, r.CurrentProductIndex, len(r.ProductExecutions))
	}
	return &r.ProductExecutions[r.CurrentProductIndex], nil
}

// Product returns the entry for productID.
func (r *ExecutionRecord) Product(productID string) (*ProductExecution, error) {
	for i := range r.ProductExecutions {
		if r.ProductExecutions[i].ProductID == productID {
			return &r.ProductExecutions[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
}

// Clone returns a deep copy of r.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.ProductExecutions = append([]ProductExecution(nil), r.ProductExecutions...)
	return &c
}

// MarshalBinary converts r into JSON.
func (r *ExecutionRecord) MarshalBinary() ([]byte, error) {
	if r == nil {
		return nil, ErrEmptyRecord
	}
	return json.Marshal(r)
}

// UnmarshalBinary loads JSON data into r.
func (r *ExecutionRecord) UnmarshalBinary(data []byte) error {
	if r == nil {
		return ErrEmptyRecord
	}
	return json.Unmarshal(data, r)
}
