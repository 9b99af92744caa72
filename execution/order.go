package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle status of a seed-treatment order.
// Only a subset is managed by the execution engine; the rest belong
// to recipe authoring, the lab and archival.
type OrderStatus string

// Storage backends persist these values. Treat them as append-only.
const (
	StatusRecipeCreated           OrderStatus = "recipe_created"
	StatusLabPending              OrderStatus = "lab_pending"
	StatusReadyToExecute          OrderStatus = "ready_to_execute"
	StatusExecutionInProgress     OrderStatus = "execution_in_progress"
	StatusAwaitingAcknowledgement OrderStatus = "awaiting_acknowledgement"
	StatusAwaitingLabControl      OrderStatus = "awaiting_lab_control"
	StatusCompleted               OrderStatus = "completed"
	StatusArchived                OrderStatus = "archived"
)

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusRecipeCreated,
		StatusLabPending,
		StatusReadyToExecute,
		StatusExecutionInProgress,
		StatusAwaitingAcknowledgement,
		StatusAwaitingLabControl,
		StatusCompleted,
		StatusArchived:
		return true
	}
	return false
}

// Operator identifies the person executing an order.
type Operator struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"` // display name
}

// String returns the display name, or the ID if there is none.
func (o Operator) String() string {
	if o.Name != "" {
		return o.Name
	}
	return o.ID
}

// OrderProduct is one treatment product of an order's recipe.
// Quantities come from the remote calculation service and are only
// displayed as targets; the engine never checks them.
type OrderProduct struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`

	// RateKg is the target amount of product applied per lot.
	RateKg decimal.Decimal `json:"rate_kg"`

	// QuantityKg is the target total amount of product for the order.
	QuantityKg decimal.Decimal `json:"quantity_kg"`
}

// Order is the externally owned seed-treatment order.
type Order struct {
	ID        string      `json:"id"`
	AccountID string      `json:"account_id,omitempty"`
	Status    OrderStatus `json:"status"`

	// ClaimedBy is the operator currently owning execution of the
	// order. Only set while Status is StatusExecutionInProgress.
	ClaimedBy *Operator `json:"claimed_by,omitempty"`

	// ClaimEpoch counts ownership changes. The authority bumps it on
	// every fresh claim and records carry the epoch they were made in.
	ClaimEpoch int64 `json:"claim_epoch,omitempty"`

	Products []OrderProduct `json:"products"`

	// SeedsToTreatKg is the target amount of seed to treat (and pack).
	SeedsToTreatKg decimal.Decimal `json:"seeds_to_treat_kg"`

	// SlurryTotalKg is the target aggregate slurry consumption.
	SlurryTotalKg decimal.Decimal `json:"slurry_total_kg"`

	// UsesLabControl mirrors the owning account's feature flag and
	// selects the status the order moves to on completion.
	UsesLabControl bool `json:"uses_lab_control"`

	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

var (
	ErrEmptyOrder        = errors.New("empty order")
	ErrMissingOrderID    = errors.New("missing order id")
	ErrNoProducts        = errors.New("order has no products")
	ErrInvalidStatus     = errors.New("invalid order status")
	ErrDuplicateProduct  = errors.New("duplicate product")
	ErrMissingProductID  = errors.New("missing product id")
	ErrMissingOperatorID = errors.New("missing operator id")
)

// Validate checks o for missing or inconsistent values.
func (o *Order) Validate() error {
	if o == nil {
		return ErrEmptyOrder
	}
	if o.ID == "" {
		return ErrMissingOrderID
	}
	if !o.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, o.Status)
	}
	if len(o.Products) < 1 {
		return ErrNoProducts
	}
	seen := make(map[string]struct{}, len(o.Products))
	for _, p := range o.Products {
		if p.ProductID == "" {
			return ErrMissingProductID
		}
		if _, ok := seen[p.ProductID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateProduct, p.ProductID)
		}
		seen[p.ProductID] = struct{}{}
	}
	return nil
}

// CompletionStatus is the status an order moves to when its
// execution completes.
func (o *Order) CompletionStatus() OrderStatus {
	if o != nil && o.UsesLabControl {
		return StatusAwaitingLabControl
	}
	return StatusAwaitingAcknowledgement
}

// PackingShortage returns how much less than target was packed.
// It is never negative: packing more than the target is no shortage.
func PackingShortage(target, packed decimal.Decimal) decimal.Decimal {
	if packed.GreaterThanOrEqual(target) {
		return decimal.Zero
	}
	return target.Sub(packed)
}
