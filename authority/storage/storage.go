// Package storage defines types and primitives for remote authority storage backends.
package storage

import (
	"context"
	"errors"

	"github.com/protravka/protravka/execution"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrRecordNotFound = errors.New("record not found")
	ErrMediaNotFound  = errors.New("media not found")
)

// OrderUpdater mutates o in place. Returning an error aborts the
// update and is returned to the caller.
type OrderUpdater func(o *execution.Order) error

// RecordUpdater returns the record to store given the order and the
// previously stored record (nil if none). Returning an error aborts
// the update and is returned to the caller.
type RecordUpdater func(o *execution.Order, prev *execution.ExecutionRecord) (*execution.ExecutionRecord, error)

// Storage is the primary interface for authority storage backends.
// Updates are atomic: no other update of the same order or record
// may interleave between reading and writing.
type Storage interface {
	// StoreOrder creates or replaces an order.
	StoreOrder(ctx context.Context, o *execution.Order) error

	// RetrieveOrder returns ErrOrderNotFound for unknown orders.
	RetrieveOrder(ctx context.Context, id string) (*execution.Order, error)

	// ListOrders returns orders sorted by ID, all of them if status is empty.
	ListOrders(ctx context.Context, status execution.OrderStatus) ([]*execution.Order, error)

	// UpdateOrder atomically applies fn to the order and stores it.
	UpdateOrder(ctx context.Context, id string, fn OrderUpdater) (*execution.Order, error)

	// UpdateRecord atomically stores the record fn returns for orderID.
	// The order must exist.
	UpdateRecord(ctx context.Context, orderID string, fn RecordUpdater) error

	// RetrieveRecord returns ErrRecordNotFound if no record was stored.
	RetrieveRecord(ctx context.Context, orderID string) (*execution.ExecutionRecord, error)

	StoreMedia(ctx context.Context, id, contentType string, data []byte) error

	// RetrieveMedia returns ErrMediaNotFound for unknown ids.
	RetrieveMedia(ctx context.Context, id string) (data []byte, contentType string, err error)
}
