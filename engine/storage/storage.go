// Package storage defines types and primitives for execution store backends.
package storage

import (
	"context"
	"errors"

	"github.com/protravka/protravka/execution"
)

var (
	// ErrRecordNotFound is returned when no active record exists for an order.
	ErrRecordNotFound = errors.New("execution record not found")

	// ErrRecordExists is returned when creating a record for an order
	// that already has an active record.
	ErrRecordExists = errors.New("active execution record exists")

	// ErrMediaNotFound is returned when retrieving missing media.
	ErrMediaNotFound = errors.New("media not found")

	ErrMissingMediaID = errors.New("missing media id")
)

// Storage is the execution store: the durable local copy of the
// execution records this device works on.
// At most one active record exists per order.
type Storage interface {
	// CreateRecord stores r as the new active record of its order.
	// ErrRecordExists is returned if the order already has one.
	CreateRecord(ctx context.Context, r *execution.ExecutionRecord) error

	// StoreRecord replaces the active record of r's order.
	// ErrRecordNotFound is returned if the order has none.
	StoreRecord(ctx context.Context, r *execution.ExecutionRecord) error

	// RetrieveRecord returns the active record of orderID.
	// ErrRecordNotFound is returned if the order has none.
	RetrieveRecord(ctx context.Context, orderID string) (*execution.ExecutionRecord, error)

	// DeactivateRecord ends the lifetime of the active record of orderID.
	// Deactivating an order without an active record is not an error.
	DeactivateRecord(ctx context.Context, orderID string) error

	// ListRecords returns all active records.
	ListRecords(ctx context.Context) ([]*execution.ExecutionRecord, error)
}

// MediaStorage keeps captured images until they are uploaded.
type MediaStorage interface {
	StoreMedia(ctx context.Context, id string, data []byte) error

	// RetrieveMedia returns ErrMediaNotFound for unknown ids.
	RetrieveMedia(ctx context.Context, id string) ([]byte, error)

	DeleteMedia(ctx context.Context, id string) error
}

type AllStorage interface {
	Storage
	MediaStorage
}
