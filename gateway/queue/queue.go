// Package queue defines the offline queue storage used by the persistence gateway.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Channels of the offline queue.
const (
	ChannelRecord = "record"
	ChannelMedia  = "media"
)

var (
	ErrEmptyEntry     = errors.New("empty queue entry")
	ErrMissingChannel = errors.New("missing channel")
	ErrInvalidChannel = errors.New("invalid channel")
	ErrMissingPayload = errors.New("missing payload")
)

// Entry is one queued save attempt.
// Entries are never deduplicated: every failed save adds one.
type Entry struct {
	// ID is assigned by storage when enqueued. IDs sort in enqueue
	// order within a channel.
	ID string `json:"id"`

	Channel    string          `json:"channel"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Validate checks e for missing values.
func (e *Entry) Validate() error {
	if e == nil {
		return ErrEmptyEntry
	}
	if e.Channel == "" {
		return ErrMissingChannel
	}
	if e.Channel != ChannelRecord && e.Channel != ChannelMedia {
		return ErrInvalidChannel
	}
	if len(e.Payload) < 1 {
		return ErrMissingPayload
	}
	return nil
}

// Storage persists offline queue entries.
type Storage interface {
	// Enqueue assigns an ID to e and stores it.
	Enqueue(ctx context.Context, e *Entry) error

	// RetrieveEntries returns the entries of channel in enqueue order.
	RetrieveEntries(ctx context.Context, channel string) ([]*Entry, error)

	// DeleteEntry removes an entry. Deleting a missing entry is not an error.
	DeleteEntry(ctx context.Context, id string) error
}
