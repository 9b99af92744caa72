// Package kv implements an execution store backend using a key-value interface.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/protravka/protravka/engine/storage"
	"github.com/protravka/protravka/execution"

	"github.com/micromdm/nanolib/storage/kv"
)

// KV is an execution store backend using a key-value interface.
type KV struct {
	mu      sync.RWMutex
	records kv.KeysTraversingBucket
	media   kv.CRUDBucket
}

// New creates a new key-value execution store backend.
// Inactive records are removed from records.
func New(records kv.KeysTraversingBucket, media kv.CRUDBucket) *KV {
	return &KV{records: records, media: media}
}

func (s *KV) get(ctx context.Context, orderID string) (*execution.ExecutionRecord, error) {
	raw, err := s.records.Get(ctx, orderID)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrRecordNotFound, orderID)
	} else if err != nil {
		return nil, fmt.Errorf("getting record %s: %w", orderID, err)
	}
	r := new(execution.ExecutionRecord)
	if err = r.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", orderID, err)
	}
	return r, nil
}

func (s *KV) set(ctx context.Context, r *execution.ExecutionRecord) error {
	raw, err := r.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err = s.records.Set(ctx, r.OrderID, raw); err != nil {
		return fmt.Errorf("setting record %s: %w", r.OrderID, err)
	}
	return nil
}

// CreateRecord implements the storage interface method.
func (s *KV) CreateRecord(ctx context.Context, r *execution.ExecutionRecord) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("validating record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found, err := s.records.Has(ctx, r.OrderID)
	if err != nil {
		return fmt.Errorf("checking record %s: %w", r.OrderID, err)
	} else if found {
		return fmt.Errorf("%w: %s", storage.ErrRecordExists, r.OrderID)
	}
	return s.set(ctx, r)
}

// StoreRecord implements the storage interface method.
func (s *KV) StoreRecord(ctx context.Context, r *execution.ExecutionRecord) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("validating record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found, err := s.records.Has(ctx, r.OrderID)
	if err != nil {
		return fmt.Errorf("checking record %s: %w", r.OrderID, err)
	} else if !found {
		return fmt.Errorf("%w: %s", storage.ErrRecordNotFound, r.OrderID)
	}
	return s.set(ctx, r)
}

// RetrieveRecord implements the storage interface method.
func (s *KV) RetrieveRecord(ctx context.Context, orderID string) (*execution.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, orderID)
}

// DeactivateRecord implements the storage interface method.
func (s *KV) DeactivateRecord(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.Delete(ctx, orderID)
}

// ListRecords implements the storage interface method.
// Records are sorted by order ID.
func (s *KV) ListRecords(ctx context.Context) ([]*execution.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := kv.AllKeys(ctx, s.records)
	sort.Strings(ids)
	var ret []*execution.ExecutionRecord
	for _, id := range ids {
		r, err := s.get(ctx, id)
		if errors.Is(err, storage.ErrRecordNotFound) {
			// deleted between listing and reading
			continue
		} else if err != nil {
			return ret, err
		}
		ret = append(ret, r)
	}
	return ret, nil
}

// StoreMedia implements the storage interface method.
func (s *KV) StoreMedia(ctx context.Context, id string, data []byte) error {
	if id == "" {
		return storage.ErrMissingMediaID
	}
	return s.media.Set(ctx, id, data)
}

// RetrieveMedia implements the storage interface method.
func (s *KV) RetrieveMedia(ctx context.Context, id string) ([]byte, error) {
	data, err := s.media.Get(ctx, id)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrMediaNotFound, id)
	}
	return data, err
}

// DeleteMedia implements the storage interface method.
func (s *KV) DeleteMedia(ctx context.Context, id string) error {
	return s.media.Delete(ctx, id)
}
