// Package kv implements an authority storage backend using a key-value interface.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/protravka/protravka/authority/storage"
	"github.com/protravka/protravka/execution"

	"github.com/micromdm/nanolib/storage/kv"
)

// KV is an authority storage backend using a key-value interface.
type KV struct {
	mu      sync.RWMutex
	orders  kv.KeysTraversingBucket
	records kv.CRUDBucket
	media   kv.CRUDBucket
}

// New creates a new key-value authority storage backend.
func New(orders kv.KeysTraversingBucket, records, media kv.CRUDBucket) *KV {
	return &KV{orders: orders, records: records, media: media}
}

func (s *KV) getOrder(ctx context.Context, id string) (*execution.Order, error) {
	raw, err := s.orders.Get(ctx, id)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrOrderNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("getting order %s: %w", id, err)
	}
	o := new(execution.Order)
	if err = json.Unmarshal(raw, o); err != nil {
		return nil, fmt.Errorf("unmarshal order %s: %w", id, err)
	}
	return o, nil
}

func (s *KV) setOrder(ctx context.Context, o *execution.Order) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	return s.orders.Set(ctx, o.ID, raw)
}

// StoreOrder implements the storage interface method.
func (s *KV) StoreOrder(ctx context.Context, o *execution.Order) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("validating order: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setOrder(ctx, o)
}

// RetrieveOrder implements the storage interface method.
func (s *KV) RetrieveOrder(ctx context.Context, id string) (*execution.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getOrder(ctx, id)
}

// ListOrders implements the storage interface method.
func (s *KV) ListOrders(ctx context.Context, status execution.OrderStatus) ([]*execution.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := kv.AllKeys(ctx, s.orders)
	sort.Strings(ids)
	var orders []*execution.Order
	for _, id := range ids {
		o, err := s.getOrder(ctx, id)
		if err != nil {
			return orders, err
		}
		if status == "" || o.Status == status {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

// UpdateOrder implements the storage interface method.
func (s *KV) UpdateOrder(ctx context.Context, id string, fn storage.OrderUpdater) (*execution.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.getOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err = fn(o); err != nil {
		return nil, err
	}
	if err = o.Validate(); err != nil {
		return nil, fmt.Errorf("validating order: %w", err)
	}
	return o, s.setOrder(ctx, o)
}

func (s *KV) getRecord(ctx context.Context, orderID string) (*execution.ExecutionRecord, error) {
	raw, err := s.records.Get(ctx, orderID)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrRecordNotFound, orderID)
	} else if err != nil {
		return nil, fmt.Errorf("getting record %s: %w", orderID, err)
	}
	r := new(execution.ExecutionRecord)
	return r, r.UnmarshalBinary(raw)
}

// UpdateRecord implements the storage interface method.
func (s *KV) UpdateRecord(ctx context.Context, orderID string, fn storage.RecordUpdater) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	prev, err := s.getRecord(ctx, orderID)
	if errors.Is(err, storage.ErrRecordNotFound) {
		prev = nil
	} else if err != nil {
		return err
	}
	r, err := fn(o, prev)
	if err != nil {
		return err
	}
	raw, err := r.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return s.records.Set(ctx, orderID, raw)
}

// RetrieveRecord implements the storage interface method.
func (s *KV) RetrieveRecord(ctx context.Context, orderID string) (*execution.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRecord(ctx, orderID)
}

type media struct {
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// StoreMedia implements the storage interface method.
func (s *KV) StoreMedia(ctx context.Context, id, contentType string, data []byte) error {
	raw, err := json.Marshal(&media{ContentType: contentType, Data: data})
	if err != nil {
		return fmt.Errorf("marshal media: %w", err)
	}
	return s.media.Set(ctx, id, raw)
}

// RetrieveMedia implements the storage interface method.
func (s *KV) RetrieveMedia(ctx context.Context, id string) ([]byte, string, error) {
	raw, err := s.media.Get(ctx, id)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, "", fmt.Errorf("%w: %s", storage.ErrMediaNotFound, id)
	} else if err != nil {
		return nil, "", fmt.Errorf("getting media %s: %w", id, err)
	}
	m := new(media)
	if err = json.Unmarshal(raw, m); err != nil {
		return nil, "", fmt.Errorf("unmarshal media %s: %w", id, err)
	}
	return m.Data, m.ContentType, nil
}
