// Package kv implements an offline queue storage backend using a key-value interface.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/protravka/protravka/gateway/queue"

	"github.com/micromdm/nanolib/storage/kv"
)

// keyCounter holds the last assigned entry number.
// It does not share a prefix with any channel key.
const keyCounter = "_counter"

// KV is an offline queue backend using a key-value interface.
// Entry keys are "<channel>.<zero padded counter>".
type KV struct {
	mu sync.Mutex
	b  kv.KeysPrefixTraversingBucket
}

// New creates a new key-value offline queue backend.
func New(b kv.KeysPrefixTraversingBucket) *KV {
	return &KV{b: b}
}

func (s *KV) next(ctx context.Context) (uint64, error) {
	var n uint64
	raw, err := s.b.Get(ctx, keyCounter)
	if err != nil && !errors.Is(err, kv.ErrKeyNotFound) {
		return 0, fmt.Errorf("getting counter: %w", err)
	} else if err == nil {
		if n, err = strconv.ParseUint(string(raw), 10, 64); err != nil {
			return 0, fmt.Errorf("parsing counter: %w", err)
		}
	}
	n++
	if err = s.b.Set(ctx, keyCounter, []byte(strconv.FormatUint(n, 10))); err != nil {
		return 0, fmt.Errorf("setting counter: %w", err)
	}
	return n, nil
}

// Enqueue implements the storage interface method.
func (s *KV) Enqueue(ctx context.Context, e *queue.Entry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("validating entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.next(ctx)
	if err != nil {
		return err
	}
	e.ID = fmt.Sprintf("%s.%020d", e.Channel, n)
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err = s.b.Set(ctx, e.ID, raw); err != nil {
		return fmt.Errorf("setting entry %s: %w", e.ID, err)
	}
	return nil
}

// RetrieveEntries implements the storage interface method.
func (s *KV) RetrieveEntries(ctx context.Context, channel string) ([]*queue.Entry, error) {
	if channel == "" {
		return nil, queue.ErrMissingChannel
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := kv.AllKeysPrefix(ctx, s.b, channel+".")
	sort.Strings(keys)
	var entries []*queue.Entry
	for _, k := range keys {
		raw, err := s.b.Get(ctx, k)
		if errors.Is(err, kv.ErrKeyNotFound) {
			continue
		} else if err != nil {
			return entries, fmt.Errorf("getting entry %s: %w", k, err)
		}
		e := new(queue.Entry)
		if err = json.Unmarshal(raw, e); err != nil {
			return entries, fmt.Errorf("unmarshal entry %s: %w", k, err)
		}
		e.ID = k
		entries = append(entries, e)
	}
	return entries, nil
}

// DeleteEntry implements the storage interface method.
func (s *KV) DeleteEntry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Delete(ctx, id)
}
