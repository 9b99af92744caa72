// Package inmem implements an offline queue backend using a map-based key-value store.
package inmem

import (
	"github.com/protravka/protravka/gateway/queue/kv"

	"github.com/micromdm/nanolib/storage/kv/kvmap"
)

// InMem is an in-memory offline queue backend.
type InMem struct {
	*kv.KV
}

func New() *InMem {
	return &InMem{KV: kv.New(kvmap.New())}
}
