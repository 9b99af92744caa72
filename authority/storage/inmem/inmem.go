// Package inmem implements an authority storage backend using a map-based key-value store.
package inmem

import (
	"github.com/protravka/protravka/authority/storage/kv"

	"github.com/micromdm/nanolib/storage/kv/kvmap"
	"github.com/micromdm/nanolib/storage/kv/kvprefix"
)

// InMem is an in-memory authority storage backend.
type InMem struct {
	*kv.KV
}

// New creates a new in-memory authority store.
func New() *InMem {
	b := kvmap.New()
	return &InMem{KV: kv.New(
		kvprefix.New("order.", b),
		kvprefix.New("record.", b),
		kvprefix.New("media.", b),
	)}
}
