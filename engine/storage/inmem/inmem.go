// Package inmem implements an execution store backend using a map-based key-value store.
package inmem

import (
	"github.com/protravka/protravka/engine/storage/kv"

	"github.com/micromdm/nanolib/storage/kv/kvmap"
	"github.com/micromdm/nanolib/storage/kv/kvprefix"
)

// InMem is an in-memory execution store backend.
type InMem struct {
	*kv.KV
}

// New creates a new in-memory execution store. Records and media
// share one map under separate key prefixes.
func New() *InMem {
	b := kvmap.New()
	return &InMem{KV: kv.New(
		kvprefix.New("record.", b),
		kvprefix.New("media.", b),
	)}
}
