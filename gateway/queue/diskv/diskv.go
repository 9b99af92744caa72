// Package diskv implements an offline queue backend using the diskv key-value store.
package diskv

import (
	"path/filepath"

	"github.com/protravka/protravka/gateway/queue/kv"

	"github.com/micromdm/nanolib/storage/kv/kvdiskv"
	"github.com/peterbourgon/diskv/v3"
)

// Diskv is a diskv-backed offline queue backend.
type Diskv struct {
	*kv.KV
}

// New creates a new offline queue on disk at path.
func New(path string) *Diskv {
	return &Diskv{KV: kv.New(kvdiskv.New(diskv.New(diskv.Options{
		BasePath:     filepath.Join(path, "queue"),
		Transform:    kvdiskv.FlatTransform,
		CacheSizeMax: 1024 * 1024,
	})))}
}
