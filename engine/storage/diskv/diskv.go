// Package diskv implements an execution store backend using the diskv key-value store.
package diskv

import (
	"path/filepath"

	"github.com/protravka/protravka/engine/storage/kv"

	"github.com/micromdm/nanolib/storage/kv/kvdiskv"
	"github.com/peterbourgon/diskv/v3"
)

// Diskv is a diskv-backed execution store backend.
type Diskv struct {
	*kv.KV
}

func newBucket(path string) *kvdiskv.KVDiskv {
	return kvdiskv.New(diskv.New(diskv.Options{
		BasePath:     path,
		Transform:    kvdiskv.FlatTransform,
		CacheSizeMax: 1024 * 1024,
	}))
}

// New creates a new execution store on disk at path.
func New(path string) *Diskv {
	return &Diskv{KV: kv.New(
		newBucket(filepath.Join(path, "execution", "record")),
		newBucket(filepath.Join(path, "execution", "media")),
	)}
}
