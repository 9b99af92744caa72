// Package diskv implements an authority storage backend using the diskv key-value store.
package diskv

import (
	"path/filepath"

	"github.com/protravka/protravka/authority/storage/kv"

	"github.com/micromdm/nanolib/storage/kv/kvdiskv"
	"github.com/peterbourgon/diskv/v3"
)

// Diskv is a diskv-backed authority storage backend.
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

// New creates a new authority store on disk at path.
func New(path string) *Diskv {
	return &Diskv{KV: kv.New(
		newBucket(filepath.Join(path, "authority", "order")),
		newBucket(filepath.Join(path, "authority", "record")),
		newBucket(filepath.Join(path, "authority", "media")),
	)}
}
