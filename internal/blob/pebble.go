package blob

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/rotisserie/eris"
)

// PebbleBucket stores objects in an embedded Pebble database.
type PebbleBucket struct {
	db *pebble.DB
}

// NewPebbleBucket opens (or creates) a Pebble database in dir.
func NewPebbleBucket(dir string) (*PebbleBucket, error) {
	if dir == "" {
		return nil, eris.New("blob: pebble bucket requires a path")
	}
	opts := &pebble.Options{
		MemTableSize:          64 << 20,
		L0CompactionThreshold: 4,
		L0StopWritesThreshold: 8,
		WALBytesPerSync:       1 << 20,
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, eris.Wrapf(err, "blob: pebble open %s", dir)
	}
	return &PebbleBucket{db: d}, nil
}

// Put syncs the WAL before returning.
func (b *PebbleBucket) Put(_ context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return eris.Wrapf(b.db.Set([]byte(key), data, pebble.Sync), "blob: pebble set %s", key)
}

func (b *PebbleBucket) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	v, closer, err := b.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, eris.Wrapf(ErrObjectNotFound, "blob: %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "blob: pebble get %s", key)
	}
	defer closer.Close() //nolint:errcheck
	return append([]byte(nil), v...), nil
}

func (b *PebbleBucket) List(_ context.Context, prefix string) ([]string, error) {
	opts := &pebble.IterOptions{}
	if prefix != "" {
		opts.LowerBound = []byte(prefix)
		opts.UpperBound = prefixUpperBound([]byte(prefix))
	}
	it, err := b.db.NewIter(opts)
	if err != nil {
		return nil, eris.Wrapf(err, "blob: pebble iter %s", prefix)
	}
	defer it.Close() //nolint:errcheck

	var keys []string
	for it.First(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	return keys, eris.Wrap(it.Error(), "blob: pebble iterate")
}

func (b *PebbleBucket) Close() error { return b.db.Close() }

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when no such key exists.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
