package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

const slotPrefix = "slot:"

// Pebble stores slots in a pebble database. Keys are prefixed with the
// namespace so profiles sharing one store_path stay apart.
type Pebble struct {
	db        *pebble.DB
	namespace string
	// takeMu serialises Take so two consumers cannot both read a slot
	// before either deletes it.
	takeMu sync.Mutex
}

// OpenPebble opens (creating if needed) the database at path. A nil fs uses
// the real filesystem.
func OpenPebble(path, namespace string, fs vfs.FS) (*Pebble, error) {
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	} else if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open token store %s: %w", path, err)
	}
	return NewPebble(db, namespace), nil
}

// NewPebble wraps an open database. Close closes db.
func NewPebble(db *pebble.DB, namespace string) *Pebble {
	return &Pebble{db: db, namespace: namespace}
}

func (p *Pebble) slotKey(key string) []byte {
	if p.namespace == "" {
		return []byte(slotPrefix + key)
	}
	return []byte(p.namespace + ":" + slotPrefix + key)
}

func (p *Pebble) Get(_ context.Context, key string) (string, error) {
	v, closer, err := p.db.Get(p.slotKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	out := string(v)
	if closer != nil {
		_ = closer.Close()
	}
	return out, nil
}

func (p *Pebble) Apply(_ context.Context, changes ...Change) error {
	b := p.db.NewBatch()
	defer b.Close()
	for _, c := range changes {
		var err error
		if c.Delete {
			err = b.Delete(p.slotKey(c.Key), nil)
		} else {
			err = b.Set(p.slotKey(c.Key), []byte(c.Value), nil)
		}
		if err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (p *Pebble) Take(ctx context.Context, keys ...string) (map[string]string, error) {
	p.takeMu.Lock()
	defer p.takeMu.Unlock()

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, err := p.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	if err := p.Apply(ctx, DeleteAll(keys...)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pebble) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
