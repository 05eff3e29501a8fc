package storage

import (
	"context"
	"errors"
)

// Adapter is a ready-made set of cache ports over a Store for opaque byte
// payloads with append semantics: caller updates are byte chunks appended
// to the in-cache value, and writes persist the full value. A missing key
// reads as an empty value.
//
// It satisfies cache.Ports[string, []byte, []byte, []byte, []byte, []byte, []byte].
type Adapter struct {
	store Store
}

// NewAdapter creates a cache port adapter backed by store.
func NewAdapter(store Store) *Adapter {
	return &Adapter{store: store}
}

func (a *Adapter) ReadFromStorage(_ context.Context, key string, _ bool) ([]byte, error) {
	value, err := a.store.Get(key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return value, err
}

func (a *Adapter) WriteToStorage(_ context.Context, key string, w []byte) error {
	return a.store.Put(key, w)
}

func (a *Adapter) ConvertToInternalUpdate(_ string, update []byte) ([]byte, error) {
	return append([]byte(nil), update...), nil
}

func (a *Adapter) ConvertToCacheFormat(_ string, raw []byte) ([]byte, error) {
	return append([]byte(nil), raw...), nil
}

func (a *Adapter) ConvertFromCacheToReturn(_ string, s []byte) ([]byte, error) {
	return append([]byte(nil), s...), nil
}

func (a *Adapter) ApplyUpdate(s []byte, update []byte) []byte {
	return append(s, update...)
}

// SplitForWrite sends the full current value; since the write carries the
// whole state, a previously failed write is subsumed and ignored.
func (a *Adapter) SplitForWrite(_ string, s []byte, _ *[]byte) ([]byte, []byte) {
	return s, append([]byte(nil), s...)
}
