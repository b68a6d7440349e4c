package adapter

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"portalgate/internal/domain"
)

// Registry holds at most one adapter per equipment identity. Construction for
// a key runs once while concurrent callers for the same key wait on it.
type Registry struct {
	mu      sync.Mutex
	entries map[domain.EquipmentKey]*registryEntry
}

type registryEntry struct {
	ready   chan struct{}
	adapter Adapter
	err     error
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[domain.EquipmentKey]*registryEntry),
	}
}

// getOrCreate returns the adapter for key, building it with build when absent.
// A failed build is not cached: callers waiting on it see the same error and
// the next call builds again. A panicking build counts as failed.
func (r *Registry) getOrCreate(key domain.EquipmentKey, build func() (Adapter, error)) (Adapter, error) {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		r.mu.Unlock()
		<-e.ready
		return e.adapter, e.err
	}
	e := &registryEntry{ready: make(chan struct{})}
	r.entries[key] = e
	r.mu.Unlock()

	r.build(key, e, build)
	return e.adapter, e.err
}

func (r *Registry) build(key domain.EquipmentKey, e *registryEntry, build func() (Adapter, error)) {
	defer func() {
		if p := recover(); p != nil {
			e.adapter, e.err = nil, fmt.Errorf("build adapter %s: panic: %v", key, p)
		}
		if e.err != nil {
			r.mu.Lock()
			if r.entries[key] == e {
				delete(r.entries, key)
			}
			r.mu.Unlock()
		}
		close(e.ready)
	}()
	e.adapter, e.err = build()
}

// Get returns a fully constructed adapter for key
func (r *Registry) Get(key domain.EquipmentKey) (Adapter, bool) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.adapter, e.err == nil
	default:
		return nil, false
	}
}

// Remove evicts key and closes its adapter. An in-flight construction is
// dropped from the registry but still handed to the callers waiting on it.
func (r *Registry) Remove(key domain.EquipmentKey) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if !ok {
		return false
	}
	closeEntry(e)
	return true
}

// Clear evicts every entry and returns how many were removed
func (r *Registry) Clear() int {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[domain.EquipmentKey]*registryEntry)
	r.mu.Unlock()

	for _, e := range entries {
		closeEntry(e)
	}
	return len(entries)
}

// Keys lists cached identities in a stable order
func (r *Registry) Keys() []domain.EquipmentKey {
	r.mu.Lock()
	keys := make([]domain.EquipmentKey, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// Len returns the number of cached identities
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// closeEntry releases an adapter once its construction has finished
func closeEntry(e *registryEntry) {
	select {
	case <-e.ready:
		if c, ok := e.adapter.(io.Closer); ok && e.err == nil {
			_ = c.Close()
		}
	default:
		go func() {
			<-e.ready
			if c, ok := e.adapter.(io.Closer); ok && e.err == nil {
				_ = c.Close()
			}
		}()
	}
}
