// Package ttl holds per-token-type lifetimes and turns them into concrete
// expiration timestamps for newly minted balance chunks.
package ttl

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

var (
	// ErrTTLNotConfigured is returned when a token type's lifetime is read before it was set.
	ErrTTLNotConfigured = errors.New("ttl not configured")
	// ErrTTLAlreadySet is returned on a second SetTTL for the same token type.
	ErrTTLAlreadySet = errors.New("ttl already set")
)

// ConfigStore persists lifetimes so a registry survives restarts.
type ConfigStore interface {
	LoadTTL(id *uint256.Int) (ttl uint64, ok bool, err error)
	StoreTTL(id *uint256.Int, ttl uint64) error
}

// Registry is the write-once table of token type lifetimes, in seconds.
// A lifetime of 0 means balances of that type never expire.
type Registry struct {
	mu      sync.RWMutex
	configs map[uint256.Int]uint64
	store   ConfigStore // optional
}

// NewRegistry creates a registry. store may be nil for a purely in-memory registry.
func NewRegistry(store ConfigStore) *Registry {
	return &Registry{
		configs: make(map[uint256.Int]uint64),
		store:   store,
	}
}

// SetTTL records the lifetime of a token type. It can succeed only once per id.
func (r *Registry) SetTTL(id *uint256.Int, ttl uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok, err := r.lookup(id); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: token %s", ErrTTLAlreadySet, id.Dec())
	}

	if r.store != nil {
		if err := r.store.StoreTTL(id, ttl); err != nil {
			return fmt.Errorf("failed to persist ttl for token %s: %w", id.Dec(), err)
		}
	}
	r.configs[*id] = ttl
	return nil
}

// TTLOf returns the configured lifetime of a token type.
func (r *Registry) TTLOf(id *uint256.Int) (uint64, error) {
	r.mu.RLock()
	ttl, ok := r.configs[*id]
	r.mu.RUnlock()
	if ok {
		return ttl, nil
	}

	// Slow path: consult the backing store and remember the answer.
	r.mu.Lock()
	defer r.mu.Unlock()
	ttl, ok, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: token %s", ErrTTLNotConfigured, id.Dec())
	}
	return ttl, nil
}

// IsSet reports whether a lifetime has been recorded for id.
func (r *Registry) IsSet(id *uint256.Int) bool {
	_, err := r.TTLOf(id)
	return err == nil
}

// lookup must be called with the write lock held.
func (r *Registry) lookup(id *uint256.Int) (uint64, bool, error) {
	if ttl, ok := r.configs[*id]; ok {
		return ttl, true, nil
	}
	if r.store == nil {
		return 0, false, nil
	}
	ttl, ok, err := r.store.LoadTTL(id)
	if err != nil {
		return 0, false, fmt.Errorf("failed to load ttl for token %s: %w", id.Dec(), err)
	}
	if ok {
		r.configs[*id] = ttl
	}
	return ttl, ok, nil
}
