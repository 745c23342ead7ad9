package ledger

import (
	"sync"
)

// MemoryStore is a SlotStore held entirely in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[SlotKey][]Chunk
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots: make(map[SlotKey][]Chunk),
	}
}

// LoadSlot returns a copy of the stored chunks, or nil for an untouched slot.
func (m *MemoryStore) LoadSlot(key SlotKey) ([]Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneChunks(m.slots[key]), nil
}

// WriteSlots replaces every slot in writes.
func (m *MemoryStore) WriteSlots(writes []SlotWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range writes {
		m.slots[w.Key] = cloneChunks(w.Chunks)
	}
	return nil
}
