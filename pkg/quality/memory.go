package quality

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Memory remembers the last quality chosen per content identifier so the
// chooser can preselect it next time. It is a bounded LRU owned by one
// long-lived service object constructed at startup and injected into the
// Selector; eviction drops the least recently used entry.
type Memory struct {
	cache *lru.Cache[string, int]
}

// DefaultMemorySize bounds the choice history.
const DefaultMemorySize = 64

// NewMemory creates a bounded choice memory.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultMemorySize
	}
	cache, _ := lru.New[string, int](size)
	return &Memory{cache: cache}
}

// Last returns the remembered choice for a content identifier: a quality
// sentinel or a bandwidth in bits/sec.
func (m *Memory) Last(contentID string) (int, bool) {
	return m.cache.Get(contentID)
}

// Remember stores a choice.
func (m *Memory) Remember(contentID string, value int) {
	m.cache.Add(contentID, value)
}
