package fanout

import (
	"bytes"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// MemorySink buffers an upload's bytes in a bounded process-wide LRU,
// used only for items at or under the inline threshold (spec.md §4.4).
// It never counts toward the "at least one durable sink" requirement.
type MemorySink struct {
	id  string
	lru *lru.Cache
	buf bytes.Buffer
}

// NewMemorySink wires id's bytes into the shared cache on Close. The
// cache itself is constructed once process-wide and passed in here,
// mirroring the shared-bounded-cache pattern the pack's go-ethereum
// family code uses for its in-memory block/state caches.
func NewMemorySink(id string, cache *lru.Cache) *MemorySink {
	return &MemorySink{id: id, lru: cache}
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

func (s *MemorySink) Close() error {
	s.lru.Add(s.id, append([]byte{}, s.buf.Bytes()...))
	return nil
}

func (s *MemorySink) Abort() error {
	s.lru.Remove(s.id)
	s.buf.Reset()
	return nil
}

// NewMemoryCache builds the shared LRU backing every MemorySink. Capacity
// bounds the number of inline-threshold items held in memory at once, not
// a byte budget — each entry is already capped at the 10 KiB inline
// threshold by construction.
func NewMemoryCache(capacity int) (*lru.Cache, error) {
	c, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("fanout: building memory cache: %w", err)
	}
	return c, nil
}
