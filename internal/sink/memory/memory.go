// Package memory implements an in-process allocator and remote sink. Counters
// and rows live only as long as the process.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/shineum/maildrop-lite/internal/email"
	"github.com/shineum/maildrop-lite/internal/sink"
)

// Allocator keeps one atomic counter per namespace key. Keys never contend
// with each other.
type Allocator struct {
	counters sync.Map // string -> *atomic.Int64
}

// NewAllocator returns an empty Allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Allocate increments and returns the counter of key.
func (a *Allocator) Allocate(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, sink.AllocatorError(err)
	}
	c, _ := a.counters.LoadOrStore(key, new(atomic.Int64))
	return c.(*atomic.Int64).Add(1), nil
}

type rowKey struct {
	key string
	id  int64
}

// Store is a RemoteSink keeping summaries in a map.
type Store struct {
	alloc sink.Allocator

	mu   sync.RWMutex
	rows map[rowKey]email.Summary
}

// NewStore creates a Store drawing identifiers from alloc. A nil alloc uses a
// fresh in-memory Allocator.
func NewStore(alloc sink.Allocator) *Store {
	if alloc == nil {
		alloc = NewAllocator()
	}
	return &Store{alloc: alloc, rows: make(map[rowKey]email.Summary)}
}

// Persist allocates an identifier and stores the summary of rec under it.
func (s *Store) Persist(ctx context.Context, t sink.Target, rec *email.Record) (int64, error) {
	id, err := s.alloc.Allocate(ctx, t.Key())
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.rows[rowKey{t.Key(), id}] = rec.Summary()
	s.mu.Unlock()
	return id, nil
}

// Get returns the summary stored under (key, id).
func (s *Store) Get(key string, id int64) (email.Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.rows[rowKey{key, id}]
	return sum, ok
}

// Len returns the number of rows stored for key.
func (s *Store) Len(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.rows {
		if k.key == key {
			n++
		}
	}
	return n
}

// Name returns the sink name.
func (s *Store) Name() string {
	return "memory"
}
