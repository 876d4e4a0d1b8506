package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"petmarket/internal/journal"
)

const defaultCapacity = 1000

// Store keeps the most recent entries in a bounded ring. When full, the
// oldest entry is overwritten.
type Store struct {
	mu       sync.RWMutex
	entries  []journal.Entry
	index    map[uuid.UUID]int
	head     int
	count    int
	capacity int
}

func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Store{
		entries:  make([]journal.Entry, capacity),
		index:    make(map[uuid.UUID]int, capacity),
		capacity: capacity,
	}
}

func (s *Store) Write(_ context.Context, e journal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos, ok := s.index[e.ID]; ok {
		s.entries[pos] = e
		return nil
	}
	if s.count == s.capacity {
		delete(s.index, s.entries[s.head].ID)
	} else {
		s.count++
	}
	s.entries[s.head] = e
	s.index[e.ID] = s.head
	s.head = (s.head + 1) % s.capacity
	return nil
}

// List returns up to limit entries, most recently started first. A
// non-positive limit returns everything held.
func (s *Store) List(_ context.Context, limit int) ([]journal.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > s.count {
		limit = s.count
	}
	out := make([]journal.Entry, 0, limit)
	for i := 1; i <= limit; i++ {
		pos := (s.head - i + s.capacity) % s.capacity
		out = append(out, s.entries[pos])
	}
	return out, nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
