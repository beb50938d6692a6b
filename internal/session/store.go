package session

import "sync"

// Entry is the registry's unit of ownership: one session plus the lock that
// serialises every read-modify-write on it.
type Entry struct {
	mu sync.Mutex
	s  Session
}

// ID returns the id of the session held by the entry. It never changes.
func (e *Entry) ID() string {
	return e.s.ID
}

// Store is the membership abstraction for registry entries.
// Implementations are not required to be concurrency-safe; the Registry
// guards every call with its own lock.
type Store interface {
	Get(id string) (*Entry, bool)
	Set(e *Entry)
	Delete(id string)
	List() []*Entry
}

// InMemoryStore is a map-backed Store.
type InMemoryStore struct {
	entries map[string]*Entry
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]*Entry)}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(id string) (*Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(e *Entry) {
	s.entries[e.ID()] = e
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(id string) {
	delete(s.entries, id)
}

// List implements Store.List.
func (s *InMemoryStore) List() []*Entry {
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}
