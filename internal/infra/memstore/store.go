package memstore

import (
	"context"
	"scrapeq/internal/domain"
	"scrapeq/internal/ports"
	"sync"
)

var _ ports.Store = (*Store)(nil)

type Record struct {
	Task    domain.Task
	Payload domain.Payload
}

// Store is an in-memory ports.Store for local runs and tests.
type Store struct {
	mu       sync.RWMutex
	pages    map[string]Record
	deleted  map[string]struct{}
	persists map[string]int
}

func New() *Store {
	return &Store{
		pages:    make(map[string]Record),
		deleted:  make(map[string]struct{}),
		persists: make(map[string]int),
	}
}

// Seed marks ids as already stored.
func (s *Store) Seed(tasks ...domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.pages[t.ID] = Record{Task: t}
	}
}

func (s *Store) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pages[id]
	return ok, nil
}

func (s *Store) Persist(_ context.Context, t domain.Task, p domain.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persists[t.ID]++
	if _, ok := s.pages[t.ID]; ok {
		return nil
	}
	s.pages[t.ID] = Record{Task: t, Payload: p}
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted[id] = struct{}{}
	return nil
}

func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.pages[id]
	return r, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

// PersistCalls reports how often Persist was called for id.
func (s *Store) PersistCalls(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persists[id]
}

func (s *Store) Deleted(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.deleted[id]
	return ok
}
