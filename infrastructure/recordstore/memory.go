package recordstore

import (
	"slices"
	"sync"

	domerrors "github.com/reglet-dev/mediahost/domain/errors"
	"github.com/reglet-dev/mediahost/domain/ports"
)

type memoryRecord struct {
	data []byte
	open bool
}

// MemoryStore keeps records in memory. It outlives the storage services that
// use it, so a node's records survive plugin process restarts.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
}

var _ ports.StorageBackend = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryRecord)}
}

// Open creates the record if it does not exist.
func (s *MemoryStore) Open(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		rec = &memoryRecord{}
		s.records[name] = rec
	}
	if rec.open {
		return domerrors.ErrRecordInUse
	}
	rec.open = true
	return nil
}

// Read returns a copy of the record's value.
func (s *MemoryStore) Read(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok || !rec.open {
		return nil, domerrors.ErrRecordNotOpen
	}
	return slices.Clone(rec.data), nil
}

// Write replaces the record's value with a copy of data.
func (s *MemoryStore) Write(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok || !rec.open {
		return domerrors.ErrRecordNotOpen
	}
	rec.data = slices.Clone(data)
	return nil
}

// Close marks the record closed; an empty record is dropped.
func (s *MemoryStore) Close(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return nil
	}
	rec.open = false
	if len(rec.data) == 0 {
		delete(s.records, name)
	}
	return nil
}

// RecordNames lists every record, open or not, in sorted order.
func (s *MemoryStore) RecordNames() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// Len returns the number of records held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
