// Package memory provides an in-memory capability.Store for tests and local
// development. Records are defensively copied on read and write; concurrent
// registrations of the same id are serialized by the store mutex.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/awesomeposter/flex/capability"
)

// Store implements capability.Store in memory with no durability.
type Store struct {
	mu      sync.RWMutex
	records map[string]capability.Record
}

// New constructs an empty Store.
func New() *Store {
	return &Store{records: make(map[string]capability.Record)}
}

// Put writes a record through, replacing any prior version.
func (s *Store) Put(_ context.Context, rec capability.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.CapabilityID] = cloneRecord(rec)
	return nil
}

// Get loads one record by id.
func (s *Store) Get(_ context.Context, capabilityID string) (capability.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[capabilityID]
	if !ok {
		return capability.Record{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

// List returns every stored record.
func (s *Store) List(_ context.Context) ([]capability.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]capability.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

// SetStatus updates the status of the given ids, stamping LastSeenAt.
func (s *Store) SetStatus(_ context.Context, ids []string, status capability.Status, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		rec.Status = status
		rec.LastSeenAt = now
		s.records[id] = rec
	}
	return nil
}

// Reset clears the store; useful for test isolation.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]capability.Record)
}

func cloneRecord(rec capability.Record) capability.Record {
	out := rec
	out.InputFacets = append([]string(nil), rec.InputFacets...)
	out.OutputFacets = append([]string(nil), rec.OutputFacets...)
	if rec.InstructionTemplates != nil {
		m := make(map[string]string, len(rec.InstructionTemplates))
		for k, v := range rec.InstructionTemplates {
			m[k] = v
		}
		out.InstructionTemplates = m
	}
	if rec.Metadata != nil {
		m := make(map[string]any, len(rec.Metadata))
		for k, v := range rec.Metadata {
			m[k] = v
		}
		out.Metadata = m
	}
	if rec.AssignmentDefaults != nil {
		d := *rec.AssignmentDefaults
		out.AssignmentDefaults = &d
	}
	if rec.Cost != nil {
		c := *rec.Cost
		out.Cost = &c
	}
	return out
}
