package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry implements Registry with in-memory storage. It backs
// tests and ephemeral deployments; the sqlite backend is the default.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]*ServerRecord
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]*ServerRecord)}
}

// Insert stores a new record after checking id and port uniqueness.
func (m *MemoryRegistry) Insert(_ context.Context, rec *ServerRecord) error {
	if err := validateInsert(rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ID]; exists {
		return ErrDuplicateID
	}
	if portActive(rec) {
		for _, other := range m.records {
			if other.Owner == rec.Owner && other.Port == rec.Port && portActive(other) {
				return ErrPortConflict
			}
		}
	}

	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

// Update applies a partial update to the record with the given id.
func (m *MemoryRegistry) Update(_ context.Context, id string, upd Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[id]
	if !exists {
		return ErrRecordNotFound
	}

	if upd.Status != nil {
		if !ValidTransition(rec.Status, *upd.Status) {
			return ErrInvalidTransition
		}
		rec.Status = *upd.Status
	}
	if upd.ErrorMessage != nil {
		rec.ErrorMessage = *upd.ErrorMessage
	}
	if upd.StoppedAt != nil {
		t := *upd.StoppedAt
		rec.StoppedAt = &t
	}
	if upd.LastHealthCheck != nil {
		t := *upd.LastHealthCheck
		rec.LastHealthCheck = &t
	}
	if upd.BaseURL != nil {
		rec.BaseURL = *upd.BaseURL
	}
	return nil
}

// Get returns a copy of the record with the given id in the owner scope.
func (m *MemoryRegistry) Get(_ context.Context, id, owner string) (*ServerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.records[id]
	if !exists || rec.Owner != owner {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// ListByStatus returns records matching status within the owner scope.
func (m *MemoryRegistry) ListByStatus(_ context.Context, status Status, owner string) ([]*ServerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*ServerRecord, 0)
	for _, rec := range m.records {
		if rec.Status == status && rec.Owner == owner {
			result = append(result, rec.Clone())
		}
	}
	return result, nil
}

// ListAllByStatus returns records matching status across all owners.
func (m *MemoryRegistry) ListAllByStatus(_ context.Context, status Status) ([]*ServerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*ServerRecord, 0)
	for _, rec := range m.records {
		if rec.Status == status {
			result = append(result, rec.Clone())
		}
	}
	return result, nil
}

// Close is a no-op for the in-memory backend.
func (m *MemoryRegistry) Close() error { return nil }
