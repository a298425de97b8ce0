package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-photo-ingest/internal/dedup"
	"github.com/tendant/simple-photo-ingest/pkg/schema"
)

// Memory is an in-process record store. It enforces the same uniqueness on
// (tenant, content hash) as the Postgres schema.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]string // tenant/session -> vehicle
	images   map[string]*schema.ImageRecord
	byID     map[string]string // id -> tenant/hash
	events   []schema.ImageEvent
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		sessions: map[string]string{},
		images:   map[string]*schema.ImageRecord{},
		byID:     map[string]string{},
		now:      time.Now,
	}
}

func scope(a, b string) string { return a + "/" + b }

// PutSession registers a session's vehicle.
func (m *Memory) PutSession(tenantID, sessionID, vehicleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[scope(tenantID, sessionID)] = vehicleID
}

func (m *Memory) FindSessionVehicle(_ context.Context, sessionID, tenantID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.sessions[scope(tenantID, sessionID)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return v, nil
}

func (m *Memory) FindImageByHash(_ context.Context, tenantID, contentHash string) (dedup.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.images[scope(tenantID, contentHash)]
	if !ok {
		return dedup.Match{}, dedup.ErrNoMatch
	}
	return dedup.Match{ImageID: rec.ID, StorageKey: rec.StorageKey}, nil
}

func (m *Memory) UpsertImageByHash(_ context.Context, rec schema.ImageRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	k := scope(rec.TenantID, rec.ContentHash)
	if old, ok := m.images[k]; ok {
		merged := Merge(*old, rec, now)
		m.images[k] = &merged
		return merged.ID, nil
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.images[k] = &rec
	m.byID[rec.ID] = k
	return rec.ID, nil
}

func (m *Memory) AppendEvent(_ context.Context, ev schema.ImageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Image returns a copy of the record with id.
func (m *Memory) Image(id string) (schema.ImageRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.byID[id]
	if !ok {
		return schema.ImageRecord{}, false
	}
	return *m.images[k], true
}

func (m *Memory) ImageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.images)
}

func (m *Memory) Events() []schema.ImageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]schema.ImageEvent(nil), m.events...)
}
