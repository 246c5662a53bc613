package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/AnshRaj112/serenify-sync/internal/models"
)

// MemStore is an in-memory RecordStore. Tests use it directly, and the
// server falls back to it when no MongoDB URI is configured so the sync
// endpoint can run without infrastructure.
type MemStore struct {
	mu      sync.RWMutex
	records map[models.EntityType]map[string]models.Record
}

// NewMemStore returns an empty in-memory record store.
func NewMemStore() *MemStore {
	records := make(map[models.EntityType]map[string]models.Record)
	for _, t := range models.EntityTypes {
		records[t] = make(map[string]models.Record)
	}
	return &MemStore{records: records}
}

// Get implements RecordStore.
func (m *MemStore) Get(ctx context.Context, entity models.EntityType, id string) (models.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byID, ok := m.records[entity]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entity)
	}
	rec, ok := byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec)
}

// Put implements RecordStore.
func (m *MemStore) Put(ctx context.Context, rec models.Record) error {
	stored, err := copyRecord(rec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.records[rec.Entity()]
	if !ok {
		return fmt.Errorf("unknown entity type %q", rec.Entity())
	}
	byID[rec.RecordID()] = stored
	return nil
}

// Delete implements RecordStore.
func (m *MemStore) Delete(ctx context.Context, entity models.EntityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.records[entity]
	if !ok {
		return fmt.Errorf("unknown entity type %q", entity)
	}
	delete(byID, id)
	return nil
}

// FindMoodLogForDay implements RecordStore.
func (m *MemStore) FindMoodLogForDay(ctx context.Context, deviceID, date string) (*models.MoodLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records[models.EntityMoodLog] {
		logEntry := rec.(*models.MoodLog)
		if logEntry.OwnerDeviceID == deviceID && logEntry.Date == date {
			copied, err := copyRecord(logEntry)
			if err != nil {
				return nil, err
			}
			return copied.(*models.MoodLog), nil
		}
	}
	return nil, ErrNotFound
}

// FindReaction implements RecordStore.
func (m *MemStore) FindReaction(ctx context.Context, targetID, reactionType, deviceID string) (*models.Reaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records[models.EntityReaction] {
		reaction := rec.(*models.Reaction)
		if reaction.TargetID == targetID && reaction.Type == reactionType && reaction.OwnerDeviceID == deviceID {
			copied, err := copyRecord(reaction)
			if err != nil {
				return nil, err
			}
			return copied.(*models.Reaction), nil
		}
	}
	return nil, ErrNotFound
}

// List implements RecordStore.
func (m *MemStore) List(ctx context.Context, entity models.EntityType, deviceID string, limit int) ([]models.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byID, ok := m.records[entity]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entity)
	}

	var out []models.Record
	for _, rec := range byID {
		if deviceID != "" && rec.OwnerDevice() != deviceID {
			continue
		}
		copied, err := copyRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedTime().After(out[j].CreatedTime())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// copyRecord deep-copies a record so callers never alias stored state.
func copyRecord(rec models.Record) (models.Record, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to copy record: %w", err)
	}
	out, err := models.NewRecord(rec.Entity())
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("failed to copy record: %w", err)
	}
	return out, nil
}
