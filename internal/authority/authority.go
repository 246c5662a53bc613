// Package authority is the reference implementation of the remote side of
// the reconciliation protocol: a record store, a batch processor that
// applies queued actions idempotently and independently, and an audit log
// of per-entry outcomes.
package authority

import (
	"context"
	"errors"

	"github.com/AnshRaj112/serenify-sync/internal/models"
)

// ErrNotFound means the record does not exist in the authority's store.
var ErrNotFound = errors.New("record not found")

// RecordStore is the authority's durable record storage: MongoDB in
// production, in-memory for tests and infrastructure-free runs.
type RecordStore interface {
	// Get returns the current snapshot of a record, or ErrNotFound.
	Get(ctx context.Context, entity models.EntityType, id string) (models.Record, error)

	// Put upserts a record by id.
	Put(ctx context.Context, rec models.Record) error

	// Delete removes a record. Deleting a missing record is a no-op.
	Delete(ctx context.Context, entity models.EntityType, id string) error

	// FindMoodLogForDay returns the device's mood log for a calendar
	// date, or ErrNotFound.
	FindMoodLogForDay(ctx context.Context, deviceID, date string) (*models.MoodLog, error)

	// FindReaction returns the device's reaction of a type on a target,
	// or ErrNotFound.
	FindReaction(ctx context.Context, targetID, reactionType, deviceID string) (*models.Reaction, error)

	// List returns records of one entity type owned by a device, for full
	// resyncs. A zero limit means no limit.
	List(ctx context.Context, entity models.EntityType, deviceID string, limit int) ([]models.Record, error)
}
