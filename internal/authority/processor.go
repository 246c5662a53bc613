package authority

import (
	"context"
	"log"
	"os"

	"github.com/AnshRaj112/serenify-sync/internal/models"
	"github.com/AnshRaj112/serenify-sync/internal/resolver"
)

// Processor applies reconciliation batches. Every entry is processed
// independently: a malformed or failing entry never prevents the rest of
// the batch from being applied, and there is no all-or-nothing batch
// transaction.
type Processor struct {
	store  RecordStore
	audit  *AuditLog
	logger *log.Logger
}

// NewProcessor builds a batch processor. audit may be nil (no audit trail);
// if logger is nil, a default logger writing to stderr is used.
func NewProcessor(store RecordStore, audit *AuditLog, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.New(os.Stderr, "[authority] ", log.LstdFlags)
	}
	return &Processor{store: store, audit: audit, logger: logger}
}

// ProcessBatch applies every action in the request and returns three
// disjoint outcome lists. Replaying an action with the same record id and
// timestamps has no effect beyond the first application.
func (p *Processor) ProcessBatch(ctx context.Context, req models.BatchRequest) models.BatchResponse {
	resp := models.BatchResponse{
		Synced:    make([]string, 0, len(req.Actions)),
		Failed:    make([]models.BatchFailure, 0),
		Conflicts: make([]models.BatchConflict, 0),
	}

	for _, wire := range req.Actions {
		outcome, detail := p.applyAction(ctx, req.DeviceID, wire)
		switch outcome {
		case "synced":
			resp.Synced = append(resp.Synced, wire.ID)
		case "conflict":
			resp.Conflicts = append(resp.Conflicts, models.BatchConflict{ID: wire.ID, ConflictType: detail})
		default:
			resp.Failed = append(resp.Failed, models.BatchFailure{ID: wire.ID, Error: detail})
		}
		p.recordAudit(ctx, req.DeviceID, wire, outcome, detail)
	}

	p.logger.Printf("processed batch for device %s: %d synced, %d failed, %d conflicts",
		req.DeviceID, len(resp.Synced), len(resp.Failed), len(resp.Conflicts))
	return resp
}

// applyAction returns ("synced", ""), ("conflict", conflictType) or
// ("failed", error message).
func (p *Processor) applyAction(ctx context.Context, deviceID string, wire models.BatchAction) (string, string) {
	if !wire.Type.Valid() {
		return "failed", "unknown entity type"
	}
	if !wire.Action.Valid() {
		return "failed", "unknown operation"
	}

	rec, err := wire.Data.Record(wire.Type)
	if err != nil {
		return "failed", "malformed payload: " + err.Error()
	}
	if rec.RecordID() == "" {
		return "failed", "payload has no record id"
	}

	action := models.QueuedAction{
		ActionID:   wire.ID,
		EntityType: wire.Type,
		Operation:  wire.Action,
		EntityID:   rec.RecordID(),
		Payload:    wire.Data,
		EnqueuedAt: wire.Timestamp,
	}

	remote, err := p.store.Get(ctx, wire.Type, rec.RecordID())
	if err != nil && err != ErrNotFound {
		return "failed", "store read failed: " + err.Error()
	}

	// Idempotent replay: the same logical write (same id, same timestamp,
	// same device) has already been applied; confirm it without touching
	// the store again.
	if wire.Action != models.OpDelete && remote != nil &&
		remote.UpdatedTime().Equal(rec.UpdatedTime()) &&
		remote.OwnerDevice() == rec.OwnerDevice() {
		return "synced", ""
	}

	// Uniqueness invariants mirror the local store. A second reaction on
	// the same (target, type, device) key toggles the first off; a second
	// mood log for the same (device, date) is a terminal conflict.
	if wire.Action == models.OpCreate && remote == nil {
		switch r := rec.(type) {
		case *models.MoodLog:
			existing, err := p.store.FindMoodLogForDay(ctx, r.OwnerDeviceID, r.Date)
			if err != nil && err != ErrNotFound {
				return "failed", "store read failed: " + err.Error()
			}
			if existing != nil && existing.ID != r.ID {
				return "conflict", models.ConflictUniqueViolation
			}
		case *models.Reaction:
			existing, err := p.store.FindReaction(ctx, r.TargetID, r.Type, r.OwnerDeviceID)
			if err != nil && err != ErrNotFound {
				return "failed", "store read failed: " + err.Error()
			}
			if existing != nil && existing.ID != r.ID {
				if err := p.store.Delete(ctx, models.EntityReaction, existing.ID); err != nil {
					return "failed", "store write failed: " + err.Error()
				}
				return "synced", ""
			}
		}
	}

	switch resolver.Resolve(action, remote) {
	case resolver.Accept:
		if wire.Action == models.OpDelete {
			if err := p.store.Delete(ctx, wire.Type, rec.RecordID()); err != nil {
				return "failed", "store write failed: " + err.Error()
			}
			return "synced", ""
		}
		if err := p.store.Put(ctx, rec); err != nil {
			return "failed", "store write failed: " + err.Error()
		}
		return "synced", ""

	case resolver.Overwrite:
		if err := p.store.Put(ctx, rec); err != nil {
			return "failed", "store write failed: " + err.Error()
		}
		return "synced", ""

	default: // resolver.Reject
		if wire.Action == models.OpDelete {
			// Delete of a missing record is already satisfied.
			return "synced", ""
		}
		return "conflict", models.ConflictStaleWrite
	}
}

func (p *Processor) recordAudit(ctx context.Context, deviceID string, wire models.BatchAction, outcome, detail string) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Record(ctx, deviceID, wire.ID, wire.Type, wire.Action, outcome, detail); err != nil {
		p.logger.Printf("WARNING: failed to audit action %s: %v", wire.ID, err)
	}
}
