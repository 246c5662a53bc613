package models

import (
	"fmt"
	"time"
)

// Payload is the tagged union carried by a queued action: exactly one field
// is set, keyed by the action's entity type, so serialization stays
// exhaustive instead of an untyped blob.
type Payload struct {
	Vent     *Vent     `json:"vent,omitempty" bson:"vent,omitempty"`
	Comment  *Comment  `json:"comment,omitempty" bson:"comment,omitempty"`
	Reaction *Reaction `json:"reaction,omitempty" bson:"reaction,omitempty"`
	MoodLog  *MoodLog  `json:"mood_log,omitempty" bson:"mood_log,omitempty"`
	Report   *Report   `json:"report,omitempty" bson:"report,omitempty"`
}

// NewPayload wraps a record into the union variant matching its entity type.
func NewPayload(rec Record) Payload {
	var p Payload
	switch r := rec.(type) {
	case *Vent:
		p.Vent = r
	case *Comment:
		p.Comment = r
	case *Reaction:
		p.Reaction = r
	case *MoodLog:
		p.MoodLog = r
	case *Report:
		p.Report = r
	}
	return p
}

// Record extracts the variant matching t. It fails when the union does not
// carry that variant, which is how a malformed batch entry is detected.
func (p Payload) Record(t EntityType) (Record, error) {
	switch t {
	case EntityVent:
		if p.Vent != nil {
			return p.Vent, nil
		}
	case EntityComment:
		if p.Comment != nil {
			return p.Comment, nil
		}
	case EntityReaction:
		if p.Reaction != nil {
			return p.Reaction, nil
		}
	case EntityMoodLog:
		if p.MoodLog != nil {
			return p.MoodLog, nil
		}
	case EntityReport:
		if p.Report != nil {
			return p.Report, nil
		}
	default:
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	return nil, fmt.Errorf("payload is missing the %s variant", t)
}

// QueuedAction is one pending mutation in the outbox. The ActionID is
// distinct from the record id and correlates batch results; EnqueuedAt is
// the tie-breaker against remote state when the payload carries no
// timestamp of its own.
type QueuedAction struct {
	ActionID   string     `json:"action_id"`
	EntityType EntityType `json:"entity_type"`
	Operation  Operation  `json:"operation"`
	EntityID   string     `json:"entity_id"`
	Payload    Payload    `json:"payload"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
}

// LocalTimestamp is the timestamp this action competes with remote state
// on: the payload's updated_at when present, otherwise the enqueue time.
func (a QueuedAction) LocalTimestamp() time.Time {
	if rec, err := a.Payload.Record(a.EntityType); err == nil && !rec.UpdatedTime().IsZero() {
		return rec.UpdatedTime()
	}
	return a.EnqueuedAt
}

// BatchAction is the wire form of a queued action in a reconciliation
// request.
type BatchAction struct {
	ID        string     `json:"id"`
	Type      EntityType `json:"type"`
	Action    Operation  `json:"action"`
	Data      Payload    `json:"data"`
	Timestamp time.Time  `json:"timestamp"`
}

// BatchRequest is one reconciliation batch for a single device.
type BatchRequest struct {
	DeviceID string        `json:"deviceId"`
	Actions  []BatchAction `json:"actions"`
}

// BatchFailure reports a per-entry error; the entry stays queued for retry.
type BatchFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BatchConflict reports a terminal per-entry conflict; the local mutation
// is abandoned and local state is stale until refetched.
type BatchConflict struct {
	ID           string `json:"id"`
	ConflictType string `json:"conflictType"`
}

// BatchResponse carries three disjoint outcome lists; every submitted
// action id appears in exactly one of them.
type BatchResponse struct {
	Synced    []string        `json:"synced"`
	Failed    []BatchFailure  `json:"failed"`
	Conflicts []BatchConflict `json:"conflicts"`
}

// WireAction converts a queued action to its wire form.
func (a QueuedAction) WireAction() BatchAction {
	return BatchAction{
		ID:        a.ActionID,
		Type:      a.EntityType,
		Action:    a.Operation,
		Data:      a.Payload,
		Timestamp: a.LocalTimestamp(),
	}
}

// Conflict types reported by the remote authority.
const (
	ConflictStaleWrite      = "stale_write"
	ConflictUniqueViolation = "unique_violation"
)
