package models

import (
	"fmt"
	"time"
)

// EntityType identifies which domain collection a record belongs to.
type EntityType string

const (
	EntityVent     EntityType = "vent"
	EntityComment  EntityType = "comment"
	EntityReaction EntityType = "reaction"
	EntityMoodLog  EntityType = "mood_log"
	EntityReport   EntityType = "report"
)

// EntityTypes lists every known entity type, in a stable order.
var EntityTypes = []EntityType{EntityVent, EntityComment, EntityReaction, EntityMoodLog, EntityReport}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityVent, EntityComment, EntityReaction, EntityMoodLog, EntityReport:
		return true
	}
	return false
}

// Operation is the kind of mutation carried by a queued action.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Record is the common surface of every domain record. Ids are generated
// client-side and stay stable across retries, so a replayed submission is
// recognized as the same logical write.
type Record interface {
	RecordID() string
	Entity() EntityType
	OwnerDevice() string
	CreatedTime() time.Time
	UpdatedTime() time.Time
	SetCreated(t time.Time)
	SetUpdated(t time.Time)
}

// Base carries the fields shared by every record.
type Base struct {
	ID            string    `json:"id" bson:"_id"`
	OwnerDeviceID string    `json:"owner_device_id" bson:"owner_device_id"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" bson:"updated_at"`
}

func (b *Base) RecordID() string       { return b.ID }
func (b *Base) OwnerDevice() string    { return b.OwnerDeviceID }
func (b *Base) CreatedTime() time.Time { return b.CreatedAt }
func (b *Base) UpdatedTime() time.Time { return b.UpdatedAt }
func (b *Base) SetCreated(t time.Time) { b.CreatedAt = t }
func (b *Base) SetUpdated(t time.Time) { b.UpdatedAt = t }

// ModerationStatus records what the content filter did to a vent's text.
type ModerationStatus string

const (
	ModerationClean    ModerationStatus = "clean"
	ModerationCensored ModerationStatus = "censored"
	ModerationFlagged  ModerationStatus = "flagged"
)

// Vent is an anonymous vent message posted into a room.
type Vent struct {
	Base       `bson:",inline"`
	RoomID     string           `json:"room_id" bson:"room_id"`
	Text       string           `json:"text" bson:"text"`
	Reflection string           `json:"reflection,omitempty" bson:"reflection,omitempty"`
	MoodBefore int              `json:"mood_before" bson:"mood_before"`
	MoodAfter  int              `json:"mood_after" bson:"mood_after"`
	Moderation ModerationStatus `json:"moderation" bson:"moderation"`
}

func (v *Vent) Entity() EntityType { return EntityVent }

// Comment is a supportive reply attached to a vent.
type Comment struct {
	Base   `bson:",inline"`
	VentID string `json:"vent_id" bson:"vent_id"`
	Text   string `json:"text" bson:"text"`
}

func (c *Comment) Entity() EntityType { return EntityComment }

// Reaction marks a vent or comment with a reaction type. At most one
// reaction of a given type may exist per (target, device); writing a second
// one toggles the first off.
type Reaction struct {
	Base       `bson:",inline"`
	TargetID   string `json:"target_id" bson:"target_id"`
	TargetType string `json:"target_type" bson:"target_type"`
	Type       string `json:"type" bson:"type"`
}

func (r *Reaction) Entity() EntityType { return EntityReaction }

// MoodLog is a daily mood check-in. At most one exists per (device, calendar
// date), and it may only be edited on the day it was created.
type MoodLog struct {
	Base `bson:",inline"`
	Date string `json:"date" bson:"date"` // calendar day, YYYY-MM-DD
	Mood int    `json:"mood" bson:"mood"`
	Note string `json:"note,omitempty" bson:"note,omitempty"`
}

func (m *MoodLog) Entity() EntityType { return EntityMoodLog }

// Report flags a vent or comment for moderator review.
type Report struct {
	Base       `bson:",inline"`
	TargetID   string `json:"target_id" bson:"target_id"`
	TargetType string `json:"target_type" bson:"target_type"`
	Reason     string `json:"reason" bson:"reason"`
}

func (r *Report) Entity() EntityType { return EntityReport }

// DayOf formats t as the calendar date used for the MoodLog uniqueness key.
func DayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NewRecord returns a zero record of the given entity type, for decoding.
func NewRecord(t EntityType) (Record, error) {
	switch t {
	case EntityVent:
		return &Vent{}, nil
	case EntityComment:
		return &Comment{}, nil
	case EntityReaction:
		return &Reaction{}, nil
	case EntityMoodLog:
		return &MoodLog{}, nil
	case EntityReport:
		return &Report{}, nil
	}
	return nil, fmt.Errorf("unknown entity type %q", t)
}
