package authority

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AnshRaj112/serenify-sync/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// recordDoc is the MongoDB document shape: the key columns used for
// lookups and indexes, plus the full record as JSON. The JSON blob keeps
// the record's nanosecond timestamps intact, which BSON time fields would
// truncate to milliseconds and break idempotent-replay detection.
type recordDoc struct {
	ID            string `bson:"_id"`
	OwnerDeviceID string `bson:"owner_device_id"`
	UpdatedAtNano int64  `bson:"updated_at_nano"`
	TargetID      string `bson:"target_id,omitempty"`
	ReactionType  string `bson:"reaction_type,omitempty"`
	LogDate       string `bson:"log_date,omitempty"`
	PayloadJSON   string `bson:"payload_json"`
}

// MongoStore is the production RecordStore: one collection per entity type.
type MongoStore struct {
	db *mongo.Database
}

// NewMongoStore wraps a connected database.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

func collectionFor(t models.EntityType) (string, error) {
	switch t {
	case models.EntityVent:
		return "vents", nil
	case models.EntityComment:
		return "comments", nil
	case models.EntityReaction:
		return "reactions", nil
	case models.EntityMoodLog:
		return "mood_logs", nil
	case models.EntityReport:
		return "reports", nil
	}
	return "", fmt.Errorf("unknown entity type %q", t)
}

// EnsureIndexes creates the unique indexes that mirror the local store's
// invariants. Safe to call repeatedly.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	_, err := s.db.Collection("mood_logs").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "owner_device_id", Value: 1}, {Key: "log_date", Value: 1}},
		Options: unique,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure mood_logs index: %w", err)
	}

	_, err = s.db.Collection("reactions").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "target_id", Value: 1}, {Key: "reaction_type", Value: 1}, {Key: "owner_device_id", Value: 1}},
		Options: unique,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure reactions index: %w", err)
	}

	for _, name := range []string{"vents", "comments", "reactions", "mood_logs", "reports"} {
		_, err = s.db.Collection(name).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "owner_device_id", Value: 1}},
		})
		if err != nil {
			return fmt.Errorf("failed to ensure %s device index: %w", name, err)
		}
	}
	return nil
}

// Get implements RecordStore.
func (s *MongoStore) Get(ctx context.Context, entity models.EntityType, id string) (models.Record, error) {
	coll, err := collectionFor(entity)
	if err != nil {
		return nil, err
	}

	var doc recordDoc
	err = s.db.Collection(coll).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s %s: %w", entity, id, err)
	}
	return decodeDoc(entity, doc)
}

// Put implements RecordStore.
func (s *MongoStore) Put(ctx context.Context, rec models.Record) error {
	coll, err := collectionFor(rec.Entity())
	if err != nil {
		return err
	}

	doc, err := encodeDoc(rec)
	if err != nil {
		return err
	}

	opts := options.Replace().SetUpsert(true)
	_, err = s.db.Collection(coll).ReplaceOne(ctx, bson.M{"_id": rec.RecordID()}, doc, opts)
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", rec.Entity(), rec.RecordID(), err)
	}
	return nil
}

// Delete implements RecordStore.
func (s *MongoStore) Delete(ctx context.Context, entity models.EntityType, id string) error {
	coll, err := collectionFor(entity)
	if err != nil {
		return err
	}
	if _, err := s.db.Collection(coll).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", entity, id, err)
	}
	return nil
}

// FindMoodLogForDay implements RecordStore.
func (s *MongoStore) FindMoodLogForDay(ctx context.Context, deviceID, date string) (*models.MoodLog, error) {
	var doc recordDoc
	err := s.db.Collection("mood_logs").FindOne(ctx, bson.M{
		"owner_device_id": deviceID,
		"log_date":        date,
	}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find mood log: %w", err)
	}

	rec, err := decodeDoc(models.EntityMoodLog, doc)
	if err != nil {
		return nil, err
	}
	return rec.(*models.MoodLog), nil
}

// FindReaction implements RecordStore.
func (s *MongoStore) FindReaction(ctx context.Context, targetID, reactionType, deviceID string) (*models.Reaction, error) {
	var doc recordDoc
	err := s.db.Collection("reactions").FindOne(ctx, bson.M{
		"target_id":       targetID,
		"reaction_type":   reactionType,
		"owner_device_id": deviceID,
	}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find reaction: %w", err)
	}

	rec, err := decodeDoc(models.EntityReaction, doc)
	if err != nil {
		return nil, err
	}
	return rec.(*models.Reaction), nil
}

// List implements RecordStore.
func (s *MongoStore) List(ctx context.Context, entity models.EntityType, deviceID string, limit int) ([]models.Record, error) {
	coll, err := collectionFor(entity)
	if err != nil {
		return nil, err
	}

	filter := bson.M{}
	if deviceID != "" {
		filter["owner_device_id"] = deviceID
	}

	findOptions := options.Find().SetSort(bson.M{"updated_at_nano": -1})
	if limit > 0 {
		findOptions.SetLimit(int64(limit))
	}

	cursor, err := s.db.Collection(coll).Find(ctx, filter, findOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", entity, err)
	}
	defer cursor.Close(ctx)

	var out []models.Record
	for cursor.Next(ctx) {
		var doc recordDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode %s document: %w", entity, err)
		}
		rec, err := decodeDoc(entity, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, cursor.Err()
}

func encodeDoc(rec models.Record) (recordDoc, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return recordDoc{}, fmt.Errorf("failed to encode %s: %w", rec.Entity(), err)
	}

	doc := recordDoc{
		ID:            rec.RecordID(),
		OwnerDeviceID: rec.OwnerDevice(),
		UpdatedAtNano: rec.UpdatedTime().UnixNano(),
		PayloadJSON:   string(raw),
	}
	switch r := rec.(type) {
	case *models.Reaction:
		doc.TargetID = r.TargetID
		doc.ReactionType = r.Type
	case *models.MoodLog:
		doc.LogDate = r.Date
	case *models.Report:
		doc.TargetID = r.TargetID
	}
	return doc, nil
}

func decodeDoc(entity models.EntityType, doc recordDoc) (models.Record, error) {
	rec, err := models.NewRecord(entity)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(doc.PayloadJSON), rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", entity, err)
	}
	return rec, nil
}
