// Package localstore provides the durable per-entity storage the sync
// engine reads and writes while offline.
//
// Storage is embedded SQLite (ncruces/go-sqlite3) in WAL mode: one table
// per entity type, each row holding the full record as JSON plus the
// columns the uniqueness invariants are enforced on. The store survives
// process restarts; the UI-facing state it holds is always "what will
// eventually be true" absent a conflict.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AnshRaj112/serenify-sync/internal/models"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// ErrDuplicateKey means an invariant-unique key already exists (same
	// record id, same device+date mood log, or same target+type+device
	// reaction). Callers recover by routing to an update or a toggle.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound means the target record is absent. Updates surface it;
	// deletes treat it as already satisfied.
	ErrNotFound = errors.New("record not found")

	// ErrEditWindowClosed means a mood log update was attempted after the
	// calendar day it was created on.
	ErrEditWindowClosed = errors.New("mood log can only be edited on the day it was created")
)

// Filter narrows List results.
type Filter struct {
	DeviceID  string // only records owned by this device
	TargetID  string // reactions/reports only: records pointing at this target
	StaleOnly bool   // only records marked stale after a conflict
	Limit     int    // 0 means no limit
}

// StaleRef identifies a record that lost a conflict and needs a refetch.
type StaleRef struct {
	Entity models.EntityType
	ID     string
}

// Store is the durable local record store. All operations are synchronous
// and fully apply or fully fail; there is no global lock, only per-record
// atomicity via SQLite transactions.
type Store struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Open opens (or creates) the local store at path and ensures the schema.
// The caller must Close it when done.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping local store: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{conn: conn, path: path, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// SetNow overrides the logical clock. Tests use this to pin timestamps.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

// Close checkpoints the WAL and closes the store.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close local store: %w", err)
	}
	s.conn = nil
	return nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vents (
		id TEXT PRIMARY KEY,
		owner_device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		stale INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS comments (
		id TEXT PRIMARY KEY,
		owner_device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		stale INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS reactions (
		id TEXT PRIMARY KEY,
		owner_device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		stale INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		target_id TEXT NOT NULL,
		reaction_type TEXT NOT NULL,
		UNIQUE(target_id, reaction_type, owner_device_id)
	);
	CREATE TABLE IF NOT EXISTS mood_logs (
		id TEXT PRIMARY KEY,
		owner_device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		stale INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		log_date TEXT NOT NULL,
		UNIQUE(owner_device_id, log_date)
	);
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		owner_device_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		stale INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		target_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_vents_device ON vents(owner_device_id);
	CREATE INDEX IF NOT EXISTS idx_comments_device ON comments(owner_device_id);
	CREATE INDEX IF NOT EXISTS idx_reactions_target ON reactions(target_id);
	CREATE INDEX IF NOT EXISTS idx_mood_logs_device ON mood_logs(owner_device_id);
	CREATE INDEX IF NOT EXISTS idx_reports_target ON reports(target_id);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize local store schema: %w", err)
	}
	return nil
}

func tableFor(t models.EntityType) (string, error) {
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

// Get returns the record with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, entity models.EntityType, id string) (models.Record, error) {
	table, err := tableFor(entity)
	if err != nil {
		return nil, err
	}

	var payload string
	err = s.conn.QueryRowContext(ctx,
		"SELECT payload FROM "+table+" WHERE id = ?", id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s %s: %w", entity, id, err)
	}
	return decodeRecord(entity, payload)
}

// IsStale reports whether the record is marked stale (pending refetch).
func (s *Store) IsStale(ctx context.Context, entity models.EntityType, id string) (bool, error) {
	table, err := tableFor(entity)
	if err != nil {
		return false, err
	}

	var stale int
	err = s.conn.QueryRowContext(ctx,
		"SELECT stale FROM "+table+" WHERE id = ?", id).Scan(&stale)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read stale flag for %s %s: %w", entity, id, err)
	}
	return stale != 0, nil
}

// List returns records of one entity type matching the filter, newest first.
func (s *Store) List(ctx context.Context, entity models.EntityType, filter Filter) ([]models.Record, error) {
	table, err := tableFor(entity)
	if err != nil {
		return nil, err
	}

	query := "SELECT payload FROM " + table + " WHERE 1=1"
	var args []interface{}
	if filter.DeviceID != "" {
		query += " AND owner_device_id = ?"
		args = append(args, filter.DeviceID)
	}
	if filter.TargetID != "" {
		if entity != models.EntityReaction && entity != models.EntityReport {
			return nil, fmt.Errorf("target filter is not supported for %s", entity)
		}
		query += " AND target_id = ?"
		args = append(args, filter.TargetID)
	}
	if filter.StaleOnly {
		query += " AND stale = 1"
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", entity, err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", entity, err)
		}
		rec, err := decodeRecord(entity, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Create inserts a new record, enforcing the uniqueness invariants. It
// fails with ErrDuplicateKey when the id, the (device, date) mood-log key,
// or the (target, type, device) reaction key already exists. Timestamps are
// stamped from the store clock.
func (s *Store) Create(ctx context.Context, rec models.Record) error {
	now := s.now().UTC()
	if rec.CreatedTime().IsZero() {
		rec.SetCreated(now)
	}
	rec.SetUpdated(now)

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin create: %w", err)
	}
	defer tx.Rollback()

	dup, err := s.hasUniqueConflict(ctx, tx, rec)
	if err != nil {
		return err
	}
	if dup {
		return ErrDuplicateKey
	}

	if err := insertRecord(ctx, tx, rec, false); err != nil {
		return err
	}
	return tx.Commit()
}

// Upsert writes a record by id regardless of existing state, preserving the
// record's own timestamps. This is the sync-replay path: applying remote
// truth or replaying a queued create must be idempotent, so any row that
// would violate a uniqueness invariant is replaced rather than rejected.
func (s *Store) Upsert(ctx context.Context, rec models.Record) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	// Clear any sibling row holding the same invariant key under a
	// different id, so the invariant survives replay.
	switch r := rec.(type) {
	case *models.MoodLog:
		_, err = tx.ExecContext(ctx,
			"DELETE FROM mood_logs WHERE owner_device_id = ? AND log_date = ? AND id != ?",
			r.OwnerDeviceID, r.Date, r.ID)
	case *models.Reaction:
		_, err = tx.ExecContext(ctx,
			"DELETE FROM reactions WHERE target_id = ? AND reaction_type = ? AND owner_device_id = ? AND id != ?",
			r.TargetID, r.Type, r.OwnerDeviceID, r.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to clear conflicting rows: %w", err)
	}

	if err := insertRecord(ctx, tx, rec, true); err != nil {
		return err
	}
	return tx.Commit()
}

// Update replaces an existing record's content. It fails with ErrNotFound
// when the id is absent, and with ErrEditWindowClosed when a mood log is
// edited after its creation day. UpdatedAt is bumped from the store clock.
func (s *Store) Update(ctx context.Context, rec models.Record) error {
	table, err := tableFor(rec.Entity())
	if err != nil {
		return err
	}
	now := s.now().UTC()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin update: %w", err)
	}
	defer tx.Rollback()

	var createdAt string
	err = tx.QueryRowContext(ctx,
		"SELECT created_at FROM "+table+" WHERE id = ?", rec.RecordID()).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read existing %s: %w", rec.Entity(), err)
	}

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return fmt.Errorf("failed to parse created_at of %s %s: %w", rec.Entity(), rec.RecordID(), err)
	}
	if rec.Entity() == models.EntityMoodLog && models.DayOf(created) != models.DayOf(now) {
		return ErrEditWindowClosed
	}

	rec.SetCreated(created)
	rec.SetUpdated(now)

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", rec.Entity(), err)
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE "+table+" SET payload = ?, updated_at = ?, stale = 0 WHERE id = ?",
		string(payload), rec.UpdatedTime().Format(time.RFC3339Nano), rec.RecordID())
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", rec.Entity(), rec.RecordID(), err)
	}
	return tx.Commit()
}

// Delete removes a record. Deleting a missing record is an idempotent
// no-op, not an error.
func (s *Store) Delete(ctx context.Context, entity models.EntityType, id string) error {
	table, err := tableFor(entity)
	if err != nil {
		return err
	}
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", entity, id, err)
	}
	return nil
}

// MarkStale flags (or clears) a record as superseded by remote state. The
// coordinator sets it after a conflict; Refetch clears it.
func (s *Store) MarkStale(ctx context.Context, entity models.EntityType, id string, stale bool) error {
	table, err := tableFor(entity)
	if err != nil {
		return err
	}
	flag := 0
	if stale {
		flag = 1
	}
	res, err := s.conn.ExecContext(ctx, "UPDATE "+table+" SET stale = ? WHERE id = ?", flag, id)
	if err != nil {
		return fmt.Errorf("failed to mark %s %s stale: %w", entity, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStale returns every record flagged as pending refetch, across all
// entity types.
func (s *Store) ListStale(ctx context.Context) ([]StaleRef, error) {
	var refs []StaleRef
	for _, entity := range models.EntityTypes {
		table, err := tableFor(entity)
		if err != nil {
			return nil, err
		}
		rows, err := s.conn.QueryContext(ctx, "SELECT id FROM "+table+" WHERE stale = 1")
		if err != nil {
			return nil, fmt.Errorf("failed to list stale %s: %w", entity, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan stale %s id: %w", entity, err)
			}
			refs = append(refs, StaleRef{Entity: entity, ID: id})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return refs, nil
}

// FindMoodLogForDay returns the device's mood log for a calendar date, or
// ErrNotFound. The DuplicateKey recovery path uses it to route a second
// create into an update of the existing log.
func (s *Store) FindMoodLogForDay(ctx context.Context, deviceID, date string) (*models.MoodLog, error) {
	var payload string
	err := s.conn.QueryRowContext(ctx,
		"SELECT payload FROM mood_logs WHERE owner_device_id = ? AND log_date = ?",
		deviceID, date).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find mood log for %s on %s: %w", deviceID, date, err)
	}
	rec, err := decodeRecord(models.EntityMoodLog, payload)
	if err != nil {
		return nil, err
	}
	return rec.(*models.MoodLog), nil
}

// FindReaction returns the device's reaction of a given type on a target,
// or ErrNotFound. The toggle path uses it to turn a second create into a
// delete of the first.
func (s *Store) FindReaction(ctx context.Context, targetID, reactionType, deviceID string) (*models.Reaction, error) {
	var payload string
	err := s.conn.QueryRowContext(ctx,
		"SELECT payload FROM reactions WHERE target_id = ? AND reaction_type = ? AND owner_device_id = ?",
		targetID, reactionType, deviceID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find reaction: %w", err)
	}
	rec, err := decodeRecord(models.EntityReaction, payload)
	if err != nil {
		return nil, err
	}
	return rec.(*models.Reaction), nil
}

func (s *Store) hasUniqueConflict(ctx context.Context, tx *sql.Tx, rec models.Record) (bool, error) {
	table, err := tableFor(rec.Entity())
	if err != nil {
		return false, err
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+table+" WHERE id = ?", rec.RecordID()).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check id uniqueness: %w", err)
	}
	if count > 0 {
		return true, nil
	}

	switch r := rec.(type) {
	case *models.MoodLog:
		err = tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM mood_logs WHERE owner_device_id = ? AND log_date = ?",
			r.OwnerDeviceID, r.Date).Scan(&count)
	case *models.Reaction:
		err = tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM reactions WHERE target_id = ? AND reaction_type = ? AND owner_device_id = ?",
			r.TargetID, r.Type, r.OwnerDeviceID).Scan(&count)
	default:
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check unique key: %w", err)
	}
	return count > 0, nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec models.Record, replace bool) error {
	table, err := tableFor(rec.Entity())
	if err != nil {
		return err
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", rec.Entity(), err)
	}

	verb := "INSERT INTO "
	if replace {
		verb = "INSERT OR REPLACE INTO "
	}

	cols := "(id, owner_device_id, created_at, updated_at, stale, payload"
	vals := "VALUES (?, ?, ?, ?, 0, ?"
	args := []interface{}{
		rec.RecordID(),
		rec.OwnerDevice(),
		rec.CreatedTime().UTC().Format(time.RFC3339Nano),
		rec.UpdatedTime().UTC().Format(time.RFC3339Nano),
		string(payload),
	}

	switch r := rec.(type) {
	case *models.Reaction:
		cols += ", target_id, reaction_type"
		vals += ", ?, ?"
		args = append(args, r.TargetID, r.Type)
	case *models.MoodLog:
		cols += ", log_date"
		vals += ", ?"
		args = append(args, r.Date)
	case *models.Report:
		cols += ", target_id"
		vals += ", ?"
		args = append(args, r.TargetID)
	}
	cols += ") "
	vals += ")"

	if _, err := tx.ExecContext(ctx, verb+table+" "+cols+vals, args...); err != nil {
		return fmt.Errorf("failed to write %s %s: %w", rec.Entity(), rec.RecordID(), err)
	}
	return nil
}

func decodeRecord(entity models.EntityType, payload string) (models.Record, error) {
	rec, err := models.NewRecord(entity)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", entity, err)
	}
	return rec, nil
}
