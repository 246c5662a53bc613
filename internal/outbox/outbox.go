// Package outbox provides the durable, ordered, append-only queue of
// mutations that have not yet been confirmed by the remote authority.
//
// Entries live in their own embedded SQLite file so a crash immediately
// after Enqueue never loses them; a restarted process resumes from
// whatever it finds here. Only the sync coordinator mutates entries:
// attempts increment on failure, rows disappear only through RemoveAcked
// or Discard.
package outbox

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

// ErrNotFound means no queued action exists with the given action id.
var ErrNotFound = errors.New("queued action not found")

// Entry statuses. Pending entries are candidates for the next batch;
// dead-letter entries exhausted their retry budget and wait for an
// explicit Requeue or Discard.
const (
	StatusPending    = "pending"
	StatusDeadLetter = "dead_letter"
)

// Outbox is the durable mutation queue for one device.
type Outbox struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) the outbox at path and ensures the schema.
func Open(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping outbox: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		action_id TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		operation TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT NOT NULL DEFAULT '',
		next_attempt_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);
	CREATE INDEX IF NOT EXISTS idx_outbox_entity ON outbox(entity_id);
	`
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize outbox schema: %w", err)
	}

	return &Outbox{conn: conn, path: path}, nil
}

// Close checkpoints the WAL and closes the outbox.
func (o *Outbox) Close() error {
	if o.conn == nil {
		return nil
	}
	_, _ = o.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := o.conn.Close(); err != nil {
		return fmt.Errorf("failed to close outbox: %w", err)
	}
	o.conn = nil
	return nil
}

// Enqueue appends an action. The row is durable before Enqueue returns.
func (o *Outbox) Enqueue(ctx context.Context, action models.QueuedAction) error {
	payload, err := json.Marshal(action.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode action payload: %w", err)
	}

	_, err = o.conn.ExecContext(ctx, `
		INSERT INTO outbox (action_id, entity_type, operation, entity_id, payload, enqueued_at, attempts, status, last_error, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ActionID,
		string(action.EntityType),
		string(action.Operation),
		action.EntityID,
		string(payload),
		action.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		action.Attempts,
		StatusPending,
		action.LastError,
		action.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue action %s: %w", action.ActionID, err)
	}
	return nil
}

// PeekBatch returns up to max pending actions in enqueue order, as a
// snapshot: rows enqueued after the call are not in it. An entry still
// backing off is skipped, and so is every later entry for the same record
// id, so mutations to one record are never submitted out of order.
func (o *Outbox) PeekBatch(ctx context.Context, max int, now time.Time) ([]models.QueuedAction, error) {
	rows, err := o.conn.QueryContext(ctx, `
		SELECT action_id, entity_type, operation, entity_id, payload, enqueued_at, attempts, last_error, next_attempt_at
		FROM outbox WHERE status = ? ORDER BY seq`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	defer rows.Close()

	var batch []models.QueuedAction
	held := make(map[string]bool) // record ids blocked by an earlier held-back entry
	for rows.Next() {
		action, nextAttempt, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		if held[action.EntityID] {
			continue
		}
		if nextAttempt.After(now) {
			held[action.EntityID] = true
			continue
		}
		batch = append(batch, action)
		if max > 0 && len(batch) >= max {
			break
		}
	}
	return batch, rows.Err()
}

// AllPending returns every pending action in enqueue order.
func (o *Outbox) AllPending(ctx context.Context) ([]models.QueuedAction, error) {
	return o.listByStatus(ctx, StatusPending)
}

// DeadLetters returns every dead-lettered action in enqueue order.
func (o *Outbox) DeadLetters(ctx context.Context) ([]models.QueuedAction, error) {
	return o.listByStatus(ctx, StatusDeadLetter)
}

func (o *Outbox) listByStatus(ctx context.Context, status string) ([]models.QueuedAction, error) {
	rows, err := o.conn.QueryContext(ctx, `
		SELECT action_id, entity_type, operation, entity_id, payload, enqueued_at, attempts, last_error, next_attempt_at
		FROM outbox WHERE status = ? ORDER BY seq`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	defer rows.Close()

	var actions []models.QueuedAction
	for rows.Next() {
		action, _, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

// RemoveAcked deletes entries the remote authority has confirmed (synced
// or terminally conflicted). Unknown ids are ignored.
func (o *Outbox) RemoveAcked(ctx context.Context, actionIDs []string) error {
	if len(actionIDs) == 0 {
		return nil
	}
	tx, err := o.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ack: %w", err)
	}
	defer tx.Rollback()

	for _, id := range actionIDs {
		if _, err := tx.ExecContext(ctx, "DELETE FROM outbox WHERE action_id = ?", id); err != nil {
			return fmt.Errorf("failed to remove acked action %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// MarkFailed increments the attempt counter, records the error, and sets
// when the entry becomes eligible again. It never removes the entry.
func (o *Outbox) MarkFailed(ctx context.Context, actionID, errMsg string, nextAttempt time.Time) error {
	res, err := o.conn.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		WHERE action_id = ?`,
		errMsg, nextAttempt.UTC().Format(time.RFC3339Nano), actionID)
	if err != nil {
		return fmt.Errorf("failed to mark action %s failed: %w", actionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDeadLetter moves an entry to the terminal dead-letter state. It is
// excluded from PeekBatch until an explicit Requeue.
func (o *Outbox) MarkDeadLetter(ctx context.Context, actionID string) error {
	res, err := o.conn.ExecContext(ctx,
		"UPDATE outbox SET status = ? WHERE action_id = ?", StatusDeadLetter, actionID)
	if err != nil {
		return fmt.Errorf("failed to dead-letter action %s: %w", actionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Requeue returns a dead-lettered entry to pending with a fresh retry
// budget. This is the manual-retry path for durable failures.
func (o *Outbox) Requeue(ctx context.Context, actionID string, now time.Time) error {
	res, err := o.conn.ExecContext(ctx, `
		UPDATE outbox SET status = ?, attempts = 0, last_error = '', next_attempt_at = ?
		WHERE action_id = ? AND status = ?`,
		StatusPending, now.UTC().Format(time.RFC3339Nano), actionID, StatusDeadLetter)
	if err != nil {
		return fmt.Errorf("failed to requeue action %s: %w", actionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Discard permanently drops a dead-lettered entry.
func (o *Outbox) Discard(ctx context.Context, actionID string) error {
	res, err := o.conn.ExecContext(ctx,
		"DELETE FROM outbox WHERE action_id = ? AND status = ?", actionID, StatusDeadLetter)
	if err != nil {
		return fmt.Errorf("failed to discard action %s: %w", actionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExhaustedPending returns pending entries whose attempt count has reached
// the ceiling; the coordinator promotes them to dead-letter at flush start.
func (o *Outbox) ExhaustedPending(ctx context.Context, maxAttempts int) ([]models.QueuedAction, error) {
	rows, err := o.conn.QueryContext(ctx, `
		SELECT action_id, entity_type, operation, entity_id, payload, enqueued_at, attempts, last_error, next_attempt_at
		FROM outbox WHERE status = ? AND attempts >= ? ORDER BY seq`, StatusPending, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to read exhausted entries: %w", err)
	}
	defer rows.Close()

	var actions []models.QueuedAction
	for rows.Next() {
		action, _, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

// PendingCount returns the number of pending entries.
func (o *Outbox) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := o.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM outbox WHERE status = ?", StatusPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return count, nil
}

func scanAction(rows *sql.Rows) (models.QueuedAction, time.Time, error) {
	var (
		action                             models.QueuedAction
		entityType, operation              string
		payload, enqueuedAt, nextAttemptAt string
	)
	if err := rows.Scan(&action.ActionID, &entityType, &operation, &action.EntityID,
		&payload, &enqueuedAt, &action.Attempts, &action.LastError, &nextAttemptAt); err != nil {
		return models.QueuedAction{}, time.Time{}, fmt.Errorf("failed to scan outbox row: %w", err)
	}

	action.EntityType = models.EntityType(entityType)
	action.Operation = models.Operation(operation)
	if err := json.Unmarshal([]byte(payload), &action.Payload); err != nil {
		return models.QueuedAction{}, time.Time{}, fmt.Errorf("failed to decode payload of %s: %w", action.ActionID, err)
	}

	enq, err := time.Parse(time.RFC3339Nano, enqueuedAt)
	if err != nil {
		return models.QueuedAction{}, time.Time{}, fmt.Errorf("failed to parse enqueued_at of %s: %w", action.ActionID, err)
	}
	action.EnqueuedAt = enq

	next, err := time.Parse(time.RFC3339Nano, nextAttemptAt)
	if err != nil {
		return models.QueuedAction{}, time.Time{}, fmt.Errorf("failed to parse next_attempt_at of %s: %w", action.ActionID, err)
	}
	return action, next, nil
}
