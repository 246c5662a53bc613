// Package sync orchestrates reconciliation between the local store, the
// outbox and the remote authority: direct writes with transparent offline
// fallback, batched flushes with per-entry outcomes, exponential retry
// with a dead-letter ceiling, and explicit refetch of records a conflict
// left stale.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AnshRaj112/serenify-sync/internal/localstore"
	"github.com/AnshRaj112/serenify-sync/internal/models"
	"github.com/AnshRaj112/serenify-sync/internal/outbox"
)

// Defaults for the coordinator's tunables.
const (
	DefaultBatchSize    = 50
	DefaultMaxAttempts  = 5
	DefaultBackoffBase  = 2 * time.Second
	DefaultFlushTimeout = 30 * time.Second
)

// ErrDeadLetter is wrapped into the durable-failure notifications surfaced
// when a queued action exhausts its retry budget.
var ErrDeadLetter = errors.New("queued action moved to dead letter")

// SubmitStatus says what happened to a direct submission.
type SubmitStatus string

const (
	// StatusDelivered means the remote authority confirmed the write.
	StatusDelivered SubmitStatus = "delivered"
	// StatusQueued means the network failed and the mutation was applied
	// locally and queued for the next flush.
	StatusQueued SubmitStatus = "queued"
	// StatusConflict means the remote authority kept its own newer state;
	// the local record is marked stale.
	StatusConflict SubmitStatus = "conflict"
)

// SubmitResult reports the outcome of SubmitDirect.
type SubmitResult struct {
	Status   SubmitStatus
	ActionID string
	RecordID string
}

// FlushReport summarizes one flush.
type FlushReport struct {
	Skipped      bool     // another flush was already in progress
	Attempted    int      // entries sent in the batch
	Synced       []string // action ids confirmed and removed
	Failed       []string // action ids kept pending for retry
	Conflicted   []string // action ids abandoned; local records marked stale
	DeadLettered []string // action ids moved to dead letter this flush
}

// Config carries the coordinator's dependencies and tunables.
type Config struct {
	Store     *localstore.Store
	Outbox    *outbox.Outbox
	Transport Transport
	DeviceID  string

	BatchSize    int           // max entries per batch; default 50
	MaxAttempts  int           // retry ceiling before dead-letter; default 5
	BackoffBase  time.Duration // first retry delay, doubled per attempt; default 2s
	FlushTimeout time.Duration // network budget for one flush; default 30s

	Logger *log.Logger      // nil means a default stderr logger
	Now    func() time.Time // nil means time.Now
}

// Coordinator owns all writes to the local store and outbox. Local writes
// stay synchronous on the caller's goroutine; remote I/O happens in
// SubmitDirect and Flush with bounded timeouts.
type Coordinator struct {
	store     *localstore.Store
	outbox    *outbox.Outbox
	transport Transport
	deviceID  string

	batchSize    int
	maxAttempts  int
	backoffBase  time.Duration
	flushTimeout time.Duration

	logger *log.Logger
	now    func() time.Time

	// flushing is the per-device flush lock: Flush is safe to call from
	// anywhere but only one flush may be in flight, otherwise two batches
	// could read the same outbox entries and double-submit them.
	flushing atomic.Bool

	// deadMu guards deadLetterCallbacks.
	deadMu              stdsync.Mutex
	deadLetterCallbacks []func(models.QueuedAction)
}

// NewCoordinator validates the config and builds a coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("coordinator requires a local store")
	}
	if cfg.Outbox == nil {
		return nil, errors.New("coordinator requires an outbox")
	}
	if cfg.Transport == nil {
		return nil, errors.New("coordinator requires a transport")
	}
	if cfg.DeviceID == "" {
		return nil, errors.New("coordinator requires a device id")
	}

	c := &Coordinator{
		store:        cfg.Store,
		outbox:       cfg.Outbox,
		transport:    cfg.Transport,
		deviceID:     cfg.DeviceID,
		batchSize:    cfg.BatchSize,
		maxAttempts:  cfg.MaxAttempts,
		backoffBase:  cfg.BackoffBase,
		flushTimeout: cfg.FlushTimeout,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
	if c.batchSize <= 0 {
		c.batchSize = DefaultBatchSize
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.backoffBase <= 0 {
		c.backoffBase = DefaultBackoffBase
	}
	if c.flushTimeout <= 0 {
		c.flushTimeout = DefaultFlushTimeout
	}
	if c.logger == nil {
		c.logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Store exposes the local store for reads and for the recovery paths of
// the submit pipeline.
func (c *Coordinator) Store() *localstore.Store { return c.store }

// Outbox exposes the queue for inspection and manual dead-letter handling.
func (c *Coordinator) Outbox() *outbox.Outbox { return c.outbox }

// DeviceID returns the device identity every action is tagged with.
func (c *Coordinator) DeviceID() string { return c.deviceID }

// OnDeadLetter registers a callback invoked whenever an action exhausts
// its retry budget. This is how durable failures reach the caller for
// manual retry or discard.
func (c *Coordinator) OnDeadLetter(fn func(models.QueuedAction)) {
	c.deadMu.Lock()
	defer c.deadMu.Unlock()
	c.deadLetterCallbacks = append(c.deadLetterCallbacks, fn)
}

func (c *Coordinator) notifyDeadLetter(action models.QueuedAction) {
	c.deadMu.Lock()
	callbacks := make([]func(models.QueuedAction), len(c.deadLetterCallbacks))
	copy(callbacks, c.deadLetterCallbacks)
	c.deadMu.Unlock()
	for _, fn := range callbacks {
		fn(action)
	}
}

// SubmitDirect applies a mutation locally, then attempts an immediate
// remote write. A network failure is never surfaced: the mutation is
// already durable locally, gets wrapped as a queued action, and rides the
// next flush. The only errors returned are local invariant violations
// (duplicate keys, missing records, closed edit windows).
func (c *Coordinator) SubmitDirect(ctx context.Context, op models.Operation, rec models.Record) (*SubmitResult, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("unknown operation %q", op)
	}

	// Local first: if the mutation violates a local invariant it must
	// fail before anything is sent, otherwise a remote success could
	// leave the two stores disagreeing.
	switch op {
	case models.OpCreate:
		if err := c.store.Create(ctx, rec); err != nil {
			return nil, err
		}
	case models.OpUpdate:
		if err := c.store.Update(ctx, rec); err != nil {
			return nil, err
		}
	case models.OpDelete:
		if err := c.store.Delete(ctx, rec.Entity(), rec.RecordID()); err != nil {
			return nil, err
		}
	}

	action := models.QueuedAction{
		ActionID:   uuid.NewString(),
		EntityType: rec.Entity(),
		Operation:  op,
		EntityID:   rec.RecordID(),
		Payload:    models.NewPayload(rec),
		EnqueuedAt: c.now().UTC(),
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.flushTimeout)
	defer cancel()

	resp, err := c.transport.Send(sendCtx, models.BatchRequest{
		DeviceID: c.deviceID,
		Actions:  []models.BatchAction{action.WireAction()},
	})
	if err != nil {
		// Offline path: the local write above is the optimistic apply;
		// park the action durably and move on.
		if err := c.outbox.Enqueue(ctx, action); err != nil {
			return nil, fmt.Errorf("failed to queue mutation after network failure: %w", err)
		}
		c.logger.Printf("network failure, queued %s %s %s: %v", op, rec.Entity(), rec.RecordID(), err)
		return &SubmitResult{Status: StatusQueued, ActionID: action.ActionID, RecordID: rec.RecordID()}, nil
	}

	for _, conflict := range resp.Conflicts {
		if conflict.ID == action.ActionID {
			if err := c.store.MarkStale(ctx, rec.Entity(), rec.RecordID(), true); err != nil && err != localstore.ErrNotFound {
				c.logger.Printf("WARNING: failed to mark %s %s stale: %v", rec.Entity(), rec.RecordID(), err)
			}
			c.logger.Printf("direct write superseded by remote state: %s %s (%s)", rec.Entity(), rec.RecordID(), conflict.ConflictType)
			return &SubmitResult{Status: StatusConflict, ActionID: action.ActionID, RecordID: rec.RecordID()}, nil
		}
	}
	for _, failure := range resp.Failed {
		if failure.ID == action.ActionID {
			// The authority saw the action but could not apply it; treat
			// like a network failure so the flush loop retries it.
			if err := c.outbox.Enqueue(ctx, action); err != nil {
				return nil, fmt.Errorf("failed to queue mutation after remote failure: %w", err)
			}
			c.logger.Printf("remote failure, queued %s %s %s: %s", op, rec.Entity(), rec.RecordID(), failure.Error)
			return &SubmitResult{Status: StatusQueued, ActionID: action.ActionID, RecordID: rec.RecordID()}, nil
		}
	}

	return &SubmitResult{Status: StatusDelivered, ActionID: action.ActionID, RecordID: rec.RecordID()}, nil
}

// Flush drains up to one batch of pending outbox entries. Calling it while
// another flush is in flight is a no-op (Skipped=true); calling it with
// nothing pending is a no-op. A total network failure leaves every entry
// pending (each charged one attempt) for the next trigger.
func (c *Coordinator) Flush(ctx context.Context) (*FlushReport, error) {
	if !c.flushing.CompareAndSwap(false, true) {
		return &FlushReport{Skipped: true}, nil
	}
	defer c.flushing.Store(false)

	report := &FlushReport{}
	now := c.now().UTC()

	// Promote exhausted entries before reading the batch so they are
	// never submitted again.
	exhausted, err := c.outbox.ExhaustedPending(ctx, c.maxAttempts)
	if err != nil {
		return nil, err
	}
	for _, action := range exhausted {
		if err := c.outbox.MarkDeadLetter(ctx, action.ActionID); err != nil {
			return nil, err
		}
		report.DeadLettered = append(report.DeadLettered, action.ActionID)
		c.logger.Printf("action %s exhausted %d attempts, moved to dead letter (last error: %s)",
			action.ActionID, action.Attempts, action.LastError)
		c.notifyDeadLetter(action)
	}

	batch, err := c.outbox.PeekBatch(ctx, c.batchSize, now)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return report, nil
	}
	report.Attempted = len(batch)

	req := models.BatchRequest{DeviceID: c.deviceID, Actions: make([]models.BatchAction, 0, len(batch))}
	byActionID := make(map[string]models.QueuedAction, len(batch))
	for _, action := range batch {
		req.Actions = append(req.Actions, action.WireAction())
		byActionID[action.ActionID] = action
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.flushTimeout)
	defer cancel()

	resp, err := c.transport.Send(sendCtx, req)
	if err != nil {
		// Whole-batch failure: every entry stays pending and is charged
		// one attempt, so persistent outages eventually dead-letter.
		c.logger.Printf("batch of %d failed, will retry: %v", len(batch), err)
		for _, action := range batch {
			next := now.Add(c.backoffDelay(action.Attempts + 1))
			if err := c.outbox.MarkFailed(ctx, action.ActionID, err.Error(), next); err != nil {
				return nil, err
			}
			report.Failed = append(report.Failed, action.ActionID)
		}
		return report, nil
	}

	if err := c.outbox.RemoveAcked(ctx, resp.Synced); err != nil {
		return nil, err
	}
	report.Synced = append(report.Synced, resp.Synced...)

	for _, failure := range resp.Failed {
		action, ok := byActionID[failure.ID]
		if !ok {
			continue
		}
		next := now.Add(c.backoffDelay(action.Attempts + 1))
		if err := c.outbox.MarkFailed(ctx, failure.ID, failure.Error, next); err != nil {
			return nil, err
		}
		report.Failed = append(report.Failed, failure.ID)
	}

	for _, conflict := range resp.Conflicts {
		action, ok := byActionID[conflict.ID]
		if !ok {
			continue
		}
		// The mutation is abandoned; the optimistic local copy is stale
		// until remote truth is refetched. No guessing here.
		if err := c.outbox.RemoveAcked(ctx, []string{conflict.ID}); err != nil {
			return nil, err
		}
		if err := c.store.MarkStale(ctx, action.EntityType, action.EntityID, true); err != nil && err != localstore.ErrNotFound {
			c.logger.Printf("WARNING: failed to mark %s %s stale: %v", action.EntityType, action.EntityID, err)
		}
		report.Conflicted = append(report.Conflicted, conflict.ID)
		c.logger.Printf("action %s conflicted (%s): local %s %s marked stale",
			conflict.ID, conflict.ConflictType, action.EntityType, action.EntityID)
	}

	c.logger.Printf("flush complete: %d synced, %d failed, %d conflicted",
		len(report.Synced), len(report.Failed), len(report.Conflicted))
	return report, nil
}

// backoffDelay is the exponential backoff keyed by the attempt count.
func (c *Coordinator) backoffDelay(attempts int) time.Duration {
	delay := c.backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay > 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return delay
}

// Refetch replaces the local copy of one record with remote truth and
// clears its stale flag. A record deleted remotely is deleted locally.
func (c *Coordinator) Refetch(ctx context.Context, entity models.EntityType, id string) error {
	rec, err := c.transport.Fetch(ctx, entity, id)
	if err != nil {
		return fmt.Errorf("failed to refetch %s %s: %w", entity, id, err)
	}
	if rec == nil {
		return c.store.Delete(ctx, entity, id)
	}
	if err := c.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("failed to apply refetched %s %s: %w", entity, id, err)
	}
	return nil
}

// RefetchStale refetches every record a conflict left stale. The agent
// calls it after each flush that reported conflicts; apps may also call it
// on foreground.
func (c *Coordinator) RefetchStale(ctx context.Context) error {
	refs, err := c.store.ListStale(ctx)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := c.Refetch(ctx, ref.Entity, ref.ID); err != nil {
			c.logger.Printf("WARNING: failed to refetch stale %s %s: %v", ref.Entity, ref.ID, err)
		}
	}
	return nil
}

// Run flushes on a fixed interval until the context is cancelled. Stale
// records are refetched after any flush that reported conflicts.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := c.Flush(ctx)
			if err != nil {
				c.logger.Printf("WARNING: flush failed: %v", err)
				continue
			}
			if len(report.Conflicted) > 0 {
				if err := c.RefetchStale(ctx); err != nil {
					c.logger.Printf("WARNING: stale refetch failed: %v", err)
				}
			}
		}
	}
}
