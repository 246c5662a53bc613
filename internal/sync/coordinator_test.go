package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/AnshRaj112/serenify-sync/internal/localstore"
	"github.com/AnshRaj112/serenify-sync/internal/models"
	"github.com/AnshRaj112/serenify-sync/internal/outbox"
)

// fakeTransport scripts the remote authority's behavior per call.
type fakeTransport struct {
	sendFunc  func(req models.BatchRequest) (*models.BatchResponse, error)
	fetchFunc func(entity models.EntityType, id string) (models.Record, error)
	sent      []models.BatchRequest
}

func (f *fakeTransport) Send(ctx context.Context, req models.BatchRequest) (*models.BatchResponse, error) {
	f.sent = append(f.sent, req)
	return f.sendFunc(req)
}

func (f *fakeTransport) Fetch(ctx context.Context, entity models.EntityType, id string) (models.Record, error) {
	if f.fetchFunc == nil {
		return nil, errors.New("no fetch scripted")
	}
	return f.fetchFunc(entity, id)
}

// ackAll confirms every submitted action.
func ackAll(req models.BatchRequest) (*models.BatchResponse, error) {
	resp := &models.BatchResponse{Synced: []string{}, Failed: []models.BatchFailure{}, Conflicts: []models.BatchConflict{}}
	for _, a := range req.Actions {
		resp.Synced = append(resp.Synced, a.ID)
	}
	return resp, nil
}

func newTestCoordinator(t *testing.T, transport Transport) *Coordinator {
	t.Helper()
	dir := t.TempDir()

	store, err := localstore.Open(filepath.Join(dir, "records.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	queue, err := outbox.Open(filepath.Join(dir, "outbox.db"))
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	t.Cleanup(func() { queue.Close() })

	c, err := NewCoordinator(Config{
		Store:     store,
		Outbox:    queue,
		Transport: transport,
		DeviceID:  "device-a",
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return c
}

func coordVent(id string) *models.Vent {
	return &models.Vent{
		Base: models.Base{ID: id, OwnerDeviceID: "device-a"},
		Text: "vent " + id,
	}
}

func TestSubmitDirectDelivered(t *testing.T) {
	transport := &fakeTransport{sendFunc: ackAll}
	c := newTestCoordinator(t, transport)
	ctx := context.Background()

	result, err := c.SubmitDirect(ctx, models.OpCreate, coordVent("v1"))
	if err != nil {
		t.Fatalf("SubmitDirect: %v", err)
	}
	if result.Status != StatusDelivered {
		t.Fatalf("expected delivered, got %s", result.Status)
	}

	// Applied locally and nothing left queued.
	if _, err := c.Store().Get(ctx, models.EntityVent, "v1"); err != nil {
		t.Fatalf("record not applied locally: %v", err)
	}
	count, err := c.Outbox().PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty outbox, got %d", count)
	}
}

func TestSubmitDirectQueuesOnNetworkFailure(t *testing.T) {
	transport := &fakeTransport{sendFunc: func(models.BatchRequest) (*models.BatchResponse, error) {
		return nil, errors.New("connection refused")
	}}
	c := newTestCoordinator(t, transport)
	ctx := context.Background()

	result, err := c.SubmitDirect(ctx, models.OpCreate, coordVent("v1"))
	if err != nil {
		t.Fatalf("network failure must not surface: %v", err)
	}
	if result.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", result.Status)
	}

	// The optimistic local apply happened and the action is durable.
	if _, err := c.Store().Get(ctx, models.EntityVent, "v1"); err != nil {
		t.Fatalf("optimistic apply missing: %v", err)
	}
	pending, err := c.Outbox().AllPending(ctx)
	if err != nil {
		t.Fatalf("AllPending: %v", err)
	}
	if len(pending) != 1 || pending[0].EntityID != "v1" {
		t.Fatalf("unexpected outbox contents: %+v", pending)
	}
}

func TestSubmitDirectLocalInvariantFailsFast(t *testing.T) {
	transport := &fakeTransport{sendFunc: ackAll}
	c := newTestCoordinator(t, transport)
	ctx := context.Background()

	if _, err := c.SubmitDirect(ctx, models.OpCreate, coordVent("v1")); err != nil {
		t.Fatalf("SubmitDirect: %v", err)
	}
	sends := len(transport.sent)

	// A duplicate id violates a local invariant before anything is sent.
	_, err := c.SubmitDirect(ctx, models.OpCreate, coordVent("v1"))
	if !errors.Is(err, localstore.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if len(transport.sent) != sends {
		t.Fatal("invariant violation must not reach the network")
	}
}

func TestFlushDrainsQueueAfterRecovery(t *testing.T) {
	online := false
	transport := &fakeTransport{sendFunc: func(req models.BatchRequest) (*models.BatchResponse, error) {
		if !online {
			return nil, errors.New("network down")
		}
		return ackAll(req)
	}}
	c := newTestCoordinator(t, transport)
	ctx := context.Background()

	// Mutations made offline pile up in the outbox.
	for _, id := range []string{"v1", "v2", "v3"} {
		if _, err := c.SubmitDirect(ctx, models.OpCreate, coordVent(id)); err != nil {
			t.Fatalf("SubmitDirect %s: %v", id, err)
		}
	}
	count, _ := c.Outbox().PendingCount(ctx)
	if count != 3 {
		t.Fatalf("expected 3 queued, got %d", count)
	}

	// Connectivity returns; one flush drains everything in order.
	online = true
	report, err := c.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if report.Attempted != 3 || len(report.Synced) != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}
	count, _ = c.Outbox().PendingCount(ctx)
	if count != 0 {
		t.Fatalf("outbox not drained: %d", count)
	}

	last := transport.sent[len(transport.sent)-1]
	if len(last.Actions) != 3 || last.Actions[0].Data.Vent.ID != "v1" {
		t.Fatalf("batch not in enqueue order: %+v", last.Actions)
	}
}

func TestFlushNetworkFailureChargesOneAttempt(t *testing.T) {
	transport := &fakeTransport{sendFunc: func(models.BatchRequest) (*models.BatchResponse, error) {
		return nil, errors.New("network down")
	}}
	c := newTestCoordinator(t, transport)
	ctx := context.Background()

	if _, err := c.SubmitDirect(ctx, models.OpCreate, coordVent("v1")); err != nil {
		t.Fatalf("SubmitDirect: %v", err)
	}

	report, err := c.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if report.Attempted != 1 || len(report.Failed) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	pending, err := c.Outbox().AllPending(ctx)
	if err != nil {
		t.Fatalf("AllPending: %v", err)
	}
	if len(pending) != 1 || pending[0].Attempts != 1 {
		t.Fatalf("expected one attempt charged: %+v", pending)
	}
}

func TestFlushDeadLettersAfterMaxAttempts(t *testing.T) {
	transport := &fakeTransport{sendFunc: func(req models.BatchRequest) (*models.BatchResponse, error) {
		resp := &models.BatchResponse{Synced: []string{}, Failed: []models.BatchFailure{}, Conflicts: []models.BatchConflict{}}
		for _, a := range req.Actions {
			resp.Failed = append(resp.Failed, models.BatchFailure{ID: a.ID, Error: "persistent failure"})
		}
		return resp, nil
	}}
	c := newTestCoordinator(t, transport)
	ctx := context.Background()

	// Pin the clock forward each flush so backoff never holds the entry.
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	var dead []models.QueuedAction
	c.OnDeadLetter(func(action models.QueuedAction) { dead = append(dead, action) })

	if _, err := c.SubmitDirect(ctx, models.OpCreate, coordVent("v1")); err != nil {
		t.Fatalf("SubmitDirect: %v", err)
	}

	// Five flushes fail; the entry stays pending throughout.
	for i := 0; i < 5; i++ {
		now = now.Add(time.Hour)
		report, err := c.Flush(ctx)
		if err != nil {
			t.Fatalf("Flush %d: %v", i, err)
		}
		if len(report.Failed) != 1 {
			t.Fatalf("flush %d: expected failure, got %+v", i, report)
		}
	}
	if len(dead) != 0 {
		t.Fatalf("dead-lettered too early: %+v", dead)
	}

	// The sixth attempt promotes it instead of submitting again.
	now = now.Add(time.Hour)
	report, err := c.Flush(ctx)
	if err != nil {
		t.Fatalf("final Flush: %v", err)
	}
	if len(report.DeadLettered) != 1 || report.Attempted != 0 {
		t.Fatalf("expected promotion without submission: %+v", report)
	}
	if len(dead) != 1 || dead[0].Attempts != 5 || dead[0].LastError != "persistent failure" {
		t.Fatalf("unexpected dead-letter notification: %+v", dead)
	}

	letters, err := c.Outbox().DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected one dead letter: %+v", letters)
	}
}

func TestFlushConflictMarksStale(t *testing.T) {
	conflicting := false
	transport := &fakeTransport{sendFunc: func(req models.BatchRequest) (*models.BatchResponse, error) {
		if !conflicting {
			return nil, errors.New("network down")
		}
		resp := &models.BatchResponse{Synced: []string{}, Failed: []models.BatchFailure{}, Conflicts: []models.BatchConflict{}}
		for _, a := range req.Actions {
			resp.Conflicts = append(resp.Conflicts, models.BatchConflict{ID: a.ID, ConflictType: models.ConflictStaleWrite})
		}
		return resp, nil
	}}
	c := newTestCoordinator(t, transport)
	ctx := context.Background()

	if _, err := c.SubmitDirect(ctx, models.OpCreate, coordVent("v1")); err != nil {
		t.Fatalf("SubmitDirect: %v", err)
	}

	conflicting = true
	report, err := c.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(report.Conflicted) != 1 {
		t.Fatalf("expected conflict: %+v", report)
	}

	// The mutation is abandoned, the local copy flagged stale.
	count, _ := c.Outbox().PendingCount(ctx)
	if count != 0 {
		t.Fatalf("conflicted action should leave the queue: %d", count)
	}
	stale, err := c.Store().IsStale(ctx, models.EntityVent, "v1")
	if err != nil {
		t.Fatalf("IsStale: %v", err)
	}
	if !stale {
		t.Fatal("record should be stale after conflict")
	}
}

func TestSubmitDirectConflictMarksStale(t *testing.T) {
	transport := &fakeTransport{sendFunc: func(req models.BatchRequest) (*models.BatchResponse, error) {
		resp := &models.BatchResponse{Synced: []string{}, Failed: []models.BatchFailure{}, Conflicts: []models.BatchConflict{}}
		for _, a := range req.Actions {
			resp.Conflicts = append(resp.Conflicts, models.BatchConflict{ID: a.ID, ConflictType: models.ConflictStaleWrite})
		}
		return resp, nil
	}}
	c := newTestCoordinator(t, transport)
	ctx := context.Background()

	result, err := c.SubmitDirect(ctx, models.OpCreate, coordVent("v1"))
	if err != nil {
		t.Fatalf("SubmitDirect: %v", err)
	}
	if result.Status != StatusConflict {
		t.Fatalf("expected conflict, got %s", result.Status)
	}
	stale, err := c.Store().IsStale(ctx, models.EntityVent, "v1")
	if err != nil {
		t.Fatalf("IsStale: %v", err)
	}
	if !stale {
		t.Fatal("record should be stale")
	}
}

func TestRefetchStaleReplacesLocalCopy(t *testing.T) {
	remoteText := "the remote truth"
	transport := &fakeTransport{
		sendFunc: ackAll,
		fetchFunc: func(entity models.EntityType, id string) (models.Record, error) {
			return &models.Vent{
				Base: models.Base{
					ID: id, OwnerDeviceID: "device-b",
					CreatedAt: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
					UpdatedAt: time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC),
				},
				Text: remoteText,
			}, nil
		},
	}
	c := newTestCoordinator(t, transport)
	ctx := context.Background()

	if _, err := c.SubmitDirect(ctx, models.OpCreate, coordVent("v1")); err != nil {
		t.Fatalf("SubmitDirect: %v", err)
	}
	if err := c.Store().MarkStale(ctx, models.EntityVent, "v1", true); err != nil {
		t.Fatalf("MarkStale: %v", err)
	}

	if err := c.RefetchStale(ctx); err != nil {
		t.Fatalf("RefetchStale: %v", err)
	}

	rec, err := c.Store().Get(ctx, models.EntityVent, "v1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.(*models.Vent).Text != remoteText {
		t.Fatalf("local copy not replaced: %+v", rec)
	}
	stale, err := c.Store().IsStale(ctx, models.EntityVent, "v1")
	if err != nil {
		t.Fatalf("IsStale: %v", err)
	}
	if stale {
		t.Fatal("stale flag should be cleared after refetch")
	}
}

func TestRefetchDeletedRemotely(t *testing.T) {
	transport := &fakeTransport{
		sendFunc: ackAll,
		fetchFunc: func(entity models.EntityType, id string) (models.Record, error) {
			return nil, nil
		},
	}
	c := newTestCoordinator(t, transport)
	ctx := context.Background()

	if _, err := c.SubmitDirect(ctx, models.OpCreate, coordVent("v1")); err != nil {
		t.Fatalf("SubmitDirect: %v", err)
	}

	if err := c.Refetch(ctx, models.EntityVent, "v1"); err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	if _, err := c.Store().Get(ctx, models.EntityVent, "v1"); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("record deleted remotely should be deleted locally, got %v", err)
	}
}

func TestFlushSkipsWhenAlreadyInFlight(t *testing.T) {
	online := false
	transport := &fakeTransport{sendFunc: func(req models.BatchRequest) (*models.BatchResponse, error) {
		if !online {
			return nil, errors.New("network down")
		}
		return ackAll(req)
	}}
	c := newTestCoordinator(t, transport)
	ctx := context.Background()

	if _, err := c.SubmitDirect(ctx, models.OpCreate, coordVent("v1")); err != nil {
		t.Fatalf("SubmitDirect: %v", err)
	}
	online = true
	sends := len(transport.sent)

	// Simulate an in-flight flush holding the lock.
	c.flushing.Store(true)
	report, err := c.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !report.Skipped {
		t.Fatal("second flush should be skipped")
	}
	if len(transport.sent) != sends {
		t.Fatal("skipped flush must not touch the network")
	}
	c.flushing.Store(false)

	// The released lock lets the next flush drain the queue exactly once.
	report, err = c.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush after release: %v", err)
	}
	if report.Skipped || len(report.Synced) != 1 {
		t.Fatalf("flush should drain the queue once the lock is free: %+v", report)
	}
	count, _ := c.Outbox().PendingCount(ctx)
	if count != 0 {
		t.Fatalf("queue not drained: %d", count)
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	c := &Coordinator{backoffBase: 2 * time.Second}

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{12, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := c.backoffDelay(tc.attempts); got != tc.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}
