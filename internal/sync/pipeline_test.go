package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AnshRaj112/serenify-sync/internal/gates"
	"github.com/AnshRaj112/serenify-sync/internal/models"
)

// fakeLimiter scripts one decision and counts recorded submissions.
type fakeLimiter struct {
	decision gates.Decision
	recorded int
}

func (f *fakeLimiter) CanSubmit(ctx context.Context, sessionID string) (gates.Decision, error) {
	return f.decision, nil
}

func (f *fakeLimiter) RecordSubmission(ctx context.Context, sessionID string) error {
	f.recorded++
	return nil
}

func newTestPipeline(t *testing.T, transport Transport, limiter gates.RateLimiter) *Pipeline {
	t.Helper()
	return &Pipeline{
		Coordinator: newTestCoordinator(t, transport),
		Limiter:     limiter,
		Filter:      gates.NewWordFilter(),
	}
}

func TestSubmitVentClean(t *testing.T) {
	transport := &fakeTransport{sendFunc: ackAll}
	limiter := &fakeLimiter{decision: gates.Decision{Allowed: true}}
	p := newTestPipeline(t, transport, limiter)
	ctx := context.Background()

	vent := coordVent("v1")
	result, err := p.SubmitVent(ctx, vent)
	if err != nil {
		t.Fatalf("SubmitVent: %v", err)
	}
	if result.Status != StatusDelivered {
		t.Fatalf("expected delivered, got %s", result.Status)
	}
	if vent.Moderation != models.ModerationClean {
		t.Fatalf("expected clean moderation status, got %s", vent.Moderation)
	}
	if limiter.recorded != 1 {
		t.Fatalf("submission not recorded: %d", limiter.recorded)
	}
}

func TestSubmitVentBlocked(t *testing.T) {
	transport := &fakeTransport{sendFunc: ackAll}
	p := newTestPipeline(t, transport, &fakeLimiter{decision: gates.Decision{Allowed: true}})
	ctx := context.Background()

	vent := coordVent("v1")
	vent.Text = "i will kill him"
	_, err := p.SubmitVent(ctx, vent)

	var blocked *ContentBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected ContentBlockedError, got %v", err)
	}

	// Nothing stored, nothing sent, nothing queued.
	if _, err := p.Coordinator.Store().Get(ctx, models.EntityVent, "v1"); err == nil {
		t.Fatal("blocked vent must not be stored")
	}
	if len(transport.sent) != 0 {
		t.Fatal("blocked vent must not reach the network")
	}
	count, _ := p.Coordinator.Outbox().PendingCount(ctx)
	if count != 0 {
		t.Fatal("blocked vent must not be queued")
	}
}

func TestSubmitVentSelfHarmCensoredNotBlocked(t *testing.T) {
	transport := &fakeTransport{sendFunc: ackAll}
	p := newTestPipeline(t, transport, &fakeLimiter{decision: gates.Decision{Allowed: true}})
	ctx := context.Background()

	vent := coordVent("v1")
	vent.Text = "sometimes i think about suicide"
	result, err := p.SubmitVent(ctx, vent)
	if err != nil {
		t.Fatalf("self-harm language must not block: %v", err)
	}
	if result.Status != StatusDelivered {
		t.Fatalf("expected delivered, got %s", result.Status)
	}
	if vent.Moderation != models.ModerationCensored {
		t.Fatalf("expected censored status, got %s", vent.Moderation)
	}
	if vent.Text == "sometimes i think about suicide" {
		t.Fatal("matched words should be masked")
	}
}

func TestSubmitVentRateLimited(t *testing.T) {
	transport := &fakeTransport{sendFunc: ackAll}
	limiter := &fakeLimiter{decision: gates.Decision{Allowed: false, CooldownRemaining: 45 * time.Second}}
	p := newTestPipeline(t, transport, limiter)
	ctx := context.Background()

	_, err := p.SubmitVent(ctx, coordVent("v1"))

	var limited *RateLimitError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if limited.CooldownRemaining != 45*time.Second {
		t.Fatalf("cooldown not surfaced: %s", limited.CooldownRemaining)
	}
	if len(transport.sent) != 0 {
		t.Fatal("rate-limited vent must not reach the network")
	}
}

func TestSubmitReactionToggles(t *testing.T) {
	transport := &fakeTransport{sendFunc: ackAll}
	p := newTestPipeline(t, transport, nil)
	ctx := context.Background()

	reaction := &models.Reaction{
		Base:     models.Base{ID: "r1", OwnerDeviceID: "device-a"},
		TargetID: "v1", TargetType: "vent", Type: "heart",
	}
	if _, err := p.SubmitReaction(ctx, reaction); err != nil {
		t.Fatalf("SubmitReaction: %v", err)
	}

	// Reacting again with the same key toggles the first one off.
	again := &models.Reaction{
		Base:     models.Base{ID: "r2", OwnerDeviceID: "device-a"},
		TargetID: "v1", TargetType: "vent", Type: "heart",
	}
	if _, err := p.SubmitReaction(ctx, again); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	if _, err := p.Coordinator.Store().FindReaction(ctx, "v1", "heart", "device-a"); err == nil {
		t.Fatal("reaction should be toggled off")
	}
}

func TestSubmitMoodLogSecondBecomesUpdate(t *testing.T) {
	transport := &fakeTransport{sendFunc: ackAll}
	p := newTestPipeline(t, transport, nil)
	ctx := context.Background()
	date := models.DayOf(time.Now())

	first := &models.MoodLog{
		Base: models.Base{ID: "m1", OwnerDeviceID: "device-a"},
		Date: date, Mood: 3, Note: "rough morning",
	}
	if _, err := p.SubmitMoodLog(ctx, first); err != nil {
		t.Fatalf("SubmitMoodLog: %v", err)
	}

	// A second check-in the same day edits the existing log in place.
	second := &models.MoodLog{
		Base: models.Base{ID: "m2", OwnerDeviceID: "device-a"},
		Date: date, Mood: 5, Note: "better evening",
	}
	if _, err := p.SubmitMoodLog(ctx, second); err != nil {
		t.Fatalf("second SubmitMoodLog: %v", err)
	}

	found, err := p.Coordinator.Store().FindMoodLogForDay(ctx, "device-a", date)
	if err != nil {
		t.Fatalf("FindMoodLogForDay: %v", err)
	}
	if found.ID != "m1" || found.Mood != 5 || found.Note != "better evening" {
		t.Fatalf("expected m1 updated in place: %+v", found)
	}
}

func TestSubmitReportCensorsReason(t *testing.T) {
	transport := &fakeTransport{sendFunc: ackAll}
	p := newTestPipeline(t, transport, nil)
	ctx := context.Background()

	report := &models.Report{
		Base:     models.Base{ID: "rp1", OwnerDeviceID: "device-a"},
		TargetID: "v1", TargetType: "vent",
		Reason: "they said they want to die",
	}
	if _, err := p.SubmitReport(ctx, report); err != nil {
		t.Fatalf("SubmitReport: %v", err)
	}
	if report.Reason == "they said they want to die" {
		t.Fatal("self-harm phrase in report reason should be masked")
	}
}
