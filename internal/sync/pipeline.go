package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AnshRaj112/serenify-sync/internal/gates"
	"github.com/AnshRaj112/serenify-sync/internal/localstore"
	"github.com/AnshRaj112/serenify-sync/internal/models"
)

// RateLimitError is returned when the rate-limit gate denies a submission.
type RateLimitError struct {
	CooldownRemaining time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.CooldownRemaining)
}

// ContentBlockedError is returned when the moderation gate blocks a
// mutation; nothing is stored or enqueued.
type ContentBlockedError struct {
	Warnings []string
}

func (e *ContentBlockedError) Error() string {
	return "content blocked by moderation"
}

// Pipeline is the explicit admission path for mutations: gate checks, then
// the direct-write attempt, then the queue fallback, each stage returning
// a typed outcome instead of cascading fallbacks. Gates are optional; a
// nil gate admits everything.
type Pipeline struct {
	Coordinator *Coordinator
	Limiter     gates.RateLimiter   // applied to vent creation only
	Filter      gates.ContentFilter // applied to all free text
}

// SubmitVent moderates the vent's text, applies the rate limit, and
// submits. Censoring rewrites the stored text; a blocked result stops the
// mutation before it touches any store.
func (p *Pipeline) SubmitVent(ctx context.Context, vent *models.Vent) (*SubmitResult, error) {
	if p.Filter != nil {
		verdict := p.Filter.Moderate(vent.Text)
		if verdict.Blocked {
			return nil, &ContentBlockedError{Warnings: verdict.Warnings}
		}
		if verdict.CensoredText != vent.Text {
			vent.Text = verdict.CensoredText
			vent.Moderation = models.ModerationCensored
		} else if vent.Moderation == "" {
			vent.Moderation = models.ModerationClean
		}
	}

	if p.Limiter != nil {
		decision, err := p.Limiter.CanSubmit(ctx, vent.OwnerDeviceID)
		if err != nil {
			return nil, fmt.Errorf("rate limit check failed: %w", err)
		}
		if !decision.Allowed {
			return nil, &RateLimitError{CooldownRemaining: decision.CooldownRemaining}
		}
	}

	result, err := p.Coordinator.SubmitDirect(ctx, models.OpCreate, vent)
	if err != nil {
		return nil, err
	}
	if p.Limiter != nil {
		if err := p.Limiter.RecordSubmission(ctx, vent.OwnerDeviceID); err != nil {
			p.Coordinator.logger.Printf("WARNING: failed to record submission: %v", err)
		}
	}
	return result, nil
}

// SubmitComment moderates the comment's text and submits it.
func (p *Pipeline) SubmitComment(ctx context.Context, comment *models.Comment) (*SubmitResult, error) {
	if p.Filter != nil {
		verdict := p.Filter.Moderate(comment.Text)
		if verdict.Blocked {
			return nil, &ContentBlockedError{Warnings: verdict.Warnings}
		}
		comment.Text = verdict.CensoredText
	}
	return p.Coordinator.SubmitDirect(ctx, models.OpCreate, comment)
}

// SubmitReaction creates a reaction, or toggles the existing one off when
// the device already reacted with the same type on the same target.
func (p *Pipeline) SubmitReaction(ctx context.Context, reaction *models.Reaction) (*SubmitResult, error) {
	result, err := p.Coordinator.SubmitDirect(ctx, models.OpCreate, reaction)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, localstore.ErrDuplicateKey) {
		return nil, err
	}

	existing, err := p.Coordinator.Store().FindReaction(ctx, reaction.TargetID, reaction.Type, reaction.OwnerDeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to find reaction to toggle: %w", err)
	}
	return p.Coordinator.SubmitDirect(ctx, models.OpDelete, existing)
}

// SubmitMoodLog creates today's mood log, or routes the mutation into an
// update of the existing one when the device already logged today.
func (p *Pipeline) SubmitMoodLog(ctx context.Context, logEntry *models.MoodLog) (*SubmitResult, error) {
	result, err := p.Coordinator.SubmitDirect(ctx, models.OpCreate, logEntry)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, localstore.ErrDuplicateKey) {
		return nil, err
	}

	existing, err := p.Coordinator.Store().FindMoodLogForDay(ctx, logEntry.OwnerDeviceID, logEntry.Date)
	if err != nil {
		return nil, fmt.Errorf("failed to find mood log to update: %w", err)
	}
	existing.Mood = logEntry.Mood
	existing.Note = logEntry.Note
	return p.Coordinator.SubmitDirect(ctx, models.OpUpdate, existing)
}

// SubmitReport moderates the report's reason text and submits it.
func (p *Pipeline) SubmitReport(ctx context.Context, report *models.Report) (*SubmitResult, error) {
	if p.Filter != nil {
		verdict := p.Filter.Moderate(report.Reason)
		if verdict.Blocked {
			return nil, &ContentBlockedError{Warnings: verdict.Warnings}
		}
		report.Reason = verdict.CensoredText
	}
	return p.Coordinator.SubmitDirect(ctx, models.OpCreate, report)
}
