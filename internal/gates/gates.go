// Package gates holds the admission checks a mutation must pass before it
// reaches the sync engine. The engine itself never calls them; the caller
// (or the submit pipeline) does, and a denied mutation is never enqueued.
package gates

import (
	"context"
	"time"
)

// Decision is a rate limiter's answer for one session.
type Decision struct {
	Allowed           bool
	CooldownRemaining time.Duration
}

// RateLimiter gates rate-limited entity types (vent creation). Implemented
// here with redis; any other policy can be plugged in.
type RateLimiter interface {
	CanSubmit(ctx context.Context, sessionID string) (Decision, error)
	RecordSubmission(ctx context.Context, sessionID string) error
}

// ModerationResult is the content filter's verdict on one piece of text.
type ModerationResult struct {
	Blocked      bool
	CensoredText string
	Warnings     []string
}

// ContentFilter screens free text before it is accepted into the engine. A
// Blocked result must prevent enqueueing entirely.
type ContentFilter interface {
	Moderate(text string) ModerationResult
}
