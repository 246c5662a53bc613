// Package resolver decides what happens when a queued mutation meets
// existing remote state. It is a pure function: the remote authority
// evaluates it once per queued action per flush, the client never needs a
// replica of remote state to predict it.
package resolver

import (
	"github.com/AnshRaj112/serenify-sync/internal/models"
)

// Resolution is the outcome of comparing a queued action against the
// remote snapshot of the same record.
type Resolution int

const (
	// Accept applies the mutation as-is: create a missing record, or
	// delete an existing one.
	Accept Resolution = iota

	// Overwrite replaces the remote record with the local payload
	// (last-write-wins: the local timestamp is strictly newer).
	Overwrite

	// Reject keeps the remote state; the local mutation is discarded, not
	// retried. A delete of a missing record also resolves to Reject and is
	// treated as already satisfied.
	Reject
)

func (r Resolution) String() string {
	switch r {
	case Accept:
		return "accept"
	case Overwrite:
		return "overwrite"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Resolve compares a queued action against the remote snapshot (nil when
// the record does not exist remotely). It is deterministic and side-effect
// free: Overwrite iff the local timestamp is strictly newer than the
// remote updated_at.
func Resolve(local models.QueuedAction, remote models.Record) Resolution {
	if local.Operation == models.OpDelete {
		if remote == nil {
			return Reject
		}
		return Accept
	}

	if remote == nil {
		return Accept
	}

	if local.LocalTimestamp().After(remote.UpdatedTime()) {
		return Overwrite
	}
	return Reject
}
