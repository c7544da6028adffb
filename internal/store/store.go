package store

import (
	"context"
	"time"
)

// InsertConversationOptions holds the optional fields accepted by
// InsertConversation. Priority defaults to 3, RequireIdle to false.
type InsertConversationOptions struct {
	Status      string // overrides the direction-derived default, if set
	Priority    int
	RequireIdle bool
}

// ConversationStore persists and selects conversation items — see
// spec.md §3 and §4.A.
type ConversationStore interface {
	// InsertConversation inserts one conversation item. Inbound items default
	// to StatusPending, outbound items to StatusDelivered (audit-only).
	// Returns ErrInvalidDirection for any direction other than "inbound" or
	// "outbound".
	InsertConversation(ctx context.Context, direction, channel string, endpoint *string, content string, opts InsertConversationOptions) (*Conversation, error)

	// NextPendingConversation returns the lowest-priority-number, then
	// oldest pending conversation, or nil if none are eligible.
	NextPendingConversation(ctx context.Context) (*Conversation, error)

	// ClaimConversation performs the conditional pending -> running
	// transition. Returns true only if exactly one row changed.
	ClaimConversation(ctx context.Context, id int64) (bool, error)

	// RequeueConversation performs running -> pending without touching
	// retry_count (a gating release, not a retry — see spec.md §4.B note).
	RequeueConversation(ctx context.Context, id int64) error

	// IncrementRetryCount increments retry_count and returns the new value.
	IncrementRetryCount(ctx context.Context, id int64) (int, error)

	// MarkDelivered transitions running -> delivered.
	MarkDelivered(ctx context.Context, id int64) error

	// MarkFailed transitions running -> failed.
	MarkFailed(ctx context.Context, id int64) error

	// GetByID returns a single conversation by id.
	GetByID(ctx context.Context, id int64) (*Conversation, error)

	// ConversationsByRange returns all conversations with begin <= id <= end,
	// ordered by id ascending.
	ConversationsByRange(ctx context.Context, begin, end int64) ([]Conversation, error)

	// ResetOrphanedRunning resets running rows whose updated_at is older
	// than olderThan back to pending, incrementing retry_count once.
	// Implements the Dispatcher-restart recovery policy (spec.md §4.B,
	// Open Question — resolved; see DESIGN.md).
	ResetOrphanedRunning(ctx context.Context, olderThan time.Time) (int64, error)
}

// InsertControlOptions holds the optional fields accepted by InsertControl.
type InsertControlOptions struct {
	Priority      int
	RequireIdle   bool
	BypassState   bool
	AckDeadlineAt *time.Time
	AvailableAt   *time.Time
}

// AckResult describes the outcome of AckControl.
type AckResult struct {
	Found        bool
	AlreadyFinal bool
	Status       string
}

// RetryResult describes the outcome of RetryOrFailControl.
type RetryResult struct {
	Status     string
	RetryCount int
}

// ControlStore persists and selects control items — see spec.md §3 and §4.A.
type ControlStore interface {
	// InsertControl inserts one control item. If content contains the
	// literal token "__CONTROL_ID__", it is rewritten to substitute the
	// assigned id in the same transaction as the insert.
	InsertControl(ctx context.Context, content string, opts InsertControlOptions) (*Control, error)

	// NextPendingControl returns the lowest-priority-number, then oldest
	// pending control whose AvailableAt is <= now (or nil), or nil if none
	// are eligible.
	NextPendingControl(ctx context.Context, now time.Time) (*Control, error)

	// ClaimControl performs the conditional pending -> running transition.
	// Returns true only if exactly one row changed.
	ClaimControl(ctx context.Context, id int64) (bool, error)

	// RequeueControl performs running -> pending without touching
	// retry_count. lastError, if non-empty, is recorded for diagnostics.
	RequeueControl(ctx context.Context, id int64, lastError string) error

	// AckControl transitionally acknowledges a control item: if the row is
	// pending/running with an expired ack deadline it becomes timeout,
	// otherwise it becomes done. Idempotent for any already-final row.
	AckControl(ctx context.Context, id int64, now time.Time) (AckResult, error)

	// RetryOrFailControl increments retry_count; at maxRetries the item
	// transitions to failed.
	RetryOrFailControl(ctx context.Context, id int64, reason string, maxRetries int) (RetryResult, error)

	// ExpireTimedOutControls sweeps every pending/running row whose
	// ack_deadline_at < now to status=timeout. Returns the row count swept.
	ExpireTimedOutControls(ctx context.Context, now time.Time) (int64, error)

	// CleanupControlQueue deletes final-status rows older than cutoff.
	// Returns the row count deleted.
	CleanupControlQueue(ctx context.Context, cutoff time.Time) (int64, error)

	// GetByID returns a single control item by id.
	GetByID(ctx context.Context, id int64) (*Control, error)

	// ResetOrphanedRunning resets running rows whose updated_at is older
	// than olderThan back to pending, incrementing retry_count once.
	// Implements the Dispatcher-restart recovery policy (spec.md §4.B,
	// Open Question — resolved; see DESIGN.md).
	ResetOrphanedRunning(ctx context.Context, olderThan time.Time) (int64, error)
}

// UnsummarizedRange describes the span of conversation ids not yet covered
// by any checkpoint.
type UnsummarizedRange struct {
	BeginID int64
	EndID   int64
	Count   int64
}

// CheckpointStore persists and selects checkpoints — see spec.md §3 and §4.A.
type CheckpointStore interface {
	// CreateCheckpoint creates a new checkpoint covering
	// [prev.End+1, endID]. Returns ErrRangeOverlap if endID is not strictly
	// greater than the previous checkpoint's end.
	CreateCheckpoint(ctx context.Context, endID int64, summary string) (*Checkpoint, error)

	// LastCheckpoint returns the most recent checkpoint, or nil if none exist.
	LastCheckpoint(ctx context.Context) (*Checkpoint, error)

	// ListCheckpoints returns the most recent checkpoints, newest first,
	// bounded by limit (0 = no limit).
	ListCheckpoints(ctx context.Context, limit int) ([]Checkpoint, error)

	// UnsummarizedRange returns the span of conversation ids with id >
	// the last checkpoint's end (or all conversations if none exists).
	UnsummarizedRange(ctx context.Context) (*UnsummarizedRange, error)
}
