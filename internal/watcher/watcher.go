// Package watcher drives incremental mailbox synchronization: it pages the
// remote change log from a persisted checkpoint up to a notified upper bound
// and dispatches each newly added message to the matching handlers.
package watcher

import (
	"context"
	"errors"
	"time"

	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/mail"
)

// Cursor is a position in a principal's change log (a Gmail history ID).
// Cursors increase monotonically and are never reused.
type Cursor uint64

// MessageRef identifies a message observed in the change log, resolved on
// demand to a full message.
type MessageRef struct {
	ID string
}

// ChangeEntry is one unit of the change log. Only message-added events reach
// this package; other history kinds are filtered out by the mailbox.
type ChangeEntry struct {
	Cursor Cursor
	Added  []MessageRef
}

// ChangePage is one page of change entries. Entries within a page and pages
// within a run are strictly cursor-ordered ascending. An empty NextPageToken
// marks the end of the sequence.
type ChangePage struct {
	Entries       []ChangeEntry
	NextPageToken string
}

// ErrMessageNotFound reports a message that disappeared between the change
// notification and the fetch. The coordinator skips such messages.
var ErrMessageNotFound = errors.New("message not found")

// ErrCheckpointRegression reports a checkpoint write that would move a
// principal's cursor backwards. Stores must reject such writes.
var ErrCheckpointRegression = errors.New("checkpoint regression")

// Mailbox is the remote mail collaborator. Implementations may block on
// network I/O; errors propagate to the caller without retries.
type Mailbox interface {
	// Watch registers the push notification channel and returns the
	// mailbox's current cursor and the registration expiration.
	Watch(ctx context.Context, topic string) (Cursor, time.Time, error)

	// ListHistory fetches one page of the change log starting at the given
	// cursor, restricted to the given history event types.
	ListHistory(ctx context.Context, start Cursor, pageToken string, eventTypes []string) (*ChangePage, error)

	// FetchMessage resolves a message reference to a full message. Returns
	// an error wrapping ErrMessageNotFound when the message no longer
	// exists.
	FetchMessage(ctx context.Context, id string) (*mail.Message, error)

	// FetchAttachment downloads decoded attachment bytes.
	FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// CheckpointStore persists the last fully processed cursor per principal.
type CheckpointStore interface {
	// Checkpoint returns the stored cursor for the principal; the boolean
	// is false when the principal has never been checkpointed.
	Checkpoint(ctx context.Context, principal string) (Cursor, bool, error)

	// SetCheckpoint stores the cursor, rejecting writes below the stored
	// value with ErrCheckpointRegression.
	SetCheckpoint(ctx context.Context, principal string, cursor Cursor) error
}

// WatchStore records the most recent watch registration per principal.
type WatchStore interface {
	SaveWatch(ctx context.Context, principal string, historyID Cursor, expiration time.Time) error
}
