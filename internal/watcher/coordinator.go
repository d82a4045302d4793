package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/handler"
)

// messageAddedEvents restricts history listing to newly added messages;
// label changes and deletions are filtered out at the mailbox.
var messageAddedEvents = []string{"messageAdded"}

// Coordinator runs one synchronization pass for a single principal. It pages
// the change log from the stored checkpoint up to the notified upper bound,
// dispatches each added message through the loaded handlers in registration
// order, and advances the persisted checkpoint only as far as processing
// actually succeeded.
//
// A run is strictly sequential: pagination, message fetches and action
// execution happen on one logical thread and may block on network I/O. The
// caller must not start two runs for the same principal concurrently.
type Coordinator struct {
	Principal   string
	Mailbox     Mailbox
	Checkpoints CheckpointStore
	Handlers    []*handler.Handler
	Log         *slog.Logger
}

// Run synchronizes the principal's mailbox up to the notified cursor.
//
// The start cursor is the stored checkpoint plus one, or the notified cursor
// itself when the principal has never been checkpointed. On failure the
// checkpoint is still persisted up to the last fully processed entry before
// the error is returned, so a redelivered notification reprocesses at most
// one partially done entry.
func (c *Coordinator) Run(ctx context.Context, notified Cursor) error {
	log := c.log().With("principal", c.Principal, "notified_cursor", uint64(notified))

	stored, hasCheckpoint, err := c.Checkpoints.Checkpoint(ctx, c.Principal)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	start := notified
	var last Cursor
	if hasCheckpoint {
		start = stored + 1
		last = stored
	}
	initial := last

	log.Info("starting sync run", "start_cursor", uint64(start), "has_checkpoint", hasCheckpoint)

	pager := NewHistoryPager(c.Mailbox, start, messageAddedEvents)
	runErr := c.consume(ctx, log, pager, notified, &last)

	if last != initial {
		if err := c.Checkpoints.SetCheckpoint(ctx, c.Principal, last); err != nil {
			saveErr := fmt.Errorf("save checkpoint at %d: %w", uint64(last), err)
			if runErr != nil {
				return errors.Join(runErr, saveErr)
			}
			return saveErr
		}
		log.Info("checkpoint advanced", "cursor", uint64(last))
	}

	if runErr != nil {
		log.Error("sync run failed", "error", runErr, "checkpoint", uint64(last))
		return runErr
	}
	log.Info("sync run complete", "checkpoint", uint64(last))
	return nil
}

// consume drains the pager in cursor order, stopping before the first entry
// beyond the bound so no unnecessary pages are requested. last tracks the
// high-water mark of fully processed entries.
func (c *Coordinator) consume(ctx context.Context, log *slog.Logger, pager *HistoryPager, bound Cursor, last *Cursor) error {
	for {
		page, err := pager.Next(ctx)
		if err != nil {
			return fmt.Errorf("list history: %w", err)
		}
		if page == nil {
			return nil
		}
		for _, entry := range page.Entries {
			if entry.Cursor > bound {
				log.Debug("entry beyond notified cursor, stopping", "cursor", uint64(entry.Cursor))
				return nil
			}
			if err := c.processEntry(ctx, log, entry); err != nil {
				return err
			}
			*last = entry.Cursor
		}
	}
}

func (c *Coordinator) processEntry(ctx context.Context, log *slog.Logger, entry ChangeEntry) error {
	for _, ref := range entry.Added {
		msg, err := c.Mailbox.FetchMessage(ctx, ref.ID)
		if errors.Is(err, ErrMessageNotFound) {
			// Deleted between the notification and the fetch; the entry
			// itself still counts as processed.
			log.Warn("message gone before fetch, skipping", "message_id", ref.ID)
			continue
		}
		if err != nil {
			return fmt.Errorf("fetch message %s: %w", ref.ID, err)
		}
		for _, h := range c.Handlers {
			match, err := h.Matches(msg)
			if err != nil {
				return fmt.Errorf("handler %q: evaluate message %s: %w", h.Name, msg.ID, err)
			}
			if !match {
				continue
			}
			log.Debug("handler matched", "handler", h.Name, "message_id", msg.ID)
			if err := h.Handle(ctx, msg); err != nil {
				return fmt.Errorf("handler %q: message %s: %w", h.Name, msg.ID, err)
			}
		}
	}
	return nil
}

func (c *Coordinator) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}
