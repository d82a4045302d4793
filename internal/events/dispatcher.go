package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/store/sqlite"
)

// Dispatcher continuously drains the outbox into the broker. Failed
// publishes are retried with a fixed backoff; the broker's dedup window
// makes the occasional double publish harmless.
type Dispatcher struct {
	Store     *sqlite.Store
	Publisher *Publisher
	Log       *slog.Logger
}

// Run blocks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.Store.DequeueOutbox(ctx, 100)
		if err != nil {
			log.Error("dequeue outbox failed", "error", err)
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}

		if len(messages) == 0 {
			if !sleep(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}

		for _, msg := range messages {
			if err := d.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				log.Error("publish failed", "outbox_id", msg.ID, "error", err)
				_ = d.Store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}
			if err := d.Store.MarkPublished(ctx, msg.ID); err != nil {
				log.Error("mark published failed", "outbox_id", msg.ID, "error", err)
			}
		}
	}
}

// sleep waits for the duration or the context, whichever ends first, and
// reports whether the context is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
