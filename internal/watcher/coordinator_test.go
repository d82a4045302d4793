package watcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/condition"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/handler"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/mail"
)

// fakeMailbox serves a scripted change log split into fixed-size pages and
// records which messages were fetched.
type fakeMailbox struct {
	entries  []ChangeEntry
	pageSize int
	messages map[string]*mail.Message

	listCalls int
	fetched   []string
	listErr   error
}

func (f *fakeMailbox) Watch(ctx context.Context, topic string) (Cursor, time.Time, error) {
	return 0, time.Time{}, errors.New("not implemented")
}

func (f *fakeMailbox) ListHistory(ctx context.Context, start Cursor, pageToken string, eventTypes []string) (*ChangePage, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}

	from := 0
	if pageToken != "" {
		fmt.Sscanf(pageToken, "page-%d", &from)
	}
	var selected []ChangeEntry
	for _, e := range f.entries {
		if e.Cursor >= start {
			selected = append(selected, e)
		}
	}

	size := f.pageSize
	if size == 0 {
		size = len(selected)
	}
	end := from + size
	next := ""
	if end < len(selected) {
		next = fmt.Sprintf("page-%d", end)
	} else {
		end = len(selected)
	}
	return &ChangePage{Entries: selected[from:end], NextPageToken: next}, nil
}

func (f *fakeMailbox) FetchMessage(ctx context.Context, id string) (*mail.Message, error) {
	f.fetched = append(f.fetched, id)
	msg, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrMessageNotFound)
	}
	return msg, nil
}

func (f *fakeMailbox) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

// memCheckpoints is an in-memory CheckpointStore with the monotonic guard.
type memCheckpoints struct {
	cursor Cursor
	set    bool
	writes int
	setErr error
}

func (m *memCheckpoints) Checkpoint(ctx context.Context, principal string) (Cursor, bool, error) {
	return m.cursor, m.set, nil
}

func (m *memCheckpoints) SetCheckpoint(ctx context.Context, principal string, cursor Cursor) error {
	if m.setErr != nil {
		return m.setErr
	}
	if m.set && cursor < m.cursor {
		return fmt.Errorf("cursor %d below %d: %w", cursor, m.cursor, ErrCheckpointRegression)
	}
	m.cursor = cursor
	m.set = true
	m.writes++
	return nil
}

// recordingAction collects the IDs of the messages it ran for and can be
// scripted to fail on a specific message.
type recordingAction struct {
	ran    []string
	failOn string
}

func (a *recordingAction) Run(ctx context.Context, msg *mail.Message) error {
	if a.failOn != "" && msg.ID == a.failOn {
		return fmt.Errorf("action failed for %s", msg.ID)
	}
	a.ran = append(a.ran, msg.ID)
	return nil
}

func matchAll(t *testing.T) *condition.Node {
	t.Helper()
	node, err := condition.Parse(map[string]any{})
	require.NoError(t, err)
	return node
}

func plainMessage(id string) *mail.Message {
	return &mail.Message{
		ID: id,
		Payload: mail.Part{
			Headers: []mail.Header{{Name: "Subject", Value: "hello"}},
		},
	}
}

func entry(cursor Cursor, ids ...string) ChangeEntry {
	e := ChangeEntry{Cursor: cursor}
	for _, id := range ids {
		e.Added = append(e.Added, MessageRef{ID: id})
	}
	return e
}

func TestRunFirstSyncStartsAtNotifiedCursor(t *testing.T) {
	mailbox := &fakeMailbox{
		entries:  []ChangeEntry{entry(42, "m1")},
		messages: map[string]*mail.Message{"m1": plainMessage("m1")},
	}
	checkpoints := &memCheckpoints{}
	action := &recordingAction{}
	c := &Coordinator{
		Principal:   "user@example.com",
		Mailbox:     mailbox,
		Checkpoints: checkpoints,
		Handlers:    []*handler.Handler{{Name: "all", Condition: matchAll(t), Actions: []handler.Action{action}}},
	}

	require.NoError(t, c.Run(context.Background(), 42))

	assert.Equal(t, []string{"m1"}, action.ran)
	assert.Equal(t, Cursor(42), checkpoints.cursor)
	assert.True(t, checkpoints.set)
}

func TestRunResumesAfterStoredCheckpoint(t *testing.T) {
	mailbox := &fakeMailbox{
		entries: []ChangeEntry{
			entry(10, "old"),
			entry(11, "m1"),
			entry(12, "m2"),
		},
		messages: map[string]*mail.Message{
			"old": plainMessage("old"),
			"m1":  plainMessage("m1"),
			"m2":  plainMessage("m2"),
		},
	}
	checkpoints := &memCheckpoints{cursor: 10, set: true}
	action := &recordingAction{}
	c := &Coordinator{
		Principal:   "user@example.com",
		Mailbox:     mailbox,
		Checkpoints: checkpoints,
		Handlers:    []*handler.Handler{{Name: "all", Condition: matchAll(t), Actions: []handler.Action{action}}},
	}

	require.NoError(t, c.Run(context.Background(), 12))

	assert.Equal(t, []string{"m1", "m2"}, action.ran, "entries at or below the checkpoint must not be reprocessed")
	assert.Equal(t, Cursor(12), checkpoints.cursor)
}

func TestRunStopsBeforeEntriesBeyondNotifiedCursor(t *testing.T) {
	mailbox := &fakeMailbox{
		entries: []ChangeEntry{
			entry(11, "m1"),
			entry(12, "m2"),
			entry(13, "late"),
		},
		messages: map[string]*mail.Message{
			"m1":   plainMessage("m1"),
			"m2":   plainMessage("m2"),
			"late": plainMessage("late"),
		},
	}
	checkpoints := &memCheckpoints{cursor: 10, set: true}
	action := &recordingAction{}
	c := &Coordinator{
		Principal:   "user@example.com",
		Mailbox:     mailbox,
		Checkpoints: checkpoints,
		Handlers:    []*handler.Handler{{Name: "all", Condition: matchAll(t), Actions: []handler.Action{action}}},
	}

	require.NoError(t, c.Run(context.Background(), 12))

	assert.Equal(t, []string{"m1", "m2"}, action.ran)
	assert.NotContains(t, mailbox.fetched, "late")
	assert.Equal(t, Cursor(12), checkpoints.cursor, "the entry beyond the bound belongs to the next notification")
}

func TestRunPartialFailureAdvancesCheckpointToLastProcessedEntry(t *testing.T) {
	mailbox := &fakeMailbox{
		entries: []ChangeEntry{
			entry(10, "m10"),
			entry(11, "m11"),
			entry(12, "m12"),
		},
		messages: map[string]*mail.Message{
			"m10": plainMessage("m10"),
			"m11": plainMessage("m11"),
			"m12": plainMessage("m12"),
		},
	}
	checkpoints := &memCheckpoints{cursor: 9, set: true}
	action := &recordingAction{failOn: "m11"}
	c := &Coordinator{
		Principal:   "user@example.com",
		Mailbox:     mailbox,
		Checkpoints: checkpoints,
		Handlers:    []*handler.Handler{{Name: "all", Condition: matchAll(t), Actions: []handler.Action{action}}},
	}

	err := c.Run(context.Background(), 12)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "m11")

	assert.Equal(t, Cursor(10), checkpoints.cursor, "checkpoint advances only past fully processed entries")
	assert.Equal(t, []string{"m10"}, action.ran)
	assert.NotContains(t, mailbox.fetched, "m12", "processing stops at the first failed entry")
}

func TestRunIsIdempotentWhenSyncedToBound(t *testing.T) {
	mailbox := &fakeMailbox{
		entries:  []ChangeEntry{entry(12, "m1")},
		messages: map[string]*mail.Message{"m1": plainMessage("m1")},
	}
	checkpoints := &memCheckpoints{cursor: 12, set: true}
	action := &recordingAction{}
	c := &Coordinator{
		Principal:   "user@example.com",
		Mailbox:     mailbox,
		Checkpoints: checkpoints,
		Handlers:    []*handler.Handler{{Name: "all", Condition: matchAll(t), Actions: []handler.Action{action}}},
	}

	require.NoError(t, c.Run(context.Background(), 12))

	assert.Empty(t, action.ran)
	assert.Zero(t, checkpoints.writes, "checkpoint untouched when nothing was processed")
}

func TestRunSkipsMessagesGoneBeforeFetch(t *testing.T) {
	mailbox := &fakeMailbox{
		entries: []ChangeEntry{
			entry(11, "gone"),
			entry(12, "m1"),
		},
		messages: map[string]*mail.Message{"m1": plainMessage("m1")},
	}
	checkpoints := &memCheckpoints{cursor: 10, set: true}
	action := &recordingAction{}
	c := &Coordinator{
		Principal:   "user@example.com",
		Mailbox:     mailbox,
		Checkpoints: checkpoints,
		Handlers:    []*handler.Handler{{Name: "all", Condition: matchAll(t), Actions: []handler.Action{action}}},
	}

	require.NoError(t, c.Run(context.Background(), 12))

	assert.Equal(t, []string{"m1"}, action.ran)
	assert.Equal(t, Cursor(12), checkpoints.cursor, "an entry whose message vanished still counts as processed")
}

func TestRunListHistoryErrorLeavesCheckpointUntouched(t *testing.T) {
	mailbox := &fakeMailbox{listErr: errors.New("boom")}
	checkpoints := &memCheckpoints{cursor: 10, set: true}
	c := &Coordinator{
		Principal:   "user@example.com",
		Mailbox:     mailbox,
		Checkpoints: checkpoints,
	}

	err := c.Run(context.Background(), 12)
	require.Error(t, err)
	assert.Equal(t, Cursor(10), checkpoints.cursor)
	assert.Zero(t, checkpoints.writes)
}

func TestRunReportsBothRunAndCheckpointErrors(t *testing.T) {
	mailbox := &fakeMailbox{
		entries: []ChangeEntry{
			entry(11, "m1"),
			entry(12, "m2"),
		},
		messages: map[string]*mail.Message{
			"m1": plainMessage("m1"),
			"m2": plainMessage("m2"),
		},
	}
	saveErr := errors.New("disk full")
	checkpoints := &memCheckpoints{cursor: 10, set: true, setErr: saveErr}
	action := &recordingAction{failOn: "m2"}
	c := &Coordinator{
		Principal:   "user@example.com",
		Mailbox:     mailbox,
		Checkpoints: checkpoints,
		Handlers:    []*handler.Handler{{Name: "all", Condition: matchAll(t), Actions: []handler.Action{action}}},
	}

	err := c.Run(context.Background(), 12)
	require.Error(t, err)
	assert.ErrorIs(t, err, saveErr)
	assert.Contains(t, err.Error(), "m2")
}

func TestRunMatchesOnlyDispatchesMatchingHandlers(t *testing.T) {
	node, err := condition.Parse(map[string]any{
		"subject": map[string]any{"contains": "Invoice"},
	})
	require.NoError(t, err)

	match := plainMessage("hit")
	match.Payload.Headers = []mail.Header{{Name: "Subject", Value: "Your Invoice"}}

	mailbox := &fakeMailbox{
		entries: []ChangeEntry{
			entry(11, "hit"),
			entry(12, "miss"),
		},
		messages: map[string]*mail.Message{
			"hit":  match,
			"miss": plainMessage("miss"),
		},
	}
	checkpoints := &memCheckpoints{cursor: 10, set: true}
	action := &recordingAction{}
	c := &Coordinator{
		Principal:   "user@example.com",
		Mailbox:     mailbox,
		Checkpoints: checkpoints,
		Handlers:    []*handler.Handler{{Name: "invoices", Condition: node, Actions: []handler.Action{action}}},
	}

	require.NoError(t, c.Run(context.Background(), 12))
	assert.Equal(t, []string{"hit"}, action.ran)
	assert.Equal(t, Cursor(12), checkpoints.cursor, "non-matching entries still advance the checkpoint")
}
