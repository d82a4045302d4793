package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/condition"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/mail"
)

// Built-in action kinds.
const (
	KindUploadAttachments = "upload_attachments"
	KindSaveLocal         = "save_local"
	KindPublishEvent      = "publish_event"
)

// BuiltinKinds lists every action kind shipped with the watcher. The HTTP
// surface validates stored documents against this list; the process wiring
// registers a factory for each entry.
var BuiltinKinds = []string{KindUploadAttachments, KindSaveLocal, KindPublishEvent}

// AttachmentFetcher downloads decoded attachment bytes for a message.
type AttachmentFetcher interface {
	FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// EventAppender records an outbound event for later publication.
type EventAppender interface {
	AppendEvent(ctx context.Context, subject string, payload []byte, msgID string) error
}

// uploadAttachmentsAction uploads the message's attachments matching a
// filename rule to an object storage bucket.
type uploadAttachmentsAction struct {
	fetcher  AttachmentFetcher
	bucket   *storage.BucketHandle
	prefix   string
	filename *condition.Rule
}

// UploadAttachmentsFactory builds upload_attachments actions bound to the
// given attachment fetcher and bucket. Args: "path" (object name prefix,
// required) and "filename" (optional rule restricting which attachments are
// uploaded).
func UploadAttachmentsFactory(fetcher AttachmentFetcher, bucket *storage.BucketHandle) Factory {
	return func(principal string, args map[string]any) (Action, error) {
		prefix, ok := args["path"].(string)
		if !ok || prefix == "" {
			return nil, fmt.Errorf("upload_attachments: missing \"path\" argument")
		}
		prefix = strings.TrimSuffix(prefix, "/")
		action := &uploadAttachmentsAction{fetcher: fetcher, bucket: bucket, prefix: prefix}
		if rawRule, ok := args["filename"]; ok {
			rule, err := condition.ParseRule("filename", rawRule)
			if err != nil {
				return nil, fmt.Errorf("upload_attachments: %w", err)
			}
			action.filename = rule
		}
		return action, nil
	}
}

func (a *uploadAttachmentsAction) Run(ctx context.Context, msg *mail.Message) error {
	for _, part := range msg.Attachments() {
		if !a.filename.Matches(part.Filename) {
			continue
		}
		data, err := a.fetcher.FetchAttachment(ctx, msg.ID, part.Body.AttachmentID)
		if err != nil {
			return fmt.Errorf("fetch attachment %q of message %s: %w", part.Filename, msg.ID, err)
		}
		// The object name embeds the message date and ID so re-delivered
		// entries overwrite their previous upload instead of duplicating it.
		name := fmt.Sprintf("%s/%s__%s__%s",
			a.prefix,
			msg.InternalDate.UTC().Format("20060102_150405"),
			msg.ID,
			path.Base(part.Filename),
		)
		w := a.bucket.Object(name).NewWriter(ctx)
		w.ContentType = part.MIMEType
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return fmt.Errorf("upload %q: %w", name, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("upload %q: %w", name, err)
		}
		slog.Info("uploaded attachment", "object", name, "message_id", msg.ID, "bytes", len(data))
	}
	return nil
}

// saveLocalAction writes the full message as JSON into a directory.
type saveLocalAction struct {
	dir string
}

// SaveLocalFactory builds save_local actions. Args: "dir" (required).
func SaveLocalFactory() Factory {
	return func(principal string, args map[string]any) (Action, error) {
		dir, ok := args["dir"].(string)
		if !ok || dir == "" {
			return nil, fmt.Errorf("save_local: missing \"dir\" argument")
		}
		return &saveLocalAction{dir: dir}, nil
	}
}

func (a *saveLocalAction) Run(ctx context.Context, msg *mail.Message) error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("save_local: %w", err)
	}
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("save_local: encode message %s: %w", msg.ID, err)
	}
	target := filepath.Join(a.dir, msg.ID+".json")
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("save_local: write %s: %w", target, err)
	}
	return nil
}

// matchedEvent is the payload appended to the outbox for each message a
// publish_event action sees.
type matchedEvent struct {
	EventID   string   `json:"event_id"`
	Timestamp int64    `json:"ts"`
	Principal string   `json:"principal"`
	MessageID string   `json:"message_id"`
	ThreadID  string   `json:"thread_id"`
	Subject   string   `json:"subject"`
	Snippet   string   `json:"snippet"`
	Labels    []string `json:"labels"`
	Filenames []string `json:"filenames"`
}

type publishEventAction struct {
	events    EventAppender
	principal string
}

// PublishEventFactory builds publish_event actions bound to the outbox. The
// event is appended transactionally and dispatched to the message broker by
// the background dispatcher; the dedup ID keeps redelivered entries from
// producing duplicate events downstream.
func PublishEventFactory(events EventAppender) Factory {
	return func(principal string, args map[string]any) (Action, error) {
		return &publishEventAction{events: events, principal: principal}, nil
	}
}

func (a *publishEventAction) Run(ctx context.Context, msg *mail.Message) error {
	subject, _ := msg.Subject()
	event := matchedEvent{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().Unix(),
		Principal: a.principal,
		MessageID: msg.ID,
		ThreadID:  msg.ThreadID,
		Subject:   subject,
		Snippet:   msg.Snippet,
		Labels:    msg.LabelIDs,
		Filenames: msg.Filenames(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("publish_event: encode event: %w", err)
	}
	natsSubject := fmt.Sprintf("mail.%s.matched", subjectToken(a.principal))
	msgID := fmt.Sprintf("mail.matched|%s|%s", a.principal, msg.ID)
	if err := a.events.AppendEvent(ctx, natsSubject, payload, msgID); err != nil {
		return fmt.Errorf("publish_event: append event for message %s: %w", msg.ID, err)
	}
	return nil
}

// subjectToken makes a principal safe to embed in a NATS subject.
func subjectToken(principal string) string {
	return strings.NewReplacer("@", "-", ".", "-", " ", "-").Replace(principal)
}
