// Package gmail implements the mailbox collaborator on top of the Gmail
// API: watch registration, history listing, message and attachment fetch.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/mail"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/watcher"
)

// Client is a principal-bound Gmail client implementing watcher.Mailbox.
// All calls run as the authorized user ("me").
type Client struct {
	svc *gmailapi.Service
}

// New builds a client from the principal's stored OAuth token. The token is
// refreshed transparently by the oauth2 transport.
func New(ctx context.Context, conf *oauth2.Config, tok *oauth2.Token) (*Client, error) {
	httpClient := conf.Client(ctx, tok)

	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create Gmail service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// Watch registers the push notification channel for the mailbox and returns
// the mailbox's current history ID and the registration expiration.
func (c *Client) Watch(ctx context.Context, topic string) (watcher.Cursor, time.Time, error) {
	res, err := c.svc.Users.Watch("me", &gmailapi.WatchRequest{TopicName: topic}).Context(ctx).Do()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("register watch: %w", err)
	}
	return watcher.Cursor(res.HistoryId), time.UnixMilli(res.Expiration), nil
}

// ListHistory fetches one page of the history list starting at the given
// cursor.
func (c *Client) ListHistory(ctx context.Context, start watcher.Cursor, pageToken string, eventTypes []string) (*watcher.ChangePage, error) {
	call := c.svc.Users.History.List("me").
		StartHistoryId(uint64(start)).
		HistoryTypes(eventTypes...).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	res, err := call.Do()
	if err != nil {
		return nil, err
	}

	page := &watcher.ChangePage{NextPageToken: res.NextPageToken}
	for _, record := range res.History {
		entry := watcher.ChangeEntry{Cursor: watcher.Cursor(record.Id)}
		for _, added := range record.MessagesAdded {
			if added.Message == nil {
				continue
			}
			entry.Added = append(entry.Added, watcher.MessageRef{ID: added.Message.Id})
		}
		page.Entries = append(page.Entries, entry)
	}
	return page, nil
}

// FetchMessage resolves a message reference to the full message. A 404 from
// the API maps to watcher.ErrMessageNotFound.
func (c *Client) FetchMessage(ctx context.Context, id string) (*mail.Message, error) {
	res, err := c.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("message %s: %w", id, watcher.ErrMessageNotFound)
		}
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return convertMessage(res), nil
}

// FetchAttachment downloads and decodes one attachment body.
func (c *Client) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	res, err := c.svc.Users.Messages.Attachments.Get("me", messageID, attachmentID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get attachment %s of message %s: %w", attachmentID, messageID, err)
	}
	data, err := decodeBody(res.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s of message %s: %w", attachmentID, messageID, err)
	}
	return data, nil
}

// decodeBody decodes Gmail's urlsafe base64, tolerating missing padding.
func decodeBody(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}

func convertMessage(m *gmailapi.Message) *mail.Message {
	msg := &mail.Message{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		HistoryID:    m.HistoryId,
		InternalDate: time.UnixMilli(m.InternalDate),
		SizeEstimate: m.SizeEstimate,
		Snippet:      m.Snippet,
		LabelIDs:     m.LabelIds,
	}
	if m.Payload != nil {
		msg.Payload = convertPart(m.Payload)
	}
	return msg
}

func convertPart(p *gmailapi.MessagePart) mail.Part {
	part := mail.Part{
		PartID:   p.PartId,
		Filename: p.Filename,
		MIMEType: p.MimeType,
	}
	for _, h := range p.Headers {
		part.Headers = append(part.Headers, mail.Header{Name: h.Name, Value: h.Value})
	}
	if p.Body != nil {
		part.Body = mail.Body{
			AttachmentID: p.Body.AttachmentId,
			Size:         p.Body.Size,
			Data:         p.Body.Data,
		}
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, convertPart(child))
	}
	return part
}
