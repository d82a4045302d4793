// Package mail holds the immutable message model produced by the Gmail
// collaborator and consumed by the condition and handler packages.
package mail

import (
	"net/mail"
	"strings"
	"time"
)

// Header is a single message header. Headers may repeat and their order is
// preserved.
type Header struct {
	Name  string
	Value string
}

// Body is the body of a message part. Data holds urlsafe-base64 content when
// the part is inlined; AttachmentID references content that must be fetched
// separately.
type Body struct {
	AttachmentID string
	Size         int64
	Data         string
}

// Part is one node of the MIME part tree.
type Part struct {
	PartID   string
	Filename string
	MIMEType string
	Headers  []Header
	Body     Body
	Parts    []Part
}

// Message is a fully fetched Gmail message. It is never mutated after
// construction.
type Message struct {
	ID           string
	ThreadID     string
	HistoryID    uint64
	InternalDate time.Time
	SizeEstimate int64
	Snippet      string
	LabelIDs     []string
	Payload      Part
}

// Header returns the value of the first header with the given name,
// case-insensitively.
func (m *Message) Header(name string) (string, bool) {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Subject returns the Subject header value.
func (m *Message) Subject() (string, bool) {
	return m.Header("Subject")
}

// From returns the display name and address parsed from the From header.
// A header that does not parse as an RFC 5322 address is returned verbatim
// as the address part.
func (m *Message) From() (name, address string, ok bool) {
	raw, ok := m.Header("From")
	if !ok {
		return "", "", false
	}
	name, address = parseAddress(raw)
	return name, address, true
}

// Addresses parses a comma-separated recipient header (To, Cc, Bcc) into
// bare addresses.
func (m *Message) Addresses(header string) []string {
	raw, ok := m.Header(header)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	var addrs []string
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		_, addr := parseAddress(field)
		addrs = append(addrs, addr)
	}
	return addrs
}

func parseAddress(raw string) (name, address string) {
	parsed, err := mail.ParseAddress(raw)
	if err != nil {
		return "", strings.TrimSpace(raw)
	}
	return parsed.Name, parsed.Address
}

// Filenames collects every filename in the part tree, depth first. A part
// contributes its own filename, if present, before its children.
func (m *Message) Filenames() []string {
	return collectFilenames(m.Payload, nil)
}

func collectFilenames(p Part, acc []string) []string {
	if p.Filename != "" {
		acc = append(acc, p.Filename)
	}
	for _, child := range p.Parts {
		acc = collectFilenames(child, acc)
	}
	return acc
}

// Attachments returns every part in the tree carrying an attachment ID.
func (m *Message) Attachments() []Part {
	return collectAttachments(m.Payload, nil)
}

func collectAttachments(p Part, acc []Part) []Part {
	if p.Body.AttachmentID != "" {
		acc = append(acc, p)
	}
	for _, child := range p.Parts {
		acc = collectAttachments(child, acc)
	}
	return acc
}

// HasAttachment reports whether any part in the tree carries an attachment ID.
func (m *Message) HasAttachment() bool {
	return len(m.Attachments()) > 0
}
