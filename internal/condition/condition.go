// Package condition implements the declarative boolean filter language used
// by message handlers: leaf maps of field predicates combined with AND, OR
// and NOT groups, evaluated against a fetched message.
package condition

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/mail"
)

// Operator combines child conditions in a branch node.
type Operator string

const (
	OpAnd Operator = "AND"
	OpOr  Operator = "OR"
	OpNot Operator = "NOT"
)

// UnknownFieldError reports a condition document using a field the evaluator
// does not know. Raised at handler-load time.
type UnknownFieldError struct {
	Field string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown condition field %q", e.Field)
}

// HeaderNotFoundError reports a message missing a header a leaf condition
// needs to inspect.
type HeaderNotFoundError struct {
	Header string
}

func (e *HeaderNotFoundError) Error() string {
	return fmt.Sprintf("message header %q not found", e.Header)
}

// Leaf holds the field predicates of a leaf node. All present fields must
// hold for the leaf to match.
type Leaf struct {
	Subject  *Rule
	From     *Rule
	To       *Rule
	Cc       *Rule
	Bcc      *Rule
	Filename *Rule
	Has      []string
	After    *time.Time
	Before   *time.Time
	Older    time.Duration
	Newer    time.Duration
	MinSize  *int64
	MaxSize  *int64
	LabelIDs []string
}

// Node is one node of the condition tree: either a branch with an operator
// and children, or a leaf with field predicates. Built once at handler-load
// time and never mutated.
type Node struct {
	Operator   Operator
	Conditions []*Node
	Leaf       *Leaf
}

// IsBranch reports whether the node is a logical group.
func (n *Node) IsBranch() bool {
	return n.Operator != ""
}

// ParseJSON decodes a condition document from its JSON form.
func ParseJSON(data []byte) (*Node, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode condition document: %w", err)
	}
	return Parse(doc)
}

// Parse builds a condition tree from a decoded document. A document with an
// "operator" key is a branch; anything else is a leaf map of field rules.
// Unknown fields, operators or rule keys fail here, before any I/O happens.
func Parse(doc map[string]any) (*Node, error) {
	if _, ok := doc["operator"]; ok {
		return parseBranch(doc)
	}
	return parseLeaf(doc)
}

func parseBranch(doc map[string]any) (*Node, error) {
	opRaw, _ := doc["operator"].(string)
	op := Operator(opRaw)
	switch op {
	case OpAnd, OpOr, OpNot:
	default:
		return nil, fmt.Errorf("unknown condition operator %q", opRaw)
	}
	for key := range doc {
		if key != "operator" && key != "conditions" {
			return nil, &UnknownFieldError{Field: key}
		}
	}
	rawChildren, ok := doc["conditions"].([]any)
	if !ok {
		return nil, fmt.Errorf("condition operator %q: missing conditions list", opRaw)
	}
	node := &Node{Operator: op}
	for i, rawChild := range rawChildren {
		childDoc, ok := rawChild.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("condition operator %q: child %d is not an object", opRaw, i)
		}
		child, err := Parse(childDoc)
		if err != nil {
			return nil, err
		}
		node.Conditions = append(node.Conditions, child)
	}
	return node, nil
}

func parseLeaf(doc map[string]any) (*Node, error) {
	leaf := &Leaf{}
	// Deterministic order so the first bad field reported is stable.
	keys := make([]string, 0, len(doc))
	for key := range doc {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		raw := doc[key]
		var err error
		switch key {
		case "subject":
			leaf.Subject, err = ParseRule(key, raw)
		case "from_":
			leaf.From, err = ParseRule(key, raw)
		case "to":
			leaf.To, err = ParseRule(key, raw)
		case "cc":
			leaf.Cc, err = ParseRule(key, raw)
		case "bcc":
			leaf.Bcc, err = ParseRule(key, raw)
		case "filename":
			leaf.Filename, err = ParseRule(key, raw)
		case "has":
			leaf.Has, err = stringList(raw)
		case "after":
			leaf.After, err = parseDate(key, raw)
		case "before":
			leaf.Before, err = parseDate(key, raw)
		case "older":
			leaf.Older, err = parseDuration(key, raw)
		case "newer":
			leaf.Newer, err = parseDuration(key, raw)
		case "min_size_bytes":
			leaf.MinSize, err = parseSize(key, raw)
		case "max_size_bytes":
			leaf.MaxSize, err = parseSize(key, raw)
		case "label_ids":
			leaf.LabelIDs, err = stringList(raw)
		default:
			return nil, &UnknownFieldError{Field: key}
		}
		if err != nil {
			return nil, err
		}
	}
	return &Node{Leaf: leaf}, nil
}

func parseDate(field string, raw any) (*time.Time, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("condition field %q: expected a YYYY/MM/DD string, got %T", field, raw)
	}
	t, err := time.Parse("2006/01/02", s)
	if err != nil {
		return nil, fmt.Errorf("condition field %q: invalid date %q: %w", field, s, err)
	}
	return &t, nil
}

var durationPattern = regexp.MustCompile(`^(\d+)([dwmy])$`)

func parseDuration(field string, raw any) (time.Duration, error) {
	s, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("condition field %q: expected a duration string, got %T", field, raw)
	}
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("condition field %q: invalid duration %q, expected e.g. 2d, 1w, 3m, 1y", field, s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("condition field %q: invalid duration %q: %w", field, s, err)
	}
	day := 24 * time.Hour
	switch m[2] {
	case "d":
		return time.Duration(n) * day, nil
	case "w":
		return time.Duration(n) * 7 * day, nil
	case "m":
		// Months approximated as 30 days.
		return time.Duration(n) * 30 * day, nil
	default:
		// Years approximated as 365 days.
		return time.Duration(n) * 365 * day, nil
	}
}

func parseSize(field string, raw any) (*int64, error) {
	var n int64
	switch v := raw.(type) {
	case int:
		n = int64(v)
	case int64:
		n = v
	case uint64:
		n = int64(v)
	case float64:
		n = int64(v)
	default:
		return nil, fmt.Errorf("condition field %q: expected an integer, got %T", field, raw)
	}
	return &n, nil
}

// Evaluate reports whether the message satisfies the condition tree. It is
// pure apart from reading the clock for the older/newer fields; it never
// performs I/O.
func (n *Node) Evaluate(msg *mail.Message) (bool, error) {
	return n.evaluateAt(msg, time.Now())
}

func (n *Node) evaluateAt(msg *mail.Message, now time.Time) (bool, error) {
	if !n.IsBranch() {
		return n.Leaf.evaluateAt(msg, now)
	}
	switch n.Operator {
	case OpAnd:
		for _, child := range n.Conditions {
			ok, err := child.evaluateAt(msg, now)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case OpOr:
		for _, child := range n.Conditions {
			ok, err := child.evaluateAt(msg, now)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		// Only the first child is negated; additional children are ignored.
		if len(n.Conditions) == 0 {
			return true, nil
		}
		ok, err := n.Conditions[0].evaluateAt(msg, now)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return false, fmt.Errorf("unknown condition operator %q", n.Operator)
	}
}

func (l *Leaf) evaluateAt(msg *mail.Message, now time.Time) (bool, error) {
	if l == nil {
		return true, nil
	}
	if l.Subject != nil {
		subject, ok := msg.Subject()
		if !ok {
			return false, &HeaderNotFoundError{Header: "Subject"}
		}
		if !l.Subject.Matches(subject) {
			return false, nil
		}
	}
	if l.From != nil {
		// The rule matches if either the display name or the address does.
		name, address, _ := msg.From()
		if !l.From.Matches(name) && !l.From.Matches(address) {
			return false, nil
		}
	}
	if l.To != nil && !l.To.MatchesAny(msg.Addresses("To")) {
		return false, nil
	}
	if l.Cc != nil && !l.Cc.MatchesAny(msg.Addresses("Cc")) {
		return false, nil
	}
	if l.Bcc != nil && !l.Bcc.MatchesAny(msg.Addresses("Bcc")) {
		return false, nil
	}
	if l.Filename != nil && !l.Filename.MatchesAny(msg.Filenames()) {
		return false, nil
	}
	if slices.Contains(l.Has, "attachment") && !msg.HasAttachment() {
		return false, nil
	}
	if l.After != nil && !msg.InternalDate.After(*l.After) {
		return false, nil
	}
	if l.Before != nil && !msg.InternalDate.Before(*l.Before) {
		return false, nil
	}
	if l.Older != 0 && !msg.InternalDate.Before(now.Add(-l.Older)) {
		return false, nil
	}
	if l.Newer != 0 && !msg.InternalDate.After(now.Add(-l.Newer)) {
		return false, nil
	}
	if l.MinSize != nil && msg.SizeEstimate < *l.MinSize {
		return false, nil
	}
	if l.MaxSize != nil && msg.SizeEstimate > *l.MaxSize {
		return false, nil
	}
	if len(l.LabelIDs) > 0 {
		matched := false
		for _, label := range l.LabelIDs {
			if slices.Contains(msg.LabelIDs, label) {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}
