package condition

import (
	"fmt"
	"strings"
)

// Query renders the condition tree as a Gmail search query string. The
// projection is lossy: only the subject, from_ and filename fields are
// translatable, operator distinctions within a rule are collapsed to plain
// substring terms, and a NOT group negates every child (the evaluator only
// negates the first). The query is a pre-filter hint for the remote search
// API; the evaluator stays authoritative.
func Query(n *Node) string {
	if !n.IsBranch() {
		return n.Leaf.query()
	}
	terms := make([]string, 0, len(n.Conditions))
	for _, child := range n.Conditions {
		terms = append(terms, Query(child))
	}
	switch n.Operator {
	case OpOr:
		for i, term := range terms {
			terms[i] = "(" + term + ")"
		}
		return strings.Join(terms, " OR ")
	case OpNot:
		for i, term := range terms {
			terms[i] = "-(" + term + ")"
		}
		return strings.Join(terms, " ")
	default:
		for i, term := range terms {
			terms[i] = "(" + term + ")"
		}
		return strings.Join(terms, " ")
	}
}

func (l *Leaf) query() string {
	if l == nil {
		return ""
	}
	var terms []string
	appendField := func(name string, rule *Rule) {
		if rule == nil {
			return
		}
		for _, value := range []*string{rule.Equal, rule.StartsWith, rule.EndsWith, rule.Contains} {
			if value != nil {
				terms = append(terms, fmt.Sprintf("%s:%q", name, *value))
			}
		}
	}
	appendField("subject", l.Subject)
	appendField("from", l.From)
	appendField("filename", l.Filename)
	return strings.Join(terms, " ")
}
