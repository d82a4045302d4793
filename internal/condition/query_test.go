package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, doc map[string]any) *Node {
	t.Helper()
	node, err := Parse(doc)
	require.NoError(t, err)
	return node
}

func TestQueryLeaf(t *testing.T) {
	tests := []struct {
		name string
		doc  map[string]any
		want string
	}{
		{
			"subject equal",
			map[string]any{"subject": map[string]any{"equal": "Invoice"}},
			`subject:"Invoice"`,
		},
		{
			"from contains renders as plain term",
			map[string]any{"from_": map[string]any{"contains": "Nubank"}},
			`from:"Nubank"`,
		},
		{
			"filename endswith renders as plain term",
			map[string]any{"filename": map[string]any{"endswith": "pdf"}},
			`filename:"pdf"`,
		},
		{
			"multiple keys space joined",
			map[string]any{"subject": map[string]any{"startswith": "Fat", "contains": "ura"}},
			`subject:"Fat" subject:"ura"`,
		},
		{
			"untranslatable field renders empty",
			map[string]any{"label_ids": []any{"INBOX"}},
			"",
		},
		{
			"untranslatable field omitted next to translatable one",
			map[string]any{"subject": map[string]any{"equal": "Invoice"}, "min_size_bytes": 100},
			`subject:"Invoice"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Query(mustParse(t, tt.doc)))
		})
	}
}

func TestQueryBranches(t *testing.T) {
	subject := map[string]any{"subject": map[string]any{"equal": "Invoice"}}
	from := map[string]any{"from_": map[string]any{"equal": "sender@example.com"}}

	tests := []struct {
		name string
		doc  map[string]any
		want string
	}{
		{
			"AND parenthesizes and space joins",
			map[string]any{"operator": "AND", "conditions": []any{subject, from}},
			`(subject:"Invoice") (from:"sender@example.com")`,
		},
		{
			"OR joins with literal OR",
			map[string]any{"operator": "OR", "conditions": []any{subject, from}},
			`(subject:"Invoice") OR (from:"sender@example.com")`,
		},
		{
			// The translator negates every child while the evaluator only
			// negates the first; both behaviors are kept as-is.
			"NOT negates every child",
			map[string]any{"operator": "NOT", "conditions": []any{subject, from}},
			`-(subject:"Invoice") -(from:"sender@example.com")`,
		},
		{
			"nested groups",
			map[string]any{"operator": "AND", "conditions": []any{
				map[string]any{"operator": "OR", "conditions": []any{subject, from}},
				map[string]any{"filename": map[string]any{"endswith": "pdf"}},
			}},
			`((subject:"Invoice") OR (from:"sender@example.com")) (filename:"pdf")`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Query(mustParse(t, tt.doc)))
		})
	}
}
