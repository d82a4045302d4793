package condition

import (
	"fmt"
	"slices"
	"strings"
)

// Rule is a predicate over a single string value. Every present key must
// hold; a rule with no keys matches everything.
type Rule struct {
	Equal      *string
	In         []string
	StartsWith *string
	EndsWith   *string
	Contains   *string
}

// Matches reports whether v satisfies every present key of the rule. A nil
// rule matches vacuously.
func (r *Rule) Matches(v string) bool {
	if r == nil {
		return true
	}
	if r.Equal != nil && v != *r.Equal {
		return false
	}
	if r.In != nil && !slices.Contains(r.In, v) {
		return false
	}
	if r.StartsWith != nil && !strings.HasPrefix(v, *r.StartsWith) {
		return false
	}
	if r.EndsWith != nil && !strings.HasSuffix(v, *r.EndsWith) {
		return false
	}
	if r.Contains != nil && !strings.Contains(v, *r.Contains) {
		return false
	}
	return true
}

// MatchesAny reports whether any of the values satisfies the rule. An empty
// slice never matches a non-nil rule.
func (r *Rule) MatchesAny(values []string) bool {
	if r == nil {
		return true
	}
	for _, v := range values {
		if r.Matches(v) {
			return true
		}
	}
	return false
}

// ParseRule decodes a single rule object from a condition or action
// document. The field name is only used in error messages.
func ParseRule(field string, raw any) (*Rule, error) {
	doc, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("condition field %q: expected a rule object, got %T", field, raw)
	}
	rule := &Rule{}
	for key, val := range doc {
		switch key {
		case "equal", "startswith", "endswith", "contains":
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("condition field %q: rule key %q expects a string, got %T", field, key, val)
			}
			switch key {
			case "equal":
				rule.Equal = &s
			case "startswith":
				rule.StartsWith = &s
			case "endswith":
				rule.EndsWith = &s
			case "contains":
				rule.Contains = &s
			}
		case "in_":
			list, err := stringList(val)
			if err != nil {
				return nil, fmt.Errorf("condition field %q: rule key \"in_\": %w", field, err)
			}
			rule.In = list
		default:
			return nil, fmt.Errorf("condition field %q: unknown rule key %q", field, key)
		}
	}
	return rule, nil
}

func stringList(raw any) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string elements, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case []string:
		return slices.Clone(v), nil
	default:
		return nil, fmt.Errorf("expected string or list of strings, got %T", raw)
	}
}
