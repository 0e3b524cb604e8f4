package storetest

import (
	"encoding/json"
	"strings"
)

// Matches evaluates query against a JSON-decoded document. It understands
// match_all, bool (must, filter, should, must_not), term, terms, match and
// nested. Anything else matches nothing.
func Matches(doc map[string]any, query map[string]any) bool {
	if len(query) == 0 {
		return true
	}
	for clause, body := range query {
		if !matchClause(doc, clause, body) {
			return false
		}
	}
	return true
}

func matchClause(doc map[string]any, clause string, body any) bool {
	switch clause {
	case "match_all":
		return true
	case "bool":
		return matchBool(doc, asMap(body))
	case "term":
		return matchFields(doc, asMap(body), "value", equal)
	case "match":
		return matchFields(doc, asMap(body), "query", equalFold)
	case "terms":
		for field, values := range asMap(body) {
			found := false
			for _, want := range asList(values) {
				if anyValue(lookup(doc, field), want, equal) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case "nested":
		return matchNested(doc, asMap(body))
	}
	return false
}

func matchBool(doc map[string]any, body map[string]any) bool {
	for _, key := range []string{"must", "filter"} {
		for _, sub := range asList(body[key]) {
			if !Matches(doc, asMap(sub)) {
				return false
			}
		}
	}
	for _, sub := range asList(body["must_not"]) {
		if Matches(doc, asMap(sub)) {
			return false
		}
	}
	should := asList(body["should"])
	if len(should) == 0 {
		return true
	}
	for _, sub := range should {
		if Matches(doc, asMap(sub)) {
			return true
		}
	}
	return false
}

// matchFields handles {"field": value} and {"field": {key: value}}.
func matchFields(doc map[string]any, body map[string]any, key string, eq func(a, b any) bool) bool {
	for field, spec := range body {
		want := spec
		if m, ok := spec.(map[string]any); ok {
			want = m[key]
		}
		if !anyValue(lookup(doc, field), want, eq) {
			return false
		}
	}
	return true
}

// matchNested requires a single element of the nested array to satisfy the
// whole inner query.
func matchNested(doc map[string]any, body map[string]any) bool {
	nestedPath, _ := body["path"].(string)
	inner := asMap(body["query"])
	parts := strings.Split(nestedPath, ".")

	for _, item := range lookup(doc, nestedPath) {
		var sub any = item
		for i := len(parts) - 1; i >= 0; i-- {
			sub = map[string]any{parts[i]: sub}
		}
		if Matches(sub.(map[string]any), inner) {
			return true
		}
	}
	return false
}

// lookup resolves a dotted path, flattening arrays along the way.
func lookup(doc map[string]any, field string) []any {
	return walk(doc, strings.Split(field, "."))
}

func walk(value any, parts []string) []any {
	if list, ok := value.([]any); ok {
		var out []any
		for _, item := range list {
			out = append(out, walk(item, parts)...)
		}
		return out
	}
	if len(parts) == 0 {
		if value == nil {
			return nil
		}
		return []any{value}
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	next, ok := m[parts[0]]
	if !ok {
		return nil
	}
	return walk(next, parts[1:])
}

func anyValue(values []any, want any, eq func(a, b any) bool) bool {
	for _, value := range values {
		if eq(value, want) {
			return true
		}
	}
	return false
}

// equal compares values by their JSON encoding so 3 and 3.0 agree.
func equal(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ra) == string(rb)
}

func equalFold(a, b any) bool {
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.EqualFold(sa, sb)
	}
	return equal(a, b)
}

// asMap normalizes typed query fragments by round-tripping through JSON.
func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}

func asList(v any) []any {
	switch list := v.(type) {
	case nil:
		return nil
	case []any:
		return list
	case []map[string]any:
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = item
		}
		return out
	}
	return []any{v}
}
