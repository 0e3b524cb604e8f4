package models

import "strings"

// Kind identifies one of the two report kinds.
type Kind string

const (
	KindAggregate Kind = "aggregate"
	KindForensic  Kind = "forensic"
)

// Logical names reports are queried and written through. Physical partitions
// are named <alias>-<timestamp>.
const (
	AggregateAlias = "aggregate-report"
	ForensicAlias  = "forensic-report"

	AggregatePattern = AggregateAlias + "-*"
	ForensicPattern  = ForensicAlias + "-*"
)

// Kinds lists every registered report kind.
func Kinds() []Kind {
	return []Kind{KindAggregate, KindForensic}
}

// KindOf maps a record type field to a Kind. The match is exact.
func KindOf(recordType string) (Kind, bool) {
	switch Kind(recordType) {
	case KindAggregate:
		return KindAggregate, true
	case KindForensic:
		return KindForensic, true
	}
	return "", false
}

// ParseKind maps a CLI value to a Kind, ignoring case and surrounding blanks.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindAggregate:
		return KindAggregate, true
	case KindForensic:
		return KindForensic, true
	}
	return "", false
}

// KindForAlias recognizes aliases and partition names by prefix.
func KindForAlias(alias string) (Kind, bool) {
	switch {
	case strings.HasPrefix(alias, ForensicAlias):
		return KindForensic, true
	case strings.HasPrefix(alias, AggregateAlias):
		return KindAggregate, true
	}
	return "", false
}

func (k Kind) Alias() string {
	if k == KindForensic {
		return ForensicAlias
	}
	return AggregateAlias
}

// Pattern is the wildcard matching every partition of the kind.
func (k Kind) Pattern() string {
	return k.Alias() + "-*"
}

// IndexTemplate is the body of a composable index template.
type IndexTemplate struct {
	IndexPatterns []string       `json:"index_patterns"`
	Template      TemplateBody   `json:"template"`
	ComposedOf    []string       `json:"composed_of"`
	Priority      *int           `json:"priority,omitempty"`
	Meta          map[string]any `json:"_meta,omitempty"`
}

type TemplateBody struct {
	Settings map[string]any `json:"settings,omitempty"`
	Mappings map[string]any `json:"mappings,omitempty"`
}

// Template describes the schema every partition of the kind inherits.
func (k Kind) Template() IndexTemplate {
	var doc any = &AggregateReport{}
	if k == KindForensic {
		doc = &ForensicReport{}
	}

	return IndexTemplate{
		IndexPatterns: []string{k.Pattern()},
		Template: TemplateBody{
			Settings: map[string]any{
				"number_of_shards":   1,
				"number_of_replicas": 0,
			},
			Mappings: Mapping(doc),
		},
		ComposedOf: []string{},
		Meta: map[string]any{
			"kind": string(k),
		},
	}
}
