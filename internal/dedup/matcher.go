// Package dedup decides whether a report is already stored.
package dedup

import (
	"context"

	"github.com/pkg/errors"

	"github.com/andersnauman/dmarc-collector/shared/models"
)

// Counter counts documents matching a query.
type Counter interface {
	Count(ctx context.Context, index string, query map[string]any) (int64, error)
}

// Matcher is read-only. It always queries the kind's alias, never a single
// partition.
type Matcher struct {
	counter Counter
}

func NewMatcher(counter Counter) *Matcher {
	return &Matcher{counter: counter}
}

// Matches reports whether a document representing the same report exists.
func (m *Matcher) Matches(ctx context.Context, doc models.Document) (bool, error) {
	query, err := Query(doc)
	if err != nil {
		return false, err
	}

	count, err := m.counter.Count(ctx, doc.Kind().Alias(), query)
	if err != nil {
		return false, errors.Wrapf(err, "duplicate check for %s report", doc.Kind())
	}
	return count > 0, nil
}

// Query builds the identity query for doc.
func Query(doc models.Document) (map[string]any, error) {
	switch report := doc.(type) {
	case *models.AggregateReport:
		return AggregateQuery(report), nil
	case *models.ForensicReport:
		return ForensicQuery(report), nil
	}
	return nil, errors.Errorf("no identity query for %T", doc)
}

// AggregateQuery matches on the report id alone.
func AggregateQuery(report *models.AggregateReport) map[string]any {
	return term("metadata.report_id", report.Identity())
}

// ForensicQuery matches arrival date and envelope sender, plus one nested
// clause per recipient. A report without recipients matches on the first two
// only.
func ForensicQuery(report *models.ForensicReport) map[string]any {
	var arrival, sender string
	if report.ArrivalDate != nil {
		arrival = report.ArrivalDate.String()
	}
	if report.OriginalMailFrom != nil {
		sender = report.OriginalMailFrom.Address
	}

	must := []any{
		term("arrival_date", arrival),
		term("original_mail_from.address", sender),
	}
	for _, address := range report.RecipientAddresses() {
		must = append(must, map[string]any{
			"nested": map[string]any{
				"path":  "original_rcpt_to",
				"query": term("original_rcpt_to.address", address),
			},
		})
	}

	return map[string]any{
		"bool": map[string]any{"must": must},
	}
}

func term(field string, value any) map[string]any {
	return map[string]any{
		"term": map[string]any{field: value},
	}
}
