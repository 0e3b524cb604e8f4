package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andersnauman/dmarc-collector/internal/dedup"
	"github.com/andersnauman/dmarc-collector/internal/kafka"
	"github.com/andersnauman/dmarc-collector/internal/lifecycle"
	"github.com/andersnauman/dmarc-collector/internal/metrics"
	"github.com/andersnauman/dmarc-collector/internal/store"
	"github.com/andersnauman/dmarc-collector/internal/store/storetest"
	"github.com/andersnauman/dmarc-collector/shared/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// MockPublisher records published events
type MockPublisher struct {
	events []kafka.ReportStoredEvent
	err    error
}

func (m *MockPublisher) PublishReportStored(_ context.Context, event kafka.ReportStoredEvent) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *MockPublisher) Close() error { return nil }

type harness struct {
	mem       *storetest.Memory
	publisher *MockPublisher
	processor *ReportProcessor
}

func newHarness() *harness {
	mem := storetest.NewMemory()
	logger := testLogger()
	collector := metrics.NewCollector("test")
	publisher := &MockPublisher{}

	manager := lifecycle.NewManager(mem, logger, collector)
	p := NewReportProcessor(manager, dedup.NewMatcher(mem), mem, publisher, collector, logger)
	return &harness{mem: mem, publisher: publisher, processor: p}
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func aggregateRecord(reportID string) map[string]any {
	return map[string]any{
		"type": "aggregate",
		"report": map[string]any{
			"metadata": map[string]any{
				"org_name":   "google.com",
				"report_id":  reportID,
				"date_begin": "2024-01-01 00:00:00",
				"date_end":   "2024-01-01 23:59:59",
			},
			"policy_published": map[string]any{"domain": "example.com", "p": "none"},
			"records": []any{
				map[string]any{
					"row":          map[string]any{"count": 1, "source_ip": "192.0.2.1"},
					"auth_results": map[string]any{"spf": map[string]any{"domain": "example.com", "result": "pass"}},
				},
			},
		},
	}
}

func forensicRecord(sender string, rcpts ...string) map[string]any {
	list := make([]any, 0, len(rcpts))
	for _, r := range rcpts {
		list = append(list, map[string]any{"address": r})
	}
	return map[string]any{
		"type": "forensic",
		"report": map[string]any{
			"arrival_date":       "Tue, 2 Jan 2024 15:30:00 +0000",
			"original_mail_from": map[string]any{"address": sender},
			"original_rcpt_to":   list,
			"source_ip":          "198.51.100.7",
		},
		"sample": map[string]any{"subject": "Invoice"},
	}
}

func TestClassify(t *testing.T) {
	t.Run("Aggregate", func(t *testing.T) {
		rec, err := Classify(raw(t, aggregateRecord("R1")))
		require.NoError(t, err)
		agg, ok := rec.(AggregateRecord)
		require.True(t, ok)
		assert.Equal(t, "R1", agg.Report.Identity())
	})

	t.Run("Forensic With Sample", func(t *testing.T) {
		rec, err := Classify(raw(t, forensicRecord("s@example.com", "a@example.org")))
		require.NoError(t, err)
		forensic, ok := rec.(ForensicRecord)
		require.True(t, ok)
		require.NotNil(t, forensic.Report.Sample)
		assert.Equal(t, "Invoice", forensic.Report.Sample.Subject)
	})

	t.Run("Unknown Type", func(t *testing.T) {
		rec, err := Classify(raw(t, map[string]any{"type": "tls", "report": map[string]any{}}))
		require.NoError(t, err)
		assert.Equal(t, UnknownRecord{Type: "tls", Reason: "unrecognized type"}, rec)
	})

	t.Run("Type Must Match Exactly", func(t *testing.T) {
		record := aggregateRecord("R1")
		record["type"] = " AGGREGATE "

		rec, err := Classify(raw(t, record))
		require.NoError(t, err)
		assert.Equal(t, UnknownRecord{Type: " AGGREGATE ", Reason: "unrecognized type"}, rec)
	})

	t.Run("Numeric Text In Aggregate", func(t *testing.T) {
		record := aggregateRecord("R1")
		report := record["report"].(map[string]any)
		report["policy_published"].(map[string]any)["pct"] = "100"
		report["records"].([]any)[0].(map[string]any)["row"].(map[string]any)["count"] = "3"

		rec, err := Classify(raw(t, record))
		require.NoError(t, err)
		assert.IsType(t, AggregateRecord{}, rec)
	})

	t.Run("Malformed Sample In Report Fields", func(t *testing.T) {
		record := forensicRecord("s@example.com", "a@example.org")
		delete(record, "sample")
		record["report"].(map[string]any)["sample"] = map[string]any{"from_address": map[string]any{}}

		_, err := Classify(raw(t, record))
		var violation *models.SchemaViolation
		assert.True(t, errors.As(err, &violation))
	})

	t.Run("Missing Report", func(t *testing.T) {
		rec, err := Classify(raw(t, map[string]any{"type": "aggregate"}))
		require.NoError(t, err)
		assert.IsType(t, UnknownRecord{}, rec)
	})

	t.Run("Not An Object", func(t *testing.T) {
		rec, err := Classify(json.RawMessage(`[1,2]`))
		require.NoError(t, err)
		assert.IsType(t, UnknownRecord{}, rec)
	})

	t.Run("Malformed Report", func(t *testing.T) {
		_, err := Classify(raw(t, map[string]any{"type": "aggregate", "report": map[string]any{"metadata": map[string]any{}}}))
		var violation *models.SchemaViolation
		assert.True(t, errors.As(err, &violation))
	})
}

func TestProcessBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("Duplicate Report Id In One Batch", func(t *testing.T) {
		h := newHarness()

		summary := h.processor.ProcessBatch(ctx, []json.RawMessage{
			raw(t, aggregateRecord("R1")),
			raw(t, aggregateRecord("R1")),
		})

		assert.Equal(t, Summary{Total: 2, Stored: 1, Duplicates: 1}, summary)
		docs := h.mem.Documents(models.AggregateAlias)
		require.Len(t, docs, 1)
		assert.Equal(t, "R1", docs[0]["metadata"].(map[string]any)["report_id"])
		assert.NotEmpty(t, docs[0]["created_date"])
		assert.NotEmpty(t, docs[0]["last_updated"])
		assert.Len(t, h.mem.Partitions(models.AggregateAlias), 1)
	})

	t.Run("Duplicate Across Batches", func(t *testing.T) {
		h := newHarness()

		first := h.processor.ProcessBatch(ctx, []json.RawMessage{raw(t, aggregateRecord("R1"))})
		second := h.processor.ProcessBatch(ctx, []json.RawMessage{raw(t, aggregateRecord("R1"))})

		assert.Equal(t, 1, first.Stored)
		assert.Equal(t, 1, second.Duplicates)
		assert.Len(t, h.mem.Documents(models.AggregateAlias), 1)
	})

	t.Run("Malformed Record Is Skipped", func(t *testing.T) {
		h := newHarness()
		malformed := aggregateRecord("R2")
		malformed["report"].(map[string]any)["metadata"].(map[string]any)["email"] = map[string]any{}

		summary := h.processor.ProcessBatch(ctx, []json.RawMessage{
			raw(t, malformed),
			raw(t, aggregateRecord("R1")),
		})

		assert.Equal(t, Summary{Total: 2, Stored: 1, Skipped: 1}, summary)
		assert.Len(t, h.mem.Documents(models.AggregateAlias), 1)
	})

	t.Run("Unknown And Incomplete Records Are Skipped", func(t *testing.T) {
		h := newHarness()

		summary := h.processor.ProcessBatch(ctx, []json.RawMessage{
			raw(t, map[string]any{"type": "smtp-tls", "report": map[string]any{}}),
			raw(t, map[string]any{"type": "forensic"}),
			json.RawMessage(`not json`),
		})

		assert.Equal(t, Summary{Total: 3, Skipped: 3}, summary)
		assert.Empty(t, h.mem.Indices(), "nothing created for skipped records")
	})

	t.Run("Forensic Identity", func(t *testing.T) {
		h := newHarness()

		summary := h.processor.ProcessBatch(ctx, []json.RawMessage{
			raw(t, forensicRecord("s@example.com", "a@example.org", "b@example.org")),
			raw(t, forensicRecord("s@example.com", "b@example.org", "a@example.org")),
			raw(t, forensicRecord("s@example.com", "a@example.org", "c@example.org")),
			raw(t, forensicRecord("x@example.com", "a@example.org", "b@example.org")),
		})

		assert.Equal(t, Summary{Total: 4, Stored: 3, Duplicates: 1}, summary)
		assert.Len(t, h.mem.Documents(models.ForensicAlias), 3)
	})

	t.Run("Each Kind Gets Its Own Alias", func(t *testing.T) {
		h := newHarness()

		h.processor.ProcessBatch(ctx, []json.RawMessage{
			raw(t, aggregateRecord("R1")),
			raw(t, forensicRecord("s@example.com", "a@example.org")),
		})

		assert.Len(t, h.mem.Documents(models.AggregateAlias), 1)
		assert.Len(t, h.mem.Documents(models.ForensicAlias), 1)
		assert.Len(t, h.mem.Indices(), 2)
	})

	t.Run("Write Failure Skips Record", func(t *testing.T) {
		h := newHarness()
		h.mem.Fail(storetest.OpIndexDocument, store.ErrUnavailable)

		summary := h.processor.ProcessBatch(ctx, []json.RawMessage{
			raw(t, aggregateRecord("R1")),
			raw(t, aggregateRecord("R2")),
		})
		assert.Equal(t, Summary{Total: 2, Failed: 2}, summary)

		h.mem.Fail(storetest.OpIndexDocument, nil)
		summary = h.processor.ProcessBatch(ctx, []json.RawMessage{raw(t, aggregateRecord("R1"))})
		assert.Equal(t, 1, summary.Stored, "failed record was not stored earlier")
	})

	t.Run("Partition Failure Skips Record", func(t *testing.T) {
		h := newHarness()
		h.mem.Fail(storetest.OpCreateIndex, store.ErrUnavailable)

		outcome, err := h.processor.ProcessRecord(ctx, raw(t, aggregateRecord("R1")))
		assert.Equal(t, metrics.OutcomeFailed, outcome)
		assert.ErrorIs(t, err, store.ErrUnavailable)
	})

	t.Run("Publishes Stored Events", func(t *testing.T) {
		h := newHarness()

		h.processor.ProcessBatch(ctx, []json.RawMessage{
			raw(t, aggregateRecord("R1")),
			raw(t, aggregateRecord("R1")),
		})

		require.Len(t, h.publisher.events, 1)
		event := h.publisher.events[0]
		assert.Equal(t, "R1", event.Identity)
		assert.Equal(t, models.AggregateAlias, event.Alias)
		assert.NotEmpty(t, event.DocumentID)
	})

	t.Run("Publish Failure Does Not Fail Record", func(t *testing.T) {
		h := newHarness()
		h.publisher.err = errors.New("broker down")

		summary := h.processor.ProcessBatch(ctx, []json.RawMessage{raw(t, aggregateRecord("R1"))})
		assert.Equal(t, 1, summary.Stored)
	})

	t.Run("Cancelled Context Stops Batch", func(t *testing.T) {
		h := newHarness()
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		summary := h.processor.ProcessBatch(cancelled, []json.RawMessage{
			raw(t, aggregateRecord("R1")),
			raw(t, aggregateRecord("R2")),
		})
		assert.Equal(t, Summary{Total: 2, Failed: 2}, summary)
		assert.Empty(t, h.mem.Indices())
	})
}

func TestStampOnWrite(t *testing.T) {
	h := newHarness()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.processor.now = func() time.Time { return at }

	fields := aggregateRecord("R1")
	fields["report"].(map[string]any)["created_date"] = "2000-01-01T00:00:00Z"

	summary := h.processor.ProcessBatch(context.Background(), []json.RawMessage{raw(t, fields)})
	require.Equal(t, 1, summary.Stored)

	doc := h.mem.Documents(models.AggregateAlias)[0]
	assert.Equal(t, "2024-03-01T12:00:00Z", doc["created_date"], "input timestamps are ignored")
	assert.Equal(t, "2024-03-01T12:00:00Z", doc["last_updated"])
}
