package processor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/andersnauman/dmarc-collector/internal/kafka"
	"github.com/andersnauman/dmarc-collector/internal/metrics"
	"github.com/andersnauman/dmarc-collector/shared/models"
	"github.com/andersnauman/dmarc-collector/shared/utils"
)

// Partitions makes sure a kind's alias resolves before writing.
type Partitions interface {
	IndexExists(ctx context.Context, alias string) (bool, error)
	CreateIndex(ctx context.Context, alias string) (bool, error)
}

// Deduplicator finds already stored reports.
type Deduplicator interface {
	Matches(ctx context.Context, doc models.Document) (bool, error)
}

// Writer persists a document and makes it visible to reads before
// returning.
type Writer interface {
	IndexDocument(ctx context.Context, index string, doc any) (string, error)
}

// Summary counts record outcomes of one batch.
type Summary struct {
	Total      int `json:"total"`
	Stored     int `json:"stored"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

func (s *Summary) add(outcome string) {
	s.Total++
	switch outcome {
	case metrics.OutcomeStored:
		s.Stored++
	case metrics.OutcomeDuplicate:
		s.Duplicates++
	case metrics.OutcomeSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
}

// ReportProcessor drives records through classify, ensure partition,
// deduplicate and persist. It holds no state between batches.
type ReportProcessor struct {
	partitions Partitions
	dedup      Deduplicator
	writer     Writer
	publisher  kafka.Publisher
	metrics    *metrics.Collector
	logger     *logrus.Logger
	now        func() time.Time
}

// NewReportProcessor creates a new report processor
func NewReportProcessor(
	partitions Partitions,
	dedup Deduplicator,
	writer Writer,
	publisher kafka.Publisher,
	metrics *metrics.Collector,
	logger *logrus.Logger,
) *ReportProcessor {
	if publisher == nil {
		publisher = kafka.Noop{}
	}
	return &ReportProcessor{
		partitions: partitions,
		dedup:      dedup,
		writer:     writer,
		publisher:  publisher,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// ProcessBatch processes records in order. A bad, duplicate or failed record
// never stops the batch; only a cancelled context does, and the remaining
// records are counted as failed.
func (p *ReportProcessor) ProcessBatch(ctx context.Context, records []json.RawMessage) Summary {
	start := time.Now()
	batchID := utils.GenerateID()
	logger := p.logger.WithField("batch_id", batchID)
	p.metrics.RecordBatch(len(records))

	logger.WithField("count", len(records)).Info("Processing report batch")

	var summary Summary
	for i, raw := range records {
		if err := ctx.Err(); err != nil {
			logger.WithError(err).WithField("remaining", len(records)-i).Warn("Batch cancelled")
			for range records[i:] {
				summary.add(metrics.OutcomeFailed)
			}
			break
		}

		outcome, err := p.ProcessRecord(ctx, raw)
		if err != nil {
			logger.WithError(err).WithField("position", i).Error("Failed to process record in batch")
		}
		summary.add(outcome)
	}

	logger.WithFields(logrus.Fields{
		"total":      summary.Total,
		"stored":     summary.Stored,
		"duplicates": summary.Duplicates,
		"skipped":    summary.Skipped,
		"failed":     summary.Failed,
		"duration":   time.Since(start).String(),
	}).Info("Batch processing completed")

	return summary
}

// ProcessRecord runs a single record through the pipeline. Skipped records
// and duplicates return a nil error; the error is set only for the failed
// outcome.
func (p *ReportProcessor) ProcessRecord(ctx context.Context, raw json.RawMessage) (string, error) {
	start := time.Now()

	rec, err := Classify(raw)
	if err != nil {
		var violation *models.SchemaViolation
		kind := "unknown"
		if errors.As(err, &violation) {
			kind = string(violation.Kind)
		}
		p.logger.WithError(err).WithField("kind", kind).Debug("Skipping malformed record")
		p.metrics.RecordOutcome(kind, metrics.OutcomeSkipped, time.Since(start))
		return metrics.OutcomeSkipped, nil
	}

	doc, ok := document(rec)
	if !ok {
		unknown := rec.(UnknownRecord)
		p.logger.WithFields(logrus.Fields{
			"type":   unknown.Type,
			"reason": unknown.Reason,
		}).Debug("Skipping unrecognized record")
		p.metrics.RecordOutcome("unknown", metrics.OutcomeSkipped, time.Since(start))
		return metrics.OutcomeSkipped, nil
	}

	outcome, err := p.persist(ctx, doc)
	p.metrics.RecordOutcome(string(doc.Kind()), outcome, time.Since(start))
	return outcome, err
}

func (p *ReportProcessor) persist(ctx context.Context, doc models.Document) (string, error) {
	alias := doc.Kind().Alias()
	logger := p.logger.WithFields(logrus.Fields{
		"kind":     doc.Kind(),
		"alias":    alias,
		"identity": doc.Identity(),
	})

	if err := p.ensurePartition(ctx, alias); err != nil {
		return metrics.OutcomeFailed, err
	}

	duplicate, err := p.dedup.Matches(ctx, doc)
	if err != nil {
		return metrics.OutcomeFailed, err
	}
	if duplicate {
		logger.Debug("Report already stored")
		return metrics.OutcomeDuplicate, nil
	}

	now := p.now()
	doc.SetTimes(models.Stamp(doc.Times(), now))

	id, err := p.writer.IndexDocument(ctx, alias, doc)
	if err != nil {
		return metrics.OutcomeFailed, errors.Wrapf(err, "failed to store %s report", doc.Kind())
	}
	logger.WithField("document_id", id).Info("Report stored")

	event := kafka.NewReportStoredEvent(string(doc.Kind()), alias, id, doc.Identity(), now)
	if err := p.publisher.PublishReportStored(ctx, event); err != nil {
		// Don't fail the record for event publishing failures
		logger.WithError(err).Warn("Failed to publish report stored event")
	}

	return metrics.OutcomeStored, nil
}

func (p *ReportProcessor) ensurePartition(ctx context.Context, alias string) error {
	exists, err := p.partitions.IndexExists(ctx, alias)
	if err != nil {
		return errors.Wrapf(err, "failed to check alias %s", alias)
	}
	if exists {
		return nil
	}

	created, err := p.partitions.CreateIndex(ctx, alias)
	if err != nil {
		return errors.Wrapf(err, "failed to create partition for %s", alias)
	}
	if !created {
		return errors.Errorf("alias %s could not be created", alias)
	}
	return nil
}
