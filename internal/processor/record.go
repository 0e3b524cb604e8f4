package processor

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/andersnauman/dmarc-collector/shared/models"
)

// Record is a classified input record: AggregateRecord, ForensicRecord or
// UnknownRecord.
type Record interface {
	isRecord()
}

type AggregateRecord struct {
	Report *models.AggregateReport
}

type ForensicRecord struct {
	Report *models.ForensicReport
}

// UnknownRecord is skipped without error.
type UnknownRecord struct {
	Type   string
	Reason string
}

func (AggregateRecord) isRecord() {}
func (ForensicRecord) isRecord()  {}
func (UnknownRecord) isRecord()   {}

// Classify dispatches raw on its type field and builds the report. A
// recognized record whose report is malformed yields a
// *models.SchemaViolation.
func Classify(raw json.RawMessage) (Record, error) {
	if !gjson.ValidBytes(raw) {
		return UnknownRecord{Reason: "invalid json"}, nil
	}

	record := gjson.ParseBytes(raw)
	if !record.IsObject() {
		return UnknownRecord{Reason: "record is not an object"}, nil
	}

	recordType := record.Get("type").String()
	report := record.Get("report")
	if !report.Exists() {
		return UnknownRecord{Type: recordType, Reason: "missing report"}, nil
	}

	kind, ok := models.KindOf(recordType)
	if !ok {
		return UnknownRecord{Type: recordType, Reason: "unrecognized type"}, nil
	}

	switch kind {
	case models.KindAggregate:
		parsed, err := models.DecodeAggregateReport([]byte(report.Raw))
		if err != nil {
			return nil, err
		}
		return AggregateRecord{Report: parsed}, nil

	default:
		parsed, err := models.DecodeForensicReport([]byte(report.Raw))
		if err != nil {
			return nil, err
		}
		if sample := record.Get("sample"); sample.Exists() && sample.Type != gjson.Null {
			if parsed.Sample, err = models.DecodeForensicSample([]byte(sample.Raw)); err != nil {
				return nil, err
			}
		}
		return ForensicRecord{Report: parsed}, nil
	}
}

// document returns the persistable report held by rec, if any.
func document(rec Record) (models.Document, bool) {
	switch r := rec.(type) {
	case AggregateRecord:
		return r.Report, true
	case ForensicRecord:
		return r.Report, true
	}
	return nil, false
}
