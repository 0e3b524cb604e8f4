package models

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaViolation reports a candidate record whose structure cannot form a
// document. Unknown fields never cause one.
type SchemaViolation struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *SchemaViolation) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s report: schema violation: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s report: schema violation at %s: %s", e.Kind, e.Field, e.Reason)
}

// Shared definitions. An address object must carry an address or a name;
// null stands for an absent optional structure.
const definitions = `
	"address": {
		"type": ["object", "null"],
		"anyOf": [{"required": ["address"]}, {"required": ["name"]}],
		"properties": {
			"address": {"type": "string"},
			"name": {"type": "string"}
		}
	},
	"addresses": {
		"oneOf": [
			{"$ref": "#/definitions/address"},
			{"type": "array", "items": {"$ref": "#/definitions/address"}}
		]
	},
	"object": {"type": ["object", "null"]},
	"objects": {
		"oneOf": [
			{"type": ["object", "null"]},
			{"type": "array", "items": {"type": "object"}}
		]
	},
	"strings": {
		"oneOf": [
			{"type": ["string", "null"]},
			{"type": "array", "items": {"type": "string"}}
		]
	}`

// sampleProperties constrain a forensic sample wherever it appears.
const sampleProperties = `
	"from_address": {"$ref": "#/definitions/address"},
	"reply_to_address": {"$ref": "#/definitions/address"},
	"to_addresses": {"$ref": "#/definitions/addresses"},
	"received": {"$ref": "#/definitions/strings"}`

var aggregateSchema = mustSchema(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"definitions": {` + definitions + `},
	"type": "object",
	"required": ["metadata"],
	"properties": {
		"metadata": {
			"type": "object",
			"required": ["report_id"],
			"properties": {
				"report_id": {"type": "string", "minLength": 1},
				"email": {"$ref": "#/definitions/address"}
			}
		},
		"policy_published": {"$ref": "#/definitions/object"},
		"records": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"properties": {
					"row": {"$ref": "#/definitions/object"},
					"identifiers": {"$ref": "#/definitions/object"},
					"auth_results": {
						"type": ["object", "null"],
						"properties": {
							"spf": {"$ref": "#/definitions/objects"},
							"dkim": {"$ref": "#/definitions/objects"}
						}
					}
				}
			}
		}
	}
}`)

var forensicSchema = mustSchema(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"definitions": {` + definitions + `},
	"type": "object",
	"required": ["arrival_date", "original_mail_from"],
	"properties": {
		"arrival_date": {"type": ["string", "number"]},
		"original_mail_from": {
			"type": "object",
			"required": ["address"],
			"properties": {
				"address": {"type": "string", "minLength": 1},
				"name": {"type": "string"}
			}
		},
		"original_rcpt_to": {"$ref": "#/definitions/addresses"},
		"reporting_mta": {"$ref": "#/definitions/object"},
		"auth_failure": {"$ref": "#/definitions/strings"},
		"original_envelope_id": {"$ref": "#/definitions/strings"},
		"reported_uri": {"$ref": "#/definitions/strings"},
		"sample": {
			"type": ["object", "null"],
			"properties": {` + sampleProperties + `}
		}
	}
}`)

var sampleSchema = mustSchema(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"definitions": {` + definitions + `},
	"type": "object",
	"properties": {` + sampleProperties + `}
}`)

func mustSchema(source string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		panic(fmt.Sprintf("models: invalid report schema: %v", err))
	}
	return schema
}

func validate(kind Kind, schema *gojsonschema.Schema, raw []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &SchemaViolation{Kind: kind, Reason: err.Error()}
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return &SchemaViolation{Kind: kind, Field: first.Field(), Reason: first.Description()}
	}
	return nil
}

func decode(kind Kind, schema *gojsonschema.Schema, raw []byte, into any) error {
	if err := validate(kind, schema, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &SchemaViolation{Kind: kind, Reason: err.Error()}
	}
	return nil
}

// DecodeAggregateReport builds an AggregateReport from raw report fields.
func DecodeAggregateReport(raw []byte) (*AggregateReport, error) {
	report := &AggregateReport{}
	if err := decode(KindAggregate, aggregateSchema, raw, report); err != nil {
		return nil, err
	}
	report.Timestamps = Timestamps{}
	return report, nil
}

// DecodeForensicReport builds a ForensicReport from raw report fields.
// Timestamps supplied by the producer are discarded.
func DecodeForensicReport(raw []byte) (*ForensicReport, error) {
	report := &ForensicReport{}
	if err := decode(KindForensic, forensicSchema, raw, report); err != nil {
		return nil, err
	}
	report.Timestamps = Timestamps{}
	if report.Sample != nil {
		report.Sample.Timestamps = Timestamps{}
	}
	return report, nil
}

func DecodeForensicSample(raw []byte) (*ForensicSample, error) {
	sample := &ForensicSample{}
	if err := decode(KindForensic, sampleSchema, raw, sample); err != nil {
		return nil, err
	}
	sample.Timestamps = Timestamps{}
	return sample, nil
}

// NewAggregateReport builds an AggregateReport from a field map.
func NewAggregateReport(fields map[string]any) (*AggregateReport, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, &SchemaViolation{Kind: KindAggregate, Reason: err.Error()}
	}
	return DecodeAggregateReport(raw)
}

// NewForensicReport builds a ForensicReport from a field map and an optional
// sample field map.
func NewForensicReport(fields, sample map[string]any) (*ForensicReport, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, &SchemaViolation{Kind: KindForensic, Reason: err.Error()}
	}
	report, err := DecodeForensicReport(raw)
	if err != nil {
		return nil, err
	}
	if sample == nil {
		return report, nil
	}

	rawSample, err := json.Marshal(sample)
	if err != nil {
		return nil, &SchemaViolation{Kind: KindForensic, Field: "sample", Reason: err.Error()}
	}
	if report.Sample, err = DecodeForensicSample(rawSample); err != nil {
		return nil, err
	}
	return report, nil
}
