// Package models is the schema registry for DMARC feedback reports: the
// document shapes of both report kinds, their Elasticsearch storage hints
// and the logical names they are read and written through.
package models

import "encoding/json"

// Common Models
type EmailAddress struct {
	Address string `json:"address,omitempty" es:"keyword"`
	Name    string `json:"name,omitempty" es:"keyword"`
}

type ReportedMTA struct {
	Name     string `json:"name,omitempty" es:"keyword"`
	NameType string `json:"name_type,omitempty" es:"keyword"`
}

// Aggregate Report Models
type AggregateReport struct {
	Timestamps

	Metadata        *AggregateMetadata        `json:"metadata,omitempty" es:"object"`
	PolicyPublished *AggregatePolicyPublished `json:"policy_published,omitempty" es:"object"`
	Records         []AggregateRecord         `json:"records,omitempty" es:"nested"`
}

type AggregateMetadata struct {
	OrgName   string        `json:"org_name,omitempty" es:"keyword"`
	Email     *EmailAddress `json:"email,omitempty" es:"object"`
	ReportID  string        `json:"report_id" es:"keyword"`
	DateBegin *Timestamp    `json:"date_begin,omitempty" es:"date"`
	DateEnd   *Timestamp    `json:"date_end,omitempty" es:"date"`
}

type AggregatePolicyPublished struct {
	Domain string      `json:"domain,omitempty" es:"keyword"`
	ADKIM  string      `json:"adkim,omitempty" es:"keyword"`
	ASPF   string      `json:"aspf,omitempty" es:"keyword"`
	P      string      `json:"p,omitempty" es:"keyword"`
	SP     string      `json:"sp,omitempty" es:"keyword"`
	PCT    json.Number `json:"pct,omitempty" es:"integer"`
}

type AggregateRecord struct {
	Row         *AggregateRow         `json:"row,omitempty" es:"nested"`
	Identifiers *AggregateIdentifiers `json:"identifiers,omitempty" es:"object"`
	AuthResults *AggregateAuthResults `json:"auth_results,omitempty" es:"object"`
}

// Count arrives as a number or as the numeric text of the report XML.
type AggregateRow struct {
	Count           json.Number               `json:"count" es:"integer"`
	SourceIP        string                    `json:"source_ip,omitempty" es:"ip"`
	PolicyEvaluated *AggregatePolicyEvaluated `json:"policy_evaluated,omitempty" es:"object"`
}

type AggregatePolicyEvaluated struct {
	DKIM        string `json:"dkim,omitempty" es:"keyword"`
	Disposition string `json:"disposition,omitempty" es:"keyword"`
	SPF         string `json:"spf,omitempty" es:"keyword"`
}

type AggregateIdentifiers struct {
	HeaderFrom   string `json:"header_from,omitempty" es:"keyword"`
	EnvelopeFrom string `json:"envelope_from,omitempty" es:"keyword"`
	EnvelopeTo   string `json:"envelope_to,omitempty" es:"keyword"`
}

type AggregateAuthResults struct {
	SPF  OneOrMany[SPFResult]  `json:"spf,omitempty" es:"nested"`
	DKIM OneOrMany[DKIMResult] `json:"dkim,omitempty" es:"nested"`
}

// SPFResult.Result is one of none, neutral, pass, fail, softfail, temperror,
// permerror. Scope is helo or mfrom.
type SPFResult struct {
	Domain string `json:"domain,omitempty" es:"keyword"`
	Result string `json:"result,omitempty" es:"keyword"`
	Scope  string `json:"scope,omitempty" es:"keyword"`
}

// DKIMResult.Result is one of none, pass, fail, policy, neutral, temperror,
// permerror.
type DKIMResult struct {
	Domain      string `json:"domain,omitempty" es:"keyword"`
	Selector    string `json:"selector,omitempty" es:"keyword"`
	Result      string `json:"result,omitempty" es:"keyword"`
	HumanResult string `json:"human_result,omitempty" es:"keyword"`
}

// Forensic Report Models
type ForensicReport struct {
	Timestamps

	ArrivalDate             *Timestamp              `json:"arrival_date,omitempty" es:"date"`
	AuthFailure             OneOrMany[string]       `json:"auth_failure,omitempty" es:"keyword"`
	AuthenticationResults   string                  `json:"authentication_results,omitempty" es:"text"`
	DKIMCanonicalizedHeader string                  `json:"dkim_canonicalized_header,omitempty" es:"text"`
	DKIMCanonicalizedBody   string                  `json:"dkim_canonicalized_body,omitempty" es:"text"`
	DKIMDomain              string                  `json:"dkim_domain,omitempty" es:"keyword"`
	DKIMIdentity            string                  `json:"dkim_identity,omitempty" es:"keyword"`
	DKIMSelector            string                  `json:"dkim_selector,omitempty" es:"keyword"`
	DeliveryResult          string                  `json:"delivery_result,omitempty" es:"text"`
	FeedbackType            string                  `json:"feedback_type,omitempty" es:"keyword"`
	IdentityAlignment       string                  `json:"identity_alignment,omitempty" es:"keyword"`
	Incidents               json.Number             `json:"incidents,omitempty" es:"keyword"`
	OriginalEnvelopeID      OneOrMany[string]       `json:"original_envelope_id,omitempty" es:"keyword"`
	OriginalMailFrom        *EmailAddress           `json:"original_mail_from,omitempty" es:"object"`
	OriginalRcptTo          OneOrMany[EmailAddress] `json:"original_rcpt_to,omitempty" es:"nested"`
	ReportedDomain          string                  `json:"reported_domain,omitempty" es:"keyword"`
	ReportedURI             OneOrMany[string]       `json:"reported_uri,omitempty" es:"keyword"`
	ReportingMTA            *ReportedMTA            `json:"reporting_mta,omitempty" es:"object"`
	SourceIP                string                  `json:"source_ip,omitempty" es:"ip"`
	UserAgent               string                  `json:"user_agent,omitempty" es:"text"`
	Version                 json.Number             `json:"version,omitempty" es:"integer"`
	Sample                  *ForensicSample         `json:"sample,omitempty" es:"object"`
}

// ForensicSample holds the headers and body excerpt of the message that
// triggered a forensic report.
type ForensicSample struct {
	Timestamps

	AuthenticationResults string                  `json:"authentication_results,omitempty" es:"text"`
	Date                  *Timestamp              `json:"date,omitempty" es:"date"`
	DKIMSignature         string                  `json:"dkim_signature,omitempty" es:"text"`
	FromAddress           *EmailAddress           `json:"from_address,omitempty" es:"object"`
	MessageID             string                  `json:"message_id,omitempty" es:"keyword"`
	ReplyToAddress        *EmailAddress           `json:"reply_to_address,omitempty" es:"object"`
	Received              OneOrMany[string]       `json:"received,omitempty" es:"keyword"`
	ToAddresses           OneOrMany[EmailAddress] `json:"to_addresses,omitempty" es:"nested"`
	Subject               string                  `json:"subject,omitempty" es:"text"`
}
