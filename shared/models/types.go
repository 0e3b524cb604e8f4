package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Timestamp accepts the date layouts report parsers emit (RFC 3339, RFC 2822
// arrival dates, plain "2006-01-02 15:04:05" and unix seconds) and always
// serializes as RFC 3339 in UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05-07:00",
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	"2006-01-02",
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t}
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}

	if b[0] != '"' {
		seconds, err := strconv.ParseFloat(string(b), 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s", b)
		}
		t.Time = fromUnix(seconds)
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if seconds, err := strconv.ParseFloat(s, 64); err == nil {
		t.Time = fromUnix(seconds)
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unsupported timestamp format %q", s)
}

func fromUnix(seconds float64) time.Time {
	sec := int64(seconds)
	return time.Unix(sec, int64((seconds-float64(sec))*1e9)).UTC()
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t Timestamp) String() string {
	return t.UTC().Format(time.RFC3339Nano)
}

// OneOrMany decodes either a single JSON value or an array of them. Parsers
// emit a bare object when a report carries one recipient and an array when it
// carries several.
type OneOrMany[T any] []T

func (m *OneOrMany[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*m = nil
		return nil
	}

	if b[0] == '[' {
		var many []T
		if err := json.Unmarshal(b, &many); err != nil {
			return err
		}
		*m = many
		return nil
	}

	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*m = OneOrMany[T]{one}
	return nil
}

// Timestamps are owned by the persistence layer and never taken from input.
type Timestamps struct {
	CreatedDate *Timestamp `json:"created_date,omitempty" es:"date"`
	LastUpdated *Timestamp `json:"last_updated,omitempty" es:"date"`
}

// Stamp is the pre-write hook: the creation time is set once, the update time
// on every write.
func Stamp(existing Timestamps, now time.Time) Timestamps {
	stamped := Timestamps{
		CreatedDate: existing.CreatedDate,
		LastUpdated: NewTimestamp(now),
	}
	if stamped.CreatedDate == nil {
		stamped.CreatedDate = NewTimestamp(now)
	}
	return stamped
}

// Document is a report that can be persisted under its kind's alias.
type Document interface {
	Kind() Kind
	// Identity is the logical deduplication key rendered as a string.
	Identity() string
	Times() Timestamps
	SetTimes(Timestamps)
}

func (r *AggregateReport) Kind() Kind { return KindAggregate }

func (r *AggregateReport) Identity() string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata.ReportID
}

func (r *AggregateReport) Times() Timestamps     { return r.Timestamps }
func (r *AggregateReport) SetTimes(t Timestamps) { r.Timestamps = t }

func (r *ForensicReport) Kind() Kind { return KindForensic }

// Identity joins arrival date, envelope sender and the sorted recipient set.
func (r *ForensicReport) Identity() string {
	var arrival, sender string
	if r.ArrivalDate != nil {
		arrival = r.ArrivalDate.String()
	}
	if r.OriginalMailFrom != nil {
		sender = r.OriginalMailFrom.Address
	}
	return strings.Join([]string{arrival, sender, strings.Join(r.RecipientAddresses(), ",")}, "|")
}

func (r *ForensicReport) Times() Timestamps     { return r.Timestamps }
func (r *ForensicReport) SetTimes(t Timestamps) { r.Timestamps = t }

// RecipientAddresses returns the distinct, non-empty recipient addresses in
// sorted order.
func (r *ForensicReport) RecipientAddresses() []string {
	seen := make(map[string]struct{}, len(r.OriginalRcptTo))
	addresses := make([]string, 0, len(r.OriginalRcptTo))
	for _, rcpt := range r.OriginalRcptTo {
		if rcpt.Address == "" {
			continue
		}
		if _, ok := seen[rcpt.Address]; ok {
			continue
		}
		seen[rcpt.Address] = struct{}{}
		addresses = append(addresses, rcpt.Address)
	}
	sort.Strings(addresses)
	return addresses
}
