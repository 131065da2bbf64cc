// Package email defines the core message data model shared by the parser,
// the sinks and the delivery coordinator.
package email

import "time"

// RawMessage is a message exactly as it was received, together with its
// protocol envelope.
type RawMessage struct {
	Data       []byte
	Sender     string
	Recipients []string
	ReceivedAt time.Time
	ClientHost string
}

// Address is a single display-name/address pair from an address-list header.
type Address struct {
	Name    string `json:"name" dynamodbav:"name"`
	Address string `json:"address" dynamodbav:"address"`
}

// Timestamp carries a parsed date together with the text it was parsed from.
type Timestamp struct {
	Original string `json:"original" dynamodbav:"original"`
	Unix     int64  `json:"utctimestamp" dynamodbav:"utctimestamp"`
	ISO8601  string `json:"utcisoformat" dynamodbav:"utcisoformat"`
}

// NewTimestamp builds a Timestamp whose numeric fields derive from t.
func NewTimestamp(original string, t time.Time) Timestamp {
	u := t.UTC()
	return Timestamp{
		Original: original,
		Unix:     u.Unix(),
		ISO8601:  u.Format(time.RFC3339),
	}
}

// AddressFields groups the address-list headers of a message.
type AddressFields struct {
	From    []Address `json:"from,omitempty"`
	To      []Address `json:"to,omitempty"`
	Cc      []Address `json:"cc,omitempty"`
	Bcc     []Address `json:"bcc,omitempty"`
	ReplyTo []Address `json:"reply-to,omitempty"`
}

// FieldIssue records a header that was decoded best-effort or dropped.
type FieldIssue struct {
	Field string
	Err   error
}

// Record is the normalized form of one message. It is produced once per
// delivery and shared read-only by every sink call.
type Record struct {
	Body         string              `json:"body"`
	Headers      map[string][]string `json:"headers"`
	Addresses    AddressFields       `json:"addresses"`
	MessageID    string              `json:"message-id,omitempty"`
	Subject      string              `json:"subject,omitempty"`
	Date         *Timestamp          `json:"date,omitempty"`
	ReceivedDate Timestamp           `json:"receivedDate"`
	Issues       []FieldIssue        `json:"-"`
}

// Summary is the subset of a Record persisted by remote sinks.
type Summary struct {
	Subject   string     `json:"subject" dynamodbav:"subject"`
	MessageID string     `json:"message-id" dynamodbav:"message_id"`
	Body      string     `json:"body" dynamodbav:"body"`
	Date      *Timestamp `json:"date,omitempty" dynamodbav:"date,omitempty"`
	From      []Address  `json:"from" dynamodbav:"from"`
	To        []Address  `json:"to" dynamodbav:"to"`
	Cc        []Address  `json:"cc" dynamodbav:"cc"`
	Bcc       []Address  `json:"bcc" dynamodbav:"bcc"`
}

// Summary extracts the persisted summary fields of r.
func (r *Record) Summary() Summary {
	return Summary{
		Subject:   r.Subject,
		MessageID: r.MessageID,
		Body:      r.Body,
		Date:      r.Date,
		From:      r.Addresses.From,
		To:        r.Addresses.To,
		Cc:        r.Addresses.Cc,
		Bcc:       r.Addresses.Bcc,
	}
}
