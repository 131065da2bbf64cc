// Package parser normalizes raw RFC 5322 messages into canonical records:
// header decoding, address and reference splitting, date parsing and
// plaintext body extraction over the MIME tree.
package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"

	"github.com/shineum/maildrop-lite/internal/email"
)

// ErrMalformedMessage is returned when the bytes do not form a header block.
// It is the only error Normalize returns.
var ErrMalformedMessage = errors.New("malformed message")

// Normalize parses raw into a Record. Problems confined to a single header are
// recorded in Record.Issues and never fail the message.
func Normalize(raw []byte, acceptedAt time.Time) (*email.Record, error) {
	br := bufio.NewReader(bytes.NewReader(raw))

	h, err := textproto.ReadHeader(br)
	if err != nil && !(errors.Is(err, io.EOF) && h.Len() > 0) {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if h.Len() == 0 {
		return nil, fmt.Errorf("%w: no header fields", ErrMalformedMessage)
	}

	rec := &email.Record{Headers: make(map[string][]string)}

	entity, entityErr := message.New(message.Header{Header: h}, br)
	rec.Body = ExtractBody(BuildTree(entity, entityErr), parseContentType(&entity.Header).charset())

	var (
		order  []string
		values = make(map[string][]string)
	)
	fields := h.Fields()
	for fields.Next() {
		name := strings.ToLower(fields.Key())
		decoded, err := DecodeHeader(fields.Value())
		if err != nil {
			rec.Issues = append(rec.Issues, email.FieldIssue{Field: name, Err: err})
		}
		if _, seen := values[name]; !seen {
			order = append(order, name)
		}
		values[name] = append(values[name], decoded)
	}

	var (
		received time.Time
		gotStamp bool
	)
	for _, name := range order {
		vals := values[name]
		switch name {
		case "from", "to", "cc", "bcc", "reply-to":
			addrs, errs := ParseAddresses(splitAll(name, vals))
			for _, err := range errs {
				rec.Issues = append(rec.Issues, email.FieldIssue{Field: name, Err: err})
			}
			setAddresses(&rec.Addresses, name, addrs)

		case "received":
			for _, v := range vals {
				stamp, ok := receivedStamp(v)
				if !ok {
					continue
				}
				t, err := ParseDate(stamp)
				if err != nil {
					rec.Issues = append(rec.Issues, email.FieldIssue{Field: name, Err: err})
					continue
				}
				// Ties keep the later occurrence.
				if !gotStamp || !t.Before(received) {
					received, gotStamp = t, true
					rec.ReceivedDate = email.NewTimestamp(stamp, t)
				}
			}

		case "message-id":
			rec.MessageID = strings.TrimSpace(vals[0])

		case "subject":
			rec.Subject = strings.TrimSpace(vals[0])

		case "date":
			original := strings.TrimSpace(vals[0])
			t, err := ParseDate(original)
			if err != nil {
				rec.Issues = append(rec.Issues, email.FieldIssue{Field: name, Err: err})
				continue
			}
			ts := email.NewTimestamp(original, t)
			rec.Date = &ts

		default:
			rec.Headers[name] = splitAll(name, vals)
		}
	}

	if !gotStamp {
		rec.ReceivedDate = email.NewTimestamp(acceptedAt.UTC().Format(time.RFC1123Z), acceptedAt)
	}
	return rec, nil
}

func splitAll(name string, vals []string) []string {
	var out []string
	for _, v := range vals {
		out = append(out, SplitValues(name, v)...)
	}
	return out
}

func setAddresses(f *email.AddressFields, name string, addrs []email.Address) {
	switch name {
	case "from":
		f.From = addrs
	case "to":
		f.To = addrs
	case "cc":
		f.Cc = addrs
	case "bcc":
		f.Bcc = addrs
	case "reply-to":
		f.ReplyTo = addrs
	}
}
