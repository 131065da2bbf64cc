package parser

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/maildrop-lite/internal/email"
)

var acceptedAt = time.Date(2024, 3, 5, 8, 30, 0, 0, time.UTC)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestNormalizePlainTextEmail(t *testing.T) {
	t.Parallel()

	raw := crlf(
		`From: "A" <a@x.com>`,
		"To: <b@y.com>",
		"Subject: Hello",
		"Date: Mon, 1 Jan 2024 00:00:00 +0000",
		"Message-Id: <test123@x.com>",
		"",
		"  Hello, this is a plain text email.  ",
	)

	rec, err := Normalize(raw, acceptedAt)
	require.NoError(t, err)

	assert.Equal(t, "Hello", rec.Subject)
	assert.Equal(t, "<test123@x.com>", rec.MessageID)
	assert.Equal(t, []email.Address{{Name: "A", Address: "a@x.com"}}, rec.Addresses.From)
	assert.Equal(t, []email.Address{{Name: "", Address: "b@y.com"}}, rec.Addresses.To)
	require.NotNil(t, rec.Date)
	assert.Equal(t, int64(1704067200), rec.Date.Unix)
	assert.Equal(t, "Mon, 1 Jan 2024 00:00:00 +0000", rec.Date.Original)
	assert.Equal(t, "2024-01-01T00:00:00Z", rec.Date.ISO8601)
	assert.Equal(t, "Hello, this is a plain text email.", rec.Body)
	assert.Empty(t, rec.Issues)
}

func TestNormalizeMultipartSkipsHTML(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"Subject: Multipart Test",
		"Content-Type: multipart/alternative; boundary=boundary123",
		"",
		"--boundary123",
		"Content-Type: text/plain",
		"",
		"Line1",
		"--boundary123",
		"Content-Type: text/html",
		"",
		"<html><body><p>HTML body</p></body></html>",
		"--boundary123--",
	)

	rec, err := Normalize(raw, acceptedAt)
	require.NoError(t, err)
	assert.Equal(t, "Line1", rec.Body)
}

func TestNormalizeNestedMultipartJoinsPlainLeaves(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"--outer",
		"Content-Type: multipart/alternative; boundary=inner",
		"",
		"--inner",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"first",
		"--inner",
		"Content-Type: text/html",
		"",
		"<p>first</p>",
		"--inner--",
		"--outer",
		"Content-Type: text/plain; charset=utf-8",
		"Content-Transfer-Encoding: base64",
		"",
		"c2Vjb25k",
		"--outer",
		"Content-Type: text/plain",
		"Content-Disposition: attachment; filename=notes.txt",
		"",
		"attached text",
		"--outer",
		"Content-Type: application/pdf",
		"",
		"%PDF-1.4",
		"--outer--",
	)

	rec, err := Normalize(raw, acceptedAt)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", rec.Body)
}

func TestNormalizeBodyCharsets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  []byte
		want string
	}{
		{
			name: "declared latin1 quoted-printable",
			raw: crlf(
				"From: a@x.com",
				"Content-Type: text/plain; charset=iso-8859-1",
				"Content-Transfer-Encoding: quoted-printable",
				"",
				"caf=E9",
			),
			want: "café",
		},
		{
			name: "unknown part charset falls back to message charset",
			raw: crlf(
				"From: a@x.com",
				"Content-Type: multipart/mixed; boundary=b; charset=iso-8859-1",
				"",
				"--b",
				"Content-Type: text/plain; charset=x-bogus",
				"",
				"caf\xe9",
				"--b--",
			),
			want: "café",
		},
		{
			name: "declared charset on a non-text part",
			raw: crlf(
				"From: a@x.com",
				"Content-Type: application/octet-stream; charset=iso-8859-1",
				"",
				"caf\xe9",
			),
			want: "café",
		},
		{
			name: "charset kept from a content type with a broken parameter",
			raw: crlf(
				"From: a@x.com",
				"Content-Type: text/plain; charset=iso-8859-1; delsp",
				"",
				"caf\xe9",
			),
			want: "café",
		},
		{
			name: "no charset keeps valid utf-8",
			raw: crlf(
				"From: a@x.com",
				"",
				"naïve",
			),
			want: "naïve",
		},
		{
			name: "no charset replaces invalid bytes",
			raw: crlf(
				"From: a@x.com",
				"",
				"bad \xff byte",
			),
			want: "bad � byte",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec, err := Normalize(tt.raw, acceptedAt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Body)
		})
	}
}

func TestNormalizeReceivedTakesMaximum(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"Received: from a by b; Mon, 1 Jan 2024 10:00:00 +0000",
		"Received: from c by d; Mon, 1 Jan 2024 12:00:00 +0000",
		"Received: from e by f; Mon, 1 Jan 2024 11:00:00 +0000",
		"From: a@x.com",
		"",
		"body",
	)

	rec, err := Normalize(raw, acceptedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(1704110400), rec.ReceivedDate.Unix)
	assert.Equal(t, "Mon, 1 Jan 2024 12:00:00 +0000", rec.ReceivedDate.Original)
	assert.Nil(t, rec.Date)
}

func TestNormalizeReceivedTieKeepsLaterOccurrence(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"Received: from a by b; Mon, 1 Jan 2024 10:00:00 +0000",
		"Received: from c by d; Mon, 1 Jan 2024 11:00:00 +0100",
		"From: a@x.com",
		"",
		"body",
	)

	rec, err := Normalize(raw, acceptedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(1704103200), rec.ReceivedDate.Unix)
	assert.Equal(t, "Mon, 1 Jan 2024 11:00:00 +0100", rec.ReceivedDate.Original)
	assert.Equal(t, "2024-01-01T10:00:00Z", rec.ReceivedDate.ISO8601)
}

func TestNormalizeMalformedMIMEKeepsPlainText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  []byte
		want string
	}{
		{
			name: "multipart without boundary",
			raw: crlf(
				"From: a@x.com",
				"Content-Type: multipart/mixed",
				"",
				"hello body",
			),
			want: "hello body",
		},
		{
			name: "multipart boundary never found",
			raw: crlf(
				"From: a@x.com",
				"Content-Type: multipart/mixed; boundary=zzz",
				"",
				"plain text only",
			),
			want: "plain text only",
		},
		{
			name: "text leaf with unparsable parameter",
			raw: crlf(
				"From: a@x.com",
				"Content-Type: multipart/alternative; boundary=b",
				"",
				"--b",
				"Content-Type: text/plain; charset=utf-8; format=flowed; delsp",
				"",
				"Line1",
				"--b",
				"Content-Type: text/plain",
				"",
				"Line2",
				"--b--",
			),
			want: "Line1\nLine2",
		},
		{
			name: "container with broken parameter still splits",
			raw: crlf(
				"From: a@x.com",
				"Content-Type: multipart/mixed; boundary=b; junk",
				"",
				"--b",
				"Content-Type: text/plain",
				"",
				"only part",
				"--b",
				"Content-Type: text/html",
				"",
				"<p>skip</p>",
				"--b--",
			),
			want: "only part",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec, err := Normalize(tt.raw, acceptedAt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Body)
		})
	}
}

func TestNormalizeReceivedDateDefaultsToAcceptedAt(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: a@x.com",
		"Date: someday soon",
		"",
		"body",
	)

	rec, err := Normalize(raw, acceptedAt)
	require.NoError(t, err)
	assert.Nil(t, rec.Date)
	assert.Equal(t, acceptedAt.Unix(), rec.ReceivedDate.Unix)
	assert.Equal(t, "2024-03-05T08:30:00Z", rec.ReceivedDate.ISO8601)
	require.Len(t, rec.Issues, 1)
	assert.Equal(t, "date", rec.Issues[0].Field)
}

func TestNormalizeDropsUnresolvableAddresses(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: a@x.com",
		"To: <b@y.com>, <c@y.com>",
		"Cc: Someone Without Address, d@y.com",
		"Reply-To: Help Desk <help@x.com>",
		"",
		"body",
	)

	rec, err := Normalize(raw, acceptedAt)
	require.NoError(t, err)

	assert.Equal(t, []email.Address{{Address: "b@y.com"}, {Address: "c@y.com"}}, rec.Addresses.To)
	assert.Equal(t, []email.Address{{Address: "d@y.com"}}, rec.Addresses.Cc)
	assert.Equal(t, []email.Address{{Name: "Help Desk", Address: "help@x.com"}}, rec.Addresses.ReplyTo)

	for _, list := range [][]email.Address{rec.Addresses.From, rec.Addresses.To, rec.Addresses.Cc, rec.Addresses.Bcc, rec.Addresses.ReplyTo} {
		for _, a := range list {
			assert.NotEmpty(t, a.Address)
		}
	}

	var unresolved int
	for _, issue := range rec.Issues {
		if assert.ErrorIs(t, issue.Err, ErrAddressUnresolvable) {
			unresolved++
		}
	}
	assert.Equal(t, 1, unresolved)
}

func TestNormalizeHeadersAreLowerCaseAndOrdered(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: a@x.com",
		"X-Trace: one",
		"x-trace: two",
		"References: <r1@x.com> <r2@x.com>\r\n\t<r3@x.com>",
		"In-Reply-To: <r3@x.com>",
		"",
		"body",
	)

	rec, err := Normalize(raw, acceptedAt)
	require.NoError(t, err)

	assert.Equal(t, []string{"one", "two"}, rec.Headers["x-trace"])
	assert.Equal(t, []string{"r1@x.com", "r2@x.com", "r3@x.com"}, rec.Headers["references"])
	assert.Equal(t, []string{"r3@x.com"}, rec.Headers["in-reply-to"])
	for k := range rec.Headers {
		assert.Equal(t, strings.ToLower(k), k)
	}
	assert.NotContains(t, rec.Headers, "from")
}

func TestNormalizeEncodedSubject(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: =?UTF-8?Q?Ren=C3=A9?= <rene@x.com>",
		"Subject: =?ISO-8859-1?Q?caf=E9?= au lait",
		"",
		"body",
	)

	rec, err := Normalize(raw, acceptedAt)
	require.NoError(t, err)
	assert.Equal(t, "café au lait", rec.Subject)
	assert.Equal(t, []email.Address{{Name: "René", Address: "rene@x.com"}}, rec.Addresses.From)
}

func TestNormalizeMalformedMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"no header block", []byte("this is not a mail message\r\n\r\nbody")},
		{"leading whitespace", []byte(" continued: line\r\n\r\nbody")},
		{"blank header block", []byte("\r\nbody only")},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Normalize(tt.raw, acceptedAt)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestNormalizeHeadersOnly(t *testing.T) {
	t.Parallel()

	rec, err := Normalize([]byte("Subject: no body"), acceptedAt)
	require.NoError(t, err)
	assert.Equal(t, "no body", rec.Subject)
	assert.Empty(t, rec.Body)
}
