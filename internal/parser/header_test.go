package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"plain ascii", "Hello", "Hello", false},
		{"utf-8 base64", "=?UTF-8?B?SGVsbG8gV29ybGQ=?=", "Hello World", false},
		{"adjacent words drop whitespace", "=?UTF-8?B?SGVsbG8=?= =?UTF-8?B?V29ybGQ=?=", "HelloWorld", false},
		{"latin1 q", "=?ISO-8859-1?Q?caf=E9?=", "café", false},
		{"x/text charset", "=?windows-1252?Q?=80uro?=", "€uro", false},
		{"unknown charset keeps others", "=?x-unknown?Q?abc?= plain =?UTF-8?Q?caf=C3=A9?=", "abc plain café", true},
		{"unknown charset non-ascii bytes", "=?x-unknown?Q?ab=FF?=", "ab�", true},
		{"raw invalid bytes", "bad \xff", "bad �", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := DecodeHeader(tt.raw)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrHeaderDecode)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSplitValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		value  string
		want   []string
	}{
		{"bracket comma list", "to", "<a@x.com>, <b@x.com>", []string{"a@x.com", "b@x.com"}},
		{"bracket comma list in any header", "x-list", "<one>,<two>", []string{"one", "two"}},
		{"references whitespace", "references", "<r1@x> <r2@x>", []string{"r1@x", "r2@x"}},
		{"references comma", "references", "<r1@x>, <r2@x>", []string{"r1@x", "r2@x"}},
		{"single bracketed", "in-reply-to", "<r1@x>", []string{"r1@x"}},
		{"whitespace list outside references", "x-other", "<r1@x> <r2@x>", []string{"r1@x> <r2@x"}},
		{"quoted", "x-quoted", `"a \"b\" c"`, []string{`a "b" c`}},
		{"plain", "x-mailer", "  Mutt  ", []string{"Mutt"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SplitValues(tt.header, tt.value))
		})
	}
}

func TestParseAddresses(t *testing.T) {
	t.Parallel()

	addrs, errs := ParseAddresses([]string{
		`"Doe, Jane" <jane@x.com>, bob@y.com`,
		"",
		"Broken <carol@z.com, dave@z.com",
		"nobody here",
	})

	var got []string
	for _, a := range addrs {
		got = append(got, a.Name+"|"+a.Address)
	}
	assert.Equal(t, []string{
		"Doe, Jane|jane@x.com",
		"|bob@y.com",
		"|carol@z.com",
		"|dave@z.com",
	}, got)

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrAddressUnresolvable)
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int64
	}{
		{"Mon, 1 Jan 2024 00:00:00 +0000", 1704067200},
		{"1 Jan 2024 01:00:00 +0100", 1704067200},
		{"Mon, 1 Jan 2024 00:00:00 +0000 (UTC)", 1704067200},
		{"Sun, 31 Dec 2023 19:00:00 -0500", 1704067200},
		{"Mon, 1 Jan 2024 00:00 +0000", 1704067200},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := ParseDate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Unix())
		})
	}

	_, err := ParseDate("not a date")
	assert.Error(t, err)
}
