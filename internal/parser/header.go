package parser

import (
	"errors"
	"fmt"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
)

// ErrHeaderDecode marks a header value that could only be decoded best-effort.
var ErrHeaderDecode = errors.New("header decode")

// encodedWord matches a single RFC 2047 encoded word.
var encodedWord = regexp.MustCompile(`=\?([^?\s]+)\?([bBqQ])\?([^?\s]*)\?=`)

var (
	// wordDecoder resolves charsets through the go-message charset table.
	wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

	// fallbackDecoder only knows the charsets built into the mime package.
	fallbackDecoder = &mime.WordDecoder{}
)

// DecodeHeader decodes the encoded words in a raw header value. The returned
// string is always usable; a non-nil error wrapping ErrHeaderDecode reports
// that at least one word was decoded with the 7-bit default or left verbatim.
func DecodeHeader(raw string) (string, error) {
	if !strings.Contains(raw, "=?") {
		return sanitize(raw), nil
	}
	if s, err := wordDecoder.DecodeHeader(raw); err == nil {
		return sanitize(s), nil
	}

	var (
		b       strings.Builder
		bad     []string
		last    int
		prevEnc bool
	)
	for _, m := range encodedWord.FindAllStringSubmatchIndex(raw, -1) {
		gap := raw[last:m[0]]
		// Whitespace between two adjacent encoded words is not part of the text.
		if !prevEnc || strings.TrimSpace(gap) != "" {
			b.WriteString(sanitize(gap))
		}

		word := raw[m[0]:m[1]]
		decoded, err := wordDecoder.Decode(word)
		if err != nil {
			bad = append(bad, raw[m[2]:m[3]])
			decoded, err = fallbackDecoder.Decode("=?us-ascii?" + raw[m[4]:m[5]] + "?" + raw[m[6]:m[7]] + "?=")
			if err != nil {
				decoded = word
			}
		}
		b.WriteString(sanitize(decoded))
		last = m[1]
		prevEnc = true
	}
	b.WriteString(sanitize(raw[last:]))

	if len(bad) == 0 {
		return b.String(), nil
	}
	return b.String(), fmt.Errorf("%w: undecodable words in charsets %s", ErrHeaderDecode, strings.Join(bad, ", "))
}

// sanitize applies the lenient 7-bit default: valid UTF-8 passes through and
// anything else becomes U+FFFD.
func sanitize(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}
