package parser

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
)

var commentPattern = regexp.MustCompile(`\([^()]*\)`)

// extraDateLayouts cover dates seen in the wild that net/mail rejects.
var extraDateLayouts = []string{
	"Mon, 2 Jan 2006 15:04:05 -0700 MST",
	"Mon, 2 Jan 2006 15:04 -0700",
	"2 Jan 2006 15:04 -0700",
	"Mon, 2 Jan 06 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.ANSIC,
	time.UnixDate,
	time.RFC3339,
}

// ParseDate parses a header date with its timezone. A date without a zone is
// taken as UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := mail.ParseDate(s); err == nil {
		return t, nil
	}

	cleaned := strings.Join(strings.Fields(commentPattern.ReplaceAllString(s, " ")), " ")
	if t, err := mail.ParseDate(cleaned); err == nil {
		return t, nil
	}
	for _, layout := range extraDateLayouts {
		if t, err := time.Parse(layout, cleaned); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// receivedStamp returns the timestamp text after the last ';' of a Received
// value.
func receivedStamp(v string) (string, bool) {
	i := strings.LastIndexByte(v, ';')
	if i < 0 {
		return "", false
	}
	stamp := strings.TrimSpace(v[i+1:])
	return stamp, stamp != ""
}
