package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/maildrop-lite/internal/email"
)

// ErrAddressUnresolvable marks an address-list entry without a usable address.
var ErrAddressUnresolvable = errors.New("address unresolvable")

var (
	bracketListPattern = regexp.MustCompile(`^<.+>,`)
	referencesPattern  = regexp.MustCompile(`^<[^<>]+>\s+`)
	bracketedPattern   = regexp.MustCompile(`<[^<>]+>`)
	angleAddrPattern   = regexp.MustCompile(`<\s*([^<>\s]+@[^<>\s]+)\s*>`)
	bareAddrPattern    = regexp.MustCompile(`[^\s<>"(),;:]+@[^\s<>"(),;:]+`)
)

// SplitValues applies the generic multi-value rule to one decoded header
// value. A value starting with a bracketed item followed by a comma is split
// on commas whatever the header; references may also be whitespace separated.
// Every resulting item is unquoted.
func SplitValues(name, value string) []string {
	switch {
	case bracketListPattern.MatchString(value):
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if v := unquote(strings.TrimSpace(p)); v != "" {
				out = append(out, v)
			}
		}
		return out
	case name == "references" && referencesPattern.MatchString(value):
		refs := bracketedPattern.FindAllString(value, -1)
		out := make([]string, 0, len(refs))
		for _, r := range refs {
			out = append(out, unquote(r))
		}
		return out
	default:
		return []string{unquote(strings.TrimSpace(value))}
	}
}

// unquote strips one level of surrounding double quotes or angle brackets.
func unquote(s string) string {
	if len(s) < 2 {
		return s
	}
	switch {
	case s[0] == '"' && s[len(s)-1] == '"':
		return strings.NewReplacer(`\\`, `\`, `\"`, `"`).Replace(s[1 : len(s)-1])
	case s[0] == '<' && s[len(s)-1] == '>':
		return s[1 : len(s)-1]
	}
	return s
}

// ParseAddresses parses the values of an address-list header into name and
// address pairs. Entries without an address are dropped and reported.
func ParseAddresses(values []string) ([]email.Address, []error) {
	var (
		out  []email.Address
		errs []error
	)
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		list, err := mail.ParseAddressList(v)
		if err == nil {
			for _, a := range list {
				if a.Address == "" {
					errs = append(errs, fmt.Errorf("%w: %q", ErrAddressUnresolvable, a.Name))
					continue
				}
				out = append(out, email.Address{Name: a.Name, Address: a.Address})
			}
			continue
		}

		for _, entry := range strings.Split(v, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			addr, ok := parseLoose(entry)
			if !ok {
				errs = append(errs, fmt.Errorf("%w: %q", ErrAddressUnresolvable, entry))
				continue
			}
			out = append(out, addr)
		}
	}
	return out, errs
}

// parseLoose recovers an address from an entry the strict grammar rejected.
func parseLoose(entry string) (email.Address, bool) {
	if a, err := mail.ParseAddress(entry); err == nil && a.Address != "" {
		return email.Address{Name: a.Name, Address: a.Address}, true
	}
	if m := angleAddrPattern.FindStringSubmatchIndex(entry); m != nil {
		name := unquote(strings.TrimSpace(entry[:m[0]]))
		return email.Address{Name: name, Address: entry[m[2]:m[3]]}, true
	}
	if addr := bareAddrPattern.FindString(entry); addr != "" {
		return email.Address{Address: addr}, true
	}
	return email.Address{}, false
}
