package delivery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shineum/maildrop-lite/internal/sink"
)

// ErrRecipientMalformed marks a recipient that cannot be routed.
var ErrRecipientMalformed = errors.New("recipient malformed")

// Resolver maps a recipient address to its routing target.
type Resolver interface {
	Resolve(addr string) (sink.Target, error)
}

// SplitResolver splits an address on its single '@'.
type SplitResolver struct{}

// Resolve returns {user, domain} for "user@domain". Anything without exactly
// one '@' and non-empty sides is ErrRecipientMalformed.
func (SplitResolver) Resolve(addr string) (sink.Target, error) {
	addr = strings.TrimSpace(addr)
	user, domain, ok := strings.Cut(addr, "@")
	if !ok || user == "" || domain == "" || strings.Contains(domain, "@") {
		return sink.Target{}, fmt.Errorf("%w: %q", ErrRecipientMalformed, addr)
	}
	return sink.Target{User: user, Domain: strings.ToLower(domain)}, nil
}
