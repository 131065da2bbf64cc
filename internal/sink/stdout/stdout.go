// Package stdout implements a RemoteSink that prints record summaries to
// standard output. Identifiers come from the configured allocator.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/maildrop-lite/internal/email"
	"github.com/shineum/maildrop-lite/internal/sink"
)

// Sink prints record summaries in a human-readable format.
type Sink struct {
	alloc sink.Allocator

	// mu keeps concurrent deliveries from interleaving their blocks.
	mu     sync.Mutex
	writer io.Writer
}

// New creates a Sink that writes to os.Stdout.
func New(alloc sink.Allocator) *Sink {
	return NewWithWriter(alloc, os.Stdout)
}

// NewWithWriter creates a Sink that writes to the given writer.
func NewWithWriter(alloc sink.Allocator, w io.Writer) *Sink {
	return &Sink{alloc: alloc, writer: w}
}

// Persist allocates an identifier for t and prints the summary of rec.
func (s *Sink) Persist(ctx context.Context, t sink.Target, rec *email.Record) (int64, error) {
	id, err := s.alloc.Allocate(ctx, t.Key())
	if err != nil {
		return 0, err
	}

	sum := rec.Summary()
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "Mailbox: %s #%d\n", t.Key(), id)
	fmt.Fprintf(&b, "From: %s\n", formatAddresses(sum.From))
	fmt.Fprintf(&b, "To: %s\n", formatAddresses(sum.To))
	if len(sum.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", formatAddresses(sum.Cc))
	}
	if sum.MessageID != "" {
		fmt.Fprintf(&b, "Message-Id: %s\n", sum.MessageID)
	}
	fmt.Fprintf(&b, "Subject: %s\n", sum.Subject)
	if sum.Date != nil {
		fmt.Fprintf(&b, "Date: %s\n", sum.Date.ISO8601)
	}
	fmt.Fprintf(&b, "Body (%s):\n", formatSize(len(sum.Body)))
	b.WriteString(sum.Body + "\n")
	b.WriteString("========================================\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.writer, b.String()); err != nil {
		return 0, sink.WriteError(s.Name(), err)
	}
	return id, nil
}

// Name returns the sink name.
func (s *Sink) Name() string {
	return "stdout"
}

func formatAddresses(list []email.Address) string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Name != "" {
			out = append(out, fmt.Sprintf("%s <%s>", a.Name, a.Address))
			continue
		}
		out = append(out, a.Address)
	}
	return strings.Join(out, ", ")
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
