// Package sink defines the persistence destinations a delivery fans out to:
// the local mailbox store, the structured remote store and the identifier
// allocator behind it.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shineum/maildrop-lite/internal/email"
)

var (
	// ErrAllocatorUnavailable reports that a delivery identifier could not be
	// issued. Callers must never substitute a default identifier.
	ErrAllocatorUnavailable = errors.New("allocator unavailable")

	// ErrWriteFailure reports that a sink could not store a message.
	ErrWriteFailure = errors.New("sink write failure")
)

// Target is the routing key of one recipient.
type Target struct {
	User   string
	Domain string
}

// Key returns the namespace key "user@domain".
func (t Target) Key() string {
	return t.User + "@" + t.Domain
}

// LocalSink appends raw messages to per-recipient mailboxes.
type LocalSink interface {
	// Deliver stores msg.Data in the mailbox of t and returns a receipt
	// unique within that mailbox. The envelope is available to formats that
	// record it.
	Deliver(ctx context.Context, t Target, msg *email.RawMessage) (string, error)

	// Name returns the human-readable name of this sink.
	Name() string
}

// RemoteSink persists record summaries under allocated identifiers.
type RemoteSink interface {
	// Persist allocates the next identifier for t and stores the summary of
	// rec under (t.Key(), id).
	Persist(ctx context.Context, t Target, rec *email.Record) (int64, error)

	// Name returns the human-readable name of this sink.
	Name() string
}

// Allocator issues strictly increasing identifiers per namespace key.
type Allocator interface {
	Allocate(ctx context.Context, key string) (int64, error)
}

// WriteError wraps err as a write failure of the named sink.
func WriteError(sink string, err error) error {
	return fmt.Errorf("%s: %w: %w", sink, ErrWriteFailure, err)
}

// AllocatorError wraps err as an allocator failure.
func AllocatorError(err error) error {
	return fmt.Errorf("%w: %w", ErrAllocatorUnavailable, err)
}

// ValidSegment reports whether s can be used as a single path component.
func ValidSegment(s string) bool {
	return s != "" && s != "." && s != ".." &&
		!strings.ContainsAny(s, "/\\\x00")
}
