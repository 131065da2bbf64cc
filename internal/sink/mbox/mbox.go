// Package mbox implements a LocalSink appending each recipient's mail to an
// mbox file at <root>/<domain>/<user>.mbox.
package mbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/shineum/maildrop-lite/internal/email"
	"github.com/shineum/maildrop-lite/internal/sink"
)

// nullSender stands in for the empty reverse-path in the From_ line.
const nullSender = "MAILER-DAEMON"

// Sink appends messages to mbox files. Appends to the same file are
// serialized; different mailboxes never wait on each other.
type Sink struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Sink rooted at root.
func New(root string) *Sink {
	return &Sink{root: root, locks: make(map[string]*sync.Mutex)}
}

// Deliver appends msg to the mailbox of t. The entry's From_ line carries the
// envelope sender and the receipt is its byte offset. Stored bodies use LF
// line endings and have lines starting with "From " quoted with '>'.
func (s *Sink) Deliver(ctx context.Context, t sink.Target, msg *email.RawMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", sink.WriteError(s.Name(), err)
	}
	if !sink.ValidSegment(t.Domain) || !sink.ValidSegment(t.User) {
		return "", sink.WriteError(s.Name(), fmt.Errorf("invalid mailbox path %q", t.Key()))
	}

	dir := filepath.Join(s.root, t.Domain)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", sink.WriteError(s.Name(), err)
	}
	path := filepath.Join(dir, t.User+".mbox")

	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	from := msg.Sender
	if from == "" {
		from = nullSender
	}
	offset, err := appendMessage(path, from, msg.Data)
	if err != nil {
		return "", sink.WriteError(s.Name(), err)
	}
	return strconv.FormatInt(offset, 10), nil
}

// Name returns the sink name.
func (s *Sink) Name() string {
	return "mbox"
}

func (s *Sink) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = new(sync.Mutex)
		s.locks[path] = l
	}
	return l
}

func appendMessage(path, from string, msg []byte) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	offset := info.Size()

	mw := mboxlib.NewWriter(f)
	w, err := mw.CreateMessage(from, time.Now())
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(msg); err != nil {
		f.Truncate(offset)
		return 0, err
	}
	if err := mw.Close(); err != nil {
		f.Truncate(offset)
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	return offset, nil
}
