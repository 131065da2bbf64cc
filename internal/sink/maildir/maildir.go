// Package maildir implements a LocalSink storing each recipient's mail in a
// Maildir under <root>/<domain>/<user>.
package maildir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/maildrop-lite/internal/email"
	"github.com/shineum/maildrop-lite/internal/sink"
)

// Sink delivers messages into Maildir directories. Every delivery writes its
// own file, so no locking is needed.
type Sink struct {
	root     string
	hostname string
}

// New creates a Sink rooted at root.
func New(root string) *Sink {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return &Sink{root: root, hostname: host}
}

// Deliver writes the raw bytes of msg into tmp/ and moves them into new/.
// The returned receipt is the file name inside new/.
func (s *Sink) Deliver(ctx context.Context, t sink.Target, msg *email.RawMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", sink.WriteError(s.Name(), err)
	}
	if !sink.ValidSegment(t.Domain) || !sink.ValidSegment(t.User) {
		return "", sink.WriteError(s.Name(), fmt.Errorf("invalid mailbox path %q", t.Key()))
	}

	dir := filepath.Join(s.root, t.Domain, t.User)
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return "", sink.WriteError(s.Name(), err)
		}
	}

	name := fmt.Sprintf("%d.%s.%s", time.Now().Unix(), uuid.NewString(), s.hostname)
	tmpPath := filepath.Join(dir, "tmp", name)

	if err := writeSynced(tmpPath, msg.Data); err != nil {
		os.Remove(tmpPath)
		return "", sink.WriteError(s.Name(), err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, "new", name)); err != nil {
		os.Remove(tmpPath)
		return "", sink.WriteError(s.Name(), err)
	}
	return name, nil
}

// Name returns the sink name.
func (s *Sink) Name() string {
	return "maildir"
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
