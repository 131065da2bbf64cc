package main

import (
	"context"
	"fmt"

	"github.com/shineum/maildrop-lite/internal/config"
	"github.com/shineum/maildrop-lite/internal/sink"
	"github.com/shineum/maildrop-lite/internal/sink/dynamo"
	"github.com/shineum/maildrop-lite/internal/sink/maildir"
	"github.com/shineum/maildrop-lite/internal/sink/mbox"
	"github.com/shineum/maildrop-lite/internal/sink/memory"
	"github.com/shineum/maildrop-lite/internal/sink/sqlstore"
	"github.com/shineum/maildrop-lite/internal/sink/stdout"
)

// buildLocalSink returns the configured mailbox sink, or nil for "none".
func buildLocalSink(cfg config.LocalStoreConfig) (sink.LocalSink, error) {
	switch cfg.Format {
	case "maildir":
		return maildir.New(cfg.Root), nil
	case "mbox":
		return mbox.New(cfg.Root), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown local store format %q", cfg.Format)
	}
}

// buildRemoteSink returns the configured structured sink, or nil for "none",
// together with a function releasing its resources.
func buildRemoteSink(ctx context.Context, cfg config.RemoteStoreConfig) (sink.RemoteSink, func(), error) {
	noop := func() {}

	switch cfg.Driver {
	case "stdout":
		return stdout.New(memory.NewAllocator()), noop, nil
	case "memory":
		return memory.NewStore(nil), noop, nil
	case "none":
		return nil, noop, nil
	case "sqlite", "postgres":
		s, err := sqlstore.Open(ctx, cfg.Driver, cfg.DSN, cfg.Table)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
		}
		return s, func() { s.Close() }, nil
	case "dynamodb":
		s, err := dynamo.New(ctx, dynamo.Config{
			Table:           cfg.Table,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create dynamodb store: %w", err)
		}
		return s, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown remote store driver %q", cfg.Driver)
	}
}
