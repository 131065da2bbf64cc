// Package delivery fans a received message out to the local and remote
// sinks, once per recipient.
package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shineum/maildrop-lite/internal/email"
	"github.com/shineum/maildrop-lite/internal/parser"
	"github.com/shineum/maildrop-lite/internal/sink"
)

const meterName = "github.com/shineum/maildrop-lite/internal/delivery"

// Outcome is the result of delivering to one recipient.
type Outcome struct {
	Recipient string
	Target    sink.Target

	// ResolveErr is set when the recipient could not be routed; no sink was
	// called in that case.
	ResolveErr error

	Receipt  string
	LocalErr error

	DeliveryID int64
	RemoteErr  error
}

// Report collects the per-recipient outcomes of one delivery.
type Report struct {
	Record   *email.Record
	Outcomes []Outcome
}

// Config holds the collaborators of a Coordinator.
type Config struct {
	Resolver Resolver
	Local    sink.LocalSink
	Remote   sink.RemoteSink
	Logger   *slog.Logger

	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

// Coordinator normalizes each message once and delivers it to every
// recipient. Sink failures are logged and counted, never returned.
type Coordinator struct {
	resolver Resolver
	local    sink.LocalSink
	remote   sink.RemoteSink
	log      *slog.Logger

	transfers metric.Int64Counter
	sinkOps   metric.Int64Counter
	rejected  metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewCoordinator creates a Coordinator. A nil Resolver uses SplitResolver.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Resolver == nil {
		cfg.Resolver = SplitResolver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	meter := cfg.MeterProvider.Meter(meterName)

	c := &Coordinator{
		resolver: cfg.Resolver,
		local:    cfg.Local,
		remote:   cfg.Remote,
		log:      cfg.Logger,
	}

	var err error
	if c.transfers, err = meter.Int64Counter("maildrop.transfers",
		metric.WithDescription("Accepted transfers by outcome")); err != nil {
		return nil, err
	}
	if c.sinkOps, err = meter.Int64Counter("maildrop.sink.deliveries",
		metric.WithDescription("Per-recipient sink calls by sink and outcome")); err != nil {
		return nil, err
	}
	if c.rejected, err = meter.Int64Counter("maildrop.recipients.rejected",
		metric.WithDescription("Recipients that could not be routed")); err != nil {
		return nil, err
	}
	if c.duration, err = meter.Float64Histogram("maildrop.delivery.duration",
		metric.WithDescription("Time spent fanning out one transfer"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return c, nil
}

// Deliver normalizes msg and fans it out to every recipient concurrently.
// The only error returned is parser.ErrMalformedMessage, in which case no
// sink is called.
func (c *Coordinator) Deliver(ctx context.Context, msg *email.RawMessage) (*Report, error) {
	start := time.Now()

	acceptedAt := msg.ReceivedAt
	if acceptedAt.IsZero() {
		acceptedAt = start
	}

	rec, err := parser.Normalize(msg.Data, acceptedAt)
	if err != nil {
		c.transfers.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "malformed")))
		c.log.Warn("rejecting malformed message",
			"sender", msg.Sender,
			"client_host", msg.ClientHost,
			"recipients", len(msg.Recipients),
			"error", err,
		)
		return nil, err
	}
	for _, issue := range rec.Issues {
		c.log.Debug("header recovered best-effort",
			"field", issue.Field,
			"error", issue.Err,
		)
	}

	report := &Report{Record: rec, Outcomes: make([]Outcome, len(msg.Recipients))}

	var wg sync.WaitGroup
	for i, rcpt := range msg.Recipients {
		i, rcpt := i, rcpt
		wg.Add(1)
		go func() {
			defer wg.Done()
			report.Outcomes[i] = c.deliverOne(ctx, rcpt, msg, rec)
		}()
	}
	wg.Wait()

	c.transfers.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "accepted")))
	c.duration.Record(ctx, time.Since(start).Seconds())
	return report, nil
}

func (c *Coordinator) deliverOne(ctx context.Context, rcpt string, msg *email.RawMessage, rec *email.Record) Outcome {
	out := Outcome{Recipient: rcpt}
	log := c.log.With("recipient", rcpt, "client_host", msg.ClientHost)

	target, err := c.resolver.Resolve(rcpt)
	if err != nil {
		out.ResolveErr = err
		c.rejected.Add(ctx, 1)
		log.Warn("skipping recipient", "error", err)
		return out
	}
	out.Target = target

	if c.local != nil {
		out.Receipt, out.LocalErr = c.local.Deliver(ctx, target, msg)
		c.record(ctx, "local", out.LocalErr)
		if out.LocalErr != nil {
			log.Error("local delivery failed",
				"sink", c.local.Name(),
				"error", out.LocalErr,
			)
		}
	}

	if c.remote != nil {
		out.DeliveryID, out.RemoteErr = c.remote.Persist(ctx, target, rec)
		c.record(ctx, "remote", out.RemoteErr)
		if out.RemoteErr != nil {
			log.Error("remote delivery failed",
				"sink", c.remote.Name(),
				"error", out.RemoteErr,
			)
		}
	}

	log.Info("recipient processed",
		"receipt", out.Receipt,
		"delivery_id", out.DeliveryID,
		"local_ok", c.local != nil && out.LocalErr == nil,
		"remote_ok", c.remote != nil && out.RemoteErr == nil,
	)
	return out
}

func (c *Coordinator) record(ctx context.Context, which string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.sinkOps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sink", which),
		attribute.String("outcome", outcome),
	))
}
