// Package main is the entry point for the maildrop-lite delivery server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/maildrop-lite/internal/config"
	"github.com/shineum/maildrop-lite/internal/delivery"
	"github.com/shineum/maildrop-lite/internal/parser"
	"github.com/shineum/maildrop-lite/internal/smtp"
	"github.com/shineum/maildrop-lite/internal/telemetry"
	mdtls "github.com/shineum/maildrop-lite/internal/tls"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "maildrop",
		Short:         "Accept mail over LMTP/SMTP and store it locally and in a structured store",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newNormalizeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the delivery server until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			logger := setupLogger(cfg.Logging, os.Stderr)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML configuration file (optional)")
	return cmd
}

func newNormalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize [file]",
		Short: "Print the canonical record of one message read from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open message: %w", err)
				}
				defer f.Close()
				in = f
			}
			return normalize(in, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

// normalize parses one message from in and writes its record to out as
// indented JSON. Recovered header problems are logged to errOut.
func normalize(in io.Reader, out, errOut io.Writer) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	rec, err := parser.Normalize(data, time.Now().UTC())
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(errOut, nil))
	for _, issue := range rec.Issues {
		log.Warn("header recovered best-effort", "field", issue.Field, "error", issue.Err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(rec)
}

// serve wires the configured sinks into a coordinator and runs the protocol
// server until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.Metrics.OTLPEndpoint,
		Insecure:       cfg.Metrics.Insecure,
		Interval:       cfg.Metrics.Interval,
		ServiceName:    "maildrop-lite",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	local, err := buildLocalSink(cfg.LocalStore)
	if err != nil {
		return err
	}
	remote, closeRemote, err := buildRemoteSink(ctx, cfg.RemoteStore)
	if err != nil {
		return err
	}
	defer closeRemote()

	coord, err := delivery.NewCoordinator(delivery.Config{
		Local:  local,
		Remote: remote,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	srvCfg := smtp.ServerConfig{
		ListenAddr:     cfg.Server.Listen,
		Hostname:       cfg.Server.Hostname,
		LMTP:           cfg.LMTP(),
		MaxMessageSize: cfg.Server.MaxMessageSize,
		IdleTimeout:    cfg.Server.IdleTimeout,
		Deliverer:      coord,
		Logger:         logger,
	}

	tlsMode := "disabled"
	if !cfg.TLS.Disabled {
		srvCfg.TLSConfig, err = mdtls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.Server.Hostname)
		if err != nil {
			return fmt.Errorf("failed to setup TLS: %w", err)
		}
		tlsMode = "self-signed"
		if cfg.TLS.CertFile != "" {
			tlsMode = "file"
		}
	}

	logger.Info("starting maildrop-lite",
		"version", version,
		"listen", cfg.Server.Listen,
		"protocol", cfg.Server.Protocol,
		"local_store", cfg.LocalStore.Format,
		"remote_store", cfg.RemoteStore.Driver,
		"tls_mode", tlsMode,
	)

	if err := smtp.New(srvCfg).ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("maildrop-lite stopped")
	return nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger builds the process logger with the configured level and
// format, writing to w.
func setupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := new(slog.LevelVar)

	switch cfg.Level {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
