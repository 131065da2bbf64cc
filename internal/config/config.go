// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the delivery server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	TLS         TLSConfig         `yaml:"tls"`
	LocalStore  LocalStoreConfig  `yaml:"local_store"`
	RemoteStore RemoteStoreConfig `yaml:"remote_store"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds protocol listener configuration.
type ServerConfig struct {
	Listen         string        `yaml:"listen"`
	Hostname       string        `yaml:"hostname"`
	Protocol       string        `yaml:"protocol"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// TLSConfig holds STARTTLS certificate settings.
type TLSConfig struct {
	Disabled bool   `yaml:"disabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LocalStoreConfig selects the on-disk mailbox format.
type LocalStoreConfig struct {
	Format string `yaml:"format"`
	Root   string `yaml:"root"`
}

// RemoteStoreConfig selects the structured store and its allocator.
type RemoteStoreConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	Table           string `yaml:"table"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// MetricsConfig holds OTLP metric export settings.
type MetricsConfig struct {
	OTLPEndpoint string        `yaml:"otlp_endpoint"`
	Insecure     bool          `yaml:"insecure"`
	Interval     time.Duration `yaml:"interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, cfg.Validate()
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, cfg.Validate()
}

// LMTP reports whether the server speaks LMTP rather than SMTP.
func (c *Config) LMTP() bool {
	return c.Server.Protocol == "lmtp"
}

// Validate rejects unknown protocols, formats and drivers.
func (c *Config) Validate() error {
	var errs []error

	switch c.Server.Protocol {
	case "lmtp", "smtp":
	default:
		errs = append(errs, fmt.Errorf("unknown server protocol %q", c.Server.Protocol))
	}
	if c.Server.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("max_message_size must be positive, got %d", c.Server.MaxMessageSize))
	}

	switch c.LocalStore.Format {
	case "maildir", "mbox", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown local store format %q", c.LocalStore.Format))
	}

	switch c.RemoteStore.Driver {
	case "stdout", "memory", "none":
	case "sqlite", "postgres":
		if c.RemoteStore.DSN == "" {
			errs = append(errs, fmt.Errorf("remote store driver %q requires a dsn", c.RemoteStore.Driver))
		}
	case "dynamodb":
		if c.RemoteStore.Region == "" && c.RemoteStore.Endpoint == "" {
			errs = append(errs, errors.New("remote store driver \"dynamodb\" requires a region or endpoint"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown remote store driver %q", c.RemoteStore.Driver))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Server.Listen = "127.0.0.1:10025"
	c.Server.Hostname = "localhost"
	c.Server.Protocol = "lmtp"
	c.Server.MaxMessageSize = defaultMaxMessageSize
	c.Server.IdleTimeout = 60 * time.Second
	c.LocalStore.Format = "maildir"
	c.LocalStore.Root = "/var/mail/maildrop"
	c.RemoteStore.Driver = "stdout"
	c.RemoteStore.Table = "messages"
	c.Metrics.Interval = 15 * time.Second
	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SERVER_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("SERVER_HOSTNAME"); v != "" {
		c.Server.Hostname = v
	}
	if v := os.Getenv("SERVER_PROTOCOL"); v != "" {
		c.Server.Protocol = strings.ToLower(v)
	}
	if v := os.Getenv("SERVER_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Server.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SERVER_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Server.IdleTimeout = d
		}
	}

	if v := os.Getenv("TLS_DISABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.TLS.Disabled = b
		}
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOCAL_STORE_FORMAT"); v != "" {
		c.LocalStore.Format = strings.ToLower(v)
	}
	if v := os.Getenv("LOCAL_STORE_ROOT"); v != "" {
		c.LocalStore.Root = v
	}

	if v := os.Getenv("REMOTE_STORE_DRIVER"); v != "" {
		c.RemoteStore.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("REMOTE_STORE_DSN"); v != "" {
		c.RemoteStore.DSN = v
	}
	if v := os.Getenv("REMOTE_STORE_TABLE"); v != "" {
		c.RemoteStore.Table = v
	}
	if v := os.Getenv("REMOTE_STORE_REGION"); v != "" {
		c.RemoteStore.Region = v
	}
	if v := os.Getenv("REMOTE_STORE_ENDPOINT"); v != "" {
		c.RemoteStore.Endpoint = v
	}
	if v := os.Getenv("REMOTE_STORE_ACCESS_KEY_ID"); v != "" {
		c.RemoteStore.AccessKeyID = v
	}
	if v := os.Getenv("REMOTE_STORE_SECRET_ACCESS_KEY"); v != "" {
		c.RemoteStore.SecretAccessKey = v
	}

	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		c.Metrics.OTLPEndpoint = v
	}
	if v := os.Getenv("OTLP_INSECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Metrics.Insecure = b
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
}
