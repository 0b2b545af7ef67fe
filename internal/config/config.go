// Package config loads server settings from an optional YAML file with
// environment variable overrides. A config error is fatal at startup
// (exit code 64); nothing here is reloadable.
package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr      = "0.0.0.0:8000"
	defaultQueueCapacity   = 10000
	defaultPushConcurrency = 8
	defaultAuthenticated   = 100
	defaultAnonymous       = 10
	defaultStaleWindow     = 5 * time.Minute
	defaultRetentionDays   = 90
	defaultNATSSubject     = "geotak.cot"
)

// Config is everything the server needs, resolved and validated.
type Config struct {
	TAKServerURL    string `yaml:"tak_server_url"`
	QueuePath       string `yaml:"queue_path"`
	AuditPath       string `yaml:"audit_path"`
	BearerPublicKey string `yaml:"bearer_public_key"`
	APIKeyStorePath string `yaml:"api_key_store_path"`
	ListenAddr      string `yaml:"listen_addr"`

	RateLimitAuthenticated int `yaml:"rate_limit_authenticated"`
	RateLimitAnonymous     int `yaml:"rate_limit_anonymous"`
	QueueCapacity          int `yaml:"queue_capacity"`
	PushConcurrency        int `yaml:"push_concurrency"`

	StaleWindowSeconds int `yaml:"stale_window_seconds"`
	RetentionDays      int `yaml:"retention_days"`

	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
}

// Load resolves configuration: defaults, then the YAML file at path (if it
// exists), then environment variables on top.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr:             defaultListenAddr,
		QueueCapacity:          defaultQueueCapacity,
		PushConcurrency:        defaultPushConcurrency,
		RateLimitAuthenticated: defaultAuthenticated,
		RateLimitAnonymous:     defaultAnonymous,
		StaleWindowSeconds:     int(defaultStaleWindow.Seconds()),
		RetentionDays:          defaultRetentionDays,
		NATSSubject:            defaultNATSSubject,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			// Env-only deployments are fine.
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	overrideString(&cfg.TAKServerURL, "TAK_SERVER_URL")
	overrideString(&cfg.QueuePath, "QUEUE_PATH")
	overrideString(&cfg.AuditPath, "AUDIT_PATH")
	overrideString(&cfg.BearerPublicKey, "BEARER_PUBLIC_KEY")
	overrideString(&cfg.APIKeyStorePath, "API_KEY_STORE_PATH")
	overrideString(&cfg.ListenAddr, "LISTEN_ADDR")
	overrideString(&cfg.NATSURL, "NATS_URL")
	overrideString(&cfg.NATSSubject, "NATS_SUBJECT")

	if err := overrideInt(&cfg.RateLimitAuthenticated, "RATE_LIMIT_AUTHENTICATED"); err != nil {
		return nil, err
	}
	if err := overrideInt(&cfg.RateLimitAnonymous, "RATE_LIMIT_ANONYMOUS"); err != nil {
		return nil, err
	}
	if err := overrideInt(&cfg.QueueCapacity, "QUEUE_CAPACITY"); err != nil {
		return nil, err
	}
	if err := overrideInt(&cfg.PushConcurrency, "PUSH_CONCURRENCY"); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.TAKServerURL == "":
		return errors.New("config: TAK_SERVER_URL is required")
	case c.QueuePath == "":
		return errors.New("config: QUEUE_PATH is required")
	case c.AuditPath == "":
		return errors.New("config: AUDIT_PATH is required")
	case c.BearerPublicKey == "":
		return errors.New("config: BEARER_PUBLIC_KEY is required")
	case c.QueueCapacity <= 0:
		return errors.New("config: QUEUE_CAPACITY must be positive")
	case c.PushConcurrency <= 0:
		return errors.New("config: PUSH_CONCURRENCY must be positive")
	case c.RateLimitAuthenticated <= 0 || c.RateLimitAnonymous <= 0:
		return errors.New("config: rate limits must be positive")
	case c.StaleWindowSeconds < 1 || c.StaleWindowSeconds > 3600:
		return errors.New("config: stale_window_seconds must be within [1, 3600]")
	case c.RetentionDays < 1:
		return errors.New("config: retention_days must be positive")
	}
	return nil
}

// StaleWindow converts the configured window to a duration.
func (c *Config) StaleWindow() time.Duration {
	return time.Duration(c.StaleWindowSeconds) * time.Second
}

// Retention converts the configured retention to a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// LoadPublicKey reads and parses the PEM-encoded RSA public key at
// c.BearerPublicKey.
func (c *Config) LoadPublicKey() (*rsa.PublicKey, error) {
	data, err := os.ReadFile(c.BearerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("config: read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("config: public key is not PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("config: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("config: public key is not RSA")
	}
	return rsaPub, nil
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %q is not an integer", key, v)
	}
	*dst = n
	return nil
}
