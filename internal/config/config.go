// Copyright (c) 2026 Apflow Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BreakerConfig tunes one named circuit breaker.
type BreakerConfig struct {
	FailMax      int `yaml:"fail_max"`
	ResetSeconds int `yaml:"reset_seconds"`
}

// RetryConfig tunes the exponential-backoff retry wrapper.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
}

// TimeoutConfig holds per-dependency call timeouts in seconds.
type TimeoutConfig struct {
	MailSeconds      int `yaml:"mail_seconds"`
	ExtractorSeconds int `yaml:"extractor_seconds"`
	StorageSeconds   int `yaml:"storage_seconds"`
	ChatSeconds      int `yaml:"chat_seconds"`
}

// ProviderConfig holds mail-provider credentials. Tokens come from an
// oauth2 client-credentials flow; the rest of the code only ever sees
// the resulting http.Client.
type ProviderConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	BaseURL      string `yaml:"base_url"`
}

// Config holds all configuration for the invoice agent.
type Config struct {
	// Mailboxes
	MonitoredMailbox string
	APAddress        string

	// Webhook
	WebhookPath      string
	WebhookPublicURL string
	WebhookPort      int

	// Provider
	Provider ProviderConfig

	// Stores
	DatabaseURL string
	RedisURL    string

	// Blob store
	BlobEndpoint  string
	BlobAccessKey string
	BlobSecretKey string
	BlobBucket    string
	BlobUseSSL    bool

	// Extractor
	ExtractorEnabled     bool
	ExtractorModelID     string
	ExtractorMaxPdfBytes int64
	ExtractorForceEmpty  bool // call the LLM even when the text layer is empty

	// Chat sink
	ChatWebhookURL string

	// Resilience
	Timeouts      TimeoutConfig
	Retry         RetryConfig
	MailBreaker   BreakerConfig
	LLMBreaker    BreakerConfig
	StoreBreaker  BreakerConfig
	RateLimitPerM int // webhook requests/min/IP

	// Pipeline
	StaleClaimWindow   time.Duration
	QueueMaxDequeue    int
	QueueVisibility    time.Duration
	AttachInlineMax    int64 // above this, the AP mail links a signed URL instead
	SystemPrefixes     []string
	LookupStrategy     string // "domain" or "localpart"
	PollerEnabled      bool
	PollerInterval     time.Duration
	SubscriptionTTL    time.Duration
	SubscriptionBuffer time.Duration // renew when expiry is closer than this

	// Server
	Port     int
	LogLevel slog.Level
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Mailbox struct {
		Monitored string `yaml:"monitored"`
		AP        string `yaml:"ap"`
	} `yaml:"mailbox"`
	Webhook struct {
		Path      string `yaml:"path"`
		PublicURL string `yaml:"public_url"`
		Port      int    `yaml:"port"`
	} `yaml:"webhook"`
	Provider ProviderConfig `yaml:"provider"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Blob struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"blob"`
	Extractor struct {
		Enabled     *bool  `yaml:"enabled"`
		ModelID     string `yaml:"model_id"`
		MaxPdfBytes int64  `yaml:"max_pdf_bytes"`
		ForceEmpty  bool   `yaml:"force_empty_text"`
	} `yaml:"extractor"`
	Chat struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"chat"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Retry    RetryConfig   `yaml:"retry"`
	Breakers struct {
		Mail  BreakerConfig `yaml:"mail"`
		LLM   BreakerConfig `yaml:"llm"`
		Store BreakerConfig `yaml:"store"`
	} `yaml:"breakers"`
	Pipeline struct {
		StaleClaimMinutes  int      `yaml:"stale_claim_minutes"`
		QueueMaxDequeue    int      `yaml:"queue_max_dequeue"`
		QueueVisibilityMin int      `yaml:"queue_visibility_minutes"`
		AttachInlineMax    int64    `yaml:"attach_inline_max_bytes"`
		SystemPrefixes     []string `yaml:"system_prefixes"`
		LookupStrategy     string   `yaml:"lookup_strategy"`
		RateLimitPerMin    int      `yaml:"webhook_rate_limit_per_min"`
	} `yaml:"pipeline"`
	Poller struct {
		Enabled         *bool `yaml:"enabled"`
		IntervalMinutes int   `yaml:"interval_minutes"`
	} `yaml:"poller"`
	Subscription struct {
		TTLDays     int `yaml:"ttl_days"`
		BufferHours int `yaml:"buffer_hours"`
	} `yaml:"subscription"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for overrides.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := fromRaw(&raw)

	if cfg.MonitoredMailbox == "" {
		return nil, fmt.Errorf("mailbox.monitored is required")
	}
	if cfg.APAddress == "" {
		return nil, fmt.Errorf("mailbox.ap is required")
	}
	if cfg.Provider.TenantID == "" || cfg.Provider.ClientID == "" || cfg.Provider.ClientSecret == "" {
		return nil, fmt.Errorf("provider credentials are incomplete, check config.yaml and environment variables")
	}

	return cfg, nil
}

// fromRaw applies defaults on top of the parsed YAML.
func fromRaw(raw *rawConfig) *Config {
	cfg := &Config{
		MonitoredMailbox: raw.Mailbox.Monitored,
		APAddress:        raw.Mailbox.AP,

		WebhookPath:      firstNonEmpty(raw.Webhook.Path, "hooks/mail"),
		WebhookPublicURL: firstNonEmpty(raw.Webhook.PublicURL, envOrDefault("WEBHOOK_URL", "")),
		WebhookPort:      intOrDefault(raw.Webhook.Port, 8081),

		Provider: raw.Provider,

		DatabaseURL: firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "")),
		RedisURL:    firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),

		BlobEndpoint:  raw.Blob.Endpoint,
		BlobAccessKey: raw.Blob.AccessKey,
		BlobSecretKey: raw.Blob.SecretKey,
		BlobBucket:    firstNonEmpty(raw.Blob.Bucket, "invoices"),
		BlobUseSSL:    raw.Blob.UseSSL,

		ExtractorEnabled:     boolOrDefault(raw.Extractor.Enabled, true),
		ExtractorModelID:     raw.Extractor.ModelID,
		ExtractorMaxPdfBytes: int64OrDefault(raw.Extractor.MaxPdfBytes, 10<<20),
		ExtractorForceEmpty:  raw.Extractor.ForceEmpty,

		ChatWebhookURL: firstNonEmpty(raw.Chat.WebhookURL, envOrDefault("CHAT_WEBHOOK_URL", "")),

		Timeouts: TimeoutConfig{
			MailSeconds:      intOrDefault(raw.Timeouts.MailSeconds, 15),
			ExtractorSeconds: intOrDefault(raw.Timeouts.ExtractorSeconds, 15),
			StorageSeconds:   intOrDefault(raw.Timeouts.StorageSeconds, 10),
			ChatSeconds:      intOrDefault(raw.Timeouts.ChatSeconds, 10),
		},
		Retry: RetryConfig{
			MaxAttempts: intOrDefault(raw.Retry.MaxAttempts, 3),
			BaseDelayMs: intOrDefault(raw.Retry.BaseDelayMs, 500),
			MaxDelayMs:  intOrDefault(raw.Retry.MaxDelayMs, 30000),
		},
		MailBreaker: BreakerConfig{
			FailMax:      intOrDefault(raw.Breakers.Mail.FailMax, 5),
			ResetSeconds: intOrDefault(raw.Breakers.Mail.ResetSeconds, 60),
		},
		LLMBreaker: BreakerConfig{
			FailMax:      intOrDefault(raw.Breakers.LLM.FailMax, 3),
			ResetSeconds: intOrDefault(raw.Breakers.LLM.ResetSeconds, 30),
		},
		StoreBreaker: BreakerConfig{
			FailMax:      intOrDefault(raw.Breakers.Store.FailMax, 10),
			ResetSeconds: intOrDefault(raw.Breakers.Store.ResetSeconds, 30),
		},
		RateLimitPerM: intOrDefault(raw.Pipeline.RateLimitPerMin, 100),

		StaleClaimWindow: time.Duration(intOrDefault(raw.Pipeline.StaleClaimMinutes, 30)) * time.Minute,
		QueueMaxDequeue:  intOrDefault(raw.Pipeline.QueueMaxDequeue, 5),
		QueueVisibility:  time.Duration(intOrDefault(raw.Pipeline.QueueVisibilityMin, 10)) * time.Minute,
		AttachInlineMax:  int64OrDefault(raw.Pipeline.AttachInlineMax, 3<<20),
		SystemPrefixes:   raw.Pipeline.SystemPrefixes,
		LookupStrategy:   firstNonEmpty(raw.Pipeline.LookupStrategy, "domain"),

		PollerEnabled:  boolOrDefault(raw.Poller.Enabled, true),
		PollerInterval: time.Duration(intOrDefault(raw.Poller.IntervalMinutes, 60)) * time.Minute,

		SubscriptionTTL:    time.Duration(intOrDefault(raw.Subscription.TTLDays, 6)) * 24 * time.Hour,
		SubscriptionBuffer: time.Duration(intOrDefault(raw.Subscription.BufferHours, 48)) * time.Hour,

		Port:     intOrDefault(raw.Port, envOrDefaultInt("PORT", 8080)),
		LogLevel: parseLevel(firstNonEmpty(raw.LogLevel, envOrDefault("LOG_LEVEL", "info"))),
	}

	if len(cfg.SystemPrefixes) == 0 {
		cfg.SystemPrefixes = []string{"[Invoice Agent]", "Unknown Vendor —"}
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://graph.microsoft.com/v1.0"
	}

	return cfg
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func intOrDefault(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func int64OrDefault(v, fallback int64) int64 {
	if v != 0 {
		return v
	}
	return fallback
}

func boolOrDefault(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
