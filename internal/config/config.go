// Package config loads the worker's configuration from environment
// variables. Grounded on the env-override pass in ternarybob-quaero's
// internal/common/config.go (applyEnvOverrides), minus the preceding
// TOML layer this worker's spec has no use for.
package config

import (
	"os"
	"strconv"
)

// Config holds every environment-sourced setting from spec.md §6.
type Config struct {
	NSQLookupdHTTP  string
	NSQTopicIngest  string
	NSQChannelWorker string
	NSQTopicResult  string
	NSQDTCPAddress  string
	GeminiAPIKey    string

	NSQMaxInFlight        int
	NSQHeartbeatInterval  int
	CrawlerPageTimeoutMS  int
	Environment           string
	RetryMaxAttempts      int
	RetryInitialDelayMS   int64
	RetryMaxDelayMS       int64
	RetryBackoffMultiplier float64
}

// Load reads every key with its spec.md §6 default, applying an override
// only when the environment variable is set and non-empty.
func Load() *Config {
	c := &Config{
		NSQLookupdHTTP:         "nsqlookupd:4161",
		NSQTopicIngest:         "ingest.task",
		NSQChannelWorker:       "worker",
		NSQTopicResult:         "ingest.result",
		NSQDTCPAddress:         "nsqd:4150",
		GeminiAPIKey:           "",
		NSQMaxInFlight:         8,
		NSQHeartbeatInterval:   60,
		CrawlerPageTimeoutMS:   120000,
		Environment:            "production",
		RetryMaxAttempts:       3,
		RetryInitialDelayMS:    1000,
		RetryMaxDelayMS:        60000,
		RetryBackoffMultiplier: 2,
	}

	if v := os.Getenv("NSQ_LOOKUPD_HTTP"); v != "" {
		c.NSQLookupdHTTP = v
	}
	if v := os.Getenv("NSQ_TOPIC_INGEST"); v != "" {
		c.NSQTopicIngest = v
	}
	if v := os.Getenv("NSQ_CHANNEL_WORKER"); v != "" {
		c.NSQChannelWorker = v
	}
	if v := os.Getenv("NSQ_TOPIC_RESULT"); v != "" {
		c.NSQTopicResult = v
	}
	if v := os.Getenv("NSQD_TCP_ADDRESS"); v != "" {
		c.NSQDTCPAddress = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.GeminiAPIKey = v
	}
	if v := os.Getenv("NSQ_MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.NSQMaxInFlight = n
		}
	}
	if v := os.Getenv("NSQ_HEARTBEAT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.NSQHeartbeatInterval = n
		}
	}
	if v := os.Getenv("CRAWLER_PAGE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CrawlerPageTimeoutMS = n
		}
	}
	if v := os.Getenv("ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RetryMaxAttempts = n
		}
	}
	if v := os.Getenv("RETRY_INITIAL_DELAY_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.RetryInitialDelayMS = n
		}
	}
	if v := os.Getenv("RETRY_MAX_DELAY_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.RetryMaxDelayMS = n
		}
	}
	if v := os.Getenv("RETRY_BACKOFF_MULTIPLIER"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.RetryBackoffMultiplier = n
		}
	}

	return c
}

// IsDevelopment reports whether human-readable (as opposed to JSON) logs
// should be used.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
