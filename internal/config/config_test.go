package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"NSQ_LOOKUPD_HTTP", "NSQ_TOPIC_INGEST", "NSQ_CHANNEL_WORKER", "NSQ_TOPIC_RESULT",
		"NSQD_TCP_ADDRESS", "GEMINI_API_KEY", "NSQ_MAX_IN_FLIGHT", "NSQ_HEARTBEAT_INTERVAL",
		"CRAWLER_PAGE_TIMEOUT", "ENV", "RETRY_MAX_ATTEMPTS", "RETRY_INITIAL_DELAY_MS",
		"RETRY_MAX_DELAY_MS", "RETRY_BACKOFF_MULTIPLIER",
	} {
		os.Unsetenv(key)
	}

	c := Load()
	assert.Equal(t, "nsqlookupd:4161", c.NSQLookupdHTTP)
	assert.Equal(t, "ingest.task", c.NSQTopicIngest)
	assert.Equal(t, 8, c.NSQMaxInFlight)
	assert.Equal(t, 3, c.RetryMaxAttempts)
	assert.Equal(t, int64(1000), c.RetryInitialDelayMS)
	assert.Equal(t, int64(60000), c.RetryMaxDelayMS)
	assert.Equal(t, 2.0, c.RetryBackoffMultiplier)
	assert.False(t, c.IsDevelopment())
}

func TestLoadOverrides(t *testing.T) {
	os.Setenv("NSQ_MAX_IN_FLIGHT", "16")
	os.Setenv("ENV", "development")
	defer os.Unsetenv("NSQ_MAX_IN_FLIGHT")
	defer os.Unsetenv("ENV")

	c := Load()
	assert.Equal(t, 16, c.NSQMaxInFlight)
	assert.True(t, c.IsDevelopment())
}
