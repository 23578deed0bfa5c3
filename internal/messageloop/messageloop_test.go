package messageloop

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/ingestion-worker/internal/broker"
	"github.com/ternarybob/ingestion-worker/internal/config"
	"github.com/ternarybob/ingestion-worker/internal/crawler"
	"github.com/ternarybob/ingestion-worker/internal/filehandler"
	"github.com/ternarybob/ingestion-worker/internal/llmfilter"
	"github.com/ternarybob/ingestion-worker/internal/logging"
	"github.com/ternarybob/ingestion-worker/internal/models"
	"github.com/ternarybob/ingestion-worker/internal/taxonomy"
	"github.com/ternarybob/ingestion-worker/internal/webhandler"
)

const (
	ingestTopic = "ingest.task"
	resultTopic = "ingest.result"
)

func testConfig() *config.Config {
	return &config.Config{
		NSQTopicIngest:         ingestTopic,
		NSQTopicResult:         resultTopic,
		NSQMaxInFlight:         4,
		RetryMaxAttempts:       3,
		RetryInitialDelayMS:    1000,
		RetryMaxDelayMS:        60000,
		RetryBackoffMultiplier: 2,
	}
}

func newTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b, err := broker.Open(t.TempDir()+"/db", time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newTestLoop(b *broker.Broker, cfg *config.Config, getWebHandler WebHandlerFunc, restart func()) *Loop {
	if restart == nil {
		restart = func() {}
	}
	return New(b, cfg, logging.New(true), filehandler.NewPool(), getWebHandler, restart)
}

func publishTask(t *testing.T, b *broker.Broker, topic string, task models.Task) {
	t.Helper()
	body, err := json.Marshal(task)
	require.NoError(t, err)
	require.NoError(t, b.Publish(topic, body))
}

func TestProcessMessageDecodeFailureFinishesWithoutPublish(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Publish(ingestTopic, []byte("not json")))
	msg, err := b.Receive(ingestTopic)
	require.NoError(t, err)

	loop := newTestLoop(b, testConfig(), nil, nil)
	loop.ProcessMessage(context.Background(), msg)

	_, err = b.Receive(ingestTopic)
	assert.ErrorIs(t, err, broker.ErrNoMessage)
	_, err = b.Receive(resultTopic)
	assert.ErrorIs(t, err, broker.ErrNoMessage)
}

func TestProcessMessageUnknownTypePublishesNoContentFailure(t *testing.T) {
	b := newTestBroker(t)
	publishTask(t, b, ingestTopic, models.Task{ID: "task-1", Type: "unknown"})
	msg, err := b.Receive(ingestTopic)
	require.NoError(t, err)

	loop := newTestLoop(b, testConfig(), nil, nil)
	loop.ProcessMessage(context.Background(), msg)

	_, err = b.Receive(ingestTopic)
	assert.ErrorIs(t, err, broker.ErrNoMessage)

	resultMsg, err := b.Receive(resultTopic)
	require.NoError(t, err)
	var payload models.ResultPayload
	require.NoError(t, json.Unmarshal(resultMsg.Body, &payload))
	assert.Equal(t, "failed", payload.Status)
	assert.Equal(t, "No content extracted", payload.Error)
	assert.Equal(t, "task-1", payload.SourceID)
}

// TestProcessMessageWebTaskCrashRestartsCrawler exercises the real
// webhandler/crawler retry loop against a deliberately unstarted Browser,
// whose deterministic "browser not started" failure is both a transient
// taxonomy kind and a crash keyword. It runs the two real retry sleeps
// (2s, 4s), so it is slower than the rest of this package's tests.
func TestProcessMessageWebTaskCrashRestartsCrawler(t *testing.T) {
	b := newTestBroker(t)
	publishTask(t, b, ingestTopic, models.Task{ID: "task-2", Type: "web", URL: "https://example.com"})
	msg, err := b.Receive(ingestTopic)
	require.NoError(t, err)

	logger := logging.New(true)
	handler := webhandler.New(crawler.New(logger), llmfilter.NewCircuitBreaker(), 1000, logger, "")

	var restarted bool
	loop := newTestLoop(b, testConfig(), func(context.Context) (*webhandler.Handler, error) {
		return handler, nil
	}, func() { restarted = true })

	loop.ProcessMessage(context.Background(), msg)

	assert.True(t, restarted, "crash keyword in the failure message should trigger a crawler restart")

	resultMsg, err := b.Receive(resultTopic)
	require.NoError(t, err)
	var payload models.ResultPayload
	require.NoError(t, json.Unmarshal(resultMsg.Body, &payload))
	assert.Equal(t, "failed", payload.Status)
	assert.Equal(t, taxonomy.CrawlTimeout, taxonomy.Kind(payload.Code))
}

func TestHandleFailureRequeuesTransientWithinBudget(t *testing.T) {
	b := newTestBroker(t)
	publishTask(t, b, ingestTopic, models.Task{ID: "task-3", Type: "web"})
	msg, err := b.Receive(ingestTopic)
	require.NoError(t, err)

	loop := newTestLoop(b, testConfig(), nil, nil)
	loop.handleFailure(logging.New(true), msg, models.Task{ID: "task-3"}, taxonomy.New(taxonomy.CrawlTimeout, "timed out"))

	_, err = b.Receive(ingestTopic)
	assert.ErrorIs(t, err, broker.ErrNoMessage, "requeued message should not be immediately visible")
	_, err = b.Receive(resultTopic)
	assert.ErrorIs(t, err, broker.ErrNoMessage, "a requeue must not publish anything")
}

func TestHandleFailurePublishesTerminalFailure(t *testing.T) {
	b := newTestBroker(t)
	publishTask(t, b, ingestTopic, models.Task{ID: "task-4", Type: "file", Path: "/tmp/doc.pdf"})
	msg, err := b.Receive(ingestTopic)
	require.NoError(t, err)

	loop := newTestLoop(b, testConfig(), nil, nil)
	task := models.Task{ID: "task-4", Path: "/tmp/doc.pdf"}
	loop.handleFailure(logging.New(true), msg, task, taxonomy.New(taxonomy.Encrypted, "document is encrypted"))

	_, err = b.Receive(ingestTopic)
	assert.ErrorIs(t, err, broker.ErrNoMessage, "terminal failure must finish the message")

	resultMsg, err := b.Receive(resultTopic)
	require.NoError(t, err)
	var payload models.ResultPayload
	require.NoError(t, json.Unmarshal(resultMsg.Body, &payload))
	assert.Equal(t, "failed", payload.Status)
	assert.Equal(t, string(taxonomy.Encrypted), payload.Code)
	require.NotNil(t, payload.OriginalPayload)
	assert.Equal(t, "task-4", payload.OriginalPayload.ID)
}

func TestHandleFailureTreatsExhaustedAttemptsAsTerminal(t *testing.T) {
	b := newTestBroker(t)
	publishTask(t, b, ingestTopic, models.Task{ID: "task-5", Type: "web"})
	msg, err := b.Receive(ingestTopic)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.RetryMaxAttempts = 0 // force the budget exhausted regardless of attempt count
	loop := newTestLoop(b, cfg, nil, nil)
	loop.handleFailure(logging.New(true), msg, models.Task{ID: "task-5"}, taxonomy.New(taxonomy.CrawlTimeout, "timed out"))

	resultMsg, err := b.Receive(resultTopic)
	require.NoError(t, err)
	var payload models.ResultPayload
	require.NoError(t, json.Unmarshal(resultMsg.Body, &payload))
	assert.Equal(t, "failed", payload.Status)
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	cfg := testConfig()
	cfg.RetryInitialDelayMS = 1000
	cfg.RetryBackoffMultiplier = 2
	cfg.RetryMaxDelayMS = 5000

	assert.Equal(t, 1*time.Second, backoffDelay(cfg, 1))
	assert.Equal(t, 2*time.Second, backoffDelay(cfg, 2))
	assert.Equal(t, 4*time.Second, backoffDelay(cfg, 3))
	assert.Equal(t, 5*time.Second, backoffDelay(cfg, 4)) // would be 8s uncapped
}

func TestIsCrawlerCrashMatchesKeywords(t *testing.T) {
	cases := []struct {
		message string
		crash   bool
	}{
		{"Target closed", true},
		{"session closed unexpectedly", true},
		{"PROTOCOL ERROR: disconnected", true},
		{"connection refused by remote host", true},
		{"no content extracted", false},
		{"invalid format: unsupported extension", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.crash, isCrawlerCrash(c.message), c.message)
	}
}
