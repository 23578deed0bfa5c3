// Package messageloop implements spec.md §4.E's process_message: keep-alive,
// decode, context binding, the concurrency gate, web/file dispatch with
// crawler-crash recovery, publish, and the finish/requeue decision tree.
//
// Grounded on ternarybob-quaero's internal/queue/workers/crawler_worker.go for
// the overall message-handling shape (touch loop alongside processing,
// per-job correlated logger, publish-then-ack) and internal/queue/step_manager.go
// for the attempt-based backoff/requeue split.
package messageloop

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ingestion-worker/internal/broker"
	"github.com/ternarybob/ingestion-worker/internal/config"
	"github.com/ternarybob/ingestion-worker/internal/filehandler"
	"github.com/ternarybob/ingestion-worker/internal/lifecycle"
	"github.com/ternarybob/ingestion-worker/internal/logging"
	"github.com/ternarybob/ingestion-worker/internal/models"
	"github.com/ternarybob/ingestion-worker/internal/taxonomy"
	"github.com/ternarybob/ingestion-worker/internal/webhandler"
)

const touchInterval = 10 * time.Second

// crashKeywords trigger a crawler restart after a failed web task, per
// spec.md §4.E step 5 — a lower-cased substring match against the error.
var crashKeywords = []string{
	"browser", "target closed", "session closed", "protocol error",
	"browser has been closed", "connection refused",
}

// WebHandlerFunc lazily initializes (or returns) the process-wide crawler
// singleton and hands back a Handler bound to it.
type WebHandlerFunc func(ctx context.Context) (*webhandler.Handler, error)

// Loop wires the broker, the concurrency gate, and web/file dispatch
// together to run spec.md §4.E's process_message for each delivery.
type Loop struct {
	Broker         *broker.Broker
	Config         *config.Config
	Logger         arbor.ILogger
	Pool           *filehandler.Pool
	GetWebHandler  WebHandlerFunc
	RestartCrawler func()
	ResultTopic    string

	sem chan struct{}
}

// New builds a Loop. getWebHandler and restartCrawler close over the
// process-wide crawler singleton the caller (internal/app) owns.
func New(b *broker.Broker, cfg *config.Config, logger arbor.ILogger, pool *filehandler.Pool,
	getWebHandler WebHandlerFunc, restartCrawler func()) *Loop {
	return &Loop{
		Broker:         b,
		Config:         cfg,
		Logger:         logger,
		Pool:           pool,
		GetWebHandler:  getWebHandler,
		RestartCrawler: restartCrawler,
		ResultTopic:    cfg.NSQTopicResult,
		sem:            make(chan struct{}, cfg.NSQMaxInFlight),
	}
}

// ProcessMessage runs the full protocol for one delivery. It never returns
// an error to the caller — every failure path resolves into a finish, a
// requeue, or a logged drop, matching the broker contract's "must never
// raise" requirement.
func (l *Loop) ProcessMessage(ctx context.Context, msg *broker.Message) {
	procCtx, cancelProc := context.WithCancel(ctx)

	var keepAliveWG sync.WaitGroup
	keepAliveWG.Add(1)
	lifecycle.Go(l.Logger, "keep-alive", func() { l.keepAlive(procCtx, cancelProc, msg, &keepAliveWG) })
	defer func() {
		cancelProc()
		keepAliveWG.Wait()
	}()

	start := time.Now()

	var task models.Task
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		l.Logger.Warn().Err(err).Msg("failed to decode task body, dropping message")
		l.finish(msg)
		return
	}

	var rawBody map[string]any
	_ = json.Unmarshal(msg.Body, &rawBody)

	logger := l.Logger.WithCorrelationId(task.ID)
	logger.Info().
		Str("operation", "process_message").
		Str("task_type", task.Type).
		Msgf("message_received body=%v", logging.Redact(rawBody))

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		logger.Warn().Msg("concurrency gate cancelled before a permit was acquired")
		return
	}
	defer func() { <-l.sem }()

	records, terr := l.dispatch(procCtx, logger, task)

	// A keep-alive touch failure cancels procCtx mid-dispatch, which usually
	// surfaces as a transient-looking taxonomy error from whatever handler
	// was running. That cancellation takes priority over the error it
	// produced: no requeue attempt is made, since the broker connection that
	// just failed a touch is unlikely to accept one either.
	if procCtx.Err() != nil {
		logger.Warn().Msg("processing cancelled by keep-alive failure")
		return
	}

	if terr != nil {
		l.handleFailure(logger, msg, task, terr)
		return
	}

	l.publish(logger, task, records)
	l.finish(msg)

	logger.Info().
		Dur("duration_ms", time.Since(start)).
		Msg("message_processed")
}

// dispatch routes by task.Type, restarting the crawler singleton when a web
// task fails with a crash-shaped error message.
func (l *Loop) dispatch(ctx context.Context, logger arbor.ILogger, task models.Task) ([]models.ContentRecord, *taxonomy.Error) {
	switch task.Type {
	case "web":
		handler, err := l.GetWebHandler(ctx)
		if err != nil {
			return nil, taxonomy.New(taxonomy.CrawlRefused, "crawler unavailable: "+err.Error())
		}
		records, terr := handler.Handle(ctx, task.URL, task.GeminiAPIKey)
		if terr != nil && isCrawlerCrash(terr.Message) {
			logger.Warn().Str("error", terr.Message).Msg("crawler crash detected, restarting")
			l.RestartCrawler()
		}
		return records, terr
	case "file":
		return filehandler.Handle(ctx, l.Pool, task.Path)
	default:
		return []models.ContentRecord{}, nil
	}
}

func isCrawlerCrash(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range crashKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// handleFailure implements step 8's exception branch: transient-and-within-
// budget requeues with backoff, everything else publishes a terminal
// failure and finishes. Every handler here raises a *taxonomy.Error, so the
// kind-based check and the string-based is_transient catch-all collapse
// into one test — taxonomy.IsTransient already checks a classified Error's
// Kind against the same transient set.
func (l *Loop) handleFailure(logger arbor.ILogger, msg *broker.Message, task models.Task, terr *taxonomy.Error) {
	if taxonomy.IsTransient(terr) && msg.Attempts <= l.Config.RetryMaxAttempts {
		delay := backoffDelay(l.Config, msg.Attempts)
		logger.Warn().Str("error", terr.Message).Dur("delay", delay).Msg("transient failure, requeuing")
		if err := msg.Requeue(delay, true); err != nil {
			logger.Error().Err(err).Msg("requeue failed")
		}
		return
	}

	logger.Error().Str("error", terr.Message).Msg("terminal failure, publishing failure payload")
	payload := models.Failure(task, string(terr.Kind), terr.Message, task.URL)
	l.publishPayload(logger, payload)
	l.finish(msg)
}

// publish emits one success payload per record, or a single "no content
// extracted" failure payload when the handler succeeded but found nothing.
func (l *Loop) publish(logger arbor.ILogger, task models.Task, records []models.ContentRecord) {
	if len(records) == 0 {
		l.publishPayload(logger, models.Failure(task, "EMPTY", "No content extracted", task.URL))
		return
	}
	for _, record := range records {
		l.publishPayload(logger, models.Success(task, record))
	}
}

func (l *Loop) publishPayload(logger arbor.ILogger, payload models.ResultPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshal result payload")
		return
	}
	if err := l.Broker.Publish(l.ResultTopic, body); err != nil {
		logger.Error().Err(err).Msg("failed to publish result payload")
	}
}

func (l *Loop) finish(msg *broker.Message) {
	if err := msg.Finish(); err != nil {
		l.Logger.Error().Err(err).Msg("failed to finish message")
	}
}

// keepAlive touches msg every touchInterval until procCtx is cancelled by the
// caller, or cancels processing itself the moment a touch call fails.
func (l *Loop) keepAlive(procCtx context.Context, cancelProc context.CancelFunc, msg *broker.Message, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(touchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-procCtx.Done():
			return
		case <-ticker.C:
			if err := msg.Touch(); err != nil {
				l.Logger.Warn().Err(err).Msg("keep-alive touch failed, cancelling processing")
				cancelProc()
				return
			}
		}
	}
}

// backoffDelay computes retry_initial_delay_ms · backoff_multiplier^(attempts-1),
// capped at retry_max_delay_ms — spec.md §4.E step 8's exact formula.
func backoffDelay(cfg *config.Config, attempts int) time.Duration {
	delayMS := float64(cfg.RetryInitialDelayMS) * math.Pow(cfg.RetryBackoffMultiplier, float64(attempts-1))
	if delayMS > float64(cfg.RetryMaxDelayMS) {
		delayMS = float64(cfg.RetryMaxDelayMS)
	}
	return time.Duration(delayMS) * time.Millisecond
}
