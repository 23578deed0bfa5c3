// Package app wires the worker's process-wide singletons together and runs
// the consume/shutdown lifecycle spec.md §4.F describes: lazy crawler
// init/restart, a broker receive loop, and best-effort graceful shutdown on
// SIGINT/SIGTERM.
//
// Grounded on ternarybob-quaero's internal/app/app.go: an App struct holding
// every process-wide service, and a single Close that tolerates any
// individual component failing.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ingestion-worker/internal/broker"
	"github.com/ternarybob/ingestion-worker/internal/config"
	"github.com/ternarybob/ingestion-worker/internal/crawler"
	"github.com/ternarybob/ingestion-worker/internal/filehandler"
	"github.com/ternarybob/ingestion-worker/internal/llmfilter"
	"github.com/ternarybob/ingestion-worker/internal/messageloop"
	"github.com/ternarybob/ingestion-worker/internal/webhandler"
)

// receivePollInterval is how often the loop checks the ingest topic for a
// new delivery when the broker reports none available.
const receivePollInterval = 250 * time.Millisecond

// App holds every process-wide singleton spec.md §9's DESIGN NOTES calls
// out: the crawler, the circuit breaker, the conversion pool, the broker,
// and the message loop built on top of them. It is constructed once in main.
type App struct {
	Config *config.Config
	Logger arbor.ILogger
	Broker *broker.Broker
	Pool   *filehandler.Pool
	Loop   *messageloop.Loop

	mu             sync.Mutex
	crawlerBrowser *crawler.Browser
	circuitBreaker *llmfilter.CircuitBreaker

	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New opens the broker and assembles the App. The crawler singleton is
// lazily started on first use, not here.
func New(cfg *config.Config, logger arbor.ILogger, dataDir string) (*App, error) {
	b, err := broker.Open(dataDir, time.Duration(cfg.NSQHeartbeatInterval)*time.Second)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:         cfg,
		Logger:         logger,
		Broker:         b,
		Pool:           filehandler.NewPool(),
		circuitBreaker: llmfilter.NewCircuitBreaker(),
		stopping:       make(chan struct{}),
		done:           make(chan struct{}),
	}
	a.Loop = messageloop.New(b, cfg, logger, a.Pool, a.getWebHandler, a.restartCrawler)
	return a, nil
}

// getWebHandler implements the lazy get_crawler step: if the crawler
// singleton has never been started, it is constructed and started now.
func (a *App) getWebHandler(ctx context.Context) (*webhandler.Handler, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.crawlerBrowser == nil {
		if err := a.initCrawlerLocked(ctx); err != nil {
			return nil, err
		}
	}
	return webhandler.New(a.crawlerBrowser, a.circuitBreaker, a.Config.CrawlerPageTimeoutMS, a.Logger, a.Config.GeminiAPIKey), nil
}

// initCrawlerLocked constructs and starts the crawler singleton. Callers
// must hold a.mu.
func (a *App) initCrawlerLocked(ctx context.Context) error {
	browser := crawler.New(a.Logger)
	if err := browser.Start(ctx); err != nil {
		return err
	}
	a.crawlerBrowser = browser
	return nil
}

// restartCrawler closes (errors ignored) then re-inits the crawler
// singleton, per spec.md §4.F. It is passed into the message loop as the
// crash-recovery hook.
func (a *App) restartCrawler() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.crawlerBrowser != nil {
		if err := a.crawlerBrowser.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close crawler during restart")
		}
		a.crawlerBrowser = nil
	}

	if err := a.initCrawlerLocked(context.Background()); err != nil {
		a.Logger.Error().Err(err).Msg("failed to restart crawler, will retry lazily on next web task")
	}
}

// Run consumes from the ingest topic until Shutdown is called or ctx is
// cancelled, dispatching each delivery to the message loop. It returns once
// the receive loop has fully stopped.
func (a *App) Run(ctx context.Context) {
	defer close(a.done)

	for {
		select {
		case <-a.stopping:
			return
		case <-ctx.Done():
			return
		default:
		}

		msg, err := a.Broker.Receive(a.Config.NSQTopicIngest)
		if err != nil {
			if err != broker.ErrNoMessage {
				a.Logger.Warn().Err(err).Msg("broker receive failed")
			}
			select {
			case <-time.After(receivePollInterval):
			case <-a.stopping:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		a.Loop.ProcessMessage(ctx, msg)
	}
}

// Shutdown implements spec.md §4.F: stop accepting new deliveries, close
// the producer (the broker doubles as both), close the crawler, all
// best-effort so shutdown never hangs.
func (a *App) Shutdown() {
	a.stopOnce.Do(func() {
		close(a.stopping)
	})
	<-a.done

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.crawlerBrowser != nil {
		if err := a.crawlerBrowser.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close crawler during shutdown")
		}
	}
	if err := a.Broker.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("failed to close broker during shutdown")
	}
}
