// Command ingestion-worker consumes ingestion tasks from the broker and
// publishes extracted content, per spec.md §4.F's lifecycle. It doubles as
// its own isolated conversion worker: invoked with the hidden
// --convert-worker flag it converts one path and exits, instead of entering
// the normal consume loop (internal/filehandler's process-pool isolation).
//
// Grounded on ternarybob-quaero's cmd/quaero/main.go for the
// config-then-logger-then-app startup sequence and signal-driven graceful
// shutdown, and rohmanhakim-docs-crawler's internal/cli/root.go for the
// cobra command structure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/ternarybob/ingestion-worker/internal/app"
	"github.com/ternarybob/ingestion-worker/internal/config"
	"github.com/ternarybob/ingestion-worker/internal/filehandler"
	"github.com/ternarybob/ingestion-worker/internal/logging"
)

var version = "dev"

// convertWorkerPath reports whether args invoke the hidden convert-worker
// mode and, if so, the path to convert.
func convertWorkerPath(args []string) (string, bool) {
	if len(args) >= 3 && args[1] == filehandler.ConvertWorkerFlag {
		return args[2], true
	}
	return "", false
}

func main() {
	// The hidden convert-worker mode must do nothing but convert one path
	// and write JSON to stdout — no cobra parsing, no logger, nothing that
	// could write an extra byte to the stdout protocol the pool reads.
	if path, ok := convertWorkerPath(os.Args); ok {
		filehandler.RunWorker(path)
		return
	}

	rootCmd := &cobra.Command{
		Use:   "ingestion-worker",
		Short: "Consumes ingestion tasks from the broker and publishes extracted content.",
		Run: func(cmd *cobra.Command, args []string) {
			runWorker()
		},
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("ingestion-worker " + version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWorker() {
	cfg := config.Load()
	logger := logging.New(cfg.IsDevelopment())

	dataDir := os.Getenv("INGESTION_WORKER_DATA_DIR")
	if dataDir == "" {
		dataDir = "data/broker"
	}

	application, err := app.New(cfg, logger, dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize application")
		os.Exit(1)
	}

	go application.Run(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info().
		Str("ingest_topic", cfg.NSQTopicIngest).
		Str("result_topic", cfg.NSQTopicResult).
		Int("max_in_flight", cfg.NSQMaxInFlight).
		Msg("ingestion worker started")

	<-sigChan
	logger.Info().Msg("shutdown signal received")

	application.Shutdown()
	logger.Info().Msg("ingestion worker stopped")
}
