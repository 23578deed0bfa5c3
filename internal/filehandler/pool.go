// Package filehandler implements spec.md §4.C: file preflight, dispatch to
// an isolated worker-process pool with a hard wall-clock timeout, and
// failure-message classification.
//
// The isolated pool is grounded on ternarybob-quaero's internal/worker/pool.go
// (a bounded worker pool with liveness tracking) adapted to Go's actual
// isolation primitive: a child process, not a goroutine. Go has no
// interpreter-level GIL to work around, but spec.md's pool exists to give a
// hard, unkillable wall-clock timeout and a place to cap native-library
// thread counts — both are process properties, so each submission re-execs
// this same binary in hidden worker mode (cmd/ingestion-worker wires the
// hidden flag) and the pool's "liveness flag" becomes an atomic bool guarding
// a reusable concurrency-limiting semaphore.
package filehandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/ingestion-worker/internal/convert"
)

// ConvertWorkerFlag is the hidden CLI flag cmd/ingestion-worker recognizes to
// enter worker mode instead of the normal message-loop entrypoint.
const ConvertWorkerFlag = "--convert-worker"

const poolSize = 8

// workerResult is the JSON protocol spoken over the child process's stdout.
type workerResult struct {
	Markdown string           `json:"markdown"`
	Metadata convert.Metadata `json:"metadata"`
	Error    string           `json:"error,omitempty"`
}

// Pool is the lazily-constructed, 8-worker isolated conversion pool.
// It is safe for concurrent use.
type Pool struct {
	mu    sync.Mutex
	sem   chan struct{}
	alive atomic.Bool
}

// NewPool returns an uninitialized pool; the first Submit call constructs it.
func NewPool() *Pool {
	return &Pool{}
}

func (p *Pool) ensure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.alive.Load() {
		return
	}
	p.sem = make(chan struct{}, poolSize)
	p.alive.Store(true)
}

// MarkDead flips the liveness flag so the next Submit discards and rebuilds
// the pool, per spec.md §4.C's pool-recovery rule.
func (p *Pool) MarkDead() {
	p.alive.Store(false)
}

// Submit runs convert(path) in an isolated child process under a hard
// wall-clock timeout. A timed-out or crashed child is killed, not merely
// signalled, and marks the pool dead for the next caller to rebuild.
func (p *Pool) Submit(ctx context.Context, path string, timeout time.Duration) (string, convert.Metadata, error) {
	p.ensure()

	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	childCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	self, err := os.Executable()
	if err != nil {
		return "", convert.Metadata{}, fmt.Errorf("filehandler: resolve worker binary: %w", err)
	}

	cmd := exec.CommandContext(childCtx, self, ConvertWorkerFlag, path)
	cmd.Env = append(os.Environ(),
		"OMP_NUM_THREADS=2",
		"OPENBLAS_NUM_THREADS=2",
		"MKL_NUM_THREADS=2",
		"ONNX_NUM_THREADS=1",
	)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = nil

	runErr := cmd.Run()

	if childCtx.Err() == context.DeadlineExceeded {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		p.MarkDead()
		return "", convert.Metadata{}, fmt.Errorf("timeout: conversion exceeded %s", timeout)
	}

	var result workerResult
	if decodeErr := json.Unmarshal(stdout.Bytes(), &result); decodeErr != nil {
		// The child crashed before producing a valid result: it must be
		// killed (it already exited here, but the pool itself is no longer
		// trustworthy) and the pool rebuilt for the next submission.
		p.MarkDead()
		if runErr != nil {
			return "", convert.Metadata{}, fmt.Errorf("worker process crashed: %w", runErr)
		}
		return "", convert.Metadata{}, fmt.Errorf("worker process produced no result")
	}

	if result.Error != "" {
		return "", result.Metadata, fmt.Errorf("%s", result.Error)
	}
	return result.Markdown, result.Metadata, nil
}

// RunWorker is the hidden-mode entrypoint: cmd/ingestion-worker calls this
// when invoked with ConvertWorkerFlag, converts the single path argument,
// and writes the JSON result protocol to stdout before exiting.
func RunWorker(path string) {
	markdown, meta, err := convert.Convert(path)
	result := workerResult{Markdown: markdown, Metadata: meta}
	if err != nil {
		result.Error = err.Error()
	}
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(result)
}
