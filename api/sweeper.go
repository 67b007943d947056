/*
sweeper.go - Recurring completion sweep

PURPOSE:
  Periodically runs the completion job so elapsed SCHEDULED sessions get
  marked COMPLETED and charged to the hour ledger without anyone calling
  the manual endpoint.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Fires once immediately on Start
  - Single-flight: an in-progress sweep skips the next tick instead of
    piling up; the job itself is idempotent either way

CONFIGURATION:
  - Interval: How often to sweep (default: 1 minute)
  - Enabled:  Whether the sweeper is active (default: true)

USAGE:
  sweeper := NewCompletionSweeper(job, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - engine/completion.go: The idempotent job driven here
  - handlers.go: TriggerSweep endpoint (manual run)
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutorly/session-engine/engine"
)

// CompletionSweeper drives the completion job on a fixed interval.
type CompletionSweeper struct {
	Job      *engine.CompletionJob
	Interval time.Duration
	Enabled  bool
	Logger   *zap.Logger

	ticker  *time.Ticker
	stop    chan bool
	wg      sync.WaitGroup
	mu      sync.Mutex
	running sync.Mutex
}

// NewCompletionSweeper creates a sweeper with the default interval.
func NewCompletionSweeper(job *engine.CompletionJob, logger *zap.Logger) *CompletionSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompletionSweeper{
		Job:      job,
		Interval: 1 * time.Minute,
		Enabled:  true,
		Logger:   logger,
		stop:     make(chan bool),
	}
}

// Start begins the sweeper.
func (cs *CompletionSweeper) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		cs.Logger.Info("sweeper disabled, not starting")
		return
	}

	cs.ticker = time.NewTicker(cs.Interval)
	cs.wg.Add(1)

	go cs.run(cs.ticker)

	cs.Logger.Info("sweeper started", zap.Duration("interval", cs.Interval))
}

// Stop stops the sweeper and waits for an in-flight sweep to finish.
func (cs *CompletionSweeper) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker != nil {
		cs.ticker.Stop()
		cs.ticker = nil
		close(cs.stop)
		cs.wg.Wait()
		cs.Logger.Info("sweeper stopped")
	}
}

func (cs *CompletionSweeper) run(ticker *time.Ticker) {
	defer cs.wg.Done()

	// Run immediately on start
	cs.sweep()

	for {
		select {
		case <-ticker.C:
			cs.sweep()
		case <-cs.stop:
			return
		}
	}
}

func (cs *CompletionSweeper) sweep() {
	if !cs.running.TryLock() {
		cs.Logger.Debug("sweep still in progress, skipping tick")
		return
	}
	defer cs.running.Unlock()

	now := time.Now()
	processed, err := cs.Job.Run(context.Background(), now, engine.DefaultCompletionBatchSize)
	if err != nil {
		cs.Logger.Error("sweep failed", zap.Error(err))
		return
	}

	sweepRunsTotal.Inc()
	sweepCompletedTotal.Add(float64(processed))
	if processed > 0 {
		cs.Logger.Info("sweep completed sessions", zap.Int("processed", processed))
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (cs *CompletionSweeper) RunNow() {
	cs.sweep()
}
