// Package sweeper periodically moves temporary keys past their expiry into
// the expired state.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
)

// DefaultInterval is how often the sweep runs when none is configured.
const DefaultInterval = time.Hour

const sweepTimeout = 30 * time.Second

// Cleaner performs one bulk expiry pass.
type Cleaner interface {
	CleanupExpiredKeys(ctx context.Context) (int64, error)
}

// Sweeper runs a Cleaner on a fixed cadence.
type Sweeper struct {
	cleaner  Cleaner
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a sweeper. A non-positive interval selects DefaultInterval.
func New(c Cleaner, interval time.Duration, clk clock.Clock, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{cleaner: c, interval: interval, clock: clk, logger: logger}
}

// Start sweeps once immediately and then every interval until Shutdown.
// Non-blocking.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	ticker := s.clock.Ticker(s.interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()

		s.RunOnce(ctx)
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("expiry sweeper started", "interval", s.interval)
}

// Shutdown stops the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// RunOnce performs a single sweep and returns the number of keys expired.
// Errors are logged; the next tick retries.
func (s *Sweeper) RunOnce(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	n, err := s.cleaner.CleanupExpiredKeys(ctx)
	if err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		s.logger.Info("expired temporary keys", "count", n)
	} else {
		s.logger.Debug("expiry sweep found nothing to expire")
	}
	return n
}
