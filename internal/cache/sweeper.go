package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/logger"
)

// SweepFunc runs one sweep and reports how many entries were removed
type SweepFunc func(ctx context.Context) (int, error)

// Sweeper runs a SweepFunc on a fixed interval until stopped. Stop waits for
// an in-flight sweep to finish and starts no new one.
type Sweeper struct {
	sweep    SweepFunc
	interval time.Duration
	timeout  time.Duration
	logger   *logger.Logger

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewSweeper creates a sweeper. Each sweep gets at most timeout to run; a
// non-positive timeout defaults to the interval.
func NewSweeper(sweep SweepFunc, interval, timeout time.Duration, log *logger.Logger) *Sweeper {
	if timeout <= 0 {
		timeout = interval
	}
	return &Sweeper{
		sweep:    sweep,
		interval: interval,
		timeout:  timeout,
		logger:   log,
	}
}

// Start launches the background loop. Calling Start twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.interval <= 0 {
		return
	}
	s.running = true
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go s.loop(s.stop)

	s.logger.Info("Cache sweeper started", zap.Duration("interval", s.interval))
}

// Stop signals the loop and blocks until it has exited
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Cache sweeper stopped")
}

func (s *Sweeper) loop(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// Prefer stopping over a sweep when both are ready
			select {
			case <-stop:
				return
			default:
			}
			s.runOnce()
		}
	}
}

func (s *Sweeper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	removed, err := s.sweep(ctx)
	if err != nil {
		s.logger.Warn("Cache sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Debug("Cache sweep completed",
			zap.Int("removed", removed),
			zap.Duration("duration", time.Since(start)))
	}
}
