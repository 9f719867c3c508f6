// Package sweeper runs a periodic cleanup task on its own goroutine with a
// deterministic Start/Stop lifecycle.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/boddenberg/blog-content-cache/internal/clock"

	"go.uber.org/zap"
)

// Func performs one sweep and returns how many records it removed.
type Func func(now time.Time) int

// Observer receives the outcome of every sweep. Optional.
type Observer interface {
	ObserveSweep(name string, removed int, d time.Duration)
}

// Sweeper calls a Func every interval until stopped.
type Sweeper struct {
	name     string
	interval time.Duration
	clock    clock.Clock
	fn       Func
	observer Observer
	logger   *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a sweeper. It does not start until Start is called.
func New(name string, interval time.Duration, clk clock.Clock, fn Func, observer Observer, logger *zap.Logger) (*Sweeper, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sweeper %q: interval must be positive, got %s", name, interval)
	}
	if fn == nil {
		return nil, fmt.Errorf("sweeper %q: nil sweep func", name)
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		name:     name,
		interval: interval,
		clock:    clk,
		fn:       fn,
		observer: observer,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the sweep loop. Calling it again is a no-op.
func (s *Sweeper) Start() {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		ticker := s.clock.NewTicker(s.interval)
		go s.loop(ctx, ticker)
	})
}

// Stop cancels the loop and waits for it to exit. Safe to call more than
// once, and before Start.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		started := false
		s.startOnce.Do(func() {}) // prevent a later Start
		if s.cancel != nil {
			started = true
			s.cancel()
		}
		if started {
			<-s.done
		}
	})
}

// RunOnce performs a single sweep synchronously on the caller's goroutine.
func (s *Sweeper) RunOnce() int {
	return s.run(s.clock.Now())
}

func (s *Sweeper) loop(ctx context.Context, ticker clock.Ticker) {
	defer close(s.done)
	defer ticker.Stop()

	s.logger.Debug("sweeper started",
		zap.String("sweeper", s.name),
		zap.Duration("interval", s.interval),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sweeper stopped", zap.String("sweeper", s.name))
			return
		case now := <-ticker.C():
			s.run(now)
		}
	}
}

func (s *Sweeper) run(now time.Time) (removed int) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panicked",
				zap.String("sweeper", s.name),
				zap.Any("panic", r),
			)
		}
		if s.observer != nil {
			s.observer.ObserveSweep(s.name, removed, time.Since(start))
		}
	}()

	removed = s.fn(now)
	if removed > 0 {
		s.logger.Debug("sweep completed",
			zap.String("sweeper", s.name),
			zap.Int("removed", removed),
		)
	}
	return removed
}
