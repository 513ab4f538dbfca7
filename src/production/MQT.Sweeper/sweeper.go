// Package sweeper re-applies retention to every device on a fixed interval,
// independent of ingest traffic.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	clock "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Clock"
	logger "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Logger"
	store "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Store"
)

// Target is what a sweep pass runs against
type Target interface {
	Sweep(ctx context.Context, now time.Time, window time.Duration) store.SweepResult
}

// Sweeper runs retention passes periodically. At most one pass is in flight;
// a pass requested while another runs is skipped.
type Sweeper struct {
	target   Target
	clock    clock.Clock
	window   time.Duration
	interval time.Duration
	log      *logger.Logger

	running sync.Mutex

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	passes  atomic.Int64
	skipped atomic.Int64
	purged  atomic.Int64
	lastRun atomic.Int64
}

// DefaultInterval is used when New is given a non-positive interval
const DefaultInterval = 24 * time.Hour

// Stats are cumulative sweeper counters
type Stats struct {
	Passes  int64
	Skipped int64
	Purged  int64
	LastRun time.Time
}

func New(target Target, clk clock.Clock, window, interval time.Duration, log *logger.Logger) *Sweeper {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Sweeper{
		target:   target,
		clock:    clk,
		window:   window,
		interval: interval,
		log:      log.WithComponent("sweeper"),
	}
}

// Start launches the periodic loop. It runs until ctx is cancelled or Stop
// is called. Calling Start twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)

	s.log.Info(fmt.Sprintf("Sweeper started (interval %s, window %s)", s.interval, s.window))
}

// Stop cancels the loop and waits for an in-flight pass to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("Sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass. The second result is false when another
// pass was already in flight and this one was skipped.
func (s *Sweeper) RunOnce(ctx context.Context) (store.SweepResult, bool) {
	if !s.running.TryLock() {
		s.skipped.Add(1)
		s.log.Warn("Sweep already in progress, skipping")
		return store.SweepResult{}, false
	}
	defer s.running.Unlock()

	started := s.clock.Now()
	result := s.target.Sweep(ctx, started, s.window)

	s.passes.Add(1)
	s.purged.Add(int64(result.Purged))
	s.lastRun.Store(started.UnixNano())

	for _, perr := range result.Failures {
		s.log.WithDevice(perr.DeviceID).ErrorWithError(perr, "Sweep could not persist device record")
	}
	s.log.WithFields(map[string]interface{}{
		"devices":  result.Devices,
		"purged":   result.Purged,
		"emptied":  result.Emptied,
		"failures": len(result.Failures),
	}).Info("Retention sweep complete")

	return result, true
}

func (s *Sweeper) Stats() Stats {
	st := Stats{
		Passes:  s.passes.Load(),
		Skipped: s.skipped.Load(),
		Purged:  s.purged.Load(),
	}
	if ns := s.lastRun.Load(); ns != 0 {
		st.LastRun = time.Unix(0, ns).UTC()
	}
	return st
}
