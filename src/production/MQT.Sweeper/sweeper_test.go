package sweeper

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clock "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Clock"
	mqtmodels "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models"
	store "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Store"
)

const window = 14 * 24 * time.Hour

func TestRunOncePurgesExpiredReadings(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := clock.NewFake(now.Add(-20 * 24 * time.Hour))
	s := store.New(store.Options{Clock: fake, RetentionWindow: window})
	s.Ingest(context.Background(), "5", "Cellar", 1, 1, 1)
	fake.Set(now)

	sw := New(s, fake, window, time.Hour, nil)
	result, ran := sw.RunOnce(context.Background())
	require.True(t, ran)
	assert.Equal(t, 1, result.Purged)

	_, ok := s.Latest("5")
	assert.False(t, ok)

	st := sw.Stats()
	assert.Equal(t, int64(1), st.Passes)
	assert.Equal(t, int64(1), st.Purged)
	assert.Equal(t, now, st.LastRun)
}

type blockingTarget struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingTarget) Sweep(context.Context, time.Time, time.Duration) store.SweepResult {
	b.calls.Add(1)
	b.entered <- struct{}{}
	<-b.release
	return store.SweepResult{}
}

func TestOverlappingPassIsSkipped(t *testing.T) {
	target := &blockingTarget{entered: make(chan struct{}, 1), release: make(chan struct{})}
	sw := New(target, nil, window, time.Hour, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, ran := sw.RunOnce(context.Background())
		assert.True(t, ran)
	}()
	<-target.entered

	_, ran := sw.RunOnce(context.Background())
	assert.False(t, ran)

	close(target.release)
	wg.Wait()

	assert.Equal(t, int32(1), target.calls.Load())
	assert.Equal(t, int64(1), sw.Stats().Skipped)
}

type countingTarget struct {
	calls atomic.Int32
}

func (c *countingTarget) Sweep(context.Context, time.Time, time.Duration) store.SweepResult {
	c.calls.Add(1)
	return store.SweepResult{Failures: []*mqtmodels.PersistenceError{{DeviceID: "x", Op: "save", Err: assert.AnError}}}
}

func TestStartRunsPeriodicallyUntilStopped(t *testing.T) {
	target := &countingTarget{}
	sw := New(target, nil, window, 10*time.Millisecond, nil)

	sw.Start(context.Background())
	sw.Start(context.Background())

	assert.Eventually(t, func() bool {
		return target.calls.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	sw.Stop()
	after := target.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, target.calls.Load())

	// stopping twice is harmless
	sw.Stop()
}

func TestStartStopsWhenContextCancelled(t *testing.T) {
	target := &countingTarget{}
	sw := New(target, nil, window, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sw.Start(ctx)
	cancel()

	// Stop still returns promptly once the loop has exited
	done := make(chan struct{})
	go func() {
		sw.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}

func TestNonPositiveIntervalFallsBackToDefault(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Minute} {
		target := &countingTarget{}
		sw := New(target, nil, window, interval, nil)
		assert.Equal(t, DefaultInterval, sw.interval)

		sw.Start(context.Background())
		sw.Stop()
		assert.Zero(t, target.calls.Load())
	}
}
