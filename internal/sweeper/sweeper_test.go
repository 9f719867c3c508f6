package sweeper_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/blog-content-cache/internal/clock"
	"github.com/boddenberg/blog-content-cache/internal/sweeper"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var start = time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)

func TestNew_RejectsBadInterval(t *testing.T) {
	_, err := sweeper.New("x", 0, nil, func(time.Time) int { return 0 }, nil, nil)
	require.Error(t, err)

	_, err = sweeper.New("x", time.Second, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestSweeper_RunsOnTick(t *testing.T) {
	clk := clock.NewFake(start)
	var runs atomic.Int32
	var lastNow atomic.Value

	s, err := sweeper.New("tick", time.Minute, clk, func(now time.Time) int {
		lastNow.Store(now)
		runs.Add(1)
		return 0
	}, nil, zap.NewNop())
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	clk.Advance(30 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load(), "no tick before the interval elapses")

	clk.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, start.Add(time.Minute), lastNow.Load())
}

func TestSweeper_StopIsIdempotent(t *testing.T) {
	s, err := sweeper.New("stop", time.Hour, nil, func(time.Time) int { return 0 }, nil, nil)
	require.NoError(t, err)

	s.Start()
	s.Stop()
	s.Stop()
}

func TestSweeper_StopBeforeStart(t *testing.T) {
	s, err := sweeper.New("never", time.Hour, nil, func(time.Time) int { return 0 }, nil, nil)
	require.NoError(t, err)

	s.Stop()
	s.Start() // no-op after Stop
	s.Stop()
}

func TestSweeper_NoTicksAfterStop(t *testing.T) {
	clk := clock.NewFake(start)
	var runs atomic.Int32
	s, err := sweeper.New("after-stop", time.Minute, clk, func(time.Time) int {
		runs.Add(1)
		return 0
	}, nil, nil)
	require.NoError(t, err)

	s.Start()
	s.Stop()
	clk.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, int32(0), runs.Load())
}

func TestSweeper_RecoversFromPanic(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	clk := clock.NewFake(start)
	var runs atomic.Int32

	s, err := sweeper.New("panicky", time.Minute, clk, func(time.Time) int {
		if runs.Add(1) == 1 {
			panic("corrupt record")
		}
		return 0
	}, nil, zap.New(core))
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, logs.FilterMessage("sweep panicked").Len())
}

type recordingObserver struct {
	removed atomic.Int64
}

func (o *recordingObserver) ObserveSweep(_ string, removed int, _ time.Duration) {
	o.removed.Add(int64(removed))
}

func TestSweeper_RunOnceReportsToObserver(t *testing.T) {
	obs := &recordingObserver{}
	s, err := sweeper.New("once", time.Hour, clock.NewFake(start), func(time.Time) int { return 7 }, obs, nil)
	require.NoError(t, err)

	assert.Equal(t, 7, s.RunOnce())
	assert.Equal(t, int64(7), obs.removed.Load())
}
