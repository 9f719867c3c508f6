// Package dedup decides whether a repeatable action (a post view) should
// take effect again for a given subject, and forgets subjects that have
// been quiet for a long time.
package dedup

import (
	"fmt"
	"sync"
	"time"

	"github.com/boddenberg/blog-content-cache/internal/clock"
	"github.com/boddenberg/blog-content-cache/internal/sweeper"

	"go.uber.org/zap"
)

const (
	DefaultShortWindow   = 5 * time.Second
	DefaultLongHorizon   = 30 * time.Minute
	DefaultSweepInterval = 10 * time.Minute
)

// SweepMode selects how stale records are collected.
type SweepMode string

const (
	// SweepPeriodic collects on a background sweeper.
	SweepPeriodic SweepMode = "periodic"
	// SweepInline collects on the request path after an accepted action,
	// at most once per short window. Fine for low subject cardinality.
	SweepInline SweepMode = "inline"
)

// SubjectKey builds the identity of an action performed by actor on resource.
func SubjectKey(resourceID, actorID string) string {
	return resourceID + ":" + actorID
}

// Recorder receives dedup events. Optional.
type Recorder interface {
	DedupAccepted(window string)
	DedupSuppressed(window string)
	DedupRecords(window string, n int)
	ObserveSweep(name string, removed int, d time.Duration)
}

// Options configures a Window.
type Options struct {
	Name          string
	ShortWindow   time.Duration
	LongHorizon   time.Duration
	Mode          SweepMode
	SweepInterval time.Duration
	Clock         clock.Clock
	Recorder      Recorder
	Logger        *zap.Logger
}

// DefaultOptions returns the stock view-dedup configuration.
func DefaultOptions(name string) Options {
	return Options{
		Name:          name,
		ShortWindow:   DefaultShortWindow,
		LongHorizon:   DefaultLongHorizon,
		Mode:          SweepPeriodic,
		SweepInterval: DefaultSweepInterval,
	}
}

// ConfigError reports an invalid window option.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("dedup config: %s %s", e.Field, e.Reason)
}

// Window tracks when each subject last had an action accepted.
type Window struct {
	name        string
	shortWindow time.Duration
	longHorizon time.Duration
	mode        SweepMode
	recorder    Recorder
	logger      *zap.Logger

	mu        sync.Mutex
	lastSeen  map[string]time.Time
	lastSweep time.Time

	sweeper *sweeper.Sweeper
}

// New validates opts and builds a Window. In periodic mode the background
// sweeper is started; call Dispose to stop it.
func New(opts Options) (*Window, error) {
	if opts.ShortWindow <= 0 {
		return nil, &ConfigError{Field: "ShortWindow", Reason: "must be positive"}
	}
	if opts.LongHorizon < opts.ShortWindow {
		return nil, &ConfigError{Field: "LongHorizon", Reason: "must not be shorter than ShortWindow"}
	}
	switch opts.Mode {
	case "":
		opts.Mode = SweepPeriodic
	case SweepPeriodic, SweepInline:
	default:
		return nil, &ConfigError{Field: "Mode", Reason: fmt.Sprintf("unknown sweep mode %q", opts.Mode)}
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Recorder == nil {
		opts.Recorder = noopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	w := &Window{
		name:        opts.Name,
		shortWindow: opts.ShortWindow,
		longHorizon: opts.LongHorizon,
		mode:        opts.Mode,
		recorder:    opts.Recorder,
		logger:      opts.Logger.With(zap.String("dedup", opts.Name)),
		lastSeen:    make(map[string]time.Time),
	}

	if opts.Mode == SweepPeriodic {
		if opts.SweepInterval <= 0 {
			return nil, &ConfigError{Field: "SweepInterval", Reason: "must be positive"}
		}
		sw, err := sweeper.New("dedup:"+opts.Name, opts.SweepInterval, opts.Clock, w.Sweep, opts.Recorder, w.logger)
		if err != nil {
			return nil, err
		}
		w.sweeper = sw
		sw.Start()
	}
	return w, nil
}

// ShouldAccept reports whether the action identified by subjectKey should
// take effect at now. It records now as the subject's last accepted time
// when it returns true and leaves state untouched otherwise.
func (w *Window) ShouldAccept(subjectKey string, now time.Time) bool {
	w.mu.Lock()
	last, seen := w.lastSeen[subjectKey]
	if seen && now.Sub(last) < w.shortWindow {
		w.mu.Unlock()
		w.recorder.DedupSuppressed(w.name)
		return false
	}
	w.lastSeen[subjectKey] = now

	sweepDue := w.mode == SweepInline && now.Sub(w.lastSweep) >= w.shortWindow
	if sweepDue {
		w.lastSweep = now
	}
	w.mu.Unlock()

	w.recorder.DedupAccepted(w.name)
	if sweepDue {
		w.Sweep(now)
	}
	return true
}

// Sweep forgets every subject whose last accepted action is older than the
// long horizon and returns how many were forgotten. Stale keys are
// snapshotted under one lock hold, then each is re-checked and removed
// under its own short hold so ShouldAccept is never blocked for the whole
// removal pass.
func (w *Window) Sweep(now time.Time) int {
	w.mu.Lock()
	stale := make([]string, 0)
	for k, ts := range w.lastSeen {
		if now.Sub(ts) > w.longHorizon {
			stale = append(stale, k)
		}
	}
	w.mu.Unlock()

	removed := 0
	for _, k := range stale {
		w.mu.Lock()
		// The subject may have been accepted again since the snapshot.
		if ts, ok := w.lastSeen[k]; ok && now.Sub(ts) > w.longHorizon {
			delete(w.lastSeen, k)
			removed++
		}
		w.mu.Unlock()
	}

	w.recorder.DedupRecords(w.name, w.Len())
	if removed > 0 {
		w.logger.Debug("dedup records swept", zap.Int("removed", removed))
	}
	return removed
}

// Len returns the number of tracked subjects.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.lastSeen)
}

// Dispose stops the background sweeper, if any. Safe to call more than once.
func (w *Window) Dispose() {
	if w.sweeper != nil {
		w.sweeper.Stop()
	}
}

// ShortWindow returns the configured suppression window.
func (w *Window) ShortWindow() time.Duration { return w.shortWindow }

type noopRecorder struct{}

func (noopRecorder) DedupAccepted(string)                    {}
func (noopRecorder) DedupSuppressed(string)                  {}
func (noopRecorder) DedupRecords(string, int)                {}
func (noopRecorder) ObserveSweep(string, int, time.Duration) {}
