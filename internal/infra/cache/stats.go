package cache

import (
	"time"

	"github.com/boddenberg/blog-content-cache/internal/sweeper"
)

// Stats is a point-in-time copy of a cache's counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Sets    uint64  `json:"sets"`
	Deletes uint64  `json:"deletes"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hitRate"`
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Recorder receives cache events, typically to export them as metrics.
type Recorder interface {
	CacheHit(cache string)
	CacheMiss(cache string)
	CacheSet(cache string)
	CacheDelete(cache string)
	CacheEvicted(cache string, n int)
	CacheCoalesced(cache string)
	ObserveSweep(name string, removed int, d time.Duration)
}

// NoopRecorder discards every event.
type NoopRecorder struct{}

func (NoopRecorder) CacheHit(string)                          {}
func (NoopRecorder) CacheMiss(string)                         {}
func (NoopRecorder) CacheSet(string)                          {}
func (NoopRecorder) CacheDelete(string)                       {}
func (NoopRecorder) CacheEvicted(string, int)                 {}
func (NoopRecorder) CacheCoalesced(string)                    {}
func (NoopRecorder) ObserveSweep(string, int, time.Duration) {}

func sweepObserver(r Recorder) sweeper.Observer { return r }
