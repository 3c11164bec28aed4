// Package metrics holds the service's in-process counters. One Counters value
// is created by main and handed to every component that records events.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type Counters struct {
	wsOpened        atomic.Int64
	wsClosed        atomic.Int64
	wsAuthFailed    atomic.Int64
	wsMessagesSent  atomic.Int64
	wsMessagesDrop  atomic.Int64
	wsPings         atomic.Int64
	wsIgnored       atomic.Int64
	revisionBumps   atomic.Int64
	debounceSkips   atomic.Int64
	snapshotBuilds  atomic.Int64
	cacheHits       atomic.Int64
	cacheMisses     atomic.Int64
	cacheErrors     atomic.Int64
	buildContention atomic.Int64
	rateLimited     atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	WSOpened        int64 `json:"ws_opened"`
	WSClosed        int64 `json:"ws_closed"`
	WSActive        int64 `json:"ws_active"`
	WSAuthFailed    int64 `json:"ws_auth_failed"`
	WSMessagesSent  int64 `json:"ws_messages_sent"`
	WSMessagesDrop  int64 `json:"ws_messages_dropped"`
	WSPings         int64 `json:"ws_pings"`
	WSIgnored       int64 `json:"ws_ignored"`
	RevisionBumps   int64 `json:"revision_bumps"`
	DebounceSkips   int64 `json:"debounce_skips"`
	SnapshotBuilds  int64 `json:"snapshot_builds"`
	CacheHits       int64 `json:"cache_hits"`
	CacheMisses     int64 `json:"cache_misses"`
	CacheErrors     int64 `json:"cache_errors"`
	BuildContention int64 `json:"build_contention"`
	RateLimited     int64 `json:"rate_limited"`
}

func New() *Counters {
	return &Counters{}
}

// All recorders accept a nil receiver so components can run without metrics.

func (c *Counters) WSOpened() {
	if c != nil {
		c.wsOpened.Add(1)
	}
}

func (c *Counters) WSClosed() {
	if c != nil {
		c.wsClosed.Add(1)
	}
}

func (c *Counters) WSAuthFailed() {
	if c != nil {
		c.wsAuthFailed.Add(1)
	}
}

func (c *Counters) WSMessageSent() {
	if c != nil {
		c.wsMessagesSent.Add(1)
	}
}

func (c *Counters) WSMessageDropped() {
	if c != nil {
		c.wsMessagesDrop.Add(1)
	}
}

func (c *Counters) WSPing() {
	if c != nil {
		c.wsPings.Add(1)
	}
}

func (c *Counters) WSIgnored() {
	if c != nil {
		c.wsIgnored.Add(1)
	}
}

func (c *Counters) RevisionBumped() {
	if c != nil {
		c.revisionBumps.Add(1)
	}
}

func (c *Counters) DebounceSkipped() {
	if c != nil {
		c.debounceSkips.Add(1)
	}
}

func (c *Counters) SnapshotBuilt() {
	if c != nil {
		c.snapshotBuilds.Add(1)
	}
}

func (c *Counters) CacheHit() {
	if c != nil {
		c.cacheHits.Add(1)
	}
}

func (c *Counters) CacheMiss() {
	if c != nil {
		c.cacheMisses.Add(1)
	}
}

func (c *Counters) CacheError() {
	if c != nil {
		c.cacheErrors.Add(1)
	}
}

func (c *Counters) BuildContended() {
	if c != nil {
		c.buildContention.Add(1)
	}
}

func (c *Counters) RateLimited() {
	if c != nil {
		c.rateLimited.Add(1)
	}
}

func (c *Counters) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	opened := c.wsOpened.Load()
	closed := c.wsClosed.Load()
	return Snapshot{
		WSOpened:        opened,
		WSClosed:        closed,
		WSActive:        opened - closed,
		WSAuthFailed:    c.wsAuthFailed.Load(),
		WSMessagesSent:  c.wsMessagesSent.Load(),
		WSMessagesDrop:  c.wsMessagesDrop.Load(),
		WSPings:         c.wsPings.Load(),
		WSIgnored:       c.wsIgnored.Load(),
		RevisionBumps:   c.revisionBumps.Load(),
		DebounceSkips:   c.debounceSkips.Load(),
		SnapshotBuilds:  c.snapshotBuilds.Load(),
		CacheHits:       c.cacheHits.Load(),
		CacheMisses:     c.cacheMisses.Load(),
		CacheErrors:     c.cacheErrors.Load(),
		BuildContention: c.buildContention.Load(),
		RateLimited:     c.rateLimited.Load(),
	}
}

// Reset zeroes the event counters. Open and closed connection counts are kept
// level so the active gauge stays correct.
func (c *Counters) Reset() Snapshot {
	snap := c.Snapshot()
	if c == nil {
		return snap
	}
	c.wsOpened.Store(snap.WSActive)
	c.wsClosed.Store(0)
	c.wsAuthFailed.Store(0)
	c.wsMessagesSent.Store(0)
	c.wsMessagesDrop.Store(0)
	c.wsPings.Store(0)
	c.wsIgnored.Store(0)
	c.revisionBumps.Store(0)
	c.debounceSkips.Store(0)
	c.snapshotBuilds.Store(0)
	c.cacheHits.Store(0)
	c.cacheMisses.Store(0)
	c.cacheErrors.Store(0)
	c.buildContention.Store(0)
	c.rateLimited.Store(0)
	return snap
}

// Register exposes the counters as Prometheus func collectors. Values are
// read at scrape time, so a Reset shows up as a counter restart.
func (c *Counters) Register(reg prometheus.Registerer) error {
	gauge := func(name, help string, read func() int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "display",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read()) })
	}
	counter := func(name, help string, value *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "display",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value.Load()) })
	}
	collectors := []prometheus.Collector{
		gauge("ws_active_connections", "Open realtime connections.", func() int64 { return c.wsOpened.Load() - c.wsClosed.Load() }),
		counter("ws_auth_failures_total", "Realtime handshakes rejected.", &c.wsAuthFailed),
		counter("ws_messages_sent_total", "Invalidate and pong messages written.", &c.wsMessagesSent),
		counter("ws_messages_dropped_total", "Invalidate messages dropped for slow connections.", &c.wsMessagesDrop),
		counter("ws_pings_total", "Client pings received.", &c.wsPings),
		counter("ws_ignored_messages_total", "Client messages ignored.", &c.wsIgnored),
		counter("revision_bumps_total", "Revision increments.", &c.revisionBumps),
		counter("revision_debounce_skips_total", "Debounced bump requests collapsed into a pending bump.", &c.debounceSkips),
		counter("snapshot_builds_total", "Snapshot documents built.", &c.snapshotBuilds),
		counter("snapshot_cache_hits_total", "Snapshot cache hits.", &c.cacheHits),
		counter("snapshot_cache_misses_total", "Snapshot cache misses.", &c.cacheMisses),
		counter("cache_errors_total", "Cache backend errors treated as misses.", &c.cacheErrors),
		counter("snapshot_build_contention_total", "Callers that lost the build lock.", &c.buildContention),
		counter("rate_limited_total", "Requests rejected by the per-screen limiter.", &c.rateLimited),
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}
