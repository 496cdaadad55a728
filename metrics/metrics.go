// Package metrics exposes prometheus/client_golang instrumentation for
// the AirPlay 2 engine: active device sessions, retransmit requests
// served/missed, cache hit/miss, and worker queue depth. Grounded on
// flowpbx's internal/metrics.Collector (a prometheus.Collector gathering
// from small provider interfaces at scrape time rather than updating
// counters inline), generalised from PBX call/trunk/CDR metrics to
// AirPlay's device-session/retransmit/cache/worker metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DeviceSessionProvider exposes the count of device sessions in each
// lifecycle state.
type DeviceSessionProvider interface {
	// CountByState returns the number of device sessions currently in
	// each state name (spec.md §4.5.1's state machine).
	CountByState() map[string]int
}

// RetransmitProvider exposes cumulative retransmit-serving counts.
type RetransmitProvider interface {
	RetransmitServed() uint64
	RetransmitMissed() uint64
}

// CacheStatsEntry is one cache's hit/miss counters (DAAP, artwork,
// transcode).
type CacheStatsEntry struct {
	Name string
	Hits uint64
	Miss uint64
}

// CacheStatsProvider exposes hit/miss counters across the three caches of
// spec.md §4.8.
type CacheStatsProvider interface {
	CacheStats() []CacheStatsEntry
}

// WorkerPoolProvider exposes worker-pool queue depth (spec.md §4.9).
type WorkerPoolProvider interface {
	QueueDepth() int
}

// Collector is a prometheus.Collector gathering AirPlay engine metrics at
// scrape time. Any provider may be nil if unavailable, matching the
// teacher's tolerant-of-missing-providers style.
type Collector struct {
	sessions    DeviceSessionProvider
	retransmits RetransmitProvider
	caches      CacheStatsProvider
	workers     WorkerPoolProvider
	startTime   time.Time

	deviceSessionsDesc   *prometheus.Desc
	retransmitServedDesc *prometheus.Desc
	retransmitMissedDesc *prometheus.Desc
	cacheHitsDesc        *prometheus.Desc
	cacheMissDesc        *prometheus.Desc
	workerQueueDepthDesc *prometheus.Desc
	uptimeDesc           *prometheus.Desc
}

// NewCollector builds a Collector; any provider argument may be nil.
func NewCollector(
	sessions DeviceSessionProvider,
	retransmits RetransmitProvider,
	caches CacheStatsProvider,
	workers WorkerPoolProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		sessions:    sessions,
		retransmits: retransmits,
		caches:      caches,
		workers:     workers,
		startTime:   startTime,

		deviceSessionsDesc: prometheus.NewDesc(
			"airplay2_device_sessions",
			"Number of device sessions currently in each lifecycle state",
			[]string{"state"}, nil,
		),
		retransmitServedDesc: prometheus.NewDesc(
			"airplay2_retransmit_served_total",
			"Total RTP retransmit requests served from the ring buffer",
			nil, nil,
		),
		retransmitMissedDesc: prometheus.NewDesc(
			"airplay2_retransmit_missed_total",
			"Total RTP retransmit requests for sequence numbers no longer in the ring",
			nil, nil,
		),
		cacheHitsDesc: prometheus.NewDesc(
			"airplay2_cache_hits_total",
			"Total cache hits, by cache name",
			[]string{"cache"}, nil,
		),
		cacheMissDesc: prometheus.NewDesc(
			"airplay2_cache_misses_total",
			"Total cache misses, by cache name",
			[]string{"cache"}, nil,
		),
		workerQueueDepthDesc: prometheus.NewDesc(
			"airplay2_worker_queue_depth",
			"Current number of queued tasks across the worker pool",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"airplay2_uptime_seconds",
			"Seconds since the AirPlay 2 engine started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.deviceSessionsDesc
	ch <- c.retransmitServedDesc
	ch <- c.retransmitMissedDesc
	ch <- c.cacheHitsDesc
	ch <- c.cacheMissDesc
	ch <- c.workerQueueDepthDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sessions != nil {
		for state, count := range c.sessions.CountByState() {
			ch <- prometheus.MustNewConstMetric(
				c.deviceSessionsDesc, prometheus.GaugeValue, float64(count), state,
			)
		}
	}

	if c.retransmits != nil {
		ch <- prometheus.MustNewConstMetric(
			c.retransmitServedDesc, prometheus.CounterValue, float64(c.retransmits.RetransmitServed()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.retransmitMissedDesc, prometheus.CounterValue, float64(c.retransmits.RetransmitMissed()),
		)
	}

	if c.caches != nil {
		for _, entry := range c.caches.CacheStats() {
			ch <- prometheus.MustNewConstMetric(
				c.cacheHitsDesc, prometheus.CounterValue, float64(entry.Hits), entry.Name,
			)
			ch <- prometheus.MustNewConstMetric(
				c.cacheMissDesc, prometheus.CounterValue, float64(entry.Miss), entry.Name,
			)
		}
	}

	if c.workers != nil {
		ch <- prometheus.MustNewConstMetric(
			c.workerQueueDepthDesc, prometheus.GaugeValue, float64(c.workers.QueueDepth()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds(),
	)
}
