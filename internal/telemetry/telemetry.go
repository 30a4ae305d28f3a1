// Package telemetry gives each component an explicit sink to report to,
// replacing the thread-local statistics and global-state singletons a
// literal port would otherwise reach for: a TelemetrySink is constructed
// once and passed into whatever wants to record against it, rather than
// living behind a package-level variable.
package telemetry

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
)

// latencyMin/Max/SigFigs bound the HDR histograms below: microsecond
// resolution from 1us to 10s, with 3 significant figures (HdrHistogram's
// own recommended default), enough to tell a fast tiered-cache lookup from
// one stuck behind a slow secondary tier.
const (
	latencyMinMicros = 1
	latencyMaxMicros = 10_000_000
	latencySigFigs   = 3
)

// TelemetrySink is the collection point for counters and latency
// histograms across the engine: cache hit/miss/admission per tier,
// flush-install latency, and merging-iterator reseek counts. Prometheus
// handles the counters (cheap, label-keyed, scrape-friendly); HdrHistogram
// handles the two latency distributions, matching how devlibx-pebble
// layers a latency histogram next to its prometheus counters rather than
// asking Prometheus to do both jobs.
type TelemetrySink struct {
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	CacheAdmissions *prometheus.CounterVec
	ReseekCount     prometheus.Counter

	mu                  sync.Mutex
	flushInstallLatency *hdrhistogram.Histogram
	cacheLookupLatency  *hdrhistogram.Histogram
}

// NewTelemetrySink creates a sink and registers its prometheus collectors
// against reg. Pass prometheus.NewRegistry() for an isolated registry (as
// tests should) or a shared one for process-wide scraping.
func NewTelemetrySink(reg prometheus.Registerer) *TelemetrySink {
	s := &TelemetrySink{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rockyardkv_cache_hits_total",
			Help: "Cache hits by tier (primary, compressed, nvm).",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rockyardkv_cache_misses_total",
			Help: "Cache misses by tier (primary, compressed, nvm).",
		}, []string{"tier"}),
		CacheAdmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rockyardkv_cache_admissions_total",
			Help: "Entries admitted into a cache tier, including placeholders.",
		}, []string{"tier"}),
		ReseekCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rockyardkv_merging_iterator_reseeks_total",
			Help: "Times a merging iterator's cascading seek re-targeted a lower level due to a covering range tombstone.",
		}),
		flushInstallLatency: hdrhistogram.New(latencyMinMicros, latencyMaxMicros, latencySigFigs),
		cacheLookupLatency:  hdrhistogram.New(latencyMinMicros, latencyMaxMicros, latencySigFigs),
	}
	if reg != nil {
		reg.MustRegister(s.CacheHits, s.CacheMisses, s.CacheAdmissions, s.ReseekCount)
	}
	return s
}

// ObserveCacheHit records a hit in the named tier ("primary", "compressed", "nvm").
func (s *TelemetrySink) ObserveCacheHit(tier string) {
	if s == nil {
		return
	}
	s.CacheHits.WithLabelValues(tier).Inc()
}

// ObserveCacheMiss records a miss in the named tier.
func (s *TelemetrySink) ObserveCacheMiss(tier string) {
	if s == nil {
		return
	}
	s.CacheMisses.WithLabelValues(tier).Inc()
}

// ObserveCacheAdmission records an entry (real or placeholder) admitted
// into the named tier.
func (s *TelemetrySink) ObserveCacheAdmission(tier string) {
	if s == nil {
		return
	}
	s.CacheAdmissions.WithLabelValues(tier).Inc()
}

// ObserveMergingIteratorReseek records one cascading-seek re-target caused
// by a covering range tombstone.
func (s *TelemetrySink) ObserveMergingIteratorReseek() {
	if s == nil {
		return
	}
	s.ReseekCount.Inc()
}

// ObserveFlushInstallLatency records how long one manifest-install edit
// took inside TryInstallMemtableFlushResults.
func (s *TelemetrySink) ObserveFlushInstallLatency(d time.Duration) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.flushInstallLatency.RecordValue(d.Microseconds())
}

// FlushInstallLatencyAtQuantile returns the recorded flush-install latency
// at quantile q (0-100), e.g. FlushInstallLatencyAtQuantile(99) for p99.
func (s *TelemetrySink) FlushInstallLatencyAtQuantile(q float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.flushInstallLatency.ValueAtQuantile(q)) * time.Microsecond
}

// ObserveCacheLookupLatency records how long one TieredCache.Lookup call
// took end to end, across however many tiers it had to consult.
func (s *TelemetrySink) ObserveCacheLookupLatency(d time.Duration) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.cacheLookupLatency.RecordValue(d.Microseconds())
}

// CacheLookupLatencyAtQuantile returns the recorded tiered-cache lookup
// latency at quantile q (0-100).
func (s *TelemetrySink) CacheLookupLatencyAtQuantile(q float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.cacheLookupLatency.ValueAtQuantile(q)) * time.Microsecond
}

// FlushInstallSampleCount returns how many flush-install latencies have
// been recorded so far.
func (s *TelemetrySink) FlushInstallSampleCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushInstallLatency.TotalCount()
}

// CacheLookupSampleCount returns how many tiered-cache lookup latencies
// have been recorded so far.
func (s *TelemetrySink) CacheLookupSampleCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cacheLookupLatency.TotalCount()
}
