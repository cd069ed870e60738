package lsp

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// metricRingSize is how many recent samples are retained per
	// language and method pair.
	metricRingSize = 100

	// usageWindow is the lookback for pool utilization.
	usageWindow = time.Minute

	// usageTargetRPS is the per-connection request rate treated as full
	// utilization.
	usageTargetRPS = 1.0
)

// RequestSample is one completed request observation.
type RequestSample struct {
	Duration time.Duration
	CacheHit bool
	Err      bool
	At       time.Time
}

// sampleRing is a fixed-size overwrite-oldest buffer.
type sampleRing struct {
	samples [metricRingSize]RequestSample
	next    int
	filled  bool
}

func (r *sampleRing) add(s RequestSample) {
	r.samples[r.next] = s
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.filled = true
	}
}

func (r *sampleRing) len() int {
	if r.filled {
		return len(r.samples)
	}
	return r.next
}

func (r *sampleRing) each(fn func(RequestSample)) {
	n := r.len()
	start := 0
	if r.filled {
		start = r.next
	}
	for i := 0; i < n; i++ {
		fn(r.samples[(start+i)%len(r.samples)])
	}
}

type metricKey struct {
	language string
	method   string
}

// MethodStats summarizes the retained sample window for one language and
// method.
type MethodStats struct {
	Language     string  `json:"language"`
	Method       string  `json:"method"`
	Count        int     `json:"count"`
	AverageMS    float64 `json:"averageMs"`
	MaxMS        float64 `json:"maxMs"`
	CacheHitRate float64 `json:"cacheHitRate"`
	ErrorRate    float64 `json:"errorRate"`
}

// MetricsSnapshot is a point-in-time summary across all languages.
type MetricsSnapshot struct {
	Methods                  []MethodStats    `json:"methods"`
	NotifyFailures           int64            `json:"notifyFailures"`
	NotifyFailuresByLanguage map[string]int64 `json:"notifyFailuresByLanguage,omitempty"`
	Timestamp                time.Time        `json:"timestamp"`
}

// Metrics collects request statistics. Recent samples live in bounded
// per-method ring buffers; cumulative series are exported through a
// private Prometheus registry so multiple managers can coexist in one
// process.
type Metrics struct {
	mu             sync.RWMutex
	rings          map[metricKey]*sampleRing
	notifyFailures map[string]int64

	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestSeconds  *prometheus.HistogramVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	notifyFailed    *prometheus.CounterVec
	eventsTotal     *prometheus.CounterVec
	poolConnections *prometheus.GaugeVec
	cacheEntries    prometheus.Gauge
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		rings:          make(map[metricKey]*sampleRing),
		notifyFailures: make(map[string]int64),
		registry:       reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lexicore",
			Subsystem: "lsp",
			Name:      "requests_total",
			Help:      "Requests by language, method and outcome.",
		}, []string{"language", "method", "outcome"}),
		requestSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lexicore",
			Subsystem: "lsp",
			Name:      "request_duration_seconds",
			Help:      "Round-trip time of requests served by a language server.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"language", "method"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lexicore",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Requests answered from the semantic result cache.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lexicore",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cacheable requests that reached a language server.",
		}),
		notifyFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lexicore",
			Subsystem: "lsp",
			Name:      "notify_failures_total",
			Help:      "Notifications that could not be written to a server, by language.",
		}, []string{"language"}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lexicore",
			Subsystem: "lsp",
			Name:      "lifecycle_events_total",
			Help:      "Connection lifecycle events by language and type.",
		}, []string{"language", "event"}),
		poolConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lexicore",
			Subsystem: "lsp",
			Name:      "pool_connections",
			Help:      "Connections currently held per language pool.",
		}, []string{"language"}),
		cacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lexicore",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries currently held in the semantic result cache.",
		}),
	}
}

// Registry exposes the collector registry for an exposition endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records one completed request.
func (m *Metrics) RecordRequest(language, method string, d time.Duration, cacheHit bool, failed bool) {
	m.mu.Lock()
	key := metricKey{language: language, method: method}
	ring := m.rings[key]
	if ring == nil {
		ring = &sampleRing{}
		m.rings[key] = ring
	}
	ring.add(RequestSample{Duration: d, CacheHit: cacheHit, Err: failed, At: time.Now()})
	m.mu.Unlock()

	outcome := "ok"
	switch {
	case failed:
		outcome = "error"
	case cacheHit:
		outcome = "cache_hit"
	}
	m.requestsTotal.WithLabelValues(language, method, outcome).Inc()
	if cacheHit {
		m.cacheHits.Inc()
	} else {
		m.requestSeconds.WithLabelValues(language, method).Observe(d.Seconds())
		if CacheableMethod(method) {
			m.cacheMisses.Inc()
		}
	}
}

// RecordNotifyFailure records a notification that never reached its
// server for one language.
func (m *Metrics) RecordNotifyFailure(language string) {
	m.mu.Lock()
	m.notifyFailures[language]++
	m.mu.Unlock()
	m.notifyFailed.WithLabelValues(language).Inc()
}

// ObserveEvent feeds a lifecycle event into the cumulative series.
func (m *Metrics) ObserveEvent(e Event) {
	m.eventsTotal.WithLabelValues(e.Language, e.Type.String()).Inc()
}

// SetPoolSize publishes the current pool size for one language.
func (m *Metrics) SetPoolSize(language string, n int) {
	m.poolConnections.WithLabelValues(language).Set(float64(n))
}

// SetCacheEntries publishes the current cache occupancy.
func (m *Metrics) SetCacheEntries(n int) {
	m.cacheEntries.Set(float64(n))
}

// AverageUsage estimates pool utilization for a language: requests per
// second over the recent window, against one request per second per
// healthy connection, clamped to [0, 1].
func (m *Metrics) AverageUsage(language string, conns int) float64 {
	if conns <= 0 {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-usageWindow)
	recent := 0
	for k, r := range m.rings {
		if k.language != language {
			continue
		}
		r.each(func(s RequestSample) {
			if s.At.After(cutoff) {
				recent++
			}
		})
	}

	rps := float64(recent) / usageWindow.Seconds()
	usage := rps / (usageTargetRPS * float64(conns))
	if usage > 1 {
		usage = 1
	}
	return usage
}

// MethodStats summarizes every retained ring, sorted by language then
// method.
func (m *Metrics) MethodStats() []MethodStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]MethodStats, 0, len(m.rings))
	for k, r := range m.rings {
		st := MethodStats{Language: k.language, Method: k.method}
		var total, max time.Duration
		hits, errs := 0, 0
		r.each(func(s RequestSample) {
			st.Count++
			total += s.Duration
			if s.Duration > max {
				max = s.Duration
			}
			if s.CacheHit {
				hits++
			}
			if s.Err {
				errs++
			}
		})
		if st.Count > 0 {
			st.AverageMS = total.Seconds() * 1000 / float64(st.Count)
			st.MaxMS = max.Seconds() * 1000
			st.CacheHitRate = float64(hits) / float64(st.Count)
			st.ErrorRate = float64(errs) / float64(st.Count)
		}
		out = append(out, st)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Language != out[j].Language {
			return out[i].Language < out[j].Language
		}
		return out[i].Method < out[j].Method
	})
	return out
}

// Snapshot returns a point-in-time summary.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	var total int64
	var byLanguage map[string]int64
	if len(m.notifyFailures) > 0 {
		byLanguage = make(map[string]int64, len(m.notifyFailures))
		for lang, n := range m.notifyFailures {
			byLanguage[lang] = n
			total += n
		}
	}
	m.mu.RUnlock()

	return MetricsSnapshot{
		Methods:                  m.MethodStats(),
		NotifyFailures:           total,
		NotifyFailuresByLanguage: byLanguage,
		Timestamp:                time.Now(),
	}
}

// Reset clears the sample rings. Cumulative Prometheus series are left
// alone; counters must only move forward.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rings = make(map[metricKey]*sampleRing)
	m.notifyFailures = make(map[string]int64)
}
