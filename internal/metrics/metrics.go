// Package metrics records request-level counters for the prometheus
// endpoint and keeps a process-local snapshot for /api/stats.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder owns the collectors and the snapshot counters. One Recorder per
// process; construct with a dedicated registry in tests.
type Recorder struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	fallbacks *prometheus.CounterVec
	excluded  prometheus.Counter

	mu            sync.Mutex
	started       time.Time
	requestCount  map[string]int64 // variant -> count
	errorCount    int64
	fallbackCount map[string]int64 // component -> count
	durations     map[string]*latencySummary
}

type latencySummary struct {
	count int64
	sum   float64
	max   float64
}

// New creates a Recorder registered on reg.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medrank_rank_requests_total",
			Help: "Ranking requests by variant and status.",
		}, []string{"variant", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medrank_rank_duration_seconds",
			Help:    "End-to-end ranking latency by variant.",
			Buckets: prometheus.DefBuckets,
		}, []string{"variant"}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medrank_llm_fallbacks_total",
			Help: "LLM signals that fell back to their documented default.",
		}, []string{"component"}),
		excluded: factory.NewCounter(prometheus.CounterOpts{
			Name: "medrank_blacklisted_excluded_total",
			Help: "Practitioners removed by the blacklist filter.",
		}),
		started:       time.Now(),
		requestCount:  make(map[string]int64),
		fallbackCount: make(map[string]int64),
		durations:     make(map[string]*latencySummary),
	}
}

// ObserveRank records one completed ranking request.
func (r *Recorder) ObserveRank(variant, status string, elapsed time.Duration) {
	r.requests.WithLabelValues(variant, status).Inc()
	r.duration.WithLabelValues(variant).Observe(elapsed.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount[variant]++
	if status != "ok" {
		r.errorCount++
	}
	s := r.durations[variant]
	if s == nil {
		s = &latencySummary{}
		r.durations[variant] = s
	}
	s.count++
	sec := elapsed.Seconds()
	s.sum += sec
	if sec > s.max {
		s.max = sec
	}
}

// RecordFallback counts one degraded LLM signal for a component.
func (r *Recorder) RecordFallback(component string) {
	r.fallbacks.WithLabelValues(component).Inc()
	r.mu.Lock()
	r.fallbackCount[component]++
	r.mu.Unlock()
}

// RecordBlacklisted counts practitioners the blacklist filter removed.
func (r *Recorder) RecordBlacklisted(n int) {
	if n <= 0 {
		return
	}
	r.excluded.Add(float64(n))
}

// Latency is the per-variant latency summary exposed on /api/stats.
type Latency struct {
	Variant string  `json:"variant"`
	Count   int64   `json:"count"`
	MeanMS  float64 `json:"meanMs"`
	MaxMS   float64 `json:"maxMs"`
}

// Stats is the /api/stats payload.
type Stats struct {
	UptimeSeconds float64          `json:"uptimeSeconds"`
	Requests      map[string]int64 `json:"requestsByVariant"`
	Errors        int64            `json:"errors"`
	Fallbacks     map[string]int64 `json:"llmFallbacks"`
	Latencies     []Latency        `json:"latencies"`
}

// Snapshot returns a copy of the current counters.
func (r *Recorder) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Stats{
		UptimeSeconds: time.Since(r.started).Seconds(),
		Requests:      make(map[string]int64, len(r.requestCount)),
		Errors:        r.errorCount,
		Fallbacks:     make(map[string]int64, len(r.fallbackCount)),
	}
	for k, v := range r.requestCount {
		out.Requests[k] = v
	}
	for k, v := range r.fallbackCount {
		out.Fallbacks[k] = v
	}
	for variant, s := range r.durations {
		out.Latencies = append(out.Latencies, Latency{
			Variant: variant,
			Count:   s.count,
			MeanMS:  s.sum / float64(s.count) * 1000,
			MaxMS:   s.max * 1000,
		})
	}
	sort.Slice(out.Latencies, func(i, j int) bool {
		return out.Latencies[i].Variant < out.Latencies[j].Variant
	})
	return out
}
