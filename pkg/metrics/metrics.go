package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	verdict        map[string]int64
	reason         map[string]int64
	gauges         map[string]float64
	cacheHits      int64
	cacheMisses    int64
	indeterminate  int64
	refreshLatency VerifyLatencyStat
	candidateFanIn CandidateStat
	Histograms     *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// VerifyLatencyStat tracks a millisecond latency distribution for a single
// named operation (cache refresh, decision evaluation, ...).
type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

// CandidateStat tracks how many policies survived PRP narrowing per
// evaluated decision, a proxy for how selective the cache indexes are.
type CandidateStat struct {
	Count    int64   `json:"count"`
	Total    int64   `json:"total"`
	Max      int64   `json:"max"`
	Last     int64   `json:"last"`
	Avg      float64 `json:"avg"`
}

type Snapshot struct {
	GeneratedAt          string                  `json:"generated_at"`
	Endpoints            map[string]EndpointStat `json:"endpoints"`
	Verdicts             map[string]int64        `json:"verdicts"`
	Reasons              map[string]int64        `json:"reasons"`
	Gauges               map[string]float64      `json:"gauges"`
	CacheHits            int64                   `json:"cache_hits_total"`
	CacheMisses          int64                   `json:"cache_misses_total"`
	IndeterminateTotal   int64                   `json:"indeterminate_total"`
	CacheRefreshLatencyMS VerifyLatencyStat      `json:"cache_refresh_latency_ms"`
	CandidateFanIn       CandidateStat           `json:"candidate_fan_in"`
	Histograms           []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		verdict:    map[string]int64{},
		reason:     map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncVerdict counts a decision by its verdict (permit/deny).
func (r *Registry) IncVerdict(verdict string) {
	if verdict == "" {
		return
	}
	r.mu.Lock()
	r.verdict[verdict]++
	r.mu.Unlock()
}

// IncReason counts a decision by the name of the policy that matched, or
// "none" when no candidate policy was satisfied.
func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

// IncIndeterminate counts a decision where at least one candidate policy's
// rule evaluated to the indeterminate truth value.
func (r *Registry) IncIndeterminate() {
	r.mu.Lock()
	r.indeterminate++
	r.mu.Unlock()
}

// IncCacheHit/IncCacheMiss track whether Decide served the policy snapshot
// from a live cache entry or had to block on a refresh.
func (r *Registry) IncCacheHit() {
	r.mu.Lock()
	r.cacheHits++
	r.mu.Unlock()
}

func (r *Registry) IncCacheMiss() {
	r.mu.Lock()
	r.cacheMisses++
	r.mu.Unlock()
}

func (r *Registry) ObserveCacheRefreshLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshLatency.Count++
	r.refreshLatency.TotalMS += ms
	r.refreshLatency.LastMS = ms
	if ms > r.refreshLatency.MaxMS {
		r.refreshLatency.MaxMS = ms
	}
	r.refreshLatency.AvgMS = float64(r.refreshLatency.TotalMS) / float64(r.refreshLatency.Count)
}

// ObserveCandidateCount records how many policies PRP narrowing returned
// for a single Decide call, before the PDP evaluates them.
func (r *Registry) ObserveCandidateCount(n int) {
	if n < 0 {
		n = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidateFanIn.Count++
	r.candidateFanIn.Total += int64(n)
	r.candidateFanIn.Last = int64(n)
	if int64(n) > r.candidateFanIn.Max {
		r.candidateFanIn.Max = int64(n)
	}
	r.candidateFanIn.Avg = float64(r.candidateFanIn.Total) / float64(r.candidateFanIn.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:        time.Now().UTC().Format(time.RFC3339),
		Endpoints:          make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:           make(map[string]int64, len(r.verdict)),
		Reasons:            make(map[string]int64, len(r.reason)),
		Gauges:             make(map[string]float64, len(r.gauges)),
		CacheHits:          r.cacheHits,
		CacheMisses:        r.cacheMisses,
		IndeterminateTotal: r.indeterminate,
		CacheRefreshLatencyMS: VerifyLatencyStat{
			Count:   r.refreshLatency.Count,
			TotalMS: r.refreshLatency.TotalMS,
			MaxMS:   r.refreshLatency.MaxMS,
			LastMS:  r.refreshLatency.LastMS,
			AvgMS:   r.refreshLatency.AvgMS,
		},
		CandidateFanIn: r.candidateFanIn,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.verdict {
		out.Verdicts[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP abac_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE abac_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "abac_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP abac_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE abac_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "abac_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP abac_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE abac_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "abac_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP abac_endpoint_total_millis endpoint total time in milliseconds\n")
		b.WriteString("# TYPE abac_endpoint_total_millis counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "abac_endpoint_total_millis{endpoint=%q} %d\n", ep, stat.TotalMillis)
		}
		b.WriteString("# HELP abac_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE abac_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "abac_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP abac_verdict_total total decisions by verdict\n")
		b.WriteString("# TYPE abac_verdict_total counter\n")
		for _, verdict := range SortedKeys(snap.Verdicts) {
			fmt.Fprintf(b, "abac_verdict_total{verdict=%q} %d\n", verdict, snap.Verdicts[verdict])
		}
		b.WriteString("# HELP abac_reason_total total decisions by matched policy\n")
		b.WriteString("# TYPE abac_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "abac_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP abac_gauge operational gauge metrics\n")
		b.WriteString("# TYPE abac_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "abac_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP abac_latency_seconds latency histogram\n")
			b.WriteString("# TYPE abac_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "abac_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "abac_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "abac_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "abac_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "abac_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "abac_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "abac_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP abac_cache_hits_total policy cache snapshot served without a refresh\n")
		b.WriteString("# TYPE abac_cache_hits_total counter\n")
		fmt.Fprintf(b, "abac_cache_hits_total %d\n", snap.CacheHits)

		b.WriteString("# HELP abac_cache_misses_total policy cache snapshot required a refresh\n")
		b.WriteString("# TYPE abac_cache_misses_total counter\n")
		fmt.Fprintf(b, "abac_cache_misses_total %d\n", snap.CacheMisses)

		b.WriteString("# HELP abac_cache_refresh_latency_ms policy cache refresh latency in ms\n")
		b.WriteString("# TYPE abac_cache_refresh_latency_ms gauge\n")
		fmt.Fprintf(b, "abac_cache_refresh_latency_ms{stat=%q} %d\n", "last", snap.CacheRefreshLatencyMS.LastMS)
		fmt.Fprintf(b, "abac_cache_refresh_latency_ms{stat=%q} %.3f\n", "avg", snap.CacheRefreshLatencyMS.AvgMS)
		fmt.Fprintf(b, "abac_cache_refresh_latency_ms{stat=%q} %d\n", "max", snap.CacheRefreshLatencyMS.MaxMS)

		b.WriteString("# HELP abac_candidate_fan_in policies surviving PRP narrowing per decision\n")
		b.WriteString("# TYPE abac_candidate_fan_in gauge\n")
		fmt.Fprintf(b, "abac_candidate_fan_in{stat=%q} %d\n", "last", snap.CandidateFanIn.Last)
		fmt.Fprintf(b, "abac_candidate_fan_in{stat=%q} %.3f\n", "avg", snap.CandidateFanIn.Avg)
		fmt.Fprintf(b, "abac_candidate_fan_in{stat=%q} %d\n", "max", snap.CandidateFanIn.Max)

		b.WriteString("# HELP abac_indeterminate_total decisions where a candidate policy rule was indeterminate\n")
		b.WriteString("# TYPE abac_indeterminate_total counter\n")
		fmt.Fprintf(b, "abac_indeterminate_total %d\n", snap.IndeterminateTotal)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
