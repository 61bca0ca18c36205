// Package metrics is a dependency-free registry for the gateway's operational
// counters, exposed both as JSON and in Prometheus text format.
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
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	denial      map[string]int64
	transition  map[string]int64
	violation   map[string]int64
	gauges      map[string]float64
	authOutcome map[string]int64
	Histograms  *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt  string                  `json:"generated_at"`
	Endpoints    map[string]EndpointStat `json:"endpoints"`
	Denials      map[string]int64        `json:"denials"`
	Transitions  map[string]int64        `json:"transitions"`
	Violations   map[string]int64        `json:"violations"`
	AuthOutcomes map[string]int64        `json:"auth_outcomes"`
	Gauges       map[string]float64      `json:"gauges"`
	Histograms   []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		denial:      map[string]int64{},
		transition:  map[string]int64{},
		violation:   map[string]int64{},
		gauges:      map[string]float64{},
		authOutcome: map[string]int64{},
		Histograms:  NewHistogramRegistry(),
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

// IncDenial counts one guard rejection by its stable code.
func (r *Registry) IncDenial(code string) {
	if code == "" {
		return
	}
	r.mu.Lock()
	r.denial[code]++
	r.mu.Unlock()
}

// IncTransition counts one lifecycle transition keyed "from|to|reason".
func (r *Registry) IncTransition(from, to, reason string) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unknown"
	}
	key := from + "|" + to + "|" + reason
	r.mu.Lock()
	r.transition[key]++
	r.mu.Unlock()
}

// IncViolation counts one recorded policy violation by type.
func (r *Registry) IncViolation(vtype string) {
	if vtype == "" {
		return
	}
	r.mu.Lock()
	r.violation[vtype]++
	r.mu.Unlock()
}

// IncAuthOutcome counts credential resolutions: "api_key", "access_token",
// "expired", "rejected".
func (r *Registry) IncAuthOutcome(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.authOutcome[outcome]++
	r.mu.Unlock()
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
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Endpoints:    make(map[string]EndpointStat, len(r.endpoint)),
		Denials:      make(map[string]int64, len(r.denial)),
		Transitions:  make(map[string]int64, len(r.transition)),
		Violations:   make(map[string]int64, len(r.violation)),
		AuthOutcomes: make(map[string]int64, len(r.authOutcome)),
		Gauges:       make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.denial {
		out.Denials[k] = v
	}
	for k, v := range r.transition {
		out.Transitions[k] = v
	}
	for k, v := range r.violation {
		out.Violations[k] = v
	}
	for k, v := range r.authOutcome {
		out.AuthOutcomes[k] = v
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
		b.WriteString("# HELP agentpress_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE agentpress_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "agentpress_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP agentpress_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE agentpress_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "agentpress_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP agentpress_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE agentpress_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "agentpress_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP agentpress_denial_total guard rejections by code\n")
		b.WriteString("# TYPE agentpress_denial_total counter\n")
		for _, code := range SortedKeys(snap.Denials) {
			fmt.Fprintf(b, "agentpress_denial_total{code=%q} %d\n", code, snap.Denials[code])
		}
		b.WriteString("# HELP agentpress_transition_total lifecycle transitions by edge and reason\n")
		b.WriteString("# TYPE agentpress_transition_total counter\n")
		for _, key := range SortedKeys(snap.Transitions) {
			parts := strings.SplitN(key, "|", 3)
			from, to, reason := parts[0], "", "unknown"
			if len(parts) > 1 {
				to = parts[1]
			}
			if len(parts) > 2 {
				reason = parts[2]
			}
			fmt.Fprintf(b, "agentpress_transition_total{from=%q,to=%q,reason=%q} %d\n", from, to, reason, snap.Transitions[key])
		}
		b.WriteString("# HELP agentpress_violation_total recorded policy violations by type\n")
		b.WriteString("# TYPE agentpress_violation_total counter\n")
		for _, vtype := range SortedKeys(snap.Violations) {
			fmt.Fprintf(b, "agentpress_violation_total{type=%q} %d\n", vtype, snap.Violations[vtype])
		}
		b.WriteString("# HELP agentpress_auth_total credential resolutions by outcome\n")
		b.WriteString("# TYPE agentpress_auth_total counter\n")
		for _, outcome := range SortedKeys(snap.AuthOutcomes) {
			fmt.Fprintf(b, "agentpress_auth_total{outcome=%q} %d\n", outcome, snap.AuthOutcomes[outcome])
		}
		b.WriteString("# HELP agentpress_gauge operational gauge metrics\n")
		b.WriteString("# TYPE agentpress_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "agentpress_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP agentpress_latency_seconds latency histogram\n")
			b.WriteString("# TYPE agentpress_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "agentpress_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "agentpress_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "agentpress_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "agentpress_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "agentpress_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "agentpress_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "agentpress_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
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
