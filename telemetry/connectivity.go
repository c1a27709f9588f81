// Package telemetry records how the client's calls to the experiment server behave.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Call represents a single request to the server.
type Call struct {
	Timestamp time.Time
	Success   bool
	Latency   time.Duration
	Error     string
}

// Endpoint tracks the calls made by one operation (configure, open, upload, close).
type Endpoint struct {
	Operation string
	URL       string
	calls     []Call
}

// EndpointStats summarizes one operation over the last hour.
type EndpointStats struct {
	Operation    string        `json:"operation" yaml:"operation"`
	URL          string        `json:"url" yaml:"url"`
	Status       string        `json:"status" yaml:"status"`
	LastCall     time.Time     `json:"last_call" yaml:"last_call"`
	TotalCalls   int           `json:"total_calls" yaml:"total_calls"`
	SuccessRate  float64       `json:"success_rate" yaml:"success_rate"`
	P50          time.Duration `json:"p50" yaml:"p50"`
	P95          time.Duration `json:"p95" yaml:"p95"`
	P99          time.Duration `json:"p99" yaml:"p99"`
	RecentErrors []string      `json:"recent_errors,omitempty" yaml:"recent_errors,omitempty"`
}

// Tracker tracks connectivity per operation and mirrors every call into Prometheus.
type Tracker struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	now       func() time.Time
	metrics   *metrics
}

// NewTracker creates a tracker registering its collectors on reg.
// A nil reg gets a private registry.
func NewTracker(reg prometheus.Registerer) *Tracker {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Tracker{
		endpoints: make(map[string]*Endpoint),
		now:       time.Now,
		metrics:   newMetrics(reg),
	}
}

// TrackSuccess records a successful call.
func (t *Tracker) TrackSuccess(operation, url string, latency time.Duration) {
	t.track(operation, url, Call{Success: true, Latency: latency})
}

// TrackFailure records a failed call.
func (t *Tracker) TrackFailure(operation, url string, latency time.Duration, errorMsg string) {
	t.track(operation, url, Call{Latency: latency, Error: errorMsg})
}

func (t *Tracker) track(operation, url string, call Call) {
	if t == nil {
		return
	}
	t.metrics.observe(operation, call.Success, call.Latency)

	t.mu.Lock()
	defer t.mu.Unlock()

	call.Timestamp = t.now().UTC()
	ep := t.getOrCreate(operation)
	ep.URL = url
	ep.calls = append(ep.calls, call)
	t.prune(ep)
}

func (t *Tracker) getOrCreate(operation string) *Endpoint {
	if ep, ok := t.endpoints[operation]; ok {
		return ep
	}
	ep := &Endpoint{Operation: operation}
	t.endpoints[operation] = ep
	return ep
}

// prune drops calls older than one hour.
func (t *Tracker) prune(ep *Endpoint) {
	cutoff := t.now().Add(-1 * time.Hour)
	for i, call := range ep.calls {
		if call.Timestamp.After(cutoff) {
			ep.calls = ep.calls[i:]
			return
		}
	}
	ep.calls = nil
}

// Snapshot returns per-operation stats sorted by operation name.
func (t *Tracker) Snapshot() []EndpointStats {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := make([]EndpointStats, 0, len(t.endpoints))
	for _, ep := range t.endpoints {
		if len(ep.calls) == 0 {
			continue
		}

		s := EndpointStats{Operation: ep.Operation, URL: ep.URL, RecentErrors: []string{}}
		latencies := make([]time.Duration, 0, len(ep.calls))
		successes := 0
		for _, call := range ep.calls {
			s.TotalCalls++
			if call.Success {
				successes++
			} else if len(s.RecentErrors) < 5 {
				s.RecentErrors = append(s.RecentErrors, call.Error)
			}
			latencies = append(latencies, call.Latency)
			if call.Timestamp.After(s.LastCall) {
				s.LastCall = call.Timestamp
			}
		}

		s.SuccessRate = float64(successes) / float64(s.TotalCalls)
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		s.P50 = percentile(latencies, 0.50)
		s.P95 = percentile(latencies, 0.95)
		s.P99 = percentile(latencies, 0.99)

		switch {
		case s.SuccessRate < 0.9:
			s.Status = "unhealthy"
		case s.SuccessRate < 0.95:
			s.Status = "degraded"
		default:
			s.Status = "healthy"
		}
		stats = append(stats, s)
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].Operation < stats[j].Operation })
	return stats
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}
