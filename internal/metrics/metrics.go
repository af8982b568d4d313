// Package metrics collects the coordination core's in-process counters,
// gauges, and latency histograms, and exposes them as a JSON-friendly
// snapshot, a Prometheus text exposition, and a health check an admin
// surface can poll.
package metrics

import (
	"fmt"
	"strings"
	"sync"

	"github.com/montanaflynn/stats"

	"goa.design/agentcore/internal/config"
	"goa.design/agentcore/internal/telemetry"
)

// Counter is a monotonically increasing value.
type Counter struct {
	name string
	mu   sync.Mutex
	v    int64
}

func newCounter(name string) *Counter { return &Counter{name: name} }

// Inc adds n to the counter.
func (c *Counter) Inc(n int64) {
	c.mu.Lock()
	c.v += n
	c.mu.Unlock()
}

// Get returns the current value.
func (c *Counter) Get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

// Gauge is a value that can move up or down.
type Gauge struct {
	name string
	mu   sync.Mutex
	v    float64
}

func newGauge(name string) *Gauge { return &Gauge{name: name} }

// Set overwrites the gauge's value.
func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.v = v
	g.mu.Unlock()
}

// Inc adds n to the gauge.
func (g *Gauge) Inc(n float64) {
	g.mu.Lock()
	g.v += n
	g.mu.Unlock()
}

// Dec subtracts n from the gauge.
func (g *Gauge) Dec(n float64) {
	g.mu.Lock()
	g.v -= n
	g.mu.Unlock()
}

// Get returns the current value.
func (g *Gauge) Get() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.v
}

// maxObservations bounds each histogram's retained samples, matching the
// teacher's fixed-size deque so a long-lived process doesn't grow memory
// unbounded just to compute percentiles.
const maxObservations = 1000

// Histogram retains the last maxObservations samples and derives count,
// sum, average, and percentiles from them via montanaflynn/stats.
type Histogram struct {
	name string

	mu   sync.Mutex
	obs  []float64
	next int
	full bool
}

func newHistogram(name string) *Histogram {
	return &Histogram{name: name, obs: make([]float64, 0, maxObservations)}
}

// Observe records a sample, evicting the oldest once the ring fills.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.obs) < maxObservations {
		h.obs = append(h.obs, v)
		return
	}
	h.full = true
	h.obs[h.next] = v
	h.next = (h.next + 1) % maxObservations
}

func (h *Histogram) snapshot() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]float64, len(h.obs))
	copy(out, h.obs)
	return out
}

// Count returns the number of retained samples.
func (h *Histogram) Count() int {
	return len(h.snapshot())
}

// Sum returns the sum of retained samples.
func (h *Histogram) Sum() float64 {
	s, _ := stats.Sum(stats.Float64Data(h.snapshot()))
	return s
}

// Avg returns the mean of retained samples, or 0 if there are none.
func (h *Histogram) Avg() float64 {
	data := h.snapshot()
	if len(data) == 0 {
		return 0
	}
	m, err := stats.Mean(stats.Float64Data(data))
	if err != nil {
		return 0
	}
	return m
}

// Percentile returns the p-th percentile (0-100) of retained samples, or
// 0 if there are none.
func (h *Histogram) Percentile(p float64) float64 {
	data := h.snapshot()
	if len(data) == 0 {
		return 0
	}
	v, err := stats.Percentile(stats.Float64Data(data), p)
	if err != nil {
		return 0
	}
	return v
}

// Registry collects the fixed set of instruments the coordination core
// reports, in addition to whatever traces/OTEL metrics Telemetry forwards
// to the collector configured elsewhere.
type Registry struct {
	ActiveRuns    *Gauge
	OwnedRuns     *Gauge
	PendingWrites *Gauge

	RunsStarted   *Counter
	RunsCompleted *Counter
	RunsFailed    *Counter
	RunsRecovered *Counter
	WritesFlushed *Counter

	RunDuration  *Histogram
	FlushLatency *Histogram
	StepLatency  *Histogram

	// Telemetry, if set, also receives the counter increments and the
	// pending-writes and owned-runs gauge updates as OTEL metrics, so those
	// numbers surface through both the admin dashboard and whatever metrics
	// backend Telemetry is wired to. Histogram observations and the
	// active-runs gauge are kept in-process only.
	Telemetry telemetry.Metrics
}

// New returns a Registry with every instrument initialized to zero.
func New() *Registry {
	return &Registry{
		ActiveRuns:    newGauge("agentcore_active_runs"),
		OwnedRuns:     newGauge("agentcore_owned_runs"),
		PendingWrites: newGauge("agentcore_pending_writes"),

		RunsStarted:   newCounter("agentcore_runs_started"),
		RunsCompleted: newCounter("agentcore_runs_completed"),
		RunsFailed:    newCounter("agentcore_runs_failed"),
		RunsRecovered: newCounter("agentcore_runs_recovered"),
		WritesFlushed: newCounter("agentcore_writes_flushed"),

		RunDuration:  newHistogram("agentcore_run_duration_seconds"),
		FlushLatency: newHistogram("agentcore_flush_latency_seconds"),
		StepLatency:  newHistogram("agentcore_step_latency_seconds"),

		Telemetry: telemetry.NewNoopMetrics(),
	}
}

// RecordRunStarted marks a new run as active.
func (r *Registry) RecordRunStarted() {
	r.RunsStarted.Inc(1)
	r.ActiveRuns.Inc(1)
	r.Telemetry.IncCounter(r.RunsStarted.name, 1)
}

// RecordRunCompleted marks a run as finished successfully after duration.
func (r *Registry) RecordRunCompleted(durationSeconds float64) {
	r.RunsCompleted.Inc(1)
	r.ActiveRuns.Dec(1)
	r.RunDuration.Observe(durationSeconds)
	r.Telemetry.IncCounter(r.RunsCompleted.name, 1)
}

// RecordRunFailed marks a run as finished with an error after duration.
func (r *Registry) RecordRunFailed(durationSeconds float64) {
	r.RunsFailed.Inc(1)
	r.ActiveRuns.Dec(1)
	r.RunDuration.Observe(durationSeconds)
	r.Telemetry.IncCounter(r.RunsFailed.name, 1)
}

// RecordRunRecovered marks a run as having been reclaimed from an orphan.
func (r *Registry) RecordRunRecovered() {
	r.RunsRecovered.Inc(1)
	r.Telemetry.IncCounter(r.RunsRecovered.name, 1)
}

// RecordWritesFlushed records a completed flush of count WAL entries
// taking latencySeconds.
func (r *Registry) RecordWritesFlushed(count int, latencySeconds float64) {
	r.WritesFlushed.Inc(int64(count))
	r.FlushLatency.Observe(latencySeconds)
	r.Telemetry.IncCounter(r.WritesFlushed.name, float64(count))
}

// RecordStep records a single execution-engine turn's latency.
func (r *Registry) RecordStep(latencySeconds float64) {
	r.StepLatency.Observe(latencySeconds)
}

// UpdateBuffer sets the current pending-write gauge.
func (r *Registry) UpdateBuffer(pending int) {
	r.PendingWrites.Set(float64(pending))
	r.Telemetry.RecordGauge(r.PendingWrites.name, float64(pending))
}

// UpdateOwnership sets the current owned-runs gauge.
func (r *Registry) UpdateOwnership(owned int) {
	r.OwnedRuns.Set(float64(owned))
	r.Telemetry.RecordGauge(r.OwnedRuns.name, float64(owned))
}

// Snapshot is a JSON-friendly point-in-time view of every instrument.
type Snapshot struct {
	ActiveRuns    float64 `json:"active_runs"`
	OwnedRuns     float64 `json:"owned_runs"`
	PendingWrites float64 `json:"pending_writes"`

	RunsStarted   int64 `json:"runs_started"`
	RunsCompleted int64 `json:"runs_completed"`
	RunsFailed    int64 `json:"runs_failed"`
	RunsRecovered int64 `json:"runs_recovered"`
	WritesFlushed int64 `json:"writes_flushed"`

	RunDurationAvg  float64 `json:"run_duration_avg"`
	RunDurationP99  float64 `json:"run_duration_p99"`
	FlushLatencyAvg float64 `json:"flush_latency_avg"`
	FlushLatencyP99 float64 `json:"flush_latency_p99"`
	StepLatencyAvg  float64 `json:"step_latency_avg"`
	StepLatencyP99  float64 `json:"step_latency_p99"`
}

// ToSnapshot returns a Snapshot of every instrument's current value.
func (r *Registry) ToSnapshot() Snapshot {
	return Snapshot{
		ActiveRuns:    r.ActiveRuns.Get(),
		OwnedRuns:     r.OwnedRuns.Get(),
		PendingWrites: r.PendingWrites.Get(),

		RunsStarted:   r.RunsStarted.Get(),
		RunsCompleted: r.RunsCompleted.Get(),
		RunsFailed:    r.RunsFailed.Get(),
		RunsRecovered: r.RunsRecovered.Get(),
		WritesFlushed: r.WritesFlushed.Get(),

		RunDurationAvg:  r.RunDuration.Avg(),
		RunDurationP99:  r.RunDuration.Percentile(99),
		FlushLatencyAvg: r.FlushLatency.Avg(),
		FlushLatencyP99: r.FlushLatency.Percentile(99),
		StepLatencyAvg:  r.StepLatency.Avg(),
		StepLatencyP99:  r.StepLatency.Percentile(99),
	}
}

// ToPrometheus renders every instrument as Prometheus text exposition.
func (r *Registry) ToPrometheus() string {
	var b strings.Builder

	for _, g := range []*Gauge{r.ActiveRuns, r.OwnedRuns, r.PendingWrites} {
		fmt.Fprintf(&b, "# TYPE %s gauge\n%s %v\n", g.name, g.name, g.Get())
	}
	for _, c := range []*Counter{r.RunsStarted, r.RunsCompleted, r.RunsFailed, r.RunsRecovered, r.WritesFlushed} {
		fmt.Fprintf(&b, "# TYPE %s counter\n%s %d\n", c.name, c.name, c.Get())
	}
	for _, h := range []*Histogram{r.RunDuration, r.FlushLatency, r.StepLatency} {
		fmt.Fprintf(&b, "# TYPE %s histogram\n%s_count %d\n%s_sum %v\n", h.name, h.name, h.Count(), h.name, h.Sum())
	}

	return strings.TrimRight(b.String(), "\n")
}

// Alert is a single threshold breach surfaced by CheckHealth.
type Alert struct {
	Level  string  `json:"level"`
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
}

// Health is CheckHealth's result: whether any critical alert fired, the
// full alert list, and the snapshot the alerts were derived from.
type Health struct {
	Healthy bool     `json:"healthy"`
	Alerts  []Alert  `json:"alerts"`
	Metrics Snapshot `json:"metrics"`
}

// CheckHealth compares the current snapshot against cfg's warning
// thresholds and reports any breaches. Every breach here is a warning,
// not critical, mirroring the coordination core's stance that these are
// early signals rather than outage conditions; Healthy is false only if
// a future caller ever appends a critical-level alert.
func (r *Registry) CheckHealth(cfg *config.Config) Health {
	snap := r.ToSnapshot()
	var alerts []Alert

	if cfg.PendingWritesWarningThreshold > 0 && snap.PendingWrites > float64(cfg.PendingWritesWarningThreshold) {
		alerts = append(alerts, Alert{Level: "warning", Metric: "pending_writes", Value: snap.PendingWrites})
	}
	if cfg.FlushLatencyWarningThreshold > 0 && snap.FlushLatencyP99 > cfg.FlushLatencyWarningThreshold.Seconds() {
		alerts = append(alerts, Alert{Level: "warning", Metric: "flush_latency_p99", Value: snap.FlushLatencyP99})
	}
	if cfg.ActiveRunsWarningThreshold > 0 && snap.ActiveRuns > float64(cfg.ActiveRunsWarningThreshold) {
		alerts = append(alerts, Alert{Level: "warning", Metric: "active_runs", Value: snap.ActiveRuns})
	}

	healthy := true
	for _, a := range alerts {
		if a.Level == "critical" {
			healthy = false
			break
		}
	}

	return Health{Healthy: healthy, Alerts: alerts, Metrics: snap}
}
