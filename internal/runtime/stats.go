package runtime

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	rterrors "github.com/fly-cli/flybridge/internal/runtime/errors"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// OperationStats tracks request outcomes for a single operation. Counters
// cover the dispatch path: a detached request counts as settled the moment
// its response is produced, even if the handler is still draining.
type OperationStats struct {
	mu sync.Mutex `json:"-"`

	operation string `json:"-"`

	Processed       uint64    `json:"processed"`
	Failed          uint64    `json:"failed"`
	Detached        uint64    `json:"detached"`
	TotalHandleTime int64     `json:"total_handle_time_ns"`
	LastHandledAt   time.Time `json:"last_handled_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	InFlight   InFlightMetrics   `json:"in_flight"`

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
}

// OperationInfo pairs an operation name with its live stats for snapshot
// listings.
type OperationInfo struct {
	Name  string          `json:"name"`
	Stats *OperationStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	RequestsInWindow uint64  `json:"requests_in_window"`
	TotalRequests    uint64  `json:"total_requests"`
}

// ErrorBreakdown counts failures by taxonomy kind.
type ErrorBreakdown struct {
	ByKind    map[string]uint64 `json:"by_kind,omitempty"`
	LastError string            `json:"last_error,omitempty"`
}

// Record counts one failure under its kind. A nil err is ignored.
func (e *ErrorBreakdown) Record(err *rterrors.Error) {
	if err == nil {
		return
	}
	if e.ByKind == nil {
		e.ByKind = make(map[string]uint64)
	}
	e.ByKind[string(err.Kind)]++
	e.LastError = err.Error()
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

type InFlightMetrics struct {
	Current   uint64 `json:"current"`
	HighWater uint64 `json:"high_water"`
}

// Stats aggregates per-operation counters for the server. Entries exist only
// for registered operations; requests naming anything else still count
// toward the server totals.
type Stats struct {
	mu        sync.Mutex
	startedAt time.Time
	requests  uint64
	failures  uint64
	ops       map[string]*OperationStats
}

// NewStats builds a collector with an entry per known operation name.
func NewStats(operations ...string) *Stats {
	s := &Stats{
		startedAt: time.Now().UTC(),
		ops:       make(map[string]*OperationStats, len(operations)),
	}
	for _, name := range operations {
		if name == "" {
			continue
		}
		if _, ok := s.ops[name]; !ok {
			s.ops[name] = newOperationStats(name)
		}
	}
	return s
}

func newOperationStats(name string) *OperationStats {
	return &OperationStats{
		operation:        name,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

// Track opens a measurement for one request and returns the function that
// closes it. The finish function must be called exactly once, when the
// request settles.
func (s *Stats) Track(operation string) func(elapsed time.Duration, err *rterrors.Error, detached bool) {
	if s == nil {
		return func(time.Duration, *rterrors.Error, bool) {}
	}

	s.mu.Lock()
	s.requests++
	op := s.ops[operation]
	s.mu.Unlock()

	if op != nil {
		op.begin()
	}

	return func(elapsed time.Duration, err *rterrors.Error, detached bool) {
		if err != nil {
			s.mu.Lock()
			s.failures++
			s.mu.Unlock()
		}
		if op != nil {
			op.finish(elapsed, err, detached)
		}
	}
}

func (o *OperationStats) begin() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.InFlight.Current++
	if o.InFlight.Current > o.InFlight.HighWater {
		o.InFlight.HighWater = o.InFlight.Current
	}
}

func (o *OperationStats) finish(elapsed time.Duration, err *rterrors.Error, detached bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.InFlight.Current > 0 {
		o.InFlight.Current--
	}

	o.Processed++
	if err != nil {
		o.Failed++
	}
	if detached {
		o.Detached++
	}
	o.TotalHandleTime += int64(elapsed)
	o.LastHandledAt = time.Now().UTC()

	if o.latencyWindow != nil {
		o.latencyWindow.Add(elapsed)
		snapshot := o.latencyWindow.Snapshot()
		snapshot.LastNs = int64(elapsed)
		if o.Processed > 0 {
			snapshot.AverageNs = o.TotalHandleTime / int64(o.Processed)
		}
		o.Latency = snapshot
	}

	if o.throughputWindow != nil {
		snapshot := o.throughputWindow.AddAndSnapshot(time.Now())
		o.Throughput.CurrentRPS = snapshot.CurrentRPS
		o.Throughput.WindowSeconds = snapshot.WindowSeconds
		o.Throughput.RequestsInWindow = uint64(snapshot.Count)
	}
	o.Throughput.TotalRequests = o.Processed

	o.Errors.Record(err)
}

// StatsSnapshot is the aggregate view served by the debug endpoint and the
// doctor operation.
type StatsSnapshot struct {
	StartedAt  time.Time       `json:"started_at"`
	Requests   uint64          `json:"requests"`
	Failures   uint64          `json:"failures"`
	Operations []OperationInfo `json:"operations"`
}

// Snapshot lists per-operation stats sorted by name. The returned entries
// point at live counters; marshalling them locks each one.
func (s *Stats) Snapshot() StatsSnapshot {
	if s == nil {
		return StatsSnapshot{}
	}

	s.mu.Lock()
	snap := StatsSnapshot{
		StartedAt:  s.startedAt,
		Requests:   s.requests,
		Failures:   s.failures,
		Operations: make([]OperationInfo, 0, len(s.ops)),
	}
	for name, op := range s.ops {
		snap.Operations = append(snap.Operations, OperationInfo{Name: name, Stats: op})
	}
	s.mu.Unlock()

	sort.Slice(snap.Operations, func(i, j int) bool {
		return snap.Operations[i].Name < snap.Operations[j].Name
	})
	return snap
}

func (o *OperationStats) MarshalJSON() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	type Alias OperationStats
	return json.Marshal((*Alias)(o))
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	if tw == nil || len(tw.samples) == 0 {
		return
	}
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if tw == nil || len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
